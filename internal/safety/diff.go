package safety

import (
	"context"
	"os"

	"github.com/szaher/profilegate/internal/state"
)

// ContentReader fetches the current content of an addressable resource.
// The production reader resolves through the cache/API layer; tests and
// local runs use FileReader.
type ContentReader interface {
	Read(ctx context.Context, path string) (string, error)
}

// GenerateDiff pairs the current content at op.Path with the proposed
// content. Missing content yields an empty original; a read failure is
// treated the same way rather than blocking the dry run. Pure aside from
// the read.
func GenerateDiff(ctx context.Context, op Operation, reader ContentReader) state.Diff {
	original := ""
	if reader != nil {
		if content, err := reader.Read(ctx, op.Path); err == nil {
			original = content
		}
	}
	return state.Diff{
		Path:     op.Path,
		Original: original,
		Proposed: op.Content,
		Metadata: map[string]string{"tool": op.Tool},
	}
}

// FileReader reads resource content from the local filesystem.
type FileReader struct{}

// Read returns the file content at path, or an error when it does not
// exist or cannot be read.
func (FileReader) Read(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
