package safety

import (
	"strings"
	"testing"
)

func TestValidateProfileUpdate(t *testing.T) {
	tests := []struct {
		name      string
		fields    map[string]string
		wantValid bool
		wantIssue string
	}{
		{
			name:      "clean update",
			fields:    map[string]string{"bio": "Platform engineer", "blog": "https://example.com", "email": "a@example.com"},
			wantValid: true,
		},
		{
			name:      "long bio is only a warning",
			fields:    map[string]string{"bio": strings.Repeat("x", 200)},
			wantValid: true,
			wantIssue: "bio",
		},
		{
			name:      "bad blog URL",
			fields:    map[string]string{"blog": "not-a-url"},
			wantValid: false,
			wantIssue: "blog",
		},
		{
			name:      "bad email",
			fields:    map[string]string{"email": "not-an-email"},
			wantValid: false,
			wantIssue: "email",
		},
		{
			name:      "empty optional fields are fine",
			fields:    map[string]string{"blog": "", "email": ""},
			wantValid: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ValidateProfileUpdate(tt.fields)
			if v.Valid != tt.wantValid {
				t.Errorf("Valid = %v, want %v (issues: %v)", v.Valid, tt.wantValid, v.Issues)
			}
			if tt.wantIssue != "" {
				found := false
				for _, issue := range v.Issues {
					if issue.Field == tt.wantIssue {
						found = true
					}
				}
				if !found {
					t.Errorf("expected an issue on field %q, got %v", tt.wantIssue, v.Issues)
				}
			}
		})
	}
}

func TestValidateRepositoryChanges(t *testing.T) {
	topics := make([]string, 25)
	for i := range topics {
		topics[i] = "topic"
	}

	v := ValidateRepositoryChanges([]RepositoryChange{
		{Name: "site", Description: strings.Repeat("d", 3000), Topics: []string{"go"}},
		{Name: "tool", Topics: topics},
	})

	if v.Valid {
		t.Error("too many topics is an error and must invalidate the change set")
	}
	if len(v.Issues) != 2 {
		t.Fatalf("expected 2 issues, got %v", v.Issues)
	}
	if v.Issues[0].Severity != "warning" || v.Issues[1].Severity != "error" {
		t.Errorf("unexpected severities: %v", v.Issues)
	}
}
