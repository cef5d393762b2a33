package state

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/szaher/profilegate/internal/testutil"
)

func newFakeEtcdBackend(fake *testutil.FakeEtcd) *EtcdBackend {
	return &EtcdBackend{
		client:    fake,
		prefix:    "profilegate/state/",
		retention: time.Hour,
		opTimeout: time.Second,
		logger:    slog.Default(),
	}
}

func mustSaveState(t *testing.T, b *EtcdBackend, taskID string) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	err := b.Save(context.Background(), &OptimizationState{
		TaskID:       taskID,
		DryRun:       true,
		Diffs:        []Diff{},
		SafetyChecks: map[string]bool{},
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		t.Fatalf("save %s: %v", taskID, err)
	}
}

func TestEtcdBackendSaveLoad(t *testing.T) {
	fake := testutil.NewFakeEtcd()
	b := newFakeEtcdBackend(fake)
	ctx := context.Background()

	mustSaveState(t, b, "task_01")

	st, err := b.Load(ctx, "task_01")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.TaskID != "task_01" || !st.DryRun {
		t.Errorf("unexpected state %+v", st)
	}
	if st.Diffs == nil || st.SafetyChecks == nil {
		t.Error("empty collections should round-trip non-nil")
	}
}

func TestEtcdBackendLoadMissing(t *testing.T) {
	b := newFakeEtcdBackend(testutil.NewFakeEtcd())

	_, err := b.Load(context.Background(), "task_absent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEtcdBackendMalformedRecord(t *testing.T) {
	fake := testutil.NewFakeEtcd()
	b := newFakeEtcdBackend(fake)
	ctx := context.Background()

	if _, err := fake.Put(ctx, b.key("task_01"), "{{{"); err != nil {
		t.Fatalf("seed malformed record: %v", err)
	}

	_, err := b.Load(ctx, "task_01")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("malformed record should surface as ErrNotFound, got %v", err)
	}
}

func TestEtcdBackendConcurrentCheckNotLost(t *testing.T) {
	fake := testutil.NewFakeEtcd()
	b := newFakeEtcdBackend(fake)
	ctx := context.Background()

	mustSaveState(t, b, "task_01")

	// Another process records a safety check between this writer's read
	// and its compare-and-swap, exactly once.
	conflicted := false
	fake.CommitHook = func() {
		if conflicted {
			return
		}
		conflicted = true

		data, ok := fake.Value(b.key("task_01"))
		if !ok {
			t.Error("record disappeared under the concurrent writer")
			return
		}
		var st OptimizationState
		if err := json.Unmarshal(data, &st); err != nil {
			t.Errorf("unmarshal under the concurrent writer: %v", err)
			return
		}
		st.SafetyChecks["license"] = true
		out, err := json.Marshal(&st)
		if err != nil {
			t.Errorf("marshal under the concurrent writer: %v", err)
			return
		}
		if _, err := fake.Put(context.Background(), b.key("task_01"), string(out)); err != nil {
			t.Errorf("competing write: %v", err)
		}
	}

	if err := b.SetDiffs(ctx, "task_01", []Diff{{Path: "README.md"}}); err != nil {
		t.Fatalf("set diffs: %v", err)
	}

	st, err := b.Load(ctx, "task_01")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(st.Diffs) != 1 || st.Diffs[0].Path != "README.md" {
		t.Errorf("diff update lost: %+v", st.Diffs)
	}
	// The retry must carry the competing writer's check forward instead of
	// overwriting it with the stale first read.
	if !st.SafetyChecks["license"] {
		t.Error("concurrent safety check was lost by the diff update")
	}
}

func TestEtcdBackendUpdateContentionExhausted(t *testing.T) {
	fake := testutil.NewFakeEtcd()
	b := newFakeEtcdBackend(fake)
	ctx := context.Background()

	mustSaveState(t, b, "task_01")

	data, _ := fake.Value(b.key("task_01"))
	fake.CommitHook = func() {
		if _, err := fake.Put(context.Background(), b.key("task_01"), string(data)); err != nil {
			t.Errorf("competing write: %v", err)
		}
	}

	err := b.SetSafetyCheck(ctx, "task_01", "license", true)
	testutil.AssertErrorContains(t, err, "compare-and-swap contention exhausted")
}

func TestEtcdBackendSetSafetyCheckMissingTask(t *testing.T) {
	b := newFakeEtcdBackend(testutil.NewFakeEtcd())

	err := b.SetSafetyCheck(context.Background(), "task_absent", "license", true)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEtcdBackendList(t *testing.T) {
	fake := testutil.NewFakeEtcd()
	b := newFakeEtcdBackend(fake)
	ctx := context.Background()

	mustSaveState(t, b, "task_b")
	mustSaveState(t, b, "task_a")
	if _, err := fake.Put(ctx, "profilegate/cache/unrelated", "x"); err != nil {
		t.Fatalf("seed unrelated key: %v", err)
	}

	ids, err := b.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != "task_a" || ids[1] != "task_b" {
		t.Errorf("expected sorted task IDs under the prefix, got %v", ids)
	}
}
