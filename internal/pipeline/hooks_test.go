package pipeline

import (
	"context"
	"log/slog"
	"testing"
)

type fakePreviewStopper struct {
	stopped []string
}

func (f *fakePreviewStopper) StopForBranch(_ context.Context, _ int64, branch string) error {
	f.stopped = append(f.stopped, branch)
	return nil
}

func TestHookListenerPush(t *testing.T) {
	svc, st, _, _ := newTestTrigger(map[string][]byte{
		defKey("abc123"): []byte(validDefinition),
	})
	l := NewHookListener(svc, nil, slog.New(slog.DiscardHandler))

	l.handle(context.Background(), []byte(`{"kind":"push","project_id":9,"branch":"main","commit_sha":"abc123"}`))
	if len(st.created) != 1 {
		t.Fatalf("created = %d, want 1", len(st.created))
	}
}

func TestHookListenerMergeStopsPreview(t *testing.T) {
	svc, _, _, _ := newTestTrigger(nil)
	stopper := &fakePreviewStopper{}
	l := NewHookListener(svc, stopper, slog.New(slog.DiscardHandler))

	l.handle(context.Background(), []byte(
		`{"kind":"merge_request","project_id":9,"action":"merge","source_branch":"feature/x","commit_sha":"abc123"}`))
	if len(stopper.stopped) != 1 || stopper.stopped[0] != "feature/x" {
		t.Errorf("stopped = %v, want [feature/x]", stopper.stopped)
	}
}

func TestHookListenerMalformedPayload(t *testing.T) {
	svc, st, _, _ := newTestTrigger(nil)
	l := NewHookListener(svc, nil, slog.New(slog.DiscardHandler))

	l.handle(context.Background(), []byte("not json"))
	l.handle(context.Background(), []byte(`{"kind":"tag"}`))
	if len(st.created) != 0 {
		t.Error("bad payloads must not create pipelines")
	}
}
