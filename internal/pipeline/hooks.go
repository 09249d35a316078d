package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// HookChannel is the redis channel the git server's post-receive hook
// publishes repository events on.
const HookChannel = "git:hooks"

// Hook event kinds.
const (
	HookPush         = "push"
	HookMergeRequest = "merge_request"
)

// HookEvent is the JSON payload published by the git server.
type HookEvent struct {
	Kind         string `json:"kind"`
	ProjectID    int64  `json:"project_id"`
	Branch       string `json:"branch,omitempty"`
	Action       string `json:"action,omitempty"`
	SourceBranch string `json:"source_branch,omitempty"`
	CommitSHA    string `json:"commit_sha"`
	UserID       *int64 `json:"user_id,omitempty"`
}

// previewStopper tears down the preview environment of a merged branch.
type previewStopper interface {
	StopForBranch(ctx context.Context, projectID int64, branch string) error
}

// HookListener consumes git hook events and turns them into pipeline runs
// and preview teardowns.
type HookListener struct {
	triggers *TriggerService
	previews previewStopper
	logger   *slog.Logger
}

func NewHookListener(triggers *TriggerService, previews previewStopper, logger *slog.Logger) *HookListener {
	return &HookListener{triggers: triggers, previews: previews, logger: logger}
}

// Run consumes events until ctx is cancelled or the subscription closes.
// Per-event failures are logged; the listener never stops on them.
func (l *HookListener) Run(ctx context.Context, events <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-events:
			if !ok {
				l.logger.Warn("hook subscription closed")
				return
			}
			l.handle(ctx, []byte(msg.Payload))
		}
	}
}

func (l *HookListener) handle(ctx context.Context, payload []byte) {
	var ev HookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		l.logger.Warn("malformed hook event", "error", err)
		return
	}
	switch ev.Kind {
	case HookPush:
		if _, err := l.triggers.OnPush(ctx, PushEvent{
			ProjectID: ev.ProjectID,
			Branch:    ev.Branch,
			CommitSHA: ev.CommitSHA,
			UserID:    ev.UserID,
		}); err != nil {
			l.logger.Error("push hook failed", "project_id", ev.ProjectID, "branch", ev.Branch, "error", err)
		}
	case HookMergeRequest:
		if _, err := l.triggers.OnMergeRequest(ctx, MREvent{
			ProjectID:    ev.ProjectID,
			Action:       ev.Action,
			SourceBranch: ev.SourceBranch,
			CommitSHA:    ev.CommitSHA,
			UserID:       ev.UserID,
		}); err != nil {
			l.logger.Error("merge request hook failed", "project_id", ev.ProjectID, "error", err)
		}
		if ev.Action == "merge" && l.previews != nil {
			if err := l.previews.StopForBranch(ctx, ev.ProjectID, ev.SourceBranch); err != nil {
				l.logger.Error("preview teardown failed", "project_id", ev.ProjectID, "branch", ev.SourceBranch, "error", err)
			}
		}
	default:
		l.logger.Warn("unknown hook kind", "kind", ev.Kind)
	}
}
