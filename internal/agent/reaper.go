package agent

import (
	"context"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"forgeplane/control/internal/store"
)

// reaperStore is the slice of the store the reaper needs.
type reaperStore interface {
	ListRunningSessions(ctx context.Context) ([]store.AgentSession, error)
}

// Reaper watches running sessions and finalizes the ones whose pods have
// reached a terminal phase or vanished.
type Reaper struct {
	store    reaperStore
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
}

// NewReaper builds a Reaper over the manager's finalization path.
func NewReaper(st reaperStore, manager *Manager, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{store: st, manager: manager, interval: interval, logger: logger}
}

// Run drives the reaper until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.Info("session reaper started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("session reaper stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reaper) tick(ctx context.Context) {
	sessions, err := r.store.ListRunningSessions(ctx)
	if err != nil {
		r.logger.Error("listing running sessions", "error", err)
		return
	}
	for _, sess := range sessions {
		if ctx.Err() != nil {
			return
		}
		r.reap(ctx, sess)
	}
}

// reap checks one session's pod. Transient lookup errors leave the session
// alone until the next tick.
func (r *Reaper) reap(ctx context.Context, sess store.AgentSession) {
	pod, err := r.manager.client.CoreV1().Pods(r.manager.cfg.Namespace).Get(ctx, sess.PodName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		r.finalizeAs(ctx, sess, store.SessionStatusFailed)
		return
	}
	if err != nil {
		r.logger.Warn("checking session pod", "session_id", sess.ID, "error", err)
		return
	}
	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		r.finalizeAs(ctx, sess, store.SessionStatusCompleted)
	case corev1.PodFailed:
		r.finalizeAs(ctx, sess, store.SessionStatusFailed)
	}
}

func (r *Reaper) finalizeAs(ctx context.Context, sess store.AgentSession, status string) {
	ok, err := r.manager.store.FinishSession(ctx, sess.ID, status)
	if err != nil {
		r.logger.Error("finishing session", "session_id", sess.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	r.manager.finalize(ctx, sess, status)
	r.logger.Info("session reaped", "session_id", sess.ID, "status", status)
}
