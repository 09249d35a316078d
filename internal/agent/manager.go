package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"forgeplane/control/internal/gitrepo"
	"forgeplane/control/internal/identity"
	"forgeplane/control/internal/objstore"
	"forgeplane/control/internal/platerr"
	"forgeplane/control/internal/store"
)

// sessionStore is the slice of the store the manager needs.
type sessionStore interface {
	CreateSession(ctx context.Context, projectID, userID int64, prompt, provider string, providerConfig []byte, branch string) (store.AgentSession, error)
	GetSession(ctx context.Context, id int64) (store.AgentSession, error)
	SetSessionAgentUser(ctx context.Context, id, agentUserID int64) error
	MarkSessionRunning(ctx context.Context, id int64, podName string) error
	FinishSession(ctx context.Context, id int64, status string) (bool, error)
	AddSessionMessage(ctx context.Context, sessionID int64, role, kind, content string, metadata []byte) error
	GetProject(ctx context.Context, id int64) (store.Project, error)
}

// identityProvisioner provisions and tears down agent identities.
type identityProvisioner interface {
	Provision(ctx context.Context, sessionID, creatorID, projectID int64, extraPermissions []string) (identity.AgentIdentity, error)
	Cleanup(ctx context.Context, agentUserID, projectID int64) error
}

// podIO covers the interactive pod operations the manager needs beyond CRUD.
type podIO interface {
	AttachStdin(ctx context.Context, namespace, pod string, data []byte) error
	FollowLogs(ctx context.Context, namespace, pod string) (io.ReadCloser, error)
	ReadLogs(ctx context.Context, namespace, pod string) ([]byte, error)
}

// logSink persists captured transcripts.
type logSink interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// secretSource resolves the decrypted env map injected into session pods.
type secretSource interface {
	EnvFor(ctx context.Context, projectID int64, scope string) (map[string]string, error)
}

// sessionNotifier fans session transitions out to project webhooks.
type sessionNotifier interface {
	ProjectEvent(ctx context.Context, projectID int64, event string, payload any)
}

// ManagerConfig carries the manager's environment.
type ManagerConfig struct {
	Namespace   string
	PlatformURL string
}

// Manager owns the agent session lifecycle.
type Manager struct {
	store    sessionStore
	identity identityProvisioner
	client   kubernetes.Interface
	io       podIO
	logs     logSink
	secrets  secretSource
	notifier sessionNotifier
	cfg      ManagerConfig
	logger   *slog.Logger
}

// NewManager builds a Manager.
func NewManager(st sessionStore, prov identityProvisioner, client kubernetes.Interface, io podIO, logs logSink, secrets secretSource, notifier sessionNotifier, cfg ManagerConfig, logger *slog.Logger) *Manager {
	return &Manager{store: st, identity: prov, client: client, io: io, logs: logs, secrets: secrets, notifier: notifier, cfg: cfg, logger: logger}
}

// CreateSessionRequest describes a session to start.
type CreateSessionRequest struct {
	ProjectID        int64
	UserID           int64
	Prompt           string
	Provider         string
	Config           json.RawMessage
	Branch           string
	ExtraPermissions []string
}

// Create starts a session: row, ephemeral identity, pod, progress stream.
// The raw agent token goes into the pod env and is not retained here.
func (m *Manager) Create(ctx context.Context, req CreateSessionRequest) (store.AgentSession, error) {
	provider, err := Resolve(req.Provider)
	if err != nil {
		return store.AgentSession{}, err
	}
	proj, err := m.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return store.AgentSession{}, err
	}

	sess, err := m.store.CreateSession(ctx, req.ProjectID, req.UserID, req.Prompt, req.Provider, req.Config, req.Branch)
	if err != nil {
		return store.AgentSession{}, err
	}
	if err := m.store.AddSessionMessage(ctx, sess.ID, "user", "prompt", req.Prompt, nil); err != nil {
		m.logger.Warn("recording session prompt", "session_id", sess.ID, "error", err)
	}

	ident, err := m.identity.Provision(ctx, sess.ID, req.UserID, req.ProjectID, req.ExtraPermissions)
	if err != nil {
		m.store.FinishSession(ctx, sess.ID, store.SessionStatusFailed)
		return store.AgentSession{}, fmt.Errorf("provisioning agent identity: %w", err)
	}
	if err := m.store.SetSessionAgentUser(ctx, sess.ID, ident.UserID); err != nil {
		return store.AgentSession{}, err
	}

	var secretEnv map[string]string
	if m.secrets != nil {
		secretEnv, err = m.secrets.EnvFor(ctx, req.ProjectID, store.SecretScopeAgent)
		if err != nil {
			m.failAndCleanup(ctx, sess.ID, ident.UserID, req.ProjectID)
			return store.AgentSession{}, fmt.Errorf("resolving session secrets: %w", err)
		}
	}

	pod := BuildSessionPod(SessionPodSpec{
		SessionID:   sess.ID,
		Provider:    provider,
		Config:      req.Config,
		Prompt:      req.Prompt,
		APIToken:    ident.RawToken,
		PlatformURL: m.cfg.PlatformURL,
		RepoURL:     gitrepo.CloneURL(m.cfg.PlatformURL, proj.Name),
		Branch:      req.Branch,
		Namespace:   m.cfg.Namespace,
		SecretEnv:   secretEnv,
	})
	if _, err := m.client.CoreV1().Pods(m.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		m.failAndCleanup(ctx, sess.ID, ident.UserID, req.ProjectID)
		return store.AgentSession{}, fmt.Errorf("creating agent pod: %w", err)
	}
	if err := m.store.MarkSessionRunning(ctx, sess.ID, pod.Name); err != nil {
		return store.AgentSession{}, err
	}

	go m.streamProgress(context.WithoutCancel(ctx), sess.ID, pod.Name, provider)

	m.logger.Info("agent session started",
		"session_id", sess.ID, "project_id", req.ProjectID, "provider", req.Provider, "pod", pod.Name)
	sess.AgentUserID = &ident.UserID
	sess.PodName = pod.Name
	sess.Status = store.SessionStatusRunning
	return sess, nil
}

// SendMessage forwards a follow-up message to the running agent's stdin and
// records it in the transcript.
func (m *Manager) SendMessage(ctx context.Context, sessionID int64, content string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != store.SessionStatusRunning {
		return platerr.Newf(platerr.KindConflict, "session is %s, not running", sess.Status)
	}
	if err := m.io.AttachStdin(ctx, m.cfg.Namespace, sess.PodName, []byte(content+"\n")); err != nil {
		return fmt.Errorf("attaching to agent pod: %w", err)
	}
	return m.store.AddSessionMessage(ctx, sessionID, "user", "message", content, nil)
}

// Stop ends a session: terminal row first, then log capture, pod deletion,
// and identity teardown. Stopping a finished session is a no-op.
func (m *Manager) Stop(ctx context.Context, sessionID int64) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	ok, err := m.store.FinishSession(ctx, sessionID, store.SessionStatusStopped)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	m.finalize(ctx, sess, store.SessionStatusStopped)
	m.logger.Info("agent session stopped", "session_id", sessionID)
	return nil
}

// finalize captures the transcript, removes the pod, tears down the identity,
// and announces the terminal status. Each step is best-effort; a failed
// capture never blocks cleanup.
func (m *Manager) finalize(ctx context.Context, sess store.AgentSession, status string) {
	if sess.PodName != "" {
		if logs, err := m.io.ReadLogs(ctx, m.cfg.Namespace, sess.PodName); err != nil {
			m.logger.Warn("capturing session logs", "session_id", sess.ID, "error", err)
		} else if len(logs) > 0 {
			key := objstore.AgentLogKey(sess.ID)
			if err := m.logs.Put(ctx, key, logs, "text/plain"); err != nil {
				m.logger.Warn("storing session logs", "session_id", sess.ID, "error", err)
			}
		}
		err := m.client.CoreV1().Pods(m.cfg.Namespace).Delete(ctx, sess.PodName, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			m.logger.Warn("deleting session pod", "session_id", sess.ID, "error", err)
		}
	}
	if sess.AgentUserID != nil {
		if err := m.identity.Cleanup(ctx, *sess.AgentUserID, sess.ProjectID); err != nil {
			m.logger.Error("cleaning up agent identity", "session_id", sess.ID, "error", err)
		}
	}
	if m.notifier != nil {
		m.notifier.ProjectEvent(ctx, sess.ProjectID, "session.finished", map[string]any{
			"session_id": sess.ID,
			"provider":   sess.Provider,
			"status":     status,
		})
	}
}

// failAndCleanup marks a session failed and tears down its identity.
func (m *Manager) failAndCleanup(ctx context.Context, sessionID, agentUserID, projectID int64) {
	if _, err := m.store.FinishSession(ctx, sessionID, store.SessionStatusFailed); err != nil {
		m.logger.Error("marking session failed", "session_id", sessionID, "error", err)
	}
	if err := m.identity.Cleanup(ctx, agentUserID, projectID); err != nil {
		m.logger.Error("cleaning up agent identity", "session_id", sessionID, "error", err)
	}
}

// streamProgress follows the agent pod's output and persists each parsed
// progress event as an assistant message. It exits when the stream closes.
func (m *Manager) streamProgress(ctx context.Context, sessionID int64, podName string, provider Provider) {
	stream, err := m.io.FollowLogs(ctx, m.cfg.Namespace, podName)
	if err != nil {
		m.logger.Warn("following agent logs", "session_id", sessionID, "error", err)
		return
	}
	defer stream.Close()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		ev, ok := provider.ParseProgressLine(scanner.Text())
		if !ok {
			continue
		}
		if err := m.store.AddSessionMessage(ctx, sessionID, "assistant", ev.Kind, ev.Message, ev.Metadata); err != nil {
			m.logger.Warn("recording progress event", "session_id", sessionID, "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		m.logger.Warn("agent log stream ended", "session_id", sessionID, "error", err)
	}
}
