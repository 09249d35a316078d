package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"forgeplane/control/internal/platerr"
	"forgeplane/control/internal/store"
)

// WakeupChannel is the redis channel the trigger publishes to so executors on
// other replicas wake before their next tick.
const WakeupChannel = "pipeline:wakeup"

// repoReader reads pipeline definitions out of hosted repos.
type repoReader interface {
	FileAt(ctx context.Context, slug, ref, path string) ([]byte, error)
	ResolveRef(ctx context.Context, slug, ref string) (string, error)
}

// triggerStore is the slice of the store the trigger needs.
type triggerStore interface {
	GetProject(ctx context.Context, id int64) (store.Project, error)
	CreatePipeline(ctx context.Context, projectID int64, gitRef, commitSHA, trigger string, triggeredBy *int64, steps []store.NewStep) (store.Pipeline, error)
}

// publisher pushes wakeup notifications to peers.
type publisher interface {
	Publish(ctx context.Context, channel string, payload []byte)
}

// Trigger materializes pipeline runs from repository events.
type TriggerService struct {
	store  triggerStore
	repos  repoReader
	pub    publisher
	wakeup chan struct{}
	logger *slog.Logger
}

// NewTriggerService builds a TriggerService. The wakeup channel is shared
// with the in-process executor.
func NewTriggerService(st triggerStore, repos repoReader, pub publisher, wakeup chan struct{}, logger *slog.Logger) *TriggerService {
	return &TriggerService{store: st, repos: repos, pub: pub, wakeup: wakeup, logger: logger}
}

// PushEvent describes a branch push.
type PushEvent struct {
	ProjectID int64
	Branch    string
	CommitSHA string
	UserID    *int64
}

// MREvent describes a merge request action.
type MREvent struct {
	ProjectID    int64
	Action       string
	SourceBranch string
	CommitSHA    string
	UserID       *int64
}

// OnPush evaluates a push against the repo's pipeline definition. A repo with
// no definition, or a trigger that does not match, produces no run and no
// error.
func (t *TriggerService) OnPush(ctx context.Context, ev PushEvent) (*store.Pipeline, error) {
	def, err := t.loadDefinition(ctx, ev.ProjectID, ev.CommitSHA)
	if err != nil || def == nil {
		return nil, err
	}
	if !def.On.MatchesBranch(ev.Branch) {
		return nil, nil
	}
	return t.create(ctx, ev.ProjectID, BranchRef(ev.Branch), ev.CommitSHA, store.TriggerPush, ev.UserID, def)
}

// OnMergeRequest evaluates an MR action against the definition.
func (t *TriggerService) OnMergeRequest(ctx context.Context, ev MREvent) (*store.Pipeline, error) {
	def, err := t.loadDefinition(ctx, ev.ProjectID, ev.CommitSHA)
	if err != nil || def == nil {
		return nil, err
	}
	if !def.On.MatchesMRAction(ev.Action) {
		return nil, nil
	}
	return t.create(ctx, ev.ProjectID, BranchRef(ev.SourceBranch), ev.CommitSHA, store.TriggerMR, ev.UserID, def)
}

// Run starts a pipeline unconditionally on an explicit API request. A missing
// definition is a bad request here, unlike event-driven triggers.
func (t *TriggerService) Run(ctx context.Context, projectID int64, ref string, userID *int64) (*store.Pipeline, error) {
	proj, err := t.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	sha, err := t.repos.ResolveRef(ctx, proj.Name, ref)
	if err != nil {
		return nil, platerr.Wrap(platerr.KindBadRequest, "unresolvable ref", err)
	}
	def, err := t.loadDefinition(ctx, projectID, sha)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, platerr.New(platerr.KindBadRequest, "repository has no pipeline definition")
	}
	return t.create(ctx, projectID, BranchRef(ref), sha, store.TriggerAPI, userID, def)
}

func (t *TriggerService) loadDefinition(ctx context.Context, projectID int64, sha string) (*Definition, error) {
	proj, err := t.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	data, err := t.repos.FileAt(ctx, proj.Name, sha, DefinitionPath)
	if err != nil {
		// git show fails on both missing files and missing refs; neither
		// should surface as an event-handling error.
		return nil, nil
	}
	def, err := ParseDefinition(data)
	if err != nil {
		t.logger.Warn("invalid pipeline definition", "project_id", projectID, "sha", sha, "error", err)
		return nil, platerr.Wrap(platerr.KindValidation, "invalid pipeline definition", err)
	}
	return def, nil
}

func (t *TriggerService) create(ctx context.Context, projectID int64, ref, sha, trigger string, userID *int64, def *Definition) (*store.Pipeline, error) {
	steps := make([]store.NewStep, 0, len(def.Steps))
	for _, s := range def.Steps {
		cmds, err := json.Marshal(s.Commands)
		if err != nil {
			return nil, fmt.Errorf("encoding step commands: %w", err)
		}
		steps = append(steps, store.NewStep{Name: s.Name, Image: s.Image, Commands: cmds})
	}
	p, err := t.store.CreatePipeline(ctx, projectID, ref, sha, trigger, userID, steps)
	if err != nil {
		return nil, err
	}
	t.logger.Info("pipeline created",
		"pipeline_id", p.ID, "project_id", projectID, "ref", ref, "trigger", trigger)

	// Wake the local executor without blocking; peers hear it over redis.
	select {
	case t.wakeup <- struct{}{}:
	default:
	}
	if t.pub != nil {
		t.pub.Publish(ctx, WakeupChannel, fmt.Appendf(nil, "%d", p.ID))
	}
	return &p, nil
}

// BranchRef is the full git ref recorded for a branch. Already-qualified
// refs pass through.
func BranchRef(branch string) string {
	if strings.HasPrefix(branch, "refs/") {
		return branch
	}
	return "refs/heads/" + branch
}

// BranchName strips the heads prefix off a full ref.
func BranchName(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}
