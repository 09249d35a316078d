package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"forgeplane/control/internal/gitrepo"
	"forgeplane/control/internal/objstore"
	"forgeplane/control/internal/preview"
	"forgeplane/control/internal/store"
)

// executorStore is the slice of the store the executor needs.
type executorStore interface {
	SelectPendingPipelines(ctx context.Context, limit int) ([]int64, error)
	ClaimPipeline(ctx context.Context, id int64) (store.Pipeline, bool, error)
	GetPipelineStatus(ctx context.Context, id int64) (string, error)
	CancelPipeline(ctx context.Context, id int64) (bool, error)
	ListSteps(ctx context.Context, pipelineID int64) ([]store.PipelineStep, error)
	MarkStepRunning(ctx context.Context, stepID int64) error
	FinishStep(ctx context.Context, stepID int64, r store.StepResult) error
	SkipPendingSteps(ctx context.Context, pipelineID int64) error
	FinishPipeline(ctx context.Context, id int64, status string) error
	GetProject(ctx context.Context, id int64) (store.Project, error)
	UpsertDeployment(ctx context.Context, projectID int64, environment, imageRef string) (store.Deployment, error)
	UpsertPreview(ctx context.Context, projectID int64, branch, branchSlug, imageRef string, ttlHours int) (store.PreviewDeployment, error)
}

// stepRunner runs one step pod to completion.
type stepRunner interface {
	RunStep(ctx context.Context, spec StepPodSpec) (StepOutcome, error)
	DeletePipelinePods(ctx context.Context, namespace string, pipelineID int64) error
}

// logSink persists captured step logs.
type logSink interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// finishNotifier is told about terminal pipelines so subscribers hear of them.
type finishNotifier interface {
	PipelineFinished(ctx context.Context, p store.Pipeline, projectName, status string)
}

// secretSource resolves the decrypted env map injected into step pods.
type secretSource interface {
	EnvFor(ctx context.Context, projectID int64, scope string) (map[string]string, error)
}

// ExecutorConfig carries the executor's tunables.
type ExecutorConfig struct {
	Interval        time.Duration
	Namespace       string
	RegistryURL     string
	PlatformURL     string
	PreviewTTLHours int
	ClaimBatch      int
}

// Executor drains pending pipelines and runs their steps sequentially.
// Multiple replicas may run; the conditional claim decides ownership.
type Executor struct {
	store    executorStore
	runner   stepRunner
	logs     logSink
	notifier finishNotifier
	secrets  secretSource
	cfg      ExecutorConfig
	wakeup   chan struct{}
	logger   *slog.Logger
}

// NewExecutor builds an Executor. The wakeup channel is shared with the
// trigger service so new pipelines start before the next tick.
func NewExecutor(st executorStore, runner stepRunner, logs logSink, notifier finishNotifier, secrets secretSource, cfg ExecutorConfig, wakeup chan struct{}, logger *slog.Logger) *Executor {
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 10
	}
	return &Executor{store: st, runner: runner, logs: logs, notifier: notifier,
		secrets: secrets, cfg: cfg, wakeup: wakeup, logger: logger}
}

// Run drives the executor until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	e.logger.Info("pipeline executor started", "interval", e.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("pipeline executor stopped")
			return
		case <-ticker.C:
		case <-e.wakeup:
		}
		e.tick(ctx)
	}
}

// tick claims and runs every pending pipeline it can.
func (e *Executor) tick(ctx context.Context) {
	ids, err := e.store.SelectPendingPipelines(ctx, e.cfg.ClaimBatch)
	if err != nil {
		e.logger.Error("selecting pending pipelines", "error", err)
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := e.runPipeline(ctx, id); err != nil {
			e.logger.Error("running pipeline", "pipeline_id", id, "error", err)
		}
	}
}

// runPipeline claims one pipeline and runs its steps in order. A step
// failure skips the rest; cancellation observed between steps stops the run
// without touching the terminal status the cancel already wrote.
func (e *Executor) runPipeline(ctx context.Context, id int64) error {
	p, ok, err := e.store.ClaimPipeline(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	proj, err := e.store.GetProject(ctx, p.ProjectID)
	if err != nil {
		e.store.FinishPipeline(ctx, id, store.PipelineStatusFailure)
		return err
	}
	steps, err := e.store.ListSteps(ctx, id)
	if err != nil {
		e.store.FinishPipeline(ctx, id, store.PipelineStatusFailure)
		return err
	}
	e.logger.Info("pipeline claimed", "pipeline_id", id, "project", proj.Name, "steps", len(steps))

	status := store.PipelineStatusSuccess
	builtImage := false
	for _, step := range steps {
		if step.Status != store.StepStatusPending {
			continue
		}
		current, err := e.store.GetPipelineStatus(ctx, id)
		if err == nil && current == store.PipelineStatusCancelled {
			e.logger.Info("pipeline cancelled mid-run", "pipeline_id", id)
			return nil
		}
		ok, err := e.runStep(ctx, p, proj, step)
		if err != nil {
			e.logger.Error("running step", "pipeline_id", id, "step", step.Name, "error", err)
			e.store.FinishStep(ctx, step.ID, store.StepResult{Status: store.StepStatusFailure})
			ok = false
		}
		if !ok {
			status = store.PipelineStatusFailure
			if err := e.store.SkipPendingSteps(ctx, id); err != nil {
				e.logger.Error("skipping pending steps", "pipeline_id", id, "error", err)
			}
			break
		}
		if (StepDef{Image: step.Image}).BuildsImage() {
			builtImage = true
		}
	}

	if err := e.store.FinishPipeline(ctx, id, status); err != nil {
		return err
	}
	e.logger.Info("pipeline finished", "pipeline_id", id, "status", status)

	if status == store.PipelineStatusSuccess && builtImage {
		e.recordBuiltImage(ctx, p, proj)
	}
	if e.notifier != nil {
		e.notifier.PipelineFinished(ctx, p, proj.Name, status)
	}
	return nil
}

// runStep runs one step pod and records its result. ok=false on nonzero exit.
func (e *Executor) runStep(ctx context.Context, p store.Pipeline, proj store.Project, step store.PipelineStep) (bool, error) {
	if err := e.store.MarkStepRunning(ctx, step.ID); err != nil {
		return false, err
	}
	var commands []string
	if err := json.Unmarshal(step.Commands, &commands); err != nil {
		return false, fmt.Errorf("decoding step commands: %w", err)
	}

	var env map[string]string
	if e.secrets != nil {
		resolved, err := e.secrets.EnvFor(ctx, p.ProjectID, store.SecretScopePipeline)
		if err != nil {
			return false, fmt.Errorf("resolving step secrets: %w", err)
		}
		env = resolved
	}

	started := time.Now()
	outcome, err := e.runner.RunStep(ctx, StepPodSpec{
		PipelineID:  p.ID,
		StepName:    step.Name,
		Image:       step.Image,
		Commands:    commands,
		Env:         env,
		Project:     proj.Name,
		CloneURL:    gitrepo.CloneURL(e.cfg.PlatformURL, proj.Name),
		Ref:         p.GitRef,
		Branch:      BranchName(p.GitRef),
		CommitSHA:   p.CommitSHA,
		Namespace:   e.cfg.Namespace,
		RegistryURL: e.cfg.RegistryURL,
	})
	if err != nil {
		return false, err
	}

	logRef := objstore.PipelineLogKey(p.ID, step.Name)
	if len(outcome.Logs) > 0 {
		if err := e.logs.Put(ctx, logRef, outcome.Logs, "text/plain"); err != nil {
			e.logger.Warn("storing step logs", "pipeline_id", p.ID, "step", step.Name, "error", err)
			logRef = ""
		}
	} else {
		logRef = ""
	}

	result := store.StepResult{
		Status:     store.StepStatusSuccess,
		ExitCode:   &outcome.ExitCode,
		DurationMS: time.Since(started).Milliseconds(),
		LogRef:     logRef,
	}
	if outcome.ExitCode != 0 {
		result.Status = store.StepStatusFailure
	}
	if err := e.store.FinishStep(ctx, step.ID, result); err != nil {
		return false, err
	}
	return result.Status == store.StepStatusSuccess, nil
}

// recordBuiltImage upserts the deployment the built image belongs to: the
// default branch feeds the production environment, any other branch a
// preview.
func (e *Executor) recordBuiltImage(ctx context.Context, p store.Pipeline, proj store.Project) {
	imageRef := fmt.Sprintf("%s/%s:%s", e.cfg.RegistryURL, proj.Name, p.CommitSHA)
	branch := BranchName(p.GitRef)
	if branch == proj.DefaultBranch {
		if _, err := e.store.UpsertDeployment(ctx, p.ProjectID, "production", imageRef); err != nil {
			e.logger.Error("upserting deployment", "pipeline_id", p.ID, "error", err)
			return
		}
		e.logger.Info("deployment updated from pipeline", "pipeline_id", p.ID, "image", imageRef)
		return
	}
	slug := preview.BranchSlug(branch)
	if _, err := e.store.UpsertPreview(ctx, p.ProjectID, branch, slug, imageRef, e.cfg.PreviewTTLHours); err != nil {
		e.logger.Error("upserting preview", "pipeline_id", p.ID, "error", err)
		return
	}
	e.logger.Info("preview requested from pipeline", "pipeline_id", p.ID, "branch", branch)
}

// Cancel stops a pipeline: terminal status first so the executor stops
// picking up steps, then pending steps skipped, then any running pods torn
// down. Cancelling a finished pipeline is a no-op.
func (e *Executor) Cancel(ctx context.Context, id int64) error {
	ok, err := e.store.CancelPipeline(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := e.store.SkipPendingSteps(ctx, id); err != nil {
		return err
	}
	if err := e.runner.DeletePipelinePods(ctx, e.cfg.Namespace, id); err != nil {
		return err
	}
	e.logger.Info("pipeline cancelled", "pipeline_id", id)
	return nil
}
