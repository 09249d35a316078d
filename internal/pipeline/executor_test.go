package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"forgeplane/control/internal/store"
)

// ---- fakes ----

type fakeExecStore struct {
	pipeline store.Pipeline
	project  store.Project
	steps    []store.PipelineStep

	claimed       bool
	finished      string
	stepResults   map[int64]store.StepResult
	skippedAfter  bool
	cancelled     bool
	deployUpsert  []string // environment values
	previewUpsert []string // branch values
	statusMid     string   // status reported between steps
}

func newFakeExecStore(steps ...store.PipelineStep) *fakeExecStore {
	return &fakeExecStore{
		pipeline: store.Pipeline{ID: 1, ProjectID: 9, GitRef: "refs/heads/main", CommitSHA: "abc123",
			Status: store.PipelineStatusPending},
		project:     store.Project{ID: 9, Name: "web-app", DefaultBranch: "main"},
		steps:       steps,
		stepResults: map[int64]store.StepResult{},
		statusMid:   store.PipelineStatusRunning,
	}
}

func (f *fakeExecStore) SelectPendingPipelines(context.Context, int) ([]int64, error) {
	return []int64{f.pipeline.ID}, nil
}

func (f *fakeExecStore) ClaimPipeline(_ context.Context, id int64) (store.Pipeline, bool, error) {
	if f.claimed {
		return store.Pipeline{}, false, nil
	}
	f.claimed = true
	return f.pipeline, true, nil
}

func (f *fakeExecStore) GetPipelineStatus(context.Context, int64) (string, error) {
	return f.statusMid, nil
}

func (f *fakeExecStore) CancelPipeline(context.Context, int64) (bool, error) {
	already := f.cancelled
	f.cancelled = true
	return !already, nil
}

func (f *fakeExecStore) ListSteps(context.Context, int64) ([]store.PipelineStep, error) {
	return f.steps, nil
}

func (f *fakeExecStore) MarkStepRunning(context.Context, int64) error { return nil }

func (f *fakeExecStore) FinishStep(_ context.Context, stepID int64, r store.StepResult) error {
	f.stepResults[stepID] = r
	return nil
}

func (f *fakeExecStore) SkipPendingSteps(context.Context, int64) error {
	f.skippedAfter = true
	return nil
}

func (f *fakeExecStore) FinishPipeline(_ context.Context, _ int64, status string) error {
	f.finished = status
	return nil
}

func (f *fakeExecStore) GetProject(context.Context, int64) (store.Project, error) {
	return f.project, nil
}

func (f *fakeExecStore) UpsertDeployment(_ context.Context, _ int64, environment, _ string) (store.Deployment, error) {
	f.deployUpsert = append(f.deployUpsert, environment)
	return store.Deployment{}, nil
}

func (f *fakeExecStore) UpsertPreview(_ context.Context, _ int64, branch, _, _ string, _ int) (store.PreviewDeployment, error) {
	f.previewUpsert = append(f.previewUpsert, branch)
	return store.PreviewDeployment{}, nil
}

type fakeRunner struct {
	exitCodes map[string]int // by step name
	ran       []string
	specs     []StepPodSpec
	deleted   bool
}

func (f *fakeRunner) RunStep(_ context.Context, spec StepPodSpec) (StepOutcome, error) {
	f.ran = append(f.ran, spec.StepName)
	f.specs = append(f.specs, spec)
	return StepOutcome{ExitCode: f.exitCodes[spec.StepName], Logs: []byte("step output\n")}, nil
}

func (f *fakeRunner) DeletePipelinePods(context.Context, string, int64) error {
	f.deleted = true
	return nil
}

type fakeSink struct{ keys []string }

func (f *fakeSink) Put(_ context.Context, key string, _ []byte, _ string) error {
	f.keys = append(f.keys, key)
	return nil
}

type fakeNotify struct{ statuses []string }

func (f *fakeNotify) PipelineFinished(_ context.Context, _ store.Pipeline, _, status string) {
	f.statuses = append(f.statuses, status)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func testExecutor(st *fakeExecStore, runner *fakeRunner, sink *fakeSink, n *fakeNotify) *Executor {
	return NewExecutor(st, runner, sink, n, nil, ExecutorConfig{
		Interval:        time.Second,
		Namespace:       "forgeplane-ci",
		RegistryURL:     "registry.platform.svc",
		PlatformURL:     "http://forgeplane.platform.svc",
		PreviewTTLHours: 24,
	}, make(chan struct{}, 1), slog.New(slog.DiscardHandler))
}

// ---- tests ----

func TestRunPipelineAllStepsSucceed(t *testing.T) {
	st := newFakeExecStore(
		store.PipelineStep{ID: 1, Name: "test", Image: "golang:1.25", Status: store.StepStatusPending, Commands: mustJSON(t, []string{"go test"})},
		store.PipelineStep{ID: 2, Name: "lint", Image: "golangci:v2", Status: store.StepStatusPending, Commands: mustJSON(t, []string{"lint"})},
	)
	runner := &fakeRunner{exitCodes: map[string]int{}}
	sink := &fakeSink{}
	notify := &fakeNotify{}

	if err := testExecutor(st, runner, sink, notify).runPipeline(context.Background(), 1); err != nil {
		t.Fatalf("runPipeline: %v", err)
	}
	if st.finished != store.PipelineStatusSuccess {
		t.Errorf("final status = %q, want success", st.finished)
	}
	if len(runner.ran) != 2 {
		t.Errorf("ran steps = %v, want both", runner.ran)
	}
	if len(sink.keys) != 2 || sink.keys[0] != "logs/pipelines/1/test.log" {
		t.Errorf("log keys = %v", sink.keys)
	}
	if len(notify.statuses) != 1 || notify.statuses[0] != store.PipelineStatusSuccess {
		t.Errorf("notified = %v", notify.statuses)
	}
}

func TestRunPipelineFailureSkipsRest(t *testing.T) {
	st := newFakeExecStore(
		store.PipelineStep{ID: 1, Name: "test", Image: "golang:1.25", Status: store.StepStatusPending, Commands: mustJSON(t, []string{"go test"})},
		store.PipelineStep{ID: 2, Name: "build", Image: "gcr.io/kaniko-project/executor", Status: store.StepStatusPending, Commands: mustJSON(t, []string{"build"})},
	)
	runner := &fakeRunner{exitCodes: map[string]int{"test": 1}}

	if err := testExecutor(st, runner, &fakeSink{}, &fakeNotify{}).runPipeline(context.Background(), 1); err != nil {
		t.Fatalf("runPipeline: %v", err)
	}
	if st.finished != store.PipelineStatusFailure {
		t.Errorf("final status = %q, want failure", st.finished)
	}
	if !st.skippedAfter {
		t.Error("pending steps should be skipped after a failure")
	}
	if len(runner.ran) != 1 {
		t.Errorf("ran steps = %v, want only the failing one", runner.ran)
	}
	if r := st.stepResults[1]; r.Status != store.StepStatusFailure || r.ExitCode == nil || *r.ExitCode != 1 {
		t.Errorf("step result = %+v", r)
	}
	if len(st.deployUpsert) != 0 {
		t.Error("failed pipeline must not upsert a deployment")
	}
}

func TestRunPipelineDefaultBranchBuildUpsertsDeployment(t *testing.T) {
	st := newFakeExecStore(
		store.PipelineStep{ID: 1, Name: "build", Image: "gcr.io/kaniko-project/executor", Status: store.StepStatusPending, Commands: mustJSON(t, []string{"build"})},
	)
	runner := &fakeRunner{exitCodes: map[string]int{}}

	if err := testExecutor(st, runner, &fakeSink{}, &fakeNotify{}).runPipeline(context.Background(), 1); err != nil {
		t.Fatalf("runPipeline: %v", err)
	}
	if len(st.deployUpsert) != 1 || st.deployUpsert[0] != "production" {
		t.Errorf("deploy upserts = %v, want [production]", st.deployUpsert)
	}
	if len(st.previewUpsert) != 0 {
		t.Errorf("preview upserts = %v, want none", st.previewUpsert)
	}
}

func TestRunPipelineFeatureBranchBuildUpsertsPreview(t *testing.T) {
	st := newFakeExecStore(
		store.PipelineStep{ID: 1, Name: "build", Image: "gcr.io/kaniko-project/executor", Status: store.StepStatusPending, Commands: mustJSON(t, []string{"build"})},
	)
	st.pipeline.GitRef = "refs/heads/feature/login"
	runner := &fakeRunner{exitCodes: map[string]int{}}

	if err := testExecutor(st, runner, &fakeSink{}, &fakeNotify{}).runPipeline(context.Background(), 1); err != nil {
		t.Fatalf("runPipeline: %v", err)
	}
	if len(st.previewUpsert) != 1 || st.previewUpsert[0] != "feature/login" {
		t.Errorf("preview upserts = %v, want [feature/login]", st.previewUpsert)
	}
	if len(st.deployUpsert) != 0 {
		t.Errorf("deploy upserts = %v, want none", st.deployUpsert)
	}
}

func TestRunPipelineObservesCancellation(t *testing.T) {
	st := newFakeExecStore(
		store.PipelineStep{ID: 1, Name: "test", Image: "golang:1.25", Status: store.StepStatusPending, Commands: mustJSON(t, []string{"go test"})},
	)
	st.statusMid = store.PipelineStatusCancelled
	runner := &fakeRunner{exitCodes: map[string]int{}}

	if err := testExecutor(st, runner, &fakeSink{}, &fakeNotify{}).runPipeline(context.Background(), 1); err != nil {
		t.Fatalf("runPipeline: %v", err)
	}
	if len(runner.ran) != 0 {
		t.Errorf("cancelled pipeline ran steps %v", runner.ran)
	}
	if st.finished != "" {
		t.Errorf("cancelled pipeline should keep its status, got %q", st.finished)
	}
}

func TestCancelIdempotent(t *testing.T) {
	st := newFakeExecStore()
	runner := &fakeRunner{exitCodes: map[string]int{}}
	e := testExecutor(st, runner, &fakeSink{}, &fakeNotify{})

	if err := e.Cancel(context.Background(), 1); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !st.skippedAfter || !runner.deleted {
		t.Error("first cancel should skip steps and delete pods")
	}

	runner.deleted = false
	if err := e.Cancel(context.Background(), 1); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if runner.deleted {
		t.Error("second cancel on a terminal pipeline should be a no-op")
	}
}

type fakeSecrets struct {
	env map[string]string
	err error
}

func (f *fakeSecrets) EnvFor(context.Context, int64, string) (map[string]string, error) {
	return f.env, f.err
}

func TestRunStepInjectsSecretEnv(t *testing.T) {
	st := newFakeExecStore(
		store.PipelineStep{ID: 1, Name: "test", Image: "golang:1.25", Status: store.StepStatusPending, Commands: mustJSON(t, []string{"go test"})},
	)
	runner := &fakeRunner{exitCodes: map[string]int{}}
	secrets := &fakeSecrets{env: map[string]string{"API_KEY": "s3cret"}}
	e := NewExecutor(st, runner, &fakeSink{}, &fakeNotify{}, secrets, ExecutorConfig{
		Interval: time.Second, Namespace: "forgeplane-ci",
	}, make(chan struct{}, 1), slog.New(slog.DiscardHandler))

	if err := e.runPipeline(context.Background(), 1); err != nil {
		t.Fatalf("runPipeline: %v", err)
	}
	if len(runner.specs) != 1 {
		t.Fatalf("specs = %d, want 1", len(runner.specs))
	}
	spec := runner.specs[0]
	if spec.Env["API_KEY"] != "s3cret" {
		t.Errorf("step env = %v, want injected secret", spec.Env)
	}
	if spec.Ref != "refs/heads/main" || spec.Branch != "main" {
		t.Errorf("ref = %q branch = %q", spec.Ref, spec.Branch)
	}
}

func TestRunStepSecretResolutionFailureFailsStep(t *testing.T) {
	st := newFakeExecStore(
		store.PipelineStep{ID: 1, Name: "test", Image: "golang:1.25", Status: store.StepStatusPending, Commands: mustJSON(t, []string{"go test"})},
	)
	runner := &fakeRunner{exitCodes: map[string]int{}}
	secrets := &fakeSecrets{err: context.DeadlineExceeded}
	e := NewExecutor(st, runner, &fakeSink{}, &fakeNotify{}, secrets, ExecutorConfig{
		Interval: time.Second, Namespace: "forgeplane-ci",
	}, make(chan struct{}, 1), slog.New(slog.DiscardHandler))

	if err := e.runPipeline(context.Background(), 1); err != nil {
		t.Fatalf("runPipeline: %v", err)
	}
	if len(runner.ran) != 0 {
		t.Error("step must not run without its secrets")
	}
	if st.finished != store.PipelineStatusFailure {
		t.Errorf("final status = %q, want failure", st.finished)
	}
}
