package deploy

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"forgeplane/control/internal/platerr"
	"forgeplane/control/internal/store"
)

// ---- fakes ----

type fakeDeployStore struct {
	deployment store.Deployment
	project    store.Project
	previous   *store.DeploymentHistory

	claimed   bool
	healthy   bool
	failed    bool
	stopped   bool
	imageSet  string
	history   []store.DeploymentHistory
}

func opsRepoID(id int64) *int64 { return &id }

func newFakeDeployStore(desired string) *fakeDeployStore {
	return &fakeDeployStore{
		deployment: store.Deployment{ID: 3, ProjectID: 9, Environment: "production",
			OpsRepoID: opsRepoID(1), ManifestPath: "app.yaml",
			ImageRef: "registry/web:abc", DesiredStatus: desired, CurrentStatus: store.CurrentPending},
		project: store.Project{ID: 9, Name: "web", DefaultBranch: "main"},
	}
}

func (f *fakeDeployStore) SelectReconcilable(context.Context, int) ([]store.Deployment, error) {
	return []store.Deployment{f.deployment}, nil
}

func (f *fakeDeployStore) ClaimDeployment(context.Context, int64) (store.Deployment, bool, error) {
	if f.claimed {
		return store.Deployment{}, false, nil
	}
	f.claimed = true
	return f.deployment, true, nil
}

func (f *fakeDeployStore) MarkDeployHealthy(_ context.Context, _ int64, _ string) error {
	f.healthy = true
	return nil
}

func (f *fakeDeployStore) MarkDeployFailed(context.Context, int64) error {
	f.failed = true
	return nil
}

func (f *fakeDeployStore) MarkDeployStopped(context.Context, int64) error {
	f.stopped = true
	return nil
}

func (f *fakeDeployStore) SetDeploymentImage(_ context.Context, _ int64, imageRef string) error {
	f.imageSet = imageRef
	return nil
}

func (f *fakeDeployStore) AppendHistory(_ context.Context, deploymentID int64, imageRef, manifestSHA, action, outcome, message string) error {
	f.history = append(f.history, store.DeploymentHistory{DeploymentID: deploymentID,
		ImageRef: imageRef, ManifestSHA: manifestSHA, Action: action, Outcome: outcome, Message: message})
	return nil
}

func (f *fakeDeployStore) PreviousSuccessfulDeploy(context.Context, int64) (store.DeploymentHistory, error) {
	if f.previous == nil {
		return store.DeploymentHistory{}, platerr.New(platerr.KindBadRequest, "no previous deployment")
	}
	return *f.previous, nil
}

func (f *fakeDeployStore) GetProject(context.Context, int64) (store.Project, error) {
	return f.project, nil
}

type fakeManifests struct{ dir string }

func (f *fakeManifests) WorkingCopy(context.Context, int64) (string, error) { return f.dir, nil }

type fakeDeployNotifier struct {
	events []string
}

func (f *fakeDeployNotifier) ProjectEvent(_ context.Context, _ int64, event string, _ any) {
	f.events = append(f.events, event)
}

type fakeApplier struct {
	appliedDocs []string
	scaled      []string
	waitErr     error
}

func (f *fakeApplier) ApplyDocs(_ context.Context, docs []string, namespace string) ([]AppliedObject, error) {
	f.appliedDocs = append(f.appliedDocs, docs...)
	var out []AppliedObject
	for _, doc := range docs {
		obj, err := decodeDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, AppliedObject{Kind: obj.GetKind(), Name: obj.GetName(), Namespace: namespace})
	}
	return out, nil
}

func (f *fakeApplier) WaitAvailable(context.Context, []AppliedObject) error { return f.waitErr }

func (f *fakeApplier) ScaleToZero(_ context.Context, namespace, name string) error {
	f.scaled = append(f.scaled, namespace+"/"+name)
	return nil
}

const testManifest = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: {{.project_name}}-{{.environment}}
spec:
  template:
    spec:
      containers:
        - name: app
          image: {{.image_ref}}
---
apiVersion: v1
kind: Service
metadata:
  name: {{.project_name}}
`

func writeManifest(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "app.yaml"), []byte(testManifest), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func testReconciler(st *fakeDeployStore, applier *fakeApplier, notifier *fakeDeployNotifier, dir string) *Reconciler {
	return NewReconciler(st, &fakeManifests{dir: dir}, applier, notifier,
		ReconcilerConfig{Interval: time.Second}, slog.New(slog.DiscardHandler))
}

// ---- tests ----

func TestReconcileActiveDeploys(t *testing.T) {
	st := newFakeDeployStore(store.DesiredActive)
	applier := &fakeApplier{}
	notifier := &fakeDeployNotifier{}
	testReconciler(st, applier, notifier, writeManifest(t)).reconcileOne(context.Background(), 3)

	if !st.healthy {
		t.Error("deployment should be marked healthy")
	}
	if len(applier.appliedDocs) != 2 {
		t.Errorf("applied %d docs, want 2", len(applier.appliedDocs))
	}
	if !strings.Contains(applier.appliedDocs[0], "image: registry/web:abc") {
		t.Errorf("rendered doc missing image ref: %s", applier.appliedDocs[0])
	}
	if len(st.history) != 1 || st.history[0].Action != store.HistoryActionDeploy || st.history[0].Outcome != store.HistoryOutcomeSuccess {
		t.Errorf("history = %+v", st.history)
	}
	if len(notifier.events) != 1 || notifier.events[0] != "deploy.completed" {
		t.Errorf("events = %v, want [deploy.completed]", notifier.events)
	}
}

func TestReconcileWaitFailureMarksFailed(t *testing.T) {
	st := newFakeDeployStore(store.DesiredActive)
	applier := &fakeApplier{waitErr: context.DeadlineExceeded}
	notifier := &fakeDeployNotifier{}
	testReconciler(st, applier, notifier, writeManifest(t)).reconcileOne(context.Background(), 3)

	if st.healthy {
		t.Error("unavailable deployment must not be marked healthy")
	}
	if !st.failed {
		t.Error("deployment should be marked failed")
	}
	if len(st.history) != 1 || st.history[0].Outcome != store.HistoryOutcomeFailure {
		t.Errorf("history = %+v", st.history)
	}
	if len(notifier.events) != 0 {
		t.Errorf("failed deploy must not fire webhooks, got %v", notifier.events)
	}
}

func TestReconcileRollback(t *testing.T) {
	st := newFakeDeployStore(store.DesiredRollback)
	st.previous = &store.DeploymentHistory{ImageRef: "registry/web:prev"}
	applier := &fakeApplier{}
	notifier := &fakeDeployNotifier{}
	testReconciler(st, applier, notifier, writeManifest(t)).reconcileOne(context.Background(), 3)

	if st.imageSet != "registry/web:prev" {
		t.Errorf("image set = %q, want previous image", st.imageSet)
	}
	if !st.healthy {
		t.Error("rollback should converge to healthy")
	}
	if !strings.Contains(applier.appliedDocs[0], "registry/web:prev") {
		t.Error("rollback should apply the previous image")
	}
	if len(st.history) != 1 || st.history[0].Action != store.HistoryActionRollback {
		t.Errorf("history = %+v", st.history)
	}
	if len(notifier.events) != 1 || notifier.events[0] != "deploy.completed" {
		t.Errorf("events = %v, want [deploy.completed]", notifier.events)
	}
}

func TestReconcileRollbackWithoutHistory(t *testing.T) {
	st := newFakeDeployStore(store.DesiredRollback)
	testReconciler(st, &fakeApplier{}, &fakeDeployNotifier{}, writeManifest(t)).reconcileOne(context.Background(), 3)

	if !st.failed {
		t.Error("rollback without history should mark failed")
	}
	if len(st.history) != 1 || !strings.Contains(st.history[0].Message, "no previous deployment") {
		t.Errorf("history = %+v, want refusal message", st.history)
	}
}

func TestReconcileStopScalesWorkloads(t *testing.T) {
	st := newFakeDeployStore(store.DesiredStopped)
	applier := &fakeApplier{}
	notifier := &fakeDeployNotifier{}
	testReconciler(st, applier, notifier, writeManifest(t)).reconcileOne(context.Background(), 3)

	if !st.stopped {
		t.Error("deployment should be marked stopped")
	}
	if len(applier.scaled) != 1 || applier.scaled[0] != "web-production/web-production" {
		t.Errorf("scaled = %v, want only the Deployment object", applier.scaled)
	}
	if len(applier.appliedDocs) != 0 {
		t.Error("stop must not apply manifests")
	}
	if len(notifier.events) != 1 || notifier.events[0] != "deploy.stopped" {
		t.Errorf("events = %v, want [deploy.stopped]", notifier.events)
	}
}

func TestReconcileClaimLost(t *testing.T) {
	st := newFakeDeployStore(store.DesiredActive)
	st.claimed = true
	applier := &fakeApplier{}
	notifier := &fakeDeployNotifier{}
	testReconciler(st, applier, notifier, writeManifest(t)).reconcileOne(context.Background(), 3)

	if len(applier.appliedDocs) != 0 || st.healthy || st.failed {
		t.Error("lost claim must be a no-op")
	}
}

func TestReconcileWithoutOpsRepoUsesFallback(t *testing.T) {
	st := newFakeDeployStore(store.DesiredActive)
	st.deployment.OpsRepoID = nil
	applier := &fakeApplier{}
	testReconciler(st, applier, &fakeDeployNotifier{}, writeManifest(t)).reconcileOne(context.Background(), 3)

	if st.failed {
		t.Error("deployment without an ops repo must not fail")
	}
	if !st.healthy {
		t.Error("fallback manifest should converge to healthy")
	}
	if len(applier.appliedDocs) != 1 {
		t.Fatalf("applied %d docs, want the fallback Deployment", len(applier.appliedDocs))
	}
	doc := applier.appliedDocs[0]
	if !strings.Contains(doc, "kind: Deployment") || !strings.Contains(doc, "image: registry/web:abc") {
		t.Errorf("fallback doc = %s", doc)
	}
}
