package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"forgeplane/control/internal/platerr"
	"forgeplane/control/internal/store"
)

// deployStore is the slice of the store the reconciler needs.
type deployStore interface {
	SelectReconcilable(ctx context.Context, limit int) ([]store.Deployment, error)
	ClaimDeployment(ctx context.Context, id int64) (store.Deployment, bool, error)
	MarkDeployHealthy(ctx context.Context, id int64, manifestSHA string) error
	MarkDeployFailed(ctx context.Context, id int64) error
	MarkDeployStopped(ctx context.Context, id int64) error
	SetDeploymentImage(ctx context.Context, id int64, imageRef string) error
	AppendHistory(ctx context.Context, deploymentID int64, imageRef, manifestSHA, action, outcome, message string) error
	PreviousSuccessfulDeploy(ctx context.Context, deploymentID int64) (store.DeploymentHistory, error)
	GetProject(ctx context.Context, id int64) (store.Project, error)
}

// manifestSource resolves ops repos into working copies.
type manifestSource interface {
	WorkingCopy(ctx context.Context, repoID int64) (string, error)
}

// clusterApplier is the apply surface the reconciler drives.
type clusterApplier interface {
	ApplyDocs(ctx context.Context, docs []string, namespace string) ([]AppliedObject, error)
	WaitAvailable(ctx context.Context, applied []AppliedObject) error
	ScaleToZero(ctx context.Context, namespace, name string) error
}

// deployNotifier fans deployment transitions out to project webhooks.
type deployNotifier interface {
	ProjectEvent(ctx context.Context, projectID int64, event string, payload any)
}

// ReconcilerConfig carries the reconciler's tunables.
type ReconcilerConfig struct {
	Interval   time.Duration
	ClaimBatch int
}

// Reconciler converges claimed deployments toward their desired status.
type Reconciler struct {
	store     deployStore
	manifests manifestSource
	applier   clusterApplier
	notifier  deployNotifier
	cfg       ReconcilerConfig
	logger    *slog.Logger
}

// NewReconciler builds a Reconciler.
func NewReconciler(st deployStore, manifests manifestSource, applier clusterApplier, notifier deployNotifier, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 10
	}
	return &Reconciler{store: st, manifests: manifests, applier: applier, notifier: notifier, cfg: cfg, logger: logger}
}

// Run drives the reconciler until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	r.logger.Info("deployment reconciler started", "interval", r.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("deployment reconciler stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	deployments, err := r.store.SelectReconcilable(ctx, r.cfg.ClaimBatch)
	if err != nil {
		r.logger.Error("selecting reconcilable deployments", "error", err)
		return
	}
	for _, d := range deployments {
		if ctx.Err() != nil {
			return
		}
		r.reconcileOne(ctx, d.ID)
	}
}

// reconcileOne claims a deployment and dispatches on its desired status.
// Errors mark the deployment failed with a failure history row; they never
// stop the loop.
func (r *Reconciler) reconcileOne(ctx context.Context, id int64) {
	d, ok, err := r.store.ClaimDeployment(ctx, id)
	if err != nil {
		r.logger.Error("claiming deployment", "deployment_id", id, "error", err)
		return
	}
	if !ok {
		return
	}

	var action string
	switch d.DesiredStatus {
	case store.DesiredActive:
		action = store.HistoryActionDeploy
		err = r.deploy(ctx, d, action)
	case store.DesiredRollback:
		action = store.HistoryActionRollback
		err = r.rollback(ctx, d)
	case store.DesiredStopped:
		action = store.HistoryActionStop
		err = r.stop(ctx, d)
	default:
		err = fmt.Errorf("unknown desired status %q", d.DesiredStatus)
	}
	if err != nil {
		r.logger.Error("reconciling deployment",
			"deployment_id", d.ID, "action", action, "error", err)
		if markErr := r.store.MarkDeployFailed(ctx, d.ID); markErr != nil {
			r.logger.Error("marking deployment failed", "deployment_id", d.ID, "error", markErr)
		}
		if histErr := r.store.AppendHistory(ctx, d.ID, d.ImageRef, "", action,
			store.HistoryOutcomeFailure, err.Error()); histErr != nil {
			r.logger.Error("recording failure history", "deployment_id", d.ID, "error", histErr)
		}
	}
}

// deploy renders and applies the deployment's manifests, waits for health,
// and records the outcome.
func (r *Reconciler) deploy(ctx context.Context, d store.Deployment, action string) error {
	docs, proj, err := r.renderDocs(ctx, d)
	if err != nil {
		return err
	}
	manifestSHA := docsSHA(docs)

	applied, err := r.applier.ApplyDocs(ctx, docs, workloadNamespace(proj.Name, d.Environment))
	if err != nil {
		return err
	}
	if err := r.applier.WaitAvailable(ctx, applied); err != nil {
		return err
	}
	if err := r.store.MarkDeployHealthy(ctx, d.ID, manifestSHA); err != nil {
		return err
	}
	if err := r.store.AppendHistory(ctx, d.ID, d.ImageRef, manifestSHA, action,
		store.HistoryOutcomeSuccess, ""); err != nil {
		return err
	}
	r.logger.Info("deployment healthy",
		"deployment_id", d.ID, "project", proj.Name, "environment", d.Environment, "image", d.ImageRef)
	if r.notifier != nil {
		r.notifier.ProjectEvent(ctx, d.ProjectID, "deploy.completed", map[string]any{
			"deployment_id": d.ID,
			"project":       proj.Name,
			"environment":   d.Environment,
			"image_ref":     d.ImageRef,
			"action":        action,
		})
	}
	return nil
}

// rollback rewinds to the previous successful image, then deploys it. With no
// successful history to rewind to, the rollback fails and the deployment is
// marked failed.
func (r *Reconciler) rollback(ctx context.Context, d store.Deployment) error {
	prev, err := r.store.PreviousSuccessfulDeploy(ctx, d.ID)
	if platerr.IsKind(err, platerr.KindBadRequest) {
		return fmt.Errorf("no previous deployment to roll back to")
	}
	if err != nil {
		return err
	}
	if err := r.store.SetDeploymentImage(ctx, d.ID, prev.ImageRef); err != nil {
		return err
	}
	d.ImageRef = prev.ImageRef
	return r.deploy(ctx, d, store.HistoryActionRollback)
}

// stop scales the deployment's workloads to zero. The manifests are rendered
// only to learn which Deployment objects exist.
func (r *Reconciler) stop(ctx context.Context, d store.Deployment) error {
	docs, proj, err := r.renderDocs(ctx, d)
	if err != nil {
		return err
	}
	ns := workloadNamespace(proj.Name, d.Environment)
	for _, doc := range docs {
		obj, err := decodeDoc(doc)
		if err != nil {
			return err
		}
		if obj.GetKind() != "Deployment" {
			continue
		}
		name := obj.GetName()
		if objNS := obj.GetNamespace(); objNS != "" {
			if err := r.applier.ScaleToZero(ctx, objNS, name); err != nil {
				return err
			}
			continue
		}
		if err := r.applier.ScaleToZero(ctx, ns, name); err != nil {
			return err
		}
	}
	if err := r.store.MarkDeployStopped(ctx, d.ID); err != nil {
		return err
	}
	if err := r.store.AppendHistory(ctx, d.ID, d.ImageRef, "", store.HistoryActionStop,
		store.HistoryOutcomeSuccess, ""); err != nil {
		return err
	}
	r.logger.Info("deployment stopped", "deployment_id", d.ID, "project", proj.Name)
	if r.notifier != nil {
		r.notifier.ProjectEvent(ctx, d.ProjectID, "deploy.stopped", map[string]any{
			"deployment_id": d.ID,
			"project":       proj.Name,
			"environment":   d.Environment,
		})
	}
	return nil
}

// renderDocs resolves the ops repo, renders the manifest template, and splits
// it into documents. A deployment without an ops repo gets the fallback
// single-container manifest.
func (r *Reconciler) renderDocs(ctx context.Context, d store.Deployment) ([]string, store.Project, error) {
	proj, err := r.store.GetProject(ctx, d.ProjectID)
	if err != nil {
		return nil, store.Project{}, err
	}
	if d.OpsRepoID == nil {
		return []string{fallbackManifest(proj.Name, d.Environment, d.ImageRef)}, proj, nil
	}
	dir, err := r.manifests.WorkingCopy(ctx, *d.OpsRepoID)
	if err != nil {
		return nil, proj, err
	}
	tmpl, err := ReadManifestTemplate(dir, d.ManifestPath)
	if err != nil {
		return nil, proj, err
	}
	var values map[string]any
	if len(d.ValuesOverride) > 0 {
		if err := d.ValuesOverride.Unmarshal(&values); err != nil {
			return nil, proj, fmt.Errorf("decoding values override: %w", err)
		}
	}
	rendered, err := RenderManifest(tmpl, RenderContext{
		ImageRef:    d.ImageRef,
		ProjectName: proj.Name,
		Environment: d.Environment,
		Values:      values,
	})
	if err != nil {
		return nil, proj, err
	}
	docs := SplitDocs(rendered)
	if len(docs) == 0 {
		return nil, proj, fmt.Errorf("manifest template rendered no documents")
	}
	return docs, proj, nil
}

// fallbackManifest is the minimal workload for projects that never bound an
// ops repo: one Deployment running the built image.
func fallbackManifest(projectName, environment, imageRef string) string {
	name := projectName + "-" + environment
	return fmt.Sprintf(`apiVersion: apps/v1
kind: Deployment
metadata:
  name: %s
  labels:
    app.kubernetes.io/name: %s
spec:
  replicas: 1
  selector:
    matchLabels:
      app.kubernetes.io/name: %s
  template:
    metadata:
      labels:
        app.kubernetes.io/name: %s
    spec:
      containers:
        - name: app
          image: %s
`, name, projectName, projectName, projectName, imageRef)
}

// workloadNamespace is where a deployment's objects land when the manifest
// does not set one.
func workloadNamespace(projectName, environment string) string {
	return projectName + "-" + environment
}

// docsSHA fingerprints the rendered manifests for the history record.
func docsSHA(docs []string) string {
	sum := sha256.Sum256([]byte(strings.Join(docs, "\n---\n")))
	return hex.EncodeToString(sum[:])
}
