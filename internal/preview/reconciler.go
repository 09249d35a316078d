package preview

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"

	"forgeplane/control/internal/platerr"
	"forgeplane/control/internal/store"
)

const (
	// LabelPreview marks every object a preview owns.
	LabelPreview = "forgeplane.io/preview"

	// FieldManager identifies this controller's server-side apply ownership.
	FieldManager = "forgeplane-previews"

	// pendingBatch caps how many previews one tick reconciles.
	pendingBatch = 5

	appName     = "app"
	servicePort = 80

	// Preview workloads get small fixed resource envelopes.
	previewCPURequest    = "100m"
	previewCPULimit      = "500m"
	previewMemoryRequest = "128Mi"
	previewMemoryLimit   = "512Mi"
)

// previewStore is the slice of the store the reconciler needs.
type previewStore interface {
	SelectPendingPreviews(ctx context.Context, limit int) ([]store.PreviewDeployment, error)
	SelectExpiredPreviews(ctx context.Context) ([]store.PreviewDeployment, error)
	SetPreviewStatus(ctx context.Context, id int64, current string) error
	StopPreview(ctx context.Context, id int64) error
	StopPreviewForBranch(ctx context.Context, projectID int64, branchSlug string) (store.PreviewDeployment, error)
	GetProject(ctx context.Context, id int64) (store.Project, error)
}

// Reconciler materializes pending previews as namespaced workloads and tears
// down expired ones.
type Reconciler struct {
	store    previewStore
	client   kubernetes.Interface
	interval time.Duration
	logger   *slog.Logger
}

// NewReconciler builds a Reconciler.
func NewReconciler(st previewStore, client kubernetes.Interface, interval time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: st, client: client, interval: interval, logger: logger}
}

// Run drives the reconciler until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.Info("preview reconciler started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("preview reconciler stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	pending, err := r.store.SelectPendingPreviews(ctx, pendingBatch)
	if err != nil {
		r.logger.Error("selecting pending previews", "error", err)
	} else {
		for _, p := range pending {
			if err := r.reconcile(ctx, p); err != nil {
				r.logger.Error("reconciling preview", "preview_id", p.ID, "error", err)
				if err := r.store.SetPreviewStatus(ctx, p.ID, store.CurrentFailed); err != nil {
					r.logger.Error("marking preview failed", "preview_id", p.ID, "error", err)
				}
			}
		}
	}

	expired, err := r.store.SelectExpiredPreviews(ctx)
	if err != nil {
		r.logger.Error("selecting expired previews", "error", err)
		return
	}
	for _, p := range expired {
		if err := r.teardown(ctx, p); err != nil {
			r.logger.Error("tearing down expired preview", "preview_id", p.ID, "error", err)
		}
	}
}

// reconcile ensures the preview's namespace, workload, and service exist with
// the current image.
func (r *Reconciler) reconcile(ctx context.Context, p store.PreviewDeployment) error {
	proj, err := r.store.GetProject(ctx, p.ProjectID)
	if err != nil {
		return err
	}
	ns := Namespace(proj.Name, p.BranchSlug)

	if err := r.ensureNamespace(ctx, ns, p); err != nil {
		return err
	}
	if err := r.applyWorkload(ctx, ns, p); err != nil {
		return err
	}
	if err := r.applyService(ctx, ns, p); err != nil {
		return err
	}
	if err := r.store.SetPreviewStatus(ctx, p.ID, store.CurrentHealthy); err != nil {
		return err
	}
	r.logger.Info("preview running",
		"preview_id", p.ID, "namespace", ns, "branch", p.Branch, "image", p.ImageRef)
	return nil
}

func previewLabels(p store.PreviewDeployment) map[string]string {
	return map[string]string{
		"app.kubernetes.io/name": appName,
		LabelPreview:             fmt.Sprintf("%d", p.ID),
	}
}

func (r *Reconciler) ensureNamespace(ctx context.Context, name string, p store.PreviewDeployment) error {
	_, err := r.client.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: previewLabels(p)},
	}, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("creating namespace %s: %w", name, err)
	}
	return nil
}

func (r *Reconciler) applyWorkload(ctx context.Context, ns string, p store.PreviewDeployment) error {
	replicas := int32(1)
	dep := &appsv1.Deployment{
		TypeMeta:   metav1.TypeMeta{APIVersion: "apps/v1", Kind: "Deployment"},
		ObjectMeta: metav1.ObjectMeta{Name: appName, Namespace: ns, Labels: previewLabels(p)},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app.kubernetes.io/name": appName}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: previewLabels(p)},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:  appName,
							Image: p.ImageRef,
							Ports: []corev1.ContainerPort{{ContainerPort: servicePort}},
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse(previewCPURequest),
									corev1.ResourceMemory: resource.MustParse(previewMemoryRequest),
								},
								Limits: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse(previewCPULimit),
									corev1.ResourceMemory: resource.MustParse(previewMemoryLimit),
								},
							},
						},
					},
				},
			},
		},
	}
	data, err := json.Marshal(dep)
	if err != nil {
		return fmt.Errorf("encoding preview workload: %w", err)
	}
	if _, err := r.client.AppsV1().Deployments(ns).Patch(ctx, appName, types.ApplyPatchType, data,
		metav1.PatchOptions{FieldManager: FieldManager, Force: boolPtr(true)}); err != nil {
		return fmt.Errorf("applying preview workload: %w", err)
	}
	return nil
}

func (r *Reconciler) applyService(ctx context.Context, ns string, p store.PreviewDeployment) error {
	svc := &corev1.Service{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Service"},
		ObjectMeta: metav1.ObjectMeta{Name: appName, Namespace: ns, Labels: previewLabels(p)},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: map[string]string{"app.kubernetes.io/name": appName},
			Ports: []corev1.ServicePort{
				{Port: servicePort, TargetPort: intstr.FromInt32(servicePort)},
			},
		},
	}
	data, err := json.Marshal(svc)
	if err != nil {
		return fmt.Errorf("encoding preview service: %w", err)
	}
	if _, err := r.client.CoreV1().Services(ns).Patch(ctx, appName, types.ApplyPatchType, data,
		metav1.PatchOptions{FieldManager: FieldManager, Force: boolPtr(true)}); err != nil {
		return fmt.Errorf("applying preview service: %w", err)
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }

// teardown stops a preview and deletes its namespace. A namespace already
// gone is success.
func (r *Reconciler) teardown(ctx context.Context, p store.PreviewDeployment) error {
	proj, err := r.store.GetProject(ctx, p.ProjectID)
	if err != nil {
		return err
	}
	if err := r.store.StopPreview(ctx, p.ID); err != nil {
		return err
	}
	ns := Namespace(proj.Name, p.BranchSlug)
	err = r.client.CoreV1().Namespaces().Delete(ctx, ns, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting preview namespace %s: %w", ns, err)
	}
	r.logger.Info("preview torn down", "preview_id", p.ID, "namespace", ns)
	return nil
}

// StopForBranch tears down the preview for a branch, typically on MR merge.
// No preview for the branch is a no-op.
func (r *Reconciler) StopForBranch(ctx context.Context, projectID int64, branch string) error {
	p, err := r.store.StopPreviewForBranch(ctx, projectID, BranchSlug(branch))
	if platerr.IsKind(err, platerr.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return r.teardown(ctx, p)
}
