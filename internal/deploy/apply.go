package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/yaml"
)

const (
	// FieldManager identifies this controller's server-side apply ownership.
	FieldManager = "forgeplane-deployer"

	// availableTimeout bounds the wait for a Deployment to report Available.
	availableTimeout = 5 * time.Minute
	availablePoll    = 5 * time.Second
)

// Applier pushes rendered manifests at the cluster with server-side apply.
type Applier struct {
	dyn    dynamic.Interface
	mapper meta.RESTMapper
	client kubernetes.Interface
}

// NewApplier builds an Applier.
func NewApplier(dyn dynamic.Interface, mapper meta.RESTMapper, client kubernetes.Interface) *Applier {
	return &Applier{dyn: dyn, mapper: mapper, client: client}
}

// AppliedObject identifies one object an apply touched.
type AppliedObject struct {
	Kind      string
	Name      string
	Namespace string
}

// ApplyDocs applies each YAML document server-side, forcing ownership of
// fields other managers may have touched.
func (a *Applier) ApplyDocs(ctx context.Context, docs []string, namespace string) ([]AppliedObject, error) {
	var applied []AppliedObject
	for _, doc := range docs {
		obj, err := decodeDoc(doc)
		if err != nil {
			return applied, err
		}
		dr, err := a.resourceFor(obj, namespace)
		if err != nil {
			return applied, err
		}
		data, err := json.Marshal(obj)
		if err != nil {
			return applied, fmt.Errorf("encoding %s/%s: %w", obj.GetKind(), obj.GetName(), err)
		}
		if _, err := dr.Patch(ctx, obj.GetName(), types.ApplyPatchType, data, metav1.PatchOptions{
			FieldManager: FieldManager,
			Force:        boolPtr(true),
		}); err != nil {
			return applied, fmt.Errorf("applying %s/%s: %w", obj.GetKind(), obj.GetName(), err)
		}
		applied = append(applied, AppliedObject{
			Kind: obj.GetKind(), Name: obj.GetName(), Namespace: obj.GetNamespace(),
		})
	}
	return applied, nil
}

// decodeDoc parses one YAML document into an unstructured object.
func decodeDoc(doc string) (*unstructured.Unstructured, error) {
	var obj unstructured.Unstructured
	if err := yaml.Unmarshal([]byte(doc), &obj.Object); err != nil {
		return nil, fmt.Errorf("decoding manifest document: %w", err)
	}
	if obj.GetKind() == "" || obj.GetName() == "" {
		return nil, fmt.Errorf("manifest document missing kind or name")
	}
	return &obj, nil
}

// resourceFor maps an object's GVK to a dynamic resource client, defaulting
// the namespace for namespaced kinds.
func (a *Applier) resourceFor(obj *unstructured.Unstructured, defaultNamespace string) (dynamic.ResourceInterface, error) {
	gvk := obj.GroupVersionKind()
	mapping, err := a.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return nil, fmt.Errorf("mapping %s: %w", gvk, err)
	}
	if mapping.Scope.Name() == meta.RESTScopeNameNamespace {
		ns := obj.GetNamespace()
		if ns == "" {
			ns = defaultNamespace
			obj.SetNamespace(ns)
		}
		return a.dyn.Resource(mapping.Resource).Namespace(ns), nil
	}
	return a.dyn.Resource(mapping.Resource), nil
}

// WaitAvailable blocks until every applied Deployment reports the Available
// condition, or the deadline passes.
func (a *Applier) WaitAvailable(ctx context.Context, applied []AppliedObject) error {
	ctx, cancel := context.WithTimeout(ctx, availableTimeout)
	defer cancel()
	for _, obj := range applied {
		if obj.Kind != "Deployment" {
			continue
		}
		if err := a.waitDeploymentAvailable(ctx, obj.Namespace, obj.Name); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) waitDeploymentAvailable(ctx context.Context, namespace, name string) error {
	ticker := time.NewTicker(availablePoll)
	defer ticker.Stop()
	for {
		dep, err := a.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("checking deployment %s/%s: %w", namespace, name, err)
		}
		if deploymentAvailable(dep) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("deployment %s/%s not available: %w", namespace, name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// deploymentAvailable reports whether the Available condition is True.
func deploymentAvailable(dep *appsv1.Deployment) bool {
	for _, cond := range dep.Status.Conditions {
		if cond.Type == appsv1.DeploymentAvailable && cond.Status == "True" {
			return true
		}
	}
	return false
}

// ScaleToZero stops a workload by patching its replica count. A missing
// deployment is fine: stopped means not running.
func (a *Applier) ScaleToZero(ctx context.Context, namespace, name string) error {
	patch := []byte(`{"spec":{"replicas":0}}`)
	_, err := a.client.AppsV1().Deployments(namespace).Patch(ctx, name,
		types.MergePatchType, patch, metav1.PatchOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scaling %s/%s to zero: %w", namespace, name, err)
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }
