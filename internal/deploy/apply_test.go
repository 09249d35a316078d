package deploy

import (
	"context"
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestDecodeDoc(t *testing.T) {
	obj, err := decodeDoc("apiVersion: v1\nkind: Service\nmetadata:\n  name: web")
	if err != nil {
		t.Fatalf("decodeDoc: %v", err)
	}
	if obj.GetKind() != "Service" || obj.GetName() != "web" {
		t.Errorf("decoded %s/%s", obj.GetKind(), obj.GetName())
	}

	if _, err := decodeDoc("apiVersion: v1\nkind: Service"); err == nil {
		t.Error("document without a name should be rejected")
	}
	if _, err := decodeDoc(": not yaml ["); err == nil {
		t.Error("invalid yaml should be rejected")
	}
}

func TestDeploymentAvailable(t *testing.T) {
	dep := &appsv1.Deployment{}
	if deploymentAvailable(dep) {
		t.Error("no conditions means not available")
	}
	dep.Status.Conditions = []appsv1.DeploymentCondition{
		{Type: appsv1.DeploymentProgressing, Status: corev1.ConditionTrue},
		{Type: appsv1.DeploymentAvailable, Status: corev1.ConditionTrue},
	}
	if !deploymentAvailable(dep) {
		t.Error("Available=True should report available")
	}
}

func TestWaitAvailableSkipsNonDeployments(t *testing.T) {
	a := NewApplier(nil, nil, fake.NewClientset())
	err := a.WaitAvailable(context.Background(), []AppliedObject{
		{Kind: "Service", Name: "web", Namespace: "ns"},
		{Kind: "ConfigMap", Name: "cfg", Namespace: "ns"},
	})
	if err != nil {
		t.Errorf("WaitAvailable with no Deployments: %v", err)
	}
}

func TestWaitAvailableSeesCondition(t *testing.T) {
	clientset := fake.NewClientset(&appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "ns"},
		Status: appsv1.DeploymentStatus{
			Conditions: []appsv1.DeploymentCondition{
				{Type: appsv1.DeploymentAvailable, Status: corev1.ConditionTrue},
			},
		},
	})
	a := NewApplier(nil, nil, clientset)
	err := a.WaitAvailable(context.Background(), []AppliedObject{
		{Kind: "Deployment", Name: "web", Namespace: "ns"},
	})
	if err != nil {
		t.Errorf("WaitAvailable: %v", err)
	}
}

func TestScaleToZero(t *testing.T) {
	replicas := int32(3)
	clientset := fake.NewClientset(&appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "ns"},
		Spec:       appsv1.DeploymentSpec{Replicas: &replicas},
	})
	a := NewApplier(nil, nil, clientset)

	if err := a.ScaleToZero(context.Background(), "ns", "web"); err != nil {
		t.Fatalf("ScaleToZero: %v", err)
	}
	dep, _ := clientset.AppsV1().Deployments("ns").Get(context.Background(), "web", metav1.GetOptions{})
	if dep.Spec.Replicas == nil || *dep.Spec.Replicas != 0 {
		t.Errorf("replicas = %v, want 0", dep.Spec.Replicas)
	}

	if err := a.ScaleToZero(context.Background(), "ns", "absent"); err != nil {
		t.Errorf("scaling a missing deployment should be a no-op, got %v", err)
	}
}
