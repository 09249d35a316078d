package pipeline

import (
	"context"
	"log/slog"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

// phaseOnCreate makes every created pod land in the given terminal phase so
// the poll loop returns immediately.
func phaseOnCreate(clientset *fake.Clientset, phase corev1.PodPhase, exitCode int32) {
	clientset.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		pod := action.(k8stesting.CreateAction).GetObject().(*corev1.Pod)
		pod.Status.Phase = phase
		pod.Status.ContainerStatuses = []corev1.ContainerStatus{
			{
				Name: StepContainerName,
				State: corev1.ContainerState{
					Terminated: &corev1.ContainerStateTerminated{ExitCode: exitCode},
				},
			},
		}
		return false, nil, nil
	})
}

func TestRunStepSucceeded(t *testing.T) {
	clientset := fake.NewClientset()
	phaseOnCreate(clientset, corev1.PodSucceeded, 0)
	r := NewPodRunner(clientset, slog.New(slog.DiscardHandler))

	outcome, err := r.RunStep(context.Background(), testStepSpec())
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if outcome.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", outcome.ExitCode)
	}

	pods, _ := clientset.CoreV1().Pods("forgeplane-ci").List(context.Background(), metav1.ListOptions{})
	if len(pods.Items) != 0 {
		t.Errorf("step pod should be deleted after the run, found %d", len(pods.Items))
	}
}

func TestRunStepFailedExitCode(t *testing.T) {
	clientset := fake.NewClientset()
	phaseOnCreate(clientset, corev1.PodFailed, 3)
	r := NewPodRunner(clientset, slog.New(slog.DiscardHandler))

	outcome, err := r.RunStep(context.Background(), testStepSpec())
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if outcome.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", outcome.ExitCode)
	}
}

func TestDeletePipelinePods(t *testing.T) {
	clientset := fake.NewClientset(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "pipeline-41-build",
			Namespace: "forgeplane-ci",
			Labels:    map[string]string{LabelPipeline: "41"},
		},
	})
	r := NewPodRunner(clientset, slog.New(slog.DiscardHandler))
	if err := r.DeletePipelinePods(context.Background(), "forgeplane-ci", 41); err != nil {
		t.Fatalf("DeletePipelinePods: %v", err)
	}
	pods, _ := clientset.CoreV1().Pods("forgeplane-ci").List(context.Background(), metav1.ListOptions{})
	if len(pods.Items) != 0 {
		t.Errorf("expected pods removed, found %d", len(pods.Items))
	}
}
