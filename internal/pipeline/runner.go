package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// podPollInterval is how often the runner checks a step pod's phase.
const podPollInterval = 3 * time.Second

// StepOutcome is the result of one executed step pod.
type StepOutcome struct {
	ExitCode int
	Logs     []byte
}

// PodRunner runs step pods to completion on the cluster.
type PodRunner struct {
	client kubernetes.Interface
	logger *slog.Logger
}

// NewPodRunner builds a PodRunner.
func NewPodRunner(client kubernetes.Interface, logger *slog.Logger) *PodRunner {
	return &PodRunner{client: client, logger: logger}
}

// RunStep creates the step pod, waits for a terminal phase, captures its
// logs, and deletes the pod. The pod is deleted even on error paths so a
// failed run never leaks pods.
func (r *PodRunner) RunStep(ctx context.Context, spec StepPodSpec) (StepOutcome, error) {
	pod := BuildStepPod(spec)
	pods := r.client.CoreV1().Pods(spec.Namespace)

	created, err := pods.Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return StepOutcome{}, fmt.Errorf("creating step pod %s: %w", pod.Name, err)
	}
	defer func() {
		delCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pods.Delete(delCtx, created.Name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
			r.logger.Warn("deleting step pod", "pod", created.Name, "error", err)
		}
	}()

	phase, err := r.waitTerminal(ctx, spec.Namespace, created.Name)
	if err != nil {
		return StepOutcome{}, err
	}

	logs, err := r.podLogs(ctx, spec.Namespace, created.Name)
	if err != nil {
		r.logger.Warn("reading step pod logs", "pod", created.Name, "error", err)
		logs = nil
	}

	out := StepOutcome{Logs: logs}
	if phase == corev1.PodFailed {
		out.ExitCode = r.exitCode(ctx, spec.Namespace, created.Name)
		if out.ExitCode == 0 {
			out.ExitCode = 1
		}
	}
	return out, nil
}

// waitTerminal polls the pod phase until Succeeded or Failed.
func (r *PodRunner) waitTerminal(ctx context.Context, namespace, name string) (corev1.PodPhase, error) {
	ticker := time.NewTicker(podPollInterval)
	defer ticker.Stop()
	for {
		pod, err := r.client.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return "", fmt.Errorf("polling step pod %s: %w", name, err)
		}
		switch pod.Status.Phase {
		case corev1.PodSucceeded, corev1.PodFailed:
			return pod.Status.Phase, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// podLogs reads the full log of the step container.
func (r *PodRunner) podLogs(ctx context.Context, namespace, name string) ([]byte, error) {
	req := r.client.CoreV1().Pods(namespace).GetLogs(name, &corev1.PodLogOptions{Container: StepContainerName})
	stream, err := req.Stream(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	return io.ReadAll(stream)
}

// exitCode extracts the step container's exit code, 0 if unreadable.
func (r *PodRunner) exitCode(ctx context.Context, namespace, name string) int {
	pod, err := r.client.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return 0
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name == StepContainerName && cs.State.Terminated != nil {
			return int(cs.State.Terminated.ExitCode)
		}
	}
	return 0
}

// DeletePipelinePods removes every pod labeled for a pipeline. Used by
// cancellation.
func (r *PodRunner) DeletePipelinePods(ctx context.Context, namespace string, pipelineID int64) error {
	selector := fmt.Sprintf("%s=%d", LabelPipeline, pipelineID)
	pods := r.client.CoreV1().Pods(namespace)
	list, err := pods.List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return fmt.Errorf("listing pods for pipeline %d: %w", pipelineID, err)
	}
	for _, pod := range list.Items {
		if err := pods.Delete(ctx, pod.Name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("deleting pod %s: %w", pod.Name, err)
		}
	}
	return nil
}
