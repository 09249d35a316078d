package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
)

// K8sPodIO implements pod attach and log streaming against a real cluster.
type K8sPodIO struct {
	client kubernetes.Interface
	config *rest.Config
}

// NewK8sPodIO builds a K8sPodIO. The rest config is needed for the SPDY
// attach transport.
func NewK8sPodIO(client kubernetes.Interface, config *rest.Config) *K8sPodIO {
	return &K8sPodIO{client: client, config: config}
}

// AttachStdin attaches to the agent container and writes one message to its
// stdin.
func (k *K8sPodIO) AttachStdin(ctx context.Context, namespace, pod string, data []byte) error {
	req := k.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(namespace).
		Name(pod).
		SubResource("attach").
		VersionedParams(&corev1.PodAttachOptions{
			Container: agentContainerName,
			Stdin:     true,
			Stdout:    false,
			Stderr:    false,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(k.config, "POST", req.URL())
	if err != nil {
		return fmt.Errorf("building attach executor: %w", err)
	}
	if err := exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin: bytes.NewReader(data),
	}); err != nil {
		return fmt.Errorf("attaching stdin to %s/%s: %w", namespace, pod, err)
	}
	return nil
}

// FollowLogs opens a following log stream for the agent container.
func (k *K8sPodIO) FollowLogs(ctx context.Context, namespace, pod string) (io.ReadCloser, error) {
	req := k.client.CoreV1().Pods(namespace).GetLogs(pod, &corev1.PodLogOptions{
		Container: agentContainerName,
		Follow:    true,
	})
	return req.Stream(ctx)
}

// ReadLogs reads the full log of the agent container.
func (k *K8sPodIO) ReadLogs(ctx context.Context, namespace, pod string) ([]byte, error) {
	req := k.client.CoreV1().Pods(namespace).GetLogs(pod, &corev1.PodLogOptions{
		Container: agentContainerName,
	})
	stream, err := req.Stream(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	return io.ReadAll(stream)
}
