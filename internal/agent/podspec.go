package agent

import (
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// LabelSession marks a pod with the session it runs.
	LabelSession = "forgeplane.io/session"

	agentContainerName = "agent"

	defaultCPURequest    = "500m"
	defaultCPULimit      = "2"
	defaultMemoryRequest = "1Gi"
	defaultMemoryLimit   = "4Gi"
)

// SessionPodSpec describes the pod for one agent session. APIToken is the
// agent's raw bearer token; it reaches the pod as an env var and nothing
// else.
type SessionPodSpec struct {
	SessionID   int64
	Provider    Provider
	Config      json.RawMessage
	Prompt      string
	APIToken    string
	PlatformURL string
	RepoURL     string
	Branch      string
	Namespace   string
	SecretEnv   map[string]string
}

// PodName is the deterministic pod name for a session.
func (s SessionPodSpec) PodName() string {
	return fmt.Sprintf("agent-session-%d", s.SessionID)
}

// BuildSessionPod translates a session spec into its pod. Stdin stays open
// so follow-up messages can be attached to the running agent.
func BuildSessionPod(spec SessionPodSpec) *corev1.Pod {
	env := []corev1.EnvVar{
		{Name: "SESSION_ID", Value: fmt.Sprintf("%d", spec.SessionID)},
		{Name: "API_TOKEN", Value: spec.APIToken},
		{Name: "PLATFORM_URL", Value: spec.PlatformURL},
		{Name: "REPO_URL", Value: spec.RepoURL},
		{Name: "BRANCH", Value: spec.Branch},
		{Name: "PROMPT", Value: spec.Prompt},
	}
	for k, v := range spec.Provider.Env(spec.Config) {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	for k, v := range spec.SecretEnv {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.PodName(),
			Namespace: spec.Namespace,
			Labels: map[string]string{
				"app.kubernetes.io/name": "forgeplane-agent",
				LabelSession:             fmt.Sprintf("%d", spec.SessionID),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:      agentContainerName,
					Image:     spec.Provider.Image(spec.Config),
					Env:       env,
					Stdin:     true,
					StdinOnce: false,
					Resources: corev1.ResourceRequirements{
						Requests: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse(defaultCPURequest),
							corev1.ResourceMemory: resource.MustParse(defaultMemoryRequest),
						},
						Limits: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse(defaultCPULimit),
							corev1.ResourceMemory: resource.MustParse(defaultMemoryLimit),
						},
					},
				},
			},
		},
	}
}
