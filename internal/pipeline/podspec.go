package pipeline

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// Label keys for step pods.
	LabelApp      = "app.kubernetes.io/name"
	LabelAppValue = "forgeplane"
	LabelPipeline = "forgeplane.io/pipeline"
	LabelStep     = "forgeplane.io/step"

	// Volume and mount constants.
	VolumeWorkspace = "workspace"
	MountWorkspace  = "/workspace"

	// Container constants.
	StepContainerName = "step"
	InitCloneName     = "init-clone"
	InitCloneImage    = "public.ecr.aws/docker/library/alpine:3.20"

	// Default step resource values.
	DefaultCPURequest    = "500m"
	DefaultCPULimit      = "2"
	DefaultMemoryRequest = "512Mi"
	DefaultMemoryLimit   = "2Gi"
)

// StepPodSpec describes the pod for one pipeline step.
type StepPodSpec struct {
	PipelineID int64
	StepName   string
	Image      string
	Commands   []string
	Env        map[string]string

	Project   string
	CloneURL  string
	Ref       string
	Branch    string
	CommitSHA string

	Namespace   string
	RegistryURL string
}

// PodName is the deterministic pod name for a step.
func (s StepPodSpec) PodName() string {
	name := fmt.Sprintf("pipeline-%d-%s", s.PipelineID, s.StepName)
	return sanitizeName(name)
}

// sanitizeName lowercases and truncates a string to a valid pod name.
func sanitizeName(name string) string {
	name = strings.ToLower(name)
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > 63 {
		out = strings.TrimRight(out[:63], "-")
	}
	return out
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
// This prevents shell injection when interpolating values into shell scripts.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// buildInitCloneContainer creates an init container that clones the project
// repo into the workspace and checks out the pipeline's commit.
func buildInitCloneContainer(spec StepPodSpec) corev1.Container {
	qURL := shellQuote(spec.CloneURL)
	qSHA := shellQuote(spec.CommitSHA)
	script := fmt.Sprintf(`set -e
apk add --no-cache git
git clone %s %s/repo
cd %s/repo
git checkout --detach %s
`, qURL, MountWorkspace, MountWorkspace, qSHA)

	return corev1.Container{
		Name:    InitCloneName,
		Image:   InitCloneImage,
		Command: []string{"/bin/sh", "-c", script},
		VolumeMounts: []corev1.VolumeMount{
			{Name: VolumeWorkspace, MountPath: MountWorkspace},
		},
	}
}

// BuildStepPod translates a step spec into the pod that runs it. The step
// container runs the declared commands joined by && so the first failure
// stops the script with its exit code.
func BuildStepPod(spec StepPodSpec) *corev1.Pod {
	env := []corev1.EnvVar{
		{Name: "PIPELINE_ID", Value: fmt.Sprintf("%d", spec.PipelineID)},
		{Name: "STEP_NAME", Value: spec.StepName},
		{Name: "COMMIT_REF", Value: spec.Ref},
		{Name: "COMMIT_BRANCH", Value: spec.Branch},
		{Name: "COMMIT_SHA", Value: spec.CommitSHA},
		{Name: "PROJECT", Value: spec.Project},
		{Name: "REGISTRY", Value: spec.RegistryURL},
	}
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.PodName(),
			Namespace: spec.Namespace,
			Labels: map[string]string{
				LabelApp:      LabelAppValue,
				LabelPipeline: fmt.Sprintf("%d", spec.PipelineID),
				LabelStep:     sanitizeName(spec.StepName),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:  corev1.RestartPolicyNever,
			InitContainers: []corev1.Container{buildInitCloneContainer(spec)},
			Containers: []corev1.Container{
				{
					Name:       StepContainerName,
					Image:      spec.Image,
					WorkingDir: MountWorkspace + "/repo",
					Command:    []string{"/bin/sh", "-c", strings.Join(spec.Commands, " && ")},
					Env:        env,
					Resources: corev1.ResourceRequirements{
						Requests: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse(DefaultCPURequest),
							corev1.ResourceMemory: resource.MustParse(DefaultMemoryRequest),
						},
						Limits: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse(DefaultCPULimit),
							corev1.ResourceMemory: resource.MustParse(DefaultMemoryLimit),
						},
					},
					VolumeMounts: []corev1.VolumeMount{
						{Name: VolumeWorkspace, MountPath: MountWorkspace},
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: VolumeWorkspace,
					VolumeSource: corev1.VolumeSource{
						EmptyDir: &corev1.EmptyDirVolumeSource{},
					},
				},
			},
		},
	}
}
