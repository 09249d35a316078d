package pipeline

import (
	"strings"
	"testing"
)

func testStepSpec() StepPodSpec {
	return StepPodSpec{
		PipelineID:  41,
		StepName:    "build",
		Image:       "golang:1.25",
		Commands:    []string{"go vet ./...", "go build ./..."},
		Project:     "web-app",
		CloneURL:    "http://forgeplane.platform.svc/git/web-app.git",
		Ref:         "refs/heads/main",
		Branch:      "main",
		CommitSHA:   "abc123",
		Namespace:   "forgeplane-ci",
		RegistryURL: "registry.platform.svc",
	}
}

func TestBuildStepPodShape(t *testing.T) {
	pod := BuildStepPod(testStepSpec())

	if pod.Name != "pipeline-41-build" {
		t.Errorf("pod name = %q, want pipeline-41-build", pod.Name)
	}
	if pod.Namespace != "forgeplane-ci" {
		t.Errorf("namespace = %q, want forgeplane-ci", pod.Namespace)
	}
	if got := pod.Labels[LabelPipeline]; got != "41" {
		t.Errorf("pipeline label = %q, want 41", got)
	}
	if len(pod.Spec.InitContainers) != 1 || pod.Spec.InitContainers[0].Name != InitCloneName {
		t.Fatalf("expected one init-clone container, got %+v", pod.Spec.InitContainers)
	}
	if len(pod.Spec.Containers) != 1 {
		t.Fatalf("expected one step container, got %d", len(pod.Spec.Containers))
	}
	step := pod.Spec.Containers[0]
	if step.Image != "golang:1.25" {
		t.Errorf("image = %q", step.Image)
	}
	if want := "go vet ./... && go build ./..."; !strings.Contains(step.Command[2], want) {
		t.Errorf("command %q does not join step commands", step.Command[2])
	}
	if step.Resources.Limits.Cpu().IsZero() {
		t.Error("step container has no cpu limit")
	}
}

func TestBuildStepPodEnv(t *testing.T) {
	pod := BuildStepPod(testStepSpec())
	env := map[string]string{}
	for _, e := range pod.Spec.Containers[0].Env {
		env[e.Name] = e.Value
	}
	want := map[string]string{
		"PIPELINE_ID":   "41",
		"STEP_NAME":     "build",
		"COMMIT_REF":    "refs/heads/main",
		"COMMIT_BRANCH": "main",
		"COMMIT_SHA":    "abc123",
		"PROJECT":       "web-app",
		"REGISTRY":      "registry.platform.svc",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("env %s = %q, want %q", k, env[k], v)
		}
	}
}

func TestInitCloneChecksOutCommit(t *testing.T) {
	pod := BuildStepPod(testStepSpec())
	script := pod.Spec.InitContainers[0].Command[2]
	if !strings.Contains(script, "git clone 'http://forgeplane.platform.svc/git/web-app.git'") {
		t.Errorf("clone script missing quoted url: %s", script)
	}
	if !strings.Contains(script, "git checkout --detach 'abc123'") {
		t.Errorf("clone script missing checkout: %s", script)
	}
}

func TestSanitizeName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"pipeline-1-Build Image", "pipeline-1-build-image"},
		{"pipeline-2-deploy/prod", "pipeline-2-deploy-prod"},
		{strings.Repeat("a", 70), strings.Repeat("a", 63)},
	}
	for _, tc := range cases {
		if got := sanitizeName(tc.in); got != tc.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote("it's"); got != `'it'\''s'` {
		t.Errorf("shellQuote = %q", got)
	}
}
