package pipeline

import (
	"strings"
	"testing"
)

const validDefinition = `
pipeline:
  steps:
    - name: test
      image: golang:1.25
      commands:
        - go test ./...
    - name: build
      image: gcr.io/kaniko-project/executor:latest
      commands:
        - /kaniko/executor --destination=$REGISTRY/$PROJECT:$COMMIT_SHA
  on:
    push:
      branches: ["main", "release/*"]
    mr:
      actions: ["open", "update"]
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(validDefinition))
	if err != nil {
		t.Fatalf("ParseDefinition: %v", err)
	}
	if len(def.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(def.Steps))
	}
	if def.Steps[0].Name != "test" || def.Steps[1].Name != "build" {
		t.Errorf("step names = %q, %q", def.Steps[0].Name, def.Steps[1].Name)
	}
	if def.On == nil || def.On.Push == nil || len(def.On.Push.Branches) != 2 {
		t.Errorf("push trigger = %+v, want 2 branch patterns", def.On)
	}
	if def.On.MR == nil || len(def.On.MR.Actions) != 2 {
		t.Errorf("mr trigger = %+v, want 2 actions", def.On)
	}
}

func TestParseDefinitionFlowStyle(t *testing.T) {
	file := `pipeline: { steps: [{name: build, image: alpine:3.19, commands: [echo hi]}], on: {push: {branches: [main]}}}`
	def, err := ParseDefinition([]byte(file))
	if err != nil {
		t.Fatalf("ParseDefinition: %v", err)
	}
	if len(def.Steps) != 1 || def.Steps[0].Name != "build" || def.Steps[0].Image != "alpine:3.19" {
		t.Errorf("steps = %+v", def.Steps)
	}
	if !def.On.MatchesBranch("main") {
		t.Error("push to main should match")
	}
	if def.On.MatchesBranch("dev") {
		t.Error("push to dev should not match")
	}
}

func TestParseDefinitionErrors(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"empty", "pipeline: {steps: []}", "no steps"},
		{"no pipeline key", "steps:\n  - name: a\n    image: x\n    commands: [a]", "no steps"},
		{"missing name", "pipeline:\n  steps:\n    - image: x\n      commands: [a]", "no name"},
		{"missing image", "pipeline:\n  steps:\n    - name: a\n      commands: [a]", "no image"},
		{"missing commands", "pipeline:\n  steps:\n    - name: a\n      image: x", "no commands"},
		{"duplicate names", "pipeline:\n  steps:\n    - name: a\n      image: x\n      commands: [a]\n    - name: a\n      image: x\n      commands: [a]", "duplicate"},
		{"not yaml", "{{{", "parsing"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestMatchesBranch(t *testing.T) {
	cases := []struct {
		name     string
		patterns []string
		branch   string
		want     bool
	}{
		{"nil trigger matches all", nil, "anything", true},
		{"exact", []string{"main"}, "main", true},
		{"exact miss", []string{"main"}, "dev", false},
		{"glob", []string{"release/*"}, "release/1.2", true},
		{"glob miss", []string{"release/*"}, "feature/x", false},
		{"multiple patterns", []string{"main", "hotfix-*"}, "hotfix-42", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var trig *Trigger
			if tc.patterns != nil {
				trig = &Trigger{Push: &PushTrigger{Branches: tc.patterns}}
			}
			if got := trig.MatchesBranch(tc.branch); got != tc.want {
				t.Errorf("MatchesBranch(%q) = %v, want %v", tc.branch, got, tc.want)
			}
		})
	}

	mrOnly := &Trigger{MR: &MRTrigger{Actions: []string{"open"}}}
	if !mrOnly.MatchesBranch("anything") {
		t.Error("trigger without a push block matches every branch")
	}
}

func TestMatchesMRAction(t *testing.T) {
	trig := &Trigger{MR: &MRTrigger{Actions: []string{"open", "merge"}}}
	if !trig.MatchesMRAction("Open") {
		t.Error("action matching should be case-insensitive")
	}
	if trig.MatchesMRAction("update") {
		t.Error("update is not in the action list")
	}
	empty := &Trigger{MR: &MRTrigger{}}
	if !empty.MatchesMRAction("update") {
		t.Error("empty action list matches every action")
	}
	pushOnly := &Trigger{Push: &PushTrigger{Branches: []string{"main"}}}
	if !pushOnly.MatchesMRAction("update") {
		t.Error("trigger without an mr block matches every action")
	}
}

func TestBuildsImage(t *testing.T) {
	if !(StepDef{Image: "gcr.io/kaniko-project/executor:v1"}).BuildsImage() {
		t.Error("kaniko step should count as image build")
	}
	if (StepDef{Image: "golang:1.25"}).BuildsImage() {
		t.Error("plain step should not count as image build")
	}
}
