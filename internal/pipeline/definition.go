// Package pipeline turns repository events into pipeline runs and executes
// their steps as pods. The trigger decides whether a run exists; the executor
// never decides, it only runs what was recorded.
package pipeline

import (
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefinitionPath is where a repo declares its pipeline.
const DefinitionPath = ".forgeplane/pipeline.yaml"

// definitionFile is the on-disk wrapper: everything lives under a top-level
// pipeline key.
type definitionFile struct {
	Pipeline Definition `yaml:"pipeline"`
}

// Definition is the parsed pipeline file.
type Definition struct {
	Steps []StepDef `yaml:"steps"`
	On    *Trigger  `yaml:"on"`
}

// StepDef is one step declaration.
type StepDef struct {
	Name     string   `yaml:"name"`
	Image    string   `yaml:"image"`
	Commands []string `yaml:"commands"`
}

// Trigger restricts which events start a run. A nil Trigger, or an absent
// event block, matches everything for that event type.
type Trigger struct {
	Push *PushTrigger `yaml:"push"`
	MR   *MRTrigger   `yaml:"mr"`
}

// PushTrigger limits push runs to matching branches.
type PushTrigger struct {
	Branches []string `yaml:"branches"`
}

// MRTrigger limits merge-request runs to the listed actions.
type MRTrigger struct {
	Actions []string `yaml:"actions"`
}

// ParseDefinition parses and validates a pipeline file.
func ParseDefinition(data []byte) (*Definition, error) {
	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing pipeline definition: %w", err)
	}
	def := file.Pipeline
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("pipeline definition has no steps")
	}
	seen := make(map[string]bool, len(def.Steps))
	for i, step := range def.Steps {
		if step.Name == "" {
			return nil, fmt.Errorf("step %d has no name", i)
		}
		if step.Image == "" {
			return nil, fmt.Errorf("step %q has no image", step.Name)
		}
		if len(step.Commands) == 0 {
			return nil, fmt.Errorf("step %q has no commands", step.Name)
		}
		if seen[step.Name] {
			return nil, fmt.Errorf("duplicate step name %q", step.Name)
		}
		seen[step.Name] = true
	}
	return &def, nil
}

// MatchesBranch reports whether a push to branch should start a run. Branch
// patterns are shell globs ("main", "release/*").
func (t *Trigger) MatchesBranch(branch string) bool {
	if t == nil || t.Push == nil || len(t.Push.Branches) == 0 {
		return true
	}
	for _, pattern := range t.Push.Branches {
		if ok, err := path.Match(pattern, branch); err == nil && ok {
			return true
		}
	}
	return false
}

// MatchesMRAction reports whether an MR action ("open", "update", "merge")
// should start a run.
func (t *Trigger) MatchesMRAction(action string) bool {
	if t == nil || t.MR == nil || len(t.MR.Actions) == 0 {
		return true
	}
	for _, a := range t.MR.Actions {
		if strings.EqualFold(a, action) {
			return true
		}
	}
	return false
}

// BuildsImage reports whether a step produces a container image. The executor
// uses this to upsert a deployment after a successful run.
func (s StepDef) BuildsImage() bool {
	return strings.Contains(s.Image, "kaniko")
}
