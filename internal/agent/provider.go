// Package agent runs AI coding sessions as pods under ephemeral identities.
package agent

import (
	"encoding/json"
	"strings"

	"forgeplane/control/internal/platerr"
)

// ProgressEvent is one structured progress line emitted by an agent pod.
type ProgressEvent struct {
	Kind     string
	Message  string
	Metadata json.RawMessage
}

// Provider adapts one agent runtime: its pod image, its environment, and its
// progress output format.
type Provider interface {
	Name() string
	Image(config json.RawMessage) string
	Env(config json.RawMessage) map[string]string
	ParseProgressLine(line string) (ProgressEvent, bool)
}

// providers is the closed registry of known runtimes.
var providers = map[string]Provider{
	"claude": claudeProvider{},
	"openai": openaiProvider{},
	"custom": customProvider{},
}

// Resolve maps a provider name to its implementation. Unknown names are a
// bad request, not a server fault.
func Resolve(name string) (Provider, error) {
	p, ok := providers[name]
	if !ok {
		return nil, platerr.Newf(platerr.KindBadRequest, "unknown agent provider %q", name).WithFields("provider")
	}
	return p, nil
}

// jsonEvent is the shared progress line shape: one JSON object per line with
// a type discriminator.
type jsonEvent struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail"`
}

// parseJSONLine decodes a structured progress line. Non-JSON output lines
// pass through as plain log events.
func parseJSONLine(line string) (ProgressEvent, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return ProgressEvent{}, false
	}
	if !strings.HasPrefix(trimmed, "{") {
		return ProgressEvent{Kind: "log", Message: trimmed}, true
	}
	var ev jsonEvent
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil || ev.Type == "" {
		return ProgressEvent{Kind: "log", Message: trimmed}, true
	}
	return ProgressEvent{Kind: ev.Type, Message: ev.Message, Metadata: ev.Detail}, true
}

// claudeProvider runs the claude agent runtime.
type claudeProvider struct{}

func (claudeProvider) Name() string { return "claude" }

func (claudeProvider) Image(config json.RawMessage) string {
	return configuredImage(config, "forgeplane/agent-claude:latest")
}

func (claudeProvider) Env(config json.RawMessage) map[string]string {
	return map[string]string{"AGENT_RUNTIME": "claude"}
}

func (claudeProvider) ParseProgressLine(line string) (ProgressEvent, bool) {
	return parseJSONLine(line)
}

// openaiProvider runs the openai agent runtime.
type openaiProvider struct{}

func (openaiProvider) Name() string { return "openai" }

func (openaiProvider) Image(config json.RawMessage) string {
	return configuredImage(config, "forgeplane/agent-openai:latest")
}

func (openaiProvider) Env(config json.RawMessage) map[string]string {
	return map[string]string{"AGENT_RUNTIME": "openai"}
}

func (openaiProvider) ParseProgressLine(line string) (ProgressEvent, bool) {
	return parseJSONLine(line)
}

// customProvider runs a user-supplied image. The image is required in the
// provider config; there is no sane default.
type customProvider struct{}

func (customProvider) Name() string { return "custom" }

func (customProvider) Image(config json.RawMessage) string {
	return configuredImage(config, "")
}

func (customProvider) Env(config json.RawMessage) map[string]string {
	var cfg struct {
		Env map[string]string `json:"env"`
	}
	json.Unmarshal(config, &cfg)
	return cfg.Env
}

func (customProvider) ParseProgressLine(line string) (ProgressEvent, bool) {
	return parseJSONLine(line)
}

// configuredImage reads the image override out of a provider config.
func configuredImage(config json.RawMessage, fallback string) string {
	var cfg struct {
		Image string `json:"image"`
	}
	if err := json.Unmarshal(config, &cfg); err == nil && cfg.Image != "" {
		return cfg.Image
	}
	return fallback
}
