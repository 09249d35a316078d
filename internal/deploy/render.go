// Package deploy reconciles declared deployments against the cluster. The
// store holds desired state; this package renders manifests from ops repos
// and converges the cluster toward them.
package deploy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// RenderContext is the variable set a manifest template may reference.
// Undefined variables render empty rather than failing.
type RenderContext struct {
	ImageRef    string
	ProjectName string
	Environment string
	Values      map[string]any
}

// templateData flattens the context into the map form templates consume.
func (rc RenderContext) templateData() map[string]any {
	return map[string]any{
		"image_ref":    rc.ImageRef,
		"project_name": rc.ProjectName,
		"environment":  rc.Environment,
		"values":       rc.Values,
	}
}

// RenderManifest executes a manifest template. The engine exposes no file or
// network access; templates see only the render context.
func RenderManifest(tmpl string, rc RenderContext) (string, error) {
	t, err := template.New("manifest").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parsing manifest template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, rc.templateData()); err != nil {
		return "", fmt.Errorf("rendering manifest template: %w", err)
	}
	// missingkey=zero renders untyped nils as "<no value>"; scrub those so
	// absent values behave like empty strings.
	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}

// SplitDocs splits rendered output into YAML documents, dropping documents
// that are empty or comments only.
func SplitDocs(rendered string) []string {
	parts := strings.Split(rendered, "\n---\n")
	var docs []string
	for _, part := range parts {
		if isBlankDoc(part) {
			continue
		}
		docs = append(docs, strings.TrimSpace(part))
	}
	return docs
}

// isBlankDoc reports whether a document contains nothing but blank lines and
// comments.
func isBlankDoc(doc string) bool {
	for _, line := range strings.Split(doc, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && !strings.HasPrefix(trimmed, "#") {
			return false
		}
	}
	return true
}

// ReadManifestTemplate reads a template from a synced ops repo working copy,
// refusing paths that resolve outside it.
func ReadManifestTemplate(repoDir, manifestPath string) (string, error) {
	clean := filepath.Clean(manifestPath)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("manifest path %q escapes the ops repo", manifestPath)
	}
	data, err := os.ReadFile(filepath.Join(repoDir, clean))
	if err != nil {
		return "", fmt.Errorf("reading manifest template: %w", err)
	}
	return string(data), nil
}
