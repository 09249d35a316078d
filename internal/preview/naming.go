// Package preview reconciles short-lived per-branch environments.
package preview

import "strings"

// maxNamespaceLen is the kubernetes name length limit.
const maxNamespaceLen = 63

// BranchSlug normalizes a branch name for use in namespaces and hostnames:
// lowercase, non-alphanumerics collapsed to hyphens.
func BranchSlug(branch string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(branch) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	out := b.String()
	for strings.Contains(out, "--") {
		out = strings.ReplaceAll(out, "--", "-")
	}
	return strings.Trim(out, "-")
}

// Namespace builds the preview namespace for a project and branch slug,
// truncated to the kubernetes limit without a trailing hyphen.
func Namespace(projectName, branchSlug string) string {
	ns := "preview-" + BranchSlug(projectName) + "-" + branchSlug
	if len(ns) > maxNamespaceLen {
		ns = strings.TrimRight(ns[:maxNamespaceLen], "-")
	}
	return ns
}
