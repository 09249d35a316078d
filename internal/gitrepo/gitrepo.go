// Package gitrepo reads from the bare repositories the platform hosts. All
// reads shell out to git with a bounded deadline so a wedged object store
// cannot stall a trigger or reconcile loop.
package gitrepo

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// commandTimeout bounds every git invocation.
const commandTimeout = 30 * time.Second

// Reader reads files and refs from bare repos under the hosting root.
type Reader struct {
	reposPath string
}

// NewReader builds a Reader over the bare-repo root directory.
func NewReader(reposPath string) *Reader {
	return &Reader{reposPath: reposPath}
}

// repoDir resolves a project slug to its bare repo path, refusing slugs that
// escape the hosting root.
func (r *Reader) repoDir(slug string) (string, error) {
	if slug == "" || strings.ContainsAny(slug, "/\\") || strings.Contains(slug, "..") {
		return "", fmt.Errorf("invalid repo slug %q", slug)
	}
	return filepath.Join(r.reposPath, slug+".git"), nil
}

func (r *Reader) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(errBuf.String()))
	}
	return out.Bytes(), nil
}

// FileAt reads one file at a ref, e.g. the pipeline definition at a commit.
func (r *Reader) FileAt(ctx context.Context, slug, ref, path string) ([]byte, error) {
	dir, err := r.repoDir(slug)
	if err != nil {
		return nil, err
	}
	return r.git(ctx, dir, "show", ref+":"+path)
}

// ResolveRef resolves a ref to its commit sha.
func (r *Reader) ResolveRef(ctx context.Context, slug, ref string) (string, error) {
	dir, err := r.repoDir(slug)
	if err != nil {
		return "", err
	}
	out, err := r.git(ctx, dir, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// CommitMessage returns the subject line of a commit.
func (r *Reader) CommitMessage(ctx context.Context, slug, sha string) (string, error) {
	dir, err := r.repoDir(slug)
	if err != nil {
		return "", err
	}
	out, err := r.git(ctx, dir, "log", "-1", "--format=%s", sha)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// CloneURL builds the in-cluster HTTP clone URL for a project repo.
func CloneURL(platformURL, slug string) string {
	return strings.TrimRight(platformURL, "/") + "/git/" + slug + ".git"
}

// Syncer clones and updates working copies of ops repos used for manifest
// rendering.
type Syncer struct {
	workPath string
}

// NewSyncer builds a Syncer whose working copies live under workPath.
func NewSyncer(workPath string) *Syncer {
	return &Syncer{workPath: workPath}
}

// localDir maps an ops repo id to its working copy.
func (s *Syncer) localDir(repoID int64) string {
	return filepath.Join(s.workPath, fmt.Sprintf("ops-%d", repoID))
}

// Sync clones the repo if absent, otherwise fetches and hard-resets to the
// remote branch. Returns the working copy path.
func (s *Syncer) Sync(ctx context.Context, repoID int64, url, branch string) (string, error) {
	dir := s.localDir(repoID)
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	probe := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--git-dir")
	if err := probe.Run(); err != nil {
		clone := exec.CommandContext(ctx, "git", "clone", "--branch", branch, "--single-branch", url, dir)
		var errBuf bytes.Buffer
		clone.Stderr = &errBuf
		if err := clone.Run(); err != nil {
			return "", fmt.Errorf("cloning %s: %w: %s", url, err, strings.TrimSpace(errBuf.String()))
		}
		return dir, nil
	}

	for _, args := range [][]string{
		{"-C", dir, "fetch", "origin", branch},
		{"-C", dir, "reset", "--hard", "origin/" + branch},
	} {
		cmd := exec.CommandContext(ctx, "git", args...)
		var errBuf bytes.Buffer
		cmd.Stderr = &errBuf
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("updating %s: %w: %s", dir, err, strings.TrimSpace(errBuf.String()))
		}
	}
	return dir, nil
}
