package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"forgeplane/control/internal/store"
)

// syncInterval is how long a synced ops repo working copy stays fresh. The
// cache entry suppresses repeated fetches when many deployments share a repo.
const syncInterval = time.Minute

// repoSyncer keeps local working copies of ops repos current.
type repoSyncer interface {
	Sync(ctx context.Context, repoID int64, url, branch string) (string, error)
}

// syncCache records when a repo was last synced, shared across replicas.
type syncCache interface {
	GetString(ctx context.Context, key string) (string, bool)
	SetString(ctx context.Context, key string, value string, ttl time.Duration)
}

// opsRepoStore is the slice of the store the manifest source needs.
type opsRepoStore interface {
	GetOpsRepo(ctx context.Context, id int64) (store.OpsRepo, error)
	UpdateOpsRepoSync(ctx context.Context, id int64, sha string) error
}

// ManifestSource resolves a deployment's ops repo into a fresh working copy.
type ManifestSource struct {
	store  opsRepoStore
	syncer repoSyncer
	cache  syncCache
	logger *slog.Logger

	// dirs remembers the working copy path per repo for cache-hit reads.
	dirs map[int64]string
}

// NewManifestSource builds a ManifestSource.
func NewManifestSource(st opsRepoStore, syncer repoSyncer, cache syncCache, logger *slog.Logger) *ManifestSource {
	return &ManifestSource{store: st, syncer: syncer, cache: cache, logger: logger,
		dirs: map[int64]string{}}
}

// WorkingCopy returns a current working copy of the ops repo, syncing at most
// once per interval across the fleet.
func (m *ManifestSource) WorkingCopy(ctx context.Context, repoID int64) (string, error) {
	key := fmt.Sprintf("opsrepo:synced:%d", repoID)
	if _, fresh := m.cache.GetString(ctx, key); fresh {
		if dir, ok := m.dirs[repoID]; ok {
			return dir, nil
		}
	}
	repo, err := m.store.GetOpsRepo(ctx, repoID)
	if err != nil {
		return "", err
	}
	dir, err := m.syncer.Sync(ctx, repoID, repo.URL, repo.Branch)
	if err != nil {
		return "", fmt.Errorf("syncing ops repo %s: %w", repo.Name, err)
	}
	if err := m.store.UpdateOpsRepoSync(ctx, repoID, ""); err != nil {
		m.logger.Warn("recording ops repo sync", "ops_repo_id", repoID, "error", err)
	}
	m.cache.SetString(ctx, key, "1", syncInterval)
	m.dirs[repoID] = dir
	return dir, nil
}
