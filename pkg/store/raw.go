package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio"

	"github.com/telemerge/mergebot/pkg/log"
)

// RawStore is a content-addressed byte store on disk. Blobs live under
// <base>/<ab>/<sha256> where <ab> is the first two hex characters of the
// hash. Writes are crash-atomic (tempfile, fsync, rename) and identical
// concurrent writes are benign because filenames are content-addressed.
type RawStore struct {
	baseDir string
}

func NewRawStore(baseDir string) (*RawStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create raw store dir: %w", err)
	}
	return &RawStore{baseDir: baseDir}, nil
}

func (s *RawStore) path(hash string) string {
	return filepath.Join(s.baseDir, hash[:2], hash)
}

// Save writes data under its sha256 and returns the hex hash. The write is
// skipped when a blob with the same content already exists.
func (s *RawStore) Save(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	target := s.path(hash)

	if _, err := os.Stat(target); err == nil {
		return hash, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create shard dir: %w", err)
	}
	if err := renameio.WriteFile(target, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob %s: %w", hash, err)
	}
	return hash, nil
}

// Get returns the blob bytes, or nil when the blob is absent.
func (s *RawStore) Get(hash string) ([]byte, error) {
	if len(hash) < 2 {
		return nil, fmt.Errorf("invalid blob hash %q", hash)
	}
	data, err := os.ReadFile(s.path(hash))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// Exists reports whether a blob with the given hash is stored.
func (s *RawStore) Exists(hash string) bool {
	if len(hash) < 2 {
		return false
	}
	_, err := os.Stat(s.path(hash))
	return err == nil
}

// ProcessedHashLister supplies the hashes of blobs that are safe to remove:
// their seen-file rows are no longer pending and no active blob-dependent
// record references them.
type ProcessedHashLister interface {
	GetProcessedHashes(ctx context.Context) ([]string, error)
}

// PruneProcessed removes every prunable blob and any shard directory left
// empty. Returns the number of blobs removed.
func (s *RawStore) PruneProcessed(ctx context.Context, repo ProcessedHashLister) (int, error) {
	logger := log.WithComponent("raw_store")
	hashes, err := repo.GetProcessedHashes(ctx)
	if err != nil {
		return 0, fmt.Errorf("list processed hashes: %w", err)
	}

	removed := 0
	shards := make(map[string]struct{})
	for _, hash := range hashes {
		if len(hash) < 2 {
			continue
		}
		path := s.path(hash)
		err := os.Remove(path)
		switch {
		case err == nil:
			removed++
			shards[filepath.Dir(path)] = struct{}{}
		case os.IsNotExist(err):
			// already pruned on an earlier run
		default:
			logger.Warn().Err(err).Str("hash", hash).Msg("could not remove blob")
		}
	}

	for shard := range shards {
		// Fails when the directory still has blobs, which is fine.
		_ = os.Remove(shard)
	}

	if removed > 0 {
		logger.Info().Int("removed", removed).Msg("pruned processed blobs")
	}
	return removed, nil
}
