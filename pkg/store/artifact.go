package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/renameio"

	"github.com/telemerge/mergebot/pkg/log"
)

// DefaultArchiveRetentionDays is how long per-run artifact snapshots are
// kept in the archive directory.
const DefaultArchiveRetentionDays = 4

// ArtifactStore persists built artifacts in three trees under the data
// directory:
//
//	artifacts/<route>/<sha256>.<format>   internal, for change detection
//	output/<route>.<format>               latest user-facing output
//	archive/<route>_<epoch>.<format>      per-run snapshot
type ArtifactStore struct {
	internalDir string
	outputDir   string
	archiveDir  string
}

func NewArtifactStore(baseDir string) (*ArtifactStore, error) {
	s := &ArtifactStore{
		internalDir: filepath.Join(baseDir, "artifacts"),
		outputDir:   filepath.Join(baseDir, "output"),
		archiveDir:  filepath.Join(baseDir, "archive"),
	}
	for _, dir := range []string{s.internalDir, s.outputDir, s.archiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create artifact dir %s: %w", dir, err)
		}
	}
	return s, nil
}

// SaveArtifact writes the internal hash-named copy and returns the sha256.
func (s *ArtifactStore) SaveArtifact(route, formatID string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	dir := filepath.Join(s.internalDir, route)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create route dir: %w", err)
	}
	target := filepath.Join(dir, fmt.Sprintf("%s.%s", hash, formatID))
	if err := renameio.WriteFile(target, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact %s/%s: %w", route, formatID, err)
	}
	return hash, nil
}

// GetArtifact returns a previously saved internal artifact, or nil when
// absent.
func (s *ArtifactStore) GetArtifact(route, hash, formatID string) ([]byte, error) {
	path := filepath.Join(s.internalDir, route, fmt.Sprintf("%s.%s", hash, formatID))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// SaveOutput overwrites the latest user-facing output file and mirrors a
// timestamped copy into the archive. Returns the output path.
func (s *ArtifactStore) SaveOutput(route, formatID string, data []byte) (string, error) {
	target := filepath.Join(s.outputDir, fmt.Sprintf("%s.%s", route, formatID))
	if err := renameio.WriteFile(target, data, 0o644); err != nil {
		return "", fmt.Errorf("write output %s: %w", filepath.Base(target), err)
	}

	archive := filepath.Join(s.archiveDir, fmt.Sprintf("%s_%d.%s", route, time.Now().Unix(), formatID))
	if err := renameio.WriteFile(archive, data, 0o644); err != nil {
		// The latest output is already in place; losing one snapshot is
		// not fatal.
		logger := log.WithComponent("artifact_store")
		logger.Warn().Err(err).
			Str("file", filepath.Base(archive)).Msg("could not archive artifact")
	}
	return target, nil
}

// PruneArchive deletes archive files older than the retention window.
func (s *ArtifactStore) PruneArchive(retentionDays int) (int, error) {
	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	entries, err := os.ReadDir(s.archiveDir)
	if err != nil {
		return 0, fmt.Errorf("read archive dir: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.archiveDir, e.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		logger := log.WithComponent("artifact_store")
		logger.Info().
			Int("removed", removed).Msg("pruned archive")
	}
	return removed, nil
}

// ListArchive returns archive files modified within the last N days, newest
// first.
func (s *ArtifactStore) ListArchive(days int) ([]string, error) {
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	entries, err := os.ReadDir(s.archiveDir)
	if err != nil {
		return nil, fmt.Errorf("read archive dir: %w", err)
	}

	type aged struct {
		path string
		mod  time.Time
	}
	var files []aged
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			files = append(files, aged{filepath.Join(s.archiveDir, e.Name()), info.ModTime()})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}
