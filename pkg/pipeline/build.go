package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/telemerge/mergebot/pkg/format"
	"github.com/telemerge/mergebot/pkg/log"
	"github.com/telemerge/mergebot/pkg/metrics"
	"github.com/telemerge/mergebot/pkg/proxyuri"
	"github.com/telemerge/mergebot/pkg/state"
	"github.com/telemerge/mergebot/pkg/store"
)

// derivedFormats are the text formats that additionally produce a decoded
// JSON artifact and a base64 subscription.
var derivedFormats = map[string]bool{"npvt": true, "npvtsub": true}

// RouteConfig drives one build run. A positive MinSeenFileID restricts the
// record fetch to files first seen after that ledger id.
type RouteConfig struct {
	Name          string
	Formats       []string
	FromSources   []string
	MinSeenFileID int64
}

// BuildResult is one built artifact ready for publication.
type BuildResult struct {
	RouteName    string
	Format       string
	UniqueID     string
	ArtifactHash string
	Data         []byte
	Count        int
	MissingBlobs int
}

// BlobChecker reports blob presence without reading it.
type BlobChecker interface {
	Exists(sha256 string) bool
}

// Build consolidates deduplicated records into per-route artifacts.
type Build struct {
	repo      *state.Repository
	artifacts *store.ArtifactStore
	registry  *format.Registry
	blobs     BlobChecker
}

func NewBuild(repo *state.Repository, artifacts *store.ArtifactStore, registry *format.Registry, blobs BlobChecker) *Build {
	return &Build{repo: repo, artifacts: artifacts, registry: registry, blobs: blobs}
}

// Run builds every format of one route. Per-format failures are logged and
// skipped; only the record fetch is fatal.
func (p *Build) Run(ctx context.Context, route RouteConfig) ([]BuildResult, error) {
	logger := log.WithRoute(route.Name)
	start := time.Now()

	records, err := p.repo.GetRecordsForBuild(ctx, route.Formats, route.FromSources, route.MinSeenFileID)
	if err != nil {
		return nil, fmt.Errorf("fetch records for %s: %w", route.Name, err)
	}
	if len(records) == 0 {
		logger.Info().Msg("no records, nothing to build")
		return nil, nil
	}
	logger.Info().Int("records", len(records)).Strs("formats", route.Formats).
		Msg("build starting")

	var results []BuildResult
	var built, empty []string

	for _, fmtID := range route.Formats {
		handler, ok := p.registry.Get(fmtID)
		if !ok {
			logger.Error().Str("format", fmtID).Msg("no handler for format")
			continue
		}

		var fmtRecords []format.RecordData
		missing := 0
		for _, r := range records {
			if r.RecordType != fmtID {
				continue
			}
			if format.IsBundleFormat(fmtID) && r.Data.BlobHash != "" && !p.blobs.Exists(r.Data.BlobHash) {
				missing++
			}
			fmtRecords = append(fmtRecords, r.Data)
		}
		if len(fmtRecords) == 0 {
			empty = append(empty, fmtID)
			continue
		}
		if missing > 0 {
			logger.Warn().Str("format", fmtID).Int("missing_blobs", missing).
				Msg("records reference pruned blobs")
		}

		data, err := handler.Build(fmtRecords)
		if err != nil {
			logger.Error().Err(err).Str("format", fmtID).Msg("build failed")
			continue
		}
		if len(data) == 0 || (format.IsBundleFormat(fmtID) && len(data) <= format.EmptyZipSize) {
			empty = append(empty, fmtID)
			continue
		}

		hash, err := p.artifacts.SaveArtifact(route.Name, fmtID, data)
		if err != nil {
			logger.Error().Err(err).Str("format", fmtID).Msg("save artifact failed")
			continue
		}
		if _, err := p.artifacts.SaveOutput(route.Name, fmtID, data); err != nil {
			logger.Error().Err(err).Str("format", fmtID).Msg("save output failed")
		}
		built = append(built, fmtID)
		logger.Info().Str("format", fmtID).Int("size", len(data)).
			Str("hash", shortHash(hash)).Msg("artifact built")

		if derivedFormats[fmtID] {
			results = append(results, p.deriveArtifacts(route.Name, fmtID, hash, data, len(records))...)
		}

		results = append(results, BuildResult{
			RouteName:    route.Name,
			Format:       fmtID,
			UniqueID:     route.Name + ":" + fmtID,
			ArtifactHash: hash,
			Data:         data,
			Count:        len(records),
			MissingBlobs: missing,
		})
	}

	metrics.ArtifactsBuilt.WithLabelValues(route.Name).Add(float64(len(results)))
	logger.Info().Strs("built", built).Strs("empty", empty).
		Dur("duration", time.Since(start)).Msg("route done")
	return results, nil
}

// deriveArtifacts produces the decoded-JSON and base64-subscription
// variants of a text artifact. Their hashes carry a suffix so publish-side
// change detection tracks each variant independently.
func (p *Build) deriveArtifacts(route, fmtID, hash string, data []byte, count int) []BuildResult {
	logger := log.WithRoute(route)
	var results []BuildResult

	if decoded := decodeProxyLinks(data); len(decoded) > 0 {
		derivedFmt := fmtID + ".decoded.json"
		if _, err := p.artifacts.SaveOutput(route, derivedFmt, decoded); err != nil {
			logger.Error().Err(err).Str("format", derivedFmt).Msg("save output failed")
		}
		results = append(results, BuildResult{
			RouteName:    route,
			Format:       derivedFmt,
			UniqueID:     route + ":" + derivedFmt,
			ArtifactHash: hash + "_dec",
			Data:         decoded,
			Count:        count,
		})
	}

	if sub := encodeBase64Sub(data); len(sub) > 0 {
		derivedFmt := fmtID + ".b64sub"
		if _, err := p.artifacts.SaveOutput(route, derivedFmt, sub); err != nil {
			logger.Error().Err(err).Str("format", derivedFmt).Msg("save output failed")
		}
		results = append(results, BuildResult{
			RouteName:    route,
			Format:       derivedFmt,
			UniqueID:     route + ":" + derivedFmt,
			ArtifactHash: hash + "_b64",
			Data:         sub,
			Count:        count,
		})
	}
	return results
}

// decodedSub is the structured rendering of a text artifact's URI lines.
type decodedSub struct {
	Total     int              `json:"total"`
	Protocols map[string]int   `json:"protocols"`
	Entries   []map[string]any `json:"entries"`
}

// decodeProxyLinks renders each proxy URI line as structured JSON. Returns
// nil when nothing decodes.
func decodeProxyLinks(artifact []byte) []byte {
	text := strings.ToValidUTF8(string(artifact), "")

	var entries []map[string]any
	protocols := map[string]int{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		entry := proxyuri.DecodeLine(line)
		if entry == nil {
			continue
		}
		proto, _ := entry["protocol"].(string)
		if proto == "" {
			proto = "unknown"
		}
		protocols[proto]++
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil
	}

	out, err := json.MarshalIndent(decodedSub{Total: len(entries), Protocols: protocols, Entries: entries}, "", "  ")
	if err != nil {
		return nil
	}
	return out
}

// encodeBase64Sub re-encodes the artifact as one base64 blob, the
// conventional subscription format.
func encodeBase64Sub(artifact []byte) []byte {
	text := strings.TrimSpace(strings.ToValidUTF8(string(artifact), ""))
	if text == "" {
		return nil
	}
	return []byte(base64.StdEncoding.EncodeToString([]byte(text)))
}
