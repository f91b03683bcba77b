package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemerge/mergebot/pkg/config"
	"github.com/telemerge/mergebot/pkg/format"
	"github.com/telemerge/mergebot/pkg/state"
	"github.com/telemerge/mergebot/pkg/store"
)

type buildEnv struct {
	raw       *store.RawStore
	repo      *state.Repository
	artifacts *store.ArtifactStore
	pipeline  *Build
	transform *Transform
	dataDir   string
}

func newBuildEnv(t *testing.T) *buildEnv {
	t.Helper()
	dir := t.TempDir()
	raw, err := store.NewRawStore(filepath.Join(dir, "raw"))
	require.NoError(t, err)
	repo, err := state.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	artifacts, err := store.NewArtifactStore(dir)
	require.NoError(t, err)

	registry := format.NewRegistry()
	format.RegisterBuiltin(registry, raw)

	return &buildEnv{
		raw:       raw,
		repo:      repo,
		artifacts: artifacts,
		pipeline:  NewBuild(repo, artifacts, registry, raw),
		transform: NewTransform(raw, repo, registry, map[string]config.Source{}),
		dataDir:   dir,
	}
}

func (e *buildEnv) ingestAndTransform(t *testing.T, sourceID, externalID, filename string, data []byte) {
	t.Helper()
	seedPending(t, e.raw, e.repo, sourceID, externalID, filename, data)
	require.NoError(t, e.transform.ProcessPending(context.Background()))
}

func TestBuildDedupsAcrossSourcesAndRemarks(t *testing.T) {
	e := newBuildEnv(t)
	e.ingestAndTransform(t, "src1", "1", "a.txt", []byte("vless://u@h:443#A\n"))
	e.ingestAndTransform(t, "src1", "2", "b.txt", []byte("vless://u@h:443#B\n"))
	e.ingestAndTransform(t, "src2", "1", "c.txt", []byte("vless://u@h:443#C\n"))

	results, err := e.pipeline.Run(context.Background(), RouteConfig{
		Name: "mainline", Formats: []string{"npvt"}, FromSources: []string{"src1", "src2"},
	})
	require.NoError(t, err)

	// Base artifact plus the decoded-JSON and b64sub derivatives.
	require.Len(t, results, 3)

	var base, decoded, sub *BuildResult
	for i := range results {
		switch results[i].Format {
		case "npvt":
			base = &results[i]
		case "npvt.decoded.json":
			decoded = &results[i]
		case "npvt.b64sub":
			sub = &results[i]
		}
	}
	require.NotNil(t, base)
	require.NotNil(t, decoded)
	require.NotNil(t, sub)

	assert.Equal(t, "vless://u@h:443#vless-1", string(base.Data))
	assert.Equal(t, "mainline:npvt", base.UniqueID)
	assert.Equal(t, base.ArtifactHash+"_dec", decoded.ArtifactHash)
	assert.Equal(t, base.ArtifactHash+"_b64", sub.ArtifactHash)

	plain, err := base64.StdEncoding.DecodeString(string(sub.Data))
	require.NoError(t, err)
	assert.Equal(t, "vless://u@h:443#vless-1", string(plain))

	var dec struct {
		Total   int              `json:"total"`
		Entries []map[string]any `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(decoded.Data, &dec))
	assert.Equal(t, 1, dec.Total)
	require.Len(t, dec.Entries, 1)
	assert.Equal(t, "vless", dec.Entries[0]["protocol"])

	// The latest output tree has all three.
	out, err := os.ReadFile(filepath.Join(e.dataDir, "output", "mainline.npvt"))
	require.NoError(t, err)
	assert.Equal(t, base.Data, out)
}

func TestBuildBundlePassThrough(t *testing.T) {
	e := newBuildEnv(t)
	blob := bytes.Repeat([]byte("remote vpn.example.com 1194\n"), 110)
	e.ingestAndTransform(t, "src1", "1", "client.ovpn", blob)

	results, err := e.pipeline.Run(context.Background(), RouteConfig{
		Name: "vpn", Formats: []string{"ovpn"}, FromSources: []string{"src1"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	zr, err := zip.NewReader(bytes.NewReader(results[0].Data), int64(len(results[0].Data)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, "client.ovpn", zr.File[0].Name)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, blob, content)
}

func TestBuildSuppressesEmptyFormats(t *testing.T) {
	e := newBuildEnv(t)
	e.ingestAndTransform(t, "src1", "1", "a.txt", []byte("vless://u@h:443\n"))

	results, err := e.pipeline.Run(context.Background(), RouteConfig{
		Name: "mainline", Formats: []string{"npvt", "ehi"}, FromSources: []string{"src1"},
	})
	require.NoError(t, err)

	for _, res := range results {
		assert.NotEqual(t, "ehi", res.Format)
	}
	_, err = os.Stat(filepath.Join(e.dataDir, "output", "mainline.ehi"))
	assert.True(t, os.IsNotExist(err))
}

func TestBuildCountsMissingBlobs(t *testing.T) {
	e := newBuildEnv(t)
	present := bytes.Repeat([]byte("keep\n"), 30)
	gone := bytes.Repeat([]byte("gone\n"), 30)
	e.ingestAndTransform(t, "src1", "1", "a.ehi", present)
	e.ingestAndTransform(t, "src1", "2", "b.ehi", gone)

	// Simulate cleanup pruning one blob between transform and build.
	var goneHash string
	records, err := e.repo.GetRecordsForBuild(context.Background(), []string{"ehi"}, []string{"src1"}, 0)
	require.NoError(t, err)
	for _, r := range records {
		if r.Data.Filename == "b.ehi" {
			goneHash = r.Data.BlobHash
		}
	}
	require.NotEmpty(t, goneHash)
	require.NoError(t, os.Remove(filepath.Join(e.dataDir, "raw", goneHash[:2], goneHash)))

	results, err := e.pipeline.Run(context.Background(), RouteConfig{
		Name: "packs", Formats: []string{"ehi"}, FromSources: []string{"src1"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].MissingBlobs)

	zr, err := zip.NewReader(bytes.NewReader(results[0].Data), int64(len(results[0].Data)))
	require.NoError(t, err)
	assert.Len(t, zr.File, 1)
}

func TestBuildNoRecords(t *testing.T) {
	e := newBuildEnv(t)
	results, err := e.pipeline.Run(context.Background(), RouteConfig{
		Name: "empty", Formats: []string{"npvt"}, FromSources: []string{"src1"},
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestBuildDeltaCutoff(t *testing.T) {
	e := newBuildEnv(t)
	e.ingestAndTransform(t, "src1", "1", "a.txt", []byte("vless://old@h:443\n"))

	cutoff, err := e.repo.MaxSeenFileID(context.Background())
	require.NoError(t, err)

	e.ingestAndTransform(t, "src1", "2", "b.txt", []byte("vless://new@h:443\n"))

	results, err := e.pipeline.Run(context.Background(), RouteConfig{
		Name: "delta", Formats: []string{"npvt"}, FromSources: []string{"src1"}, MinSeenFileID: cutoff,
	})
	require.NoError(t, err)

	var base *BuildResult
	for i := range results {
		if results[i].Format == "npvt" {
			base = &results[i]
		}
	}
	require.NotNil(t, base)
	assert.Equal(t, "vless://new@h:443#vless-1", string(base.Data))
}
