package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemerge/mergebot/pkg/format"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSourceState(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	got, err := repo.GetSourceState(ctx, "src1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, repo.UpdateSourceState(ctx, "src1", "telegram", []byte(`{"offset":42}`)))
	got, err = repo.GetSourceState(ctx, "src1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"offset":42}`, string(got))

	// Upsert replaces.
	require.NoError(t, repo.UpdateSourceState(ctx, "src1", "telegram", []byte(`{"offset":99}`)))
	got, err = repo.GetSourceState(ctx, "src1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"offset":99}`, string(got))
}

func TestSeenFilesUniquePerSource(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	row := SeenFileInsert{SourceID: "src1", ExternalID: "100", RawHash: "aa11", Filename: "a.txt"}
	require.NoError(t, repo.RecordFile(ctx, row))

	// Same (source, external id) is silently ignored.
	row.RawHash = "bb22"
	require.NoError(t, repo.RecordFile(ctx, row))

	seen, err := repo.HasSeenFile(ctx, "src1", "100")
	require.NoError(t, err)
	assert.True(t, seen)

	pending, err := repo.GetPendingFiles(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "aa11", pending[0].RawHash)

	// A different source may see the same external id.
	require.NoError(t, repo.RecordFile(ctx, SeenFileInsert{SourceID: "src2", ExternalID: "100", RawHash: "cc33"}))
	pending, err = repo.GetPendingFiles(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestGetSeenFilesBatch(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.RecordFilesBatch(ctx, []SeenFileInsert{
		{SourceID: "src1", ExternalID: "1", RawHash: "h1"},
		{SourceID: "src1", ExternalID: "2", RawHash: "h2"},
	}))

	seen, err := repo.GetSeenFilesBatch(ctx, "src1", []string{"1", "2", "3"})
	require.NoError(t, err)
	assert.Contains(t, seen, "1")
	assert.Contains(t, seen, "2")
	assert.NotContains(t, seen, "3")

	empty, err := repo.GetSeenFilesBatch(ctx, "src1", nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestUpdateFileStatus(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.RecordFile(ctx, SeenFileInsert{SourceID: "s", ExternalID: "1", RawHash: "h1"}))
	require.NoError(t, repo.UpdateFileStatus(ctx, "h1", StatusFailed, "Parse error: bad data"))

	pending, err := repo.GetPendingFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func seedRecords(t *testing.T, repo *Repository) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.RecordFilesBatch(ctx, []SeenFileInsert{
		{SourceID: "src1", ExternalID: "1", RawHash: "fileA", Status: StatusProcessed},
		{SourceID: "src1", ExternalID: "2", RawHash: "fileB", Status: StatusProcessed},
		{SourceID: "src2", ExternalID: "1", RawHash: "fileC", Status: StatusProcessed},
	}))
	require.NoError(t, repo.AddRecordsBatch(ctx, []RecordInsert{
		{SourceFileHash: "fileA", RecordType: "npvt", UniqueHash: "u1", Data: format.RecordData{Line: "vless://u@h:443"}},
		{SourceFileHash: "fileB", RecordType: "npvt", UniqueHash: "u1", Data: format.RecordData{Line: "vless://u@h:443"}},
		{SourceFileHash: "fileB", RecordType: "npvt", UniqueHash: "u2", Data: format.RecordData{Line: "trojan://p@h:443"}},
		{SourceFileHash: "fileC", RecordType: "conf_lines", UniqueHash: "u3", Data: format.RecordData{Line: "key = val"}},
	}))
}

func TestGetRecordsForBuildDedup(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	seedRecords(t, repo)

	records, err := repo.GetRecordsForBuild(ctx, []string{"npvt"}, []string{"src1"}, 0)
	require.NoError(t, err)

	// u1 appears twice; only the newest row survives, order by record id.
	require.Len(t, records, 2)
	assert.Equal(t, "vless://u@h:443", records[0].Data.Line)
	assert.Equal(t, "trojan://p@h:443", records[1].Data.Line)
}

func TestGetRecordsForBuildFilters(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	seedRecords(t, repo)

	// Source filter: src2 has no npvt records.
	records, err := repo.GetRecordsForBuild(ctx, []string{"npvt"}, []string{"src2"}, 0)
	require.NoError(t, err)
	assert.Empty(t, records)

	// Type filter.
	records, err = repo.GetRecordsForBuild(ctx, []string{"conf_lines"}, []string{"src2"}, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "key = val", records[0].Data.Line)

	// Empty inputs short-circuit.
	records, err = repo.GetRecordsForBuild(ctx, nil, []string{"src1"}, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestGetRecordsForBuildCutoff(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	seedRecords(t, repo)

	maxID, err := repo.MaxSeenFileID(ctx)
	require.NoError(t, err)
	require.Greater(t, maxID, int64(0))

	// Nothing was seen after the cutoff.
	records, err := repo.GetRecordsForBuild(ctx, []string{"npvt"}, []string{"src1"}, maxID)
	require.NoError(t, err)
	assert.Empty(t, records)

	// A new file after the cutoff feeds the delta build.
	require.NoError(t, repo.RecordFile(ctx, SeenFileInsert{SourceID: "src1", ExternalID: "9", RawHash: "fileZ", Status: StatusProcessed}))
	require.NoError(t, repo.AddRecord(ctx, RecordInsert{
		SourceFileHash: "fileZ", RecordType: "npvt", UniqueHash: "u9",
		Data: format.RecordData{Line: "ss://abc@h:8388"},
	}))
	records, err = repo.GetRecordsForBuild(ctx, []string{"npvt"}, []string{"src1"}, maxID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "ss://abc@h:8388", records[0].Data.Line)
}

func TestPublishedArtifacts(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	last, err := repo.GetLastPublishedHash(ctx, "mainline:npvt")
	require.NoError(t, err)
	assert.Empty(t, last)

	require.NoError(t, repo.MarkPublished(ctx, "mainline:npvt", "hash1", map[string]string{"run": "r1"}))
	require.NoError(t, repo.MarkPublished(ctx, "mainline:npvt", "hash2", nil))

	last, err = repo.GetLastPublishedHash(ctx, "mainline:npvt")
	require.NoError(t, err)
	assert.Equal(t, "hash2", last)

	ok, err := repo.IsArtifactPublished(ctx, "mainline:npvt", "hash1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.IsArtifactPublished(ctx, "mainline:npvt", "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	// Derived-artifact ids track their own history.
	last, err = repo.GetLastPublishedHash(ctx, "mainline:npvt.b64sub")
	require.NoError(t, err)
	assert.Empty(t, last)
}

func TestGetProcessedHashes(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.RecordFilesBatch(ctx, []SeenFileInsert{
		{SourceID: "s", ExternalID: "1", RawHash: "textfile", Status: StatusProcessed},
		{SourceID: "s", ExternalID: "2", RawHash: "bundlefile", Status: StatusProcessed},
		{SourceID: "s", ExternalID: "3", RawHash: "stillpending"},
		{SourceID: "s", ExternalID: "4", RawHash: "failedfile", Status: StatusFailed},
	}))
	require.NoError(t, repo.AddRecordsBatch(ctx, []RecordInsert{
		{SourceFileHash: "textfile", RecordType: "npvt", UniqueHash: "t1", Data: format.RecordData{Line: "vless://u@h:443"}},
		{SourceFileHash: "bundlefile", RecordType: "ovpn", UniqueHash: "b1", Data: format.RecordData{Filename: "a.ovpn", BlobHash: "bundlefile"}},
	}))

	hashes, err := repo.GetProcessedHashes(ctx)
	require.NoError(t, err)

	// Text-format blobs and failed files are prunable; bundle blobs backing
	// active records and pending files are not.
	assert.Contains(t, hashes, "textfile")
	assert.Contains(t, hashes, "failedfile")
	assert.NotContains(t, hashes, "bundlefile")
	assert.NotContains(t, hashes, "stillpending")
}

func TestInTxRollsBack(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	err := repo.InTx(ctx, func(q *Queries) error {
		if err := q.RecordFile(ctx, SeenFileInsert{SourceID: "s", ExternalID: "1", RawHash: "h"}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	seen, err := repo.HasSeenFile(ctx, "s", "1")
	require.NoError(t, err)
	assert.False(t, seen)
}
