package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/telemerge/mergebot/pkg/format"
)

// Seen-file lifecycle statuses. Rows are created pending by ingest and
// mutated only by transform.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusFailed    = "failed"
	StatusIgnored   = "ignored"
)

// Repository owns every persistent table. All mutation funnels through its
// API; InTx groups many operations into one transaction.
type Repository struct {
	db *sqlx.DB
	Queries
}

// Queries implements every repository operation against either the database
// or an open transaction.
type Queries struct {
	ext sqlx.ExtContext
}

// Open creates (or migrates) the SQLite database at path and returns the
// repository. WAL and a busy timeout give single-writer semantics without
// starving readers.
func Open(path string) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// SQLite has one writer; a single pooled connection avoids lock churn
	// between the pipelines' goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Repository{db: db, Queries: Queries{ext: db}}, nil
}

func (r *Repository) Close() error { return r.db.Close() }

// InTx runs fn with a Queries bound to a single transaction, committing on
// nil and rolling back otherwise.
func (r *Repository) InTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Queries{ext: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------
// Source state
// ---------------------------------------------------------------------

// GetSourceState returns the opaque state_json for a source, or nil when
// the source has never been persisted.
func (q *Queries) GetSourceState(ctx context.Context, sourceID string) ([]byte, error) {
	var raw string
	err := sqlx.GetContext(ctx, q.ext, &raw,
		"SELECT state_json FROM source_state WHERE source_id = ?", sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get source state %s: %w", sourceID, err)
	}
	return []byte(raw), nil
}

// UpdateSourceState upserts the cursor for a source.
func (q *Queries) UpdateSourceState(ctx context.Context, sourceID, sourceType string, stateJSON []byte) error {
	_, err := q.ext.ExecContext(ctx, `
		INSERT INTO source_state (source_id, source_type, state_json, updated_at)
		VALUES (?, ?, ?, strftime('%s', 'now'))
		ON CONFLICT(source_id) DO UPDATE SET
			source_type = excluded.source_type,
			state_json  = excluded.state_json,
			updated_at  = excluded.updated_at`,
		sourceID, sourceType, string(stateJSON))
	if err != nil {
		return fmt.Errorf("update source state %s: %w", sourceID, err)
	}
	return nil
}

// ---------------------------------------------------------------------
// Seen files
// ---------------------------------------------------------------------

// SeenFileInsert is one row for RecordFilesBatch.
type SeenFileInsert struct {
	SourceID   string
	ExternalID string
	RawHash    string
	FileSize   int64
	Filename   string
	Status     string
	Metadata   []byte
}

// PendingFile is a seen-file row awaiting transformation.
type PendingFile struct {
	ID       int64          `db:"id"`
	SourceID string         `db:"source_id"`
	RawHash  string         `db:"raw_hash"`
	Filename sql.NullString `db:"filename"`
	FileSize int64          `db:"file_size"`
}

// HasSeenFile reports whether the (source_id, external_id) pair exists.
func (q *Queries) HasSeenFile(ctx context.Context, sourceID, externalID string) (bool, error) {
	var one int
	err := sqlx.GetContext(ctx, q.ext, &one,
		"SELECT 1 FROM seen_files WHERE source_id = ? AND external_id = ?", sourceID, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check seen file %s/%s: %w", sourceID, externalID, err)
	}
	return true, nil
}

// GetSeenFilesBatch returns which of the given external ids already exist
// for the source.
func (q *Queries) GetSeenFilesBatch(ctx context.Context, sourceID string, externalIDs []string) (map[string]struct{}, error) {
	seen := make(map[string]struct{}, len(externalIDs))
	if len(externalIDs) == 0 {
		return seen, nil
	}
	query, args, err := sqlx.In(
		"SELECT external_id FROM seen_files WHERE source_id = ? AND external_id IN (?)",
		sourceID, externalIDs)
	if err != nil {
		return nil, fmt.Errorf("build seen batch query: %w", err)
	}
	var ids []string
	if err := sqlx.SelectContext(ctx, q.ext, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("seen batch %s: %w", sourceID, err)
	}
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	return seen, nil
}

// RecordFile inserts one seen-file row with INSERT OR IGNORE semantics.
func (q *Queries) RecordFile(ctx context.Context, row SeenFileInsert) error {
	return q.RecordFilesBatch(ctx, []SeenFileInsert{row})
}

// RecordFilesBatch inserts rows, silently ignoring (source_id, external_id)
// duplicates.
func (q *Queries) RecordFilesBatch(ctx context.Context, rows []SeenFileInsert) error {
	for _, row := range rows {
		status := row.Status
		if status == "" {
			status = StatusPending
		}
		meta := row.Metadata
		if len(meta) == 0 {
			meta = []byte("{}")
		}
		_, err := q.ext.ExecContext(ctx, `
			INSERT OR IGNORE INTO seen_files
			(source_id, external_id, raw_hash, file_size, filename, status, metadata_json)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			row.SourceID, row.ExternalID, row.RawHash, row.FileSize, row.Filename, status, string(meta))
		if err != nil {
			return fmt.Errorf("record file %s/%s: %w", row.SourceID, row.ExternalID, err)
		}
	}
	return nil
}

// StatusUpdate mutates the lifecycle status of every seen-file row with the
// given raw hash.
type StatusUpdate struct {
	RawHash  string
	Status   string
	ErrorMsg string
}

func (q *Queries) UpdateFileStatus(ctx context.Context, rawHash, status, errorMsg string) error {
	return q.UpdateFileStatusBatch(ctx, []StatusUpdate{{RawHash: rawHash, Status: status, ErrorMsg: errorMsg}})
}

func (q *Queries) UpdateFileStatusBatch(ctx context.Context, updates []StatusUpdate) error {
	for _, u := range updates {
		var errMsg any
		if u.ErrorMsg != "" {
			errMsg = u.ErrorMsg
		}
		_, err := q.ext.ExecContext(ctx,
			"UPDATE seen_files SET status = ?, error_msg = ? WHERE raw_hash = ?",
			u.Status, errMsg, u.RawHash)
		if err != nil {
			return fmt.Errorf("update file status %s: %w", u.RawHash, err)
		}
	}
	return nil
}

// GetPendingFiles returns every seen-file row still awaiting transform.
func (q *Queries) GetPendingFiles(ctx context.Context) ([]PendingFile, error) {
	var rows []PendingFile
	err := sqlx.SelectContext(ctx, q.ext, &rows, `
		SELECT id, source_id, raw_hash, filename, file_size
		FROM seen_files WHERE status = ? ORDER BY id`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("get pending files: %w", err)
	}
	return rows, nil
}

// MaxSeenFileID returns the highest seen_files.id, 0 when the table is
// empty.
func (q *Queries) MaxSeenFileID(ctx context.Context) (int64, error) {
	var max int64
	err := sqlx.GetContext(ctx, q.ext, &max, "SELECT COALESCE(MAX(id), 0) FROM seen_files")
	if err != nil {
		return 0, fmt.Errorf("max seen file id: %w", err)
	}
	return max, nil
}

// ---------------------------------------------------------------------
// Records
// ---------------------------------------------------------------------

// RecordInsert is one parsed record row.
type RecordInsert struct {
	SourceFileHash string
	RecordType     string
	UniqueHash     string
	Data           format.RecordData
}

// BuildRecord is a deduplicated record handed to the build pipeline.
type BuildRecord struct {
	RecordType string
	Data       format.RecordData
}

func (q *Queries) AddRecord(ctx context.Context, row RecordInsert) error {
	return q.AddRecordsBatch(ctx, []RecordInsert{row})
}

// AddRecordsBatch appends records; the table is append-only.
func (q *Queries) AddRecordsBatch(ctx context.Context, rows []RecordInsert) error {
	for _, row := range rows {
		data, err := json.Marshal(row.Data)
		if err != nil {
			return fmt.Errorf("marshal record data: %w", err)
		}
		_, err = q.ext.ExecContext(ctx, `
			INSERT INTO records (source_file_hash, record_type, unique_hash, data_json)
			VALUES (?, ?, ?, ?)`,
			row.SourceFileHash, row.RecordType, row.UniqueHash, string(data))
		if err != nil {
			return fmt.Errorf("add record %s: %w", row.UniqueHash, err)
		}
	}
	return nil
}

// GetRecordsForBuild fetches active records of the given types from the
// given sources, deduplicated per (record_type, unique_hash) keeping the
// row with the greatest record id, ordered by that id ascending. A positive
// minSeenFileID restricts the join to files first seen after that id.
func (q *Queries) GetRecordsForBuild(ctx context.Context, recordTypes, sourceIDs []string, minSeenFileID int64) ([]BuildRecord, error) {
	if len(recordTypes) == 0 || len(sourceIDs) == 0 {
		return nil, nil
	}

	query := `
		WITH filtered AS (
			SELECT r.id, r.record_type, r.unique_hash, r.data_json
			FROM records r
			JOIN seen_files s ON r.source_file_hash = s.raw_hash
			WHERE r.record_type IN (?)
			  AND s.source_id IN (?)
			  AND r.is_active = 1`
	args := []any{recordTypes, sourceIDs}
	if minSeenFileID > 0 {
		query += " AND s.id > ?"
		args = append(args, minSeenFileID)
	}
	query += `
		),
		dedup AS (
			SELECT record_type, unique_hash, MAX(id) AS keep_id
			FROM filtered
			GROUP BY record_type, unique_hash
		)
		SELECT f.record_type, f.data_json
		FROM filtered f
		JOIN dedup d ON d.keep_id = f.id
		ORDER BY f.id ASC`

	expanded, expArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("build records query: %w", err)
	}

	rows, err := q.ext.QueryxContext(ctx, expanded, expArgs...)
	if err != nil {
		return nil, fmt.Errorf("get records for build: %w", err)
	}
	defer rows.Close()

	var out []BuildRecord
	for rows.Next() {
		var recordType, dataJSON string
		if err := rows.Scan(&recordType, &dataJSON); err != nil {
			return nil, fmt.Errorf("scan build record: %w", err)
		}
		var data format.RecordData
		if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
			return nil, fmt.Errorf("decode record data: %w", err)
		}
		out = append(out, BuildRecord{RecordType: recordType, Data: data})
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------
// Published artifacts
// ---------------------------------------------------------------------

// IsArtifactPublished reports whether the (unique id, hash) pair was ever
// recorded.
func (q *Queries) IsArtifactPublished(ctx context.Context, uniqueID, artifactHash string) (bool, error) {
	var one int
	err := sqlx.GetContext(ctx, q.ext, &one,
		"SELECT 1 FROM published_artifacts WHERE route_name = ? AND artifact_hash = ?",
		uniqueID, artifactHash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check published %s: %w", uniqueID, err)
	}
	return true, nil
}

// MarkPublished appends a publication row for the "<route>:<format>" unique
// id.
func (q *Queries) MarkPublished(ctx context.Context, uniqueID, artifactHash string, metadata map[string]string) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal publish metadata: %w", err)
	}
	if metadata == nil {
		meta = []byte("{}")
	}
	_, err = q.ext.ExecContext(ctx, `
		INSERT INTO published_artifacts (route_name, artifact_hash, metadata_json)
		VALUES (?, ?, ?)`, uniqueID, artifactHash, string(meta))
	if err != nil {
		return fmt.Errorf("mark published %s: %w", uniqueID, err)
	}
	return nil
}

// GetLastPublishedHash returns the hash of the most recent publication for
// the unique id, or "" when never published.
func (q *Queries) GetLastPublishedHash(ctx context.Context, uniqueID string) (string, error) {
	var hash string
	err := sqlx.GetContext(ctx, q.ext, &hash, `
		SELECT artifact_hash FROM published_artifacts
		WHERE route_name = ? ORDER BY id DESC LIMIT 1`, uniqueID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last published hash %s: %w", uniqueID, err)
	}
	return hash, nil
}

// ---------------------------------------------------------------------
// Cleanup support
// ---------------------------------------------------------------------

// GetProcessedHashes returns raw hashes whose seen-file rows are no longer
// pending and that are not referenced by any active record of a
// blob-dependent format. These blobs are safe to prune.
func (q *Queries) GetProcessedHashes(ctx context.Context) ([]string, error) {
	query, args, err := sqlx.In(`
		SELECT DISTINCT sf.raw_hash
		FROM seen_files sf
		WHERE sf.status != ?
		  AND sf.raw_hash NOT IN (
			SELECT DISTINCT r.source_file_hash
			FROM records r
			WHERE r.record_type IN (?) AND r.is_active = 1
		  )`, StatusPending, format.BundleFormats)
	if err != nil {
		return nil, fmt.Errorf("build processed hashes query: %w", err)
	}
	var hashes []string
	if err := sqlx.SelectContext(ctx, q.ext, &hashes, query, args...); err != nil {
		return nil, fmt.Errorf("get processed hashes: %w", err)
	}
	return hashes, nil
}
