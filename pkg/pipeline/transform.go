package pipeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/telemerge/mergebot/pkg/config"
	"github.com/telemerge/mergebot/pkg/format"
	"github.com/telemerge/mergebot/pkg/log"
	"github.com/telemerge/mergebot/pkg/metrics"
	"github.com/telemerge/mergebot/pkg/state"
	"github.com/telemerge/mergebot/pkg/store"
)

const (
	// transformBatchSize is how many pending files are parsed and flushed
	// per transaction.
	transformBatchSize = 200

	// transformWorkers bounds the parse parallelism inside a batch.
	transformWorkers = 4
)

// Transform routes pending files to handlers and persists parsed records.
type Transform struct {
	raw      *store.RawStore
	repo     *state.Repository
	registry *format.Registry
	sources  map[string]config.Source
}

func NewTransform(raw *store.RawStore, repo *state.Repository, registry *format.Registry, sources map[string]config.Source) *Transform {
	return &Transform{raw: raw, repo: repo, registry: registry, sources: sources}
}

// fileResult is the outcome of parsing one pending file.
type fileResult struct {
	status    string
	formatID  string
	records   []state.RecordInsert
	statusRow state.StatusUpdate
}

// processFile parses one pending file. Errors become status rows, never
// propagated: one broken file must not stall the batch.
func (p *Transform) processFile(row state.PendingFile) fileResult {
	logger := log.WithComponent("transform")
	filename := row.Filename.String
	if filename == "" {
		filename = "unknown"
	}

	data, err := p.raw.Get(row.RawHash)
	if err != nil || len(data) == 0 {
		logger.Error().Str("hash", shortHash(row.RawHash)).Str("filename", filename).
			Msg("raw data missing")
		return fileResult{status: state.StatusFailed,
			statusRow: state.StatusUpdate{RawHash: row.RawHash, Status: state.StatusFailed, ErrorMsg: "Raw data missing"}}
	}

	fmtID := format.DecideFormat(filename, data)

	if src, ok := p.sources[row.SourceID]; ok && !src.Selector.Allows(fmtID) {
		logger.Debug().Str("filename", filename).Str("source_id", row.SourceID).
			Str("format", fmtID).Msg("format not allowed for source")
		return fileResult{status: state.StatusIgnored, formatID: fmtID,
			statusRow: state.StatusUpdate{RawHash: row.RawHash, Status: state.StatusIgnored, ErrorMsg: fmt.Sprintf("Format %s not allowed", fmtID)}}
	}

	handler, ok := p.registry.Get(fmtID)
	if !ok {
		logger.Warn().Str("format", fmtID).Str("filename", filename).Msg("no handler for format")
		return fileResult{status: state.StatusFailed, formatID: fmtID,
			statusRow: state.StatusUpdate{RawHash: row.RawHash, Status: state.StatusFailed, ErrorMsg: fmt.Sprintf("No handler for %s", fmtID)}}
	}

	records, err := handler.Parse(data, format.SourceInfo{Filename: filename, SourceID: row.SourceID})
	if err != nil {
		logger.Error().Err(err).Str("filename", filename).Str("format", fmtID).Msg("parse error")
		return fileResult{status: state.StatusFailed, formatID: fmtID,
			statusRow: state.StatusUpdate{RawHash: row.RawHash, Status: state.StatusFailed, ErrorMsg: fmt.Sprintf("Parse error: %v", err)}}
	}

	inserts := make([]state.RecordInsert, 0, len(records))
	for _, rec := range records {
		inserts = append(inserts, state.RecordInsert{
			SourceFileHash: row.RawHash,
			RecordType:     fmtID,
			UniqueHash:     rec.UniqueHash,
			Data:           rec.Data,
		})
	}
	return fileResult{status: state.StatusProcessed, formatID: fmtID, records: inserts,
		statusRow: state.StatusUpdate{RawHash: row.RawHash, Status: state.StatusProcessed}}
}

// ProcessPending scans all pending seen-files, parses them in bounded
// parallel batches and flushes records plus status updates per batch.
func (p *Transform) ProcessPending(ctx context.Context) error {
	logger := log.WithComponent("transform")
	start := time.Now()

	pending, err := p.repo.GetPendingFiles(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		logger.Info().Msg("no pending files")
		return nil
	}
	logger.Info().Int("files", len(pending)).Msg("transformation starting")

	var totalProcessed, totalFailed, totalIgnored, totalRecords int
	formatCounts := map[string]int{}

	for batchStart := 0; batchStart < len(pending); batchStart += transformBatchSize {
		end := batchStart + transformBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[batchStart:end]
		results := make([]fileResult, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(transformWorkers)
		for i, row := range batch {
			i, row := i, row
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				results[i] = p.processFile(row)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("transform batch: %w", err)
		}

		var records []state.RecordInsert
		var statuses []state.StatusUpdate
		for _, res := range results {
			statuses = append(statuses, res.statusRow)
			if res.formatID != "" {
				formatCounts[res.formatID]++
			}
			switch res.status {
			case state.StatusProcessed:
				records = append(records, res.records...)
				totalProcessed++
			case state.StatusFailed:
				totalFailed++
			case state.StatusIgnored:
				totalIgnored++
			}
		}
		totalRecords += len(records)

		err := p.repo.InTx(ctx, func(q *state.Queries) error {
			if len(records) > 0 {
				if err := q.AddRecordsBatch(ctx, records); err != nil {
					return err
				}
			}
			return q.UpdateFileStatusBatch(ctx, statuses)
		})
		if err != nil {
			return fmt.Errorf("flush transform batch: %w", err)
		}
	}

	metrics.RecordsParsed.Add(float64(totalRecords))
	metrics.ParseFailures.Add(float64(totalFailed))
	logger.Info().Int("processed", totalProcessed).Int("failed", totalFailed).
		Int("ignored", totalIgnored).Int("records", totalRecords).
		Interface("formats", formatCounts).Dur("duration", time.Since(start)).
		Msg("transformation complete")
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
