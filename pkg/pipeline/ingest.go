package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/telemerge/mergebot/pkg/connector"
	"github.com/telemerge/mergebot/pkg/log"
	"github.com/telemerge/mergebot/pkg/metrics"
	"github.com/telemerge/mergebot/pkg/state"
	"github.com/telemerge/mergebot/pkg/store"
)

// ingestBatchSize is how many items accumulate before one transactional
// flush.
const ingestBatchSize = 100

// Ingest drains one connector into the raw store and the seen-file ledger.
type Ingest struct {
	raw  *store.RawStore
	repo *state.Repository
}

func NewIngest(raw *store.RawStore, repo *state.Repository) *Ingest {
	return &Ingest{raw: raw, repo: repo}
}

// IngestStats summarizes one source's ingestion.
type IngestStats struct {
	NewItems   int
	NewBytes   int64
	Skipped    int
	TextItems  int
	MediaItems int
}

// flushBatch dedups the buffer against seen_files, persists the new blobs
// and records their ledger rows in one transaction.
func (p *Ingest) flushBatch(ctx context.Context, sourceID string, buffer []connector.Item, stats *IngestStats) error {
	if len(buffer) == 0 {
		return nil
	}

	ids := make([]string, len(buffer))
	for i, item := range buffer {
		ids[i] = item.ExternalID
	}

	return p.repo.InTx(ctx, func(q *state.Queries) error {
		seen, err := q.GetSeenFilesBatch(ctx, sourceID, ids)
		if err != nil {
			return err
		}

		var rows []state.SeenFileInsert
		for _, item := range buffer {
			if _, dup := seen[item.ExternalID]; dup {
				stats.Skipped++
				continue
			}

			filename := item.Meta.Filename
			if filename == "" {
				filename = "unknown"
			}
			if item.Meta.IsText || strings.HasSuffix(filename, ".txt") {
				stats.TextItems++
			} else {
				stats.MediaItems++
			}

			rawHash, err := p.raw.Save(item.Data)
			if err != nil {
				return fmt.Errorf("save blob for %s: %w", item.ExternalID, err)
			}

			meta, err := json.Marshal(item.Meta)
			if err != nil {
				return fmt.Errorf("marshal item metadata: %w", err)
			}
			rows = append(rows, state.SeenFileInsert{
				SourceID:   sourceID,
				ExternalID: item.ExternalID,
				RawHash:    rawHash,
				FileSize:   int64(len(item.Data)),
				Filename:   filename,
				Status:     state.StatusPending,
				Metadata:   meta,
			})
			stats.NewItems++
			stats.NewBytes += int64(len(item.Data))
		}
		if len(rows) == 0 {
			return nil
		}
		return q.RecordFilesBatch(ctx, rows)
	})
}

// Run drains the connector for one source and persists its new cursor. A
// context deadline interrupts the drain but still commits the partial
// progress and state; connector errors abort without a state update.
func (p *Ingest) Run(ctx context.Context, sourceID, sourceType string, conn connector.Connector) (IngestStats, error) {
	logger := log.WithSourceID(sourceID)
	var stats IngestStats

	priorRaw, err := p.repo.GetSourceState(ctx, sourceID)
	if err != nil {
		return stats, err
	}
	prior := &connector.State{}
	if len(priorRaw) > 0 {
		if err := json.Unmarshal(priorRaw, prior); err != nil {
			logger.Warn().Err(err).Msg("unreadable source state, starting fresh")
			prior = &connector.State{}
		}
	}
	totalFiles := 0
	if prior.Stats != nil {
		totalFiles = prior.Stats.TotalFiles
	}

	logger.Info().Str("type", sourceType).Int64("offset", prior.Offset).
		Int("total_files", totalFiles).Msg("ingest starting")

	start := time.Now()
	interrupted := false
	buffer := make([]connector.Item, 0, ingestBatchSize)

	items := conn.ListNew(ctx, prior)
	for item := range items {
		buffer = append(buffer, item)
		if len(buffer) >= ingestBatchSize {
			if err := p.flushBatch(ctx, sourceID, buffer, &stats); err != nil {
				return stats, fmt.Errorf("ingest %s: %w", sourceID, err)
			}
			buffer = buffer[:0]
		}
	}
	if err := p.flushBatch(ctx, sourceID, buffer, &stats); err != nil {
		return stats, fmt.Errorf("ingest %s: %w", sourceID, err)
	}

	if err := conn.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			logger.Warn().Msg("deadline exceeded, interrupting ingestion")
			interrupted = true
		} else {
			return stats, fmt.Errorf("ingest %s: %w", sourceID, err)
		}
	}

	duration := time.Since(start)
	next := conn.State()
	next.Stats = &connector.Stats{
		TotalFiles: totalFiles + stats.NewItems,
		LastRun: connector.LastRun{
			Timestamp:       time.Now().Unix(),
			FilesIngested:   stats.NewItems,
			BytesIngested:   stats.NewBytes,
			DurationSeconds: duration.Seconds(),
			SkippedFiles:    stats.Skipped,
			TextItems:       stats.TextItems,
			MediaItems:      stats.MediaItems,
		},
	}
	nextRaw, err := json.Marshal(next)
	if err != nil {
		return stats, fmt.Errorf("marshal source state: %w", err)
	}
	// Persist the cursor with a fresh context so a fired deadline does not
	// lose the progress already committed.
	stateCtx := ctx
	if interrupted || ctx.Err() != nil {
		var cancel context.CancelFunc
		stateCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if err := p.repo.UpdateSourceState(stateCtx, sourceID, sourceType, nextRaw); err != nil {
		return stats, fmt.Errorf("update state %s: %w", sourceID, err)
	}

	metrics.FilesIngested.WithLabelValues(sourceID).Add(float64(stats.NewItems))
	logger.Info().Int("new", stats.NewItems).Int("text", stats.TextItems).
		Int("media", stats.MediaItems).Int("skipped", stats.Skipped).
		Int64("bytes", stats.NewBytes).Dur("duration", duration).Msg("ingest done")

	if stats.NewItems == 0 && stats.Skipped == 0 {
		logger.Warn().Msg("zero items from source")
	}
	return stats, nil
}
