package connector

import "context"

// Metadata describes one harvested item.
type Metadata struct {
	Filename  string `json:"filename,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	IsText    bool   `json:"is_text,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
}

// Item is one unit harvested from a source: an opaque external id, the raw
// bytes and descriptive metadata.
type Item struct {
	ExternalID string
	Data       []byte
	Meta       Metadata
}

// LastRun captures the statistics of the most recent ingestion run.
type LastRun struct {
	Timestamp       int64   `json:"timestamp"`
	FilesIngested   int     `json:"files_ingested"`
	BytesIngested   int64   `json:"bytes_ingested"`
	DurationSeconds float64 `json:"duration_seconds"`
	SkippedFiles    int     `json:"skipped_files"`
	TextItems       int     `json:"text_items"`
	MediaItems      int     `json:"media_items"`
}

// Stats accumulates per-source counters across runs.
type Stats struct {
	TotalFiles int     `json:"total_files"`
	LastRun    LastRun `json:"last_run"`
}

// State is the persistable cursor of a source. Offset is the upper bound of
// external ids already drained; Stats carries cumulative counters.
type State struct {
	Offset int64  `json:"offset"`
	Stats  *Stats `json:"stats,omitempty"`
}

// Connector supplies new items from an external source.
//
// ListNew returns a channel that streams items and is closed when
// iteration ends; the producing goroutine must select on ctx so consumers
// can stop early and back-pressure applies. After the channel closes, Err
// reports the terminal iteration error (nil on clean completion) and State
// returns the cursor to persist.
type Connector interface {
	ListNew(ctx context.Context, prior *State) <-chan Item
	Err() error
	State() *State
}

// ChannelResolver is optionally implemented by connectors that can resolve
// a canonical channel identity, letting the orchestrator skip sources that
// point at a channel already drained this run.
type ChannelResolver interface {
	ResolveChannelID(ctx context.Context) (string, bool)
}

// Cleaner is optionally implemented by connectors holding sessions or other
// resources that must be released on every exit path.
type Cleaner interface {
	Cleanup()
}
