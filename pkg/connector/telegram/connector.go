// Package telegram implements the Bot API polling connector: getUpdates
// long-poll drained into a process-wide per-token cache, document download
// via getFile, and inline-text harvesting of messages that carry proxy
// URIs.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/telemerge/mergebot/pkg/connector"
	"github.com/telemerge/mergebot/pkg/log"
	"github.com/telemerge/mergebot/pkg/proxyuri"
)

const (
	apiBase = "https://api.telegram.org"

	// Bot API refuses downloads above this.
	maxFileSize = 20 * 1024 * 1024

	updatesPerPage = 100
	maxRetries     = 3
)

// FetchWindows bounds how far back messages and documents are accepted, in
// hours. Zero disables the cutoff. Fresh windows apply when the source has
// no prior offset; subsequent windows apply afterwards.
type FetchWindows struct {
	MsgFreshHours       float64
	FileFreshHours      float64
	MsgSubsequentHours  float64
	FileSubsequentHours float64
}

// DefaultFetchWindows mirrors the operational defaults: a fresh source
// reaches 2h back for text and 48h for files, subsequent runs are
// unbounded.
var DefaultFetchWindows = FetchWindows{MsgFreshHours: 2, FileFreshHours: 48}

// update is the subset of a Telegram update the connector consumes.
type update struct {
	UpdateID    int64    `json:"update_id"`
	Message     *message `json:"message"`
	ChannelPost *message `json:"channel_post"`
}

func (u update) msg() *message {
	if u.ChannelPost != nil {
		return u.ChannelPost
	}
	return u.Message
}

type message struct {
	MessageID int64     `json:"message_id"`
	Date      int64     `json:"date"`
	Text      string    `json:"text"`
	Caption   string    `json:"caption"`
	Chat      chat      `json:"chat"`
	Document  *document `json:"document"`
}

type chat struct {
	ID int64 `json:"id"`
}

type document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	MimeType string `json:"mime_type"`
}

// updateCache holds every update drained for one bot token. Multiple
// sources sharing a token would otherwise steal each other's getUpdates
// results, since the Bot API delivers each update exactly once per token.
type updateCache struct {
	mu         sync.Mutex
	updates    map[int64]update
	lastOffset int64
}

var (
	cachesMu sync.Mutex
	caches   = map[string]*updateCache{}
)

func cacheForToken(token string) *updateCache {
	cachesMu.Lock()
	defer cachesMu.Unlock()
	c, ok := caches[token]
	if !ok {
		c = &updateCache{updates: map[int64]update{}}
		caches[token] = c
	}
	return c
}

// resetCaches clears the process-wide update caches. Test hook.
func resetCaches() {
	cachesMu.Lock()
	defer cachesMu.Unlock()
	caches = map[string]*updateCache{}
}

// Connector polls one chat through the Bot API.
type Connector struct {
	token   string
	chatID  string
	windows FetchWindows
	baseURL string
	client  *http.Client
	logger  zerolog.Logger

	mu     sync.Mutex
	offset int64
	err    error
}

// Option mutates a Connector during construction.
type Option func(*Connector)

// WithBaseURL redirects API traffic, used by tests.
func WithBaseURL(u string) Option { return func(c *Connector) { c.baseURL = u } }

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Connector) { c.client = hc } }

// New builds a connector for one (token, chat) pair.
func New(sourceID, token, chatID string, windows FetchWindows, opts ...Option) *Connector {
	c := &Connector{
		token:   token,
		chatID:  chatID,
		windows: windows,
		baseURL: apiBase,
		client:  &http.Client{Timeout: 60 * time.Second},
		logger:  log.WithSourceID(sourceID),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// apiCall posts a Bot API method and decodes result into out. Transient
// failures are retried with exponential backoff.
func (c *Connector) apiCall(ctx context.Context, method string, params, out any) error {
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var envelope struct {
			OK          bool            `json:"ok"`
			Result      json.RawMessage `json:"result"`
			Description string          `json:"description"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return fmt.Errorf("decode %s response: %w", method, err)
		}
		if !envelope.OK {
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(fmt.Errorf("telegram %s: %s", method, envelope.Description))
			}
			return fmt.Errorf("telegram %s: %s", method, envelope.Description)
		}
		if out != nil {
			if err := json.Unmarshal(envelope.Result, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode %s result: %w", method, err))
			}
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx))
}

// downloadFile fetches the file bytes behind a getFile path.
func (c *Connector) downloadFile(ctx context.Context, filePath string) ([]byte, error) {
	url := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, filePath)

	var data []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("download %s: status %d", filePath, resp.StatusCode)
		}
		data, err = io.ReadAll(resp.Body)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)); err != nil {
		return nil, err
	}
	return data, nil
}

// drainUpdates pages getUpdates into the shared per-token cache until the
// API has nothing newer.
func (c *Connector) drainUpdates(ctx context.Context, cache *updateCache) error {
	for {
		cache.mu.Lock()
		reqOffset := int64(0)
		if cache.lastOffset > 0 {
			reqOffset = cache.lastOffset + 1
		}
		cache.mu.Unlock()

		var updates []update
		err := c.apiCall(ctx, "getUpdates", map[string]any{
			"offset":          reqOffset,
			"timeout":         2,
			"limit":           updatesPerPage,
			"allowed_updates": []string{"channel_post", "message"},
		}, &updates)
		if err != nil {
			return err
		}
		if len(updates) == 0 {
			return nil
		}

		cache.mu.Lock()
		for _, u := range updates {
			if u.UpdateID > cache.lastOffset {
				cache.lastOffset = u.UpdateID
			}
			if _, ok := cache.updates[u.UpdateID]; !ok {
				cache.updates[u.UpdateID] = u
			}
		}
		cache.mu.Unlock()
	}
}

// cutoff returns the unix time before which items are rejected, 0 for no
// cutoff.
func cutoff(now time.Time, hours float64) int64 {
	if hours <= 0 {
		return 0
	}
	return now.Add(-time.Duration(hours * float64(time.Hour))).Unix()
}

// ListNew drains the Bot API and streams this chat's new items. Documents
// within the file window become media items; messages whose text carries a
// recognized proxy scheme become synthetic text items with external id
// "msg:<update_id>".
func (c *Connector) ListNew(ctx context.Context, prior *connector.State) <-chan connector.Item {
	var localOffset int64
	if prior != nil {
		localOffset = prior.Offset
	}
	c.mu.Lock()
	c.offset = localOffset
	c.err = nil
	c.mu.Unlock()

	out := make(chan connector.Item)
	go func() {
		defer close(out)

		fresh := localOffset == 0
		now := time.Now()
		msgHours, fileHours := c.windows.MsgSubsequentHours, c.windows.FileSubsequentHours
		if fresh {
			msgHours, fileHours = c.windows.MsgFreshHours, c.windows.FileFreshHours
		}
		msgCutoff := cutoff(now, msgHours)
		fileCutoff := cutoff(now, fileHours)

		c.logger.Info().Int64("offset", localOffset).Bool("fresh", fresh).
			Msg("fetching telegram updates")

		cache := cacheForToken(c.token)
		if err := c.drainUpdates(ctx, cache); err != nil {
			c.setErr(fmt.Errorf("drain updates: %w", err))
			return
		}

		cache.mu.Lock()
		ids := make([]int64, 0, len(cache.updates))
		for id := range cache.updates {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		pending := make([]update, 0, len(ids))
		for _, id := range ids {
			if id > localOffset {
				pending = append(pending, cache.updates[id])
			}
		}
		cache.mu.Unlock()

		for _, u := range pending {
			if ctx.Err() != nil {
				c.setErr(ctx.Err())
				return
			}
			c.advance(u.UpdateID)

			msg := u.msg()
			if msg == nil {
				continue
			}
			if strconv.FormatInt(msg.Chat.ID, 10) != c.chatID {
				continue
			}

			if msg.Document != nil {
				if fileCutoff > 0 && msg.Date < fileCutoff {
					continue
				}
				item, ok := c.fetchDocument(ctx, msg)
				if !ok {
					continue
				}
				if !send(ctx, out, item) {
					c.setErr(ctx.Err())
					return
				}
				continue
			}

			text := msg.Text
			if text == "" {
				text = msg.Caption
			}
			if text == "" || !proxyuri.ContainsScheme(text) {
				continue
			}
			if msgCutoff > 0 && msg.Date < msgCutoff {
				continue
			}
			item := connector.Item{
				ExternalID: fmt.Sprintf("msg:%d", u.UpdateID),
				Data:       []byte(text),
				Meta: connector.Metadata{
					Filename:  fmt.Sprintf("msg_%d.txt", u.UpdateID),
					Timestamp: msg.Date,
					IsText:    true,
					ChatID:    c.chatID,
				},
			}
			if !send(ctx, out, item) {
				c.setErr(ctx.Err())
				return
			}
		}
	}()
	return out
}

// fetchDocument resolves and downloads one document message.
func (c *Connector) fetchDocument(ctx context.Context, msg *message) (connector.Item, bool) {
	doc := msg.Document
	if doc.FileSize > maxFileSize {
		c.logger.Warn().Str("filename", doc.FileName).Int64("size", doc.FileSize).
			Msg("skipping oversized file")
		return connector.Item{}, false
	}

	var info struct {
		FilePath string `json:"file_path"`
	}
	if err := c.apiCall(ctx, "getFile", map[string]any{"file_id": doc.FileID}, &info); err != nil {
		c.logger.Warn().Err(err).Str("filename", doc.FileName).Msg("getFile failed")
		return connector.Item{}, false
	}
	data, err := c.downloadFile(ctx, info.FilePath)
	if err != nil {
		c.logger.Warn().Err(err).Str("filename", doc.FileName).Msg("download failed")
		return connector.Item{}, false
	}

	name := doc.FileName
	if name == "" {
		name = "unknown"
	}
	return connector.Item{
		ExternalID: strconv.FormatInt(msg.MessageID, 10),
		Data:       data,
		Meta: connector.Metadata{
			Filename:  name,
			Timestamp: msg.Date,
			MimeType:  doc.MimeType,
			ChatID:    c.chatID,
		},
	}, true
}

func send(ctx context.Context, out chan<- connector.Item, item connector.Item) bool {
	select {
	case out <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Connector) advance(id int64) {
	c.mu.Lock()
	if id > c.offset {
		c.offset = id
	}
	c.mu.Unlock()
}

func (c *Connector) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// Err reports the terminal iteration error after the ListNew channel
// closes.
func (c *Connector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// State returns the cursor to persist.
func (c *Connector) State() *connector.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &connector.State{Offset: c.offset}
}

// ResolveChannelID asks getChat for the canonical chat id, letting the
// orchestrator dedup sources that alias the same channel.
func (c *Connector) ResolveChannelID(ctx context.Context) (string, bool) {
	var info struct {
		ID int64 `json:"id"`
	}
	if err := c.apiCall(ctx, "getChat", map[string]any{"chat_id": c.chatID}, &info); err != nil {
		c.logger.Debug().Err(err).Msg("getChat failed")
		return "", false
	}
	return strconv.FormatInt(info.ID, 10), true
}
