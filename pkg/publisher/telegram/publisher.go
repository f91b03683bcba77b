// Package telegram publishes artifacts as documents through the Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/telemerge/mergebot/pkg/log"
)

const (
	apiBase    = "https://api.telegram.org"
	maxRetries = 3
)

// Publisher sends documents with one bot token.
type Publisher struct {
	token   string
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// Option mutates a Publisher during construction.
type Option func(*Publisher)

// WithBaseURL redirects API traffic, used by tests.
func WithBaseURL(u string) Option { return func(p *Publisher) { p.baseURL = u } }

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(p *Publisher) { p.client = hc } }

func New(token string, opts ...Option) *Publisher {
	p := &Publisher{
		token:   token,
		baseURL: apiBase,
		client:  &http.Client{Timeout: 120 * time.Second},
		logger:  log.WithComponent("telegram_publisher"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Publish uploads the artifact via sendDocument, retrying transient
// failures with exponential backoff.
func (p *Publisher) Publish(ctx context.Context, chatID string, data []byte, filename, caption string) error {
	url := fmt.Sprintf("%s/bot%s/sendDocument", p.baseURL, p.token)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("chat_id", chatID); err != nil {
		return fmt.Errorf("build sendDocument form: %w", err)
	}
	if caption != "" {
		if err := mw.WriteField("caption", caption); err != nil {
			return fmt.Errorf("build sendDocument form: %w", err)
		}
	}
	fw, err := mw.CreateFormFile("document", filename)
	if err != nil {
		return fmt.Errorf("build sendDocument form: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("build sendDocument form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("build sendDocument form: %w", err)
	}
	payload := body.Bytes()

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())

		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read sendDocument response: %w", err)
		}
		var envelope struct {
			OK          bool   `json:"ok"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return fmt.Errorf("decode sendDocument response: %w", err)
		}
		if !envelope.OK {
			err := fmt.Errorf("telegram sendDocument: %s", envelope.Description)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)); err != nil {
		return fmt.Errorf("publish %s to %s: %w", filename, chatID, err)
	}

	p.logger.Debug().Str("chat_id", chatID).Str("filename", filename).
		Int("size", len(data)).Msg("document published")
	return nil
}
