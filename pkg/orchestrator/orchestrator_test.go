package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemerge/mergebot/pkg/config"
	"github.com/telemerge/mergebot/pkg/connector"
	tgconnector "github.com/telemerge/mergebot/pkg/connector/telegram"
	"github.com/telemerge/mergebot/pkg/publisher"
)

type stubConnector struct {
	items   []connector.Item
	err     error
	state   connector.State
	channel string
}

func (s *stubConnector) ListNew(ctx context.Context, prior *connector.State) <-chan connector.Item {
	out := make(chan connector.Item)
	go func() {
		defer close(out)
		for _, item := range s.items {
			select {
			case out <- item:
			case <-ctx.Done():
				s.err = ctx.Err()
				return
			}
		}
	}()
	return out
}

func (s *stubConnector) Err() error              { return s.err }
func (s *stubConnector) State() *connector.State { return &s.state }

func (s *stubConnector) ResolveChannelID(ctx context.Context) (string, bool) {
	return s.channel, s.channel != ""
}

// recordingPublisher is shared across tokens so tests see every delivery.
type recordingPublisher struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingPublisher) Publish(ctx context.Context, chatID string, data []byte, filename, caption string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, filename)
	return nil
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type testHarness struct {
	orch    *Orchestrator
	pub     *recordingPublisher
	outDir  string
	devDir  string
	dataDir string

	mu    sync.Mutex
	feeds map[string][]connector.Item
}

func textItem(id, uri string) connector.Item {
	return connector.Item{
		ExternalID: "msg:" + id,
		Data:       []byte(uri),
		Meta:       connector.Metadata{Filename: "msg_" + id + ".txt", IsText: true},
	}
}

func newHarness(t *testing.T, cfg *config.Config) *testHarness {
	t.Helper()
	dir := t.TempDir()
	h := &testHarness{
		pub:     &recordingPublisher{},
		outDir:  filepath.Join(dir, "outputs"),
		devDir:  filepath.Join(dir, "outputs_dev"),
		dataDir: filepath.Join(dir, "data"),
		feeds:   map[string][]connector.Item{},
	}

	orch, err := New(cfg, Options{
		DataDir:       h.dataDir,
		OutputsDir:    h.outDir,
		DevOutputsDir: h.devDir,
		ConnectorFactory: func(src config.Source, _ tgconnector.FetchWindows) (connector.Connector, error) {
			h.mu.Lock()
			items := h.feeds[src.ID]
			h.mu.Unlock()
			var offset int64
			for range items {
				offset++
			}
			return &stubConnector{items: items, state: connector.State{Offset: offset}}, nil
		},
		PublisherFactory: func(token string) publisher.Publisher { return h.pub },
	})
	require.NoError(t, err)
	t.Cleanup(func() { orch.Close() })
	h.orch = orch
	return h
}

func (h *testHarness) feed(sourceID string, items ...connector.Item) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.feeds[sourceID] = items
}

func singleRouteConfig() *config.Config {
	return &config.Config{
		Sources: []config.Source{{
			ID: "src1", Type: config.SourceTypeTelegram,
			Telegram: &config.TelegramSource{Token: "t", ChatID: "-1"},
		}},
		Routes: []config.Route{{
			Name:        "mainline",
			FromSources: []string{"src1"},
			Formats:     []string{"npvt"},
			Destinations: []config.Destination{{
				ChatID: "-100", Mode: "document", Token: "tok",
			}},
		}},
	}
}

func TestOutputFilename(t *testing.T) {
	assert.Equal(t, "mainline.npvt", outputFilename("mainline", "npvt"))
	assert.Equal(t, "mainline.ovpn", outputFilename("mainline", "ovpn"))
	assert.Equal(t, "mainline_npvt_decoded.json", outputFilename("mainline", "npvt.decoded.json"))
	assert.Equal(t, "mainline_npvtsub_b64sub.txt", outputFilename("mainline", "npvtsub.b64sub"))
}

func TestRunEndToEnd(t *testing.T) {
	h := newHarness(t, singleRouteConfig())
	h.feed("src1", textItem("1", "vless://u@h:443#first"))

	report := h.orch.Run(context.Background())

	assert.Equal(t, 1, report.IngestOK)
	assert.Equal(t, 0, report.IngestFailed)
	// Base artifact plus the decoded and b64sub derivatives.
	assert.Equal(t, 3, report.Artifacts)
	assert.Equal(t, 3, report.PublishAttempts)
	assert.Equal(t, 0, report.PublishFailures)
	assert.Equal(t, 1, report.RoutesOK)
	assert.Equal(t, 3, h.pub.count())

	for _, name := range []string{"mainline.npvt", "mainline_npvt_decoded.json", "mainline_npvt_b64sub.txt"} {
		_, err := os.Stat(filepath.Join(h.outDir, name))
		assert.NoError(t, err, name)
	}
	base, err := os.ReadFile(filepath.Join(h.outDir, "mainline.npvt"))
	require.NoError(t, err)
	assert.Equal(t, "vless://u@h:443#vless-1", string(base))

	for _, name := range []string{"_manifest.json", "proxies.txt", "proxies_b64sub.txt", "proxies.json"} {
		_, err := os.Stat(filepath.Join(h.devDir, name))
		assert.NoError(t, err, name)
	}
}

func TestRunUnchangedContentNotRepublished(t *testing.T) {
	h := newHarness(t, singleRouteConfig())
	h.feed("src1", textItem("1", "vless://u@h:443#first"))
	h.orch.Run(context.Background())
	first := h.pub.count()
	require.Equal(t, 3, first)

	// A new message carrying an already-known URI builds an identical
	// artifact, which change detection suppresses.
	h.feed("src1", textItem("2", "vless://u@h:443#renamed"))
	report := h.orch.Run(context.Background())

	assert.Equal(t, 3, report.Artifacts)
	assert.Equal(t, first, h.pub.count())

	// Outputs survive the unchanged run.
	_, err := os.Stat(filepath.Join(h.outDir, "mainline.npvt"))
	assert.NoError(t, err)
}

func TestRunQuietSourceKeepsOutputs(t *testing.T) {
	h := newHarness(t, singleRouteConfig())
	h.feed("src1", textItem("1", "vless://u@h:443"))
	h.orch.Run(context.Background())

	h.feed("src1")
	report := h.orch.Run(context.Background())
	assert.Equal(t, 0, report.Artifacts)

	_, err := os.Stat(filepath.Join(h.outDir, "mainline.npvt"))
	assert.NoError(t, err)
}

func TestRunNoDeliver(t *testing.T) {
	cfg := singleRouteConfig()
	h := newHarness(t, cfg)
	h.orch.opts.NoDeliver = true
	h.feed("src1", textItem("1", "vless://u@h:443"))

	report := h.orch.Run(context.Background())
	assert.Equal(t, 3, report.Artifacts)
	assert.Equal(t, 0, report.PublishAttempts)
	assert.Equal(t, 0, h.pub.count())
}

func TestRunRemovesStaleOutputs(t *testing.T) {
	h := newHarness(t, singleRouteConfig())
	require.NoError(t, os.MkdirAll(h.outDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.outDir, "mainline.ehi"), []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(h.outDir, "README.md"), []byte("keep"), 0o644))

	h.feed("src1", textItem("1", "vless://u@h:443"))
	h.orch.Run(context.Background())

	_, err := os.Stat(filepath.Join(h.outDir, "mainline.ehi"))
	assert.True(t, os.IsNotExist(err))
	// Files not owned by a route are untouched.
	_, err = os.Stat(filepath.Join(h.outDir, "README.md"))
	assert.NoError(t, err)
}

func TestRunDevManifestAccumulates(t *testing.T) {
	h := newHarness(t, singleRouteConfig())
	h.feed("src1", textItem("1", "vless://a@h:443"))
	h.orch.Run(context.Background())

	h.feed("src1", textItem("2", "vless://b@h:443"))
	h.orch.Run(context.Background())

	raw, err := os.ReadFile(filepath.Join(h.devDir, "_manifest.json"))
	require.NoError(t, err)
	manifest := map[string]float64{}
	require.NoError(t, json.Unmarshal(raw, &manifest))
	assert.Len(t, manifest, 2)
	assert.Contains(t, manifest, "vless://a@h:443")
	assert.Contains(t, manifest, "vless://b@h:443")
}

func TestRunDuplicateChannelSkipped(t *testing.T) {
	cfg := singleRouteConfig()
	cfg.Sources = append(cfg.Sources, config.Source{
		ID: "src2", Type: config.SourceTypeTelegram,
		Telegram: &config.TelegramSource{Token: "t", ChatID: "@alias"},
	})
	cfg.Routes[0].FromSources = []string{"src1", "src2"}

	dir := t.TempDir()
	pub := &recordingPublisher{}
	orch, err := New(cfg, Options{
		DataDir:       filepath.Join(dir, "data"),
		OutputsDir:    filepath.Join(dir, "outputs"),
		DevOutputsDir: filepath.Join(dir, "outputs_dev"),
		MaxWorkers:    1,
		ConnectorFactory: func(src config.Source, _ tgconnector.FetchWindows) (connector.Connector, error) {
			return &stubConnector{
				items:   []connector.Item{textItem("1", "vless://u@h:443")},
				state:   connector.State{Offset: 1},
				channel: "-1001234",
			}, nil
		},
		PublisherFactory: func(token string) publisher.Publisher { return pub },
	})
	require.NoError(t, err)
	defer orch.Close()

	report := orch.Run(context.Background())

	// Both sources resolve to the same channel; the second is skipped but
	// still counts as handled.
	assert.Equal(t, 2, report.IngestOK)
	files, err := orch.repo.GetPendingFiles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestRunUnsupportedSourceCountsFailed(t *testing.T) {
	cfg := singleRouteConfig()
	cfg.Sources[0].Type = config.SourceTypeTelegramUser
	cfg.Sources[0].TelegramUser = &config.TelegramUserSource{APIID: 1, APIHash: "h", Session: "s", Peer: "@p"}
	cfg.Sources[0].Telegram = nil

	dir := t.TempDir()
	orch, err := New(cfg, Options{
		DataDir:          filepath.Join(dir, "data"),
		OutputsDir:       filepath.Join(dir, "outputs"),
		DevOutputsDir:    filepath.Join(dir, "outputs_dev"),
		PublisherFactory: func(token string) publisher.Publisher { return &recordingPublisher{} },
	})
	require.NoError(t, err)
	defer orch.Close()

	report := orch.Run(context.Background())
	assert.Equal(t, 0, report.IngestOK)
	assert.Equal(t, 1, report.IngestFailed)
}
