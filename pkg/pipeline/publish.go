package pipeline

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/telemerge/mergebot/pkg/config"
	"github.com/telemerge/mergebot/pkg/format"
	"github.com/telemerge/mergebot/pkg/log"
	"github.com/telemerge/mergebot/pkg/metrics"
	"github.com/telemerge/mergebot/pkg/publisher"
	"github.com/telemerge/mergebot/pkg/state"
)

// Publish compares each build result with its last-published hash and
// delivers changed artifacts to every destination.
type Publish struct {
	repo    *state.Repository
	factory publisher.Factory

	mu         sync.Mutex
	publishers map[string]publisher.Publisher
}

func NewPublish(repo *state.Repository, factory publisher.Factory) *Publish {
	return &Publish{repo: repo, factory: factory, publishers: map[string]publisher.Publisher{}}
}

// publisherFor caches one publisher per token.
func (p *Publish) publisherFor(token string) publisher.Publisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	pub, ok := p.publishers[token]
	if !ok {
		pub = p.factory(token)
		p.publishers[token] = pub
	}
	return pub
}

// fallbackToken resolves the global token per the documented precedence.
func fallbackToken() string {
	if t := os.Getenv("PUBLISH_BOT_TOKEN"); t != "" {
		return t
	}
	return os.Getenv("TELEGRAM_TOKEN")
}

// artifactExt picks the upload extension class for a format id.
func artifactExt(fmtID string) string {
	switch {
	case format.IsBundleFormat(fmtID):
		return ".zip"
	case fmtID == "conf_lines":
		return ".conf"
	case strings.HasSuffix(fmtID, ".decoded.json"):
		return ".json"
	default:
		return ".txt"
	}
}

// renderCaption expands the destination template's placeholders.
func renderCaption(template, hash string, count int, fmtID string) string {
	if template == "" {
		template = "Update: {timestamp}"
	}
	return strings.NewReplacer(
		"{timestamp}", time.Now().Format("2006-01-02 15:04:05"),
		"{sha12}", shortHash(hash),
		"{count}", strconv.Itoa(count),
		"{format}", fmtID,
	).Replace(template)
}

// Run delivers one build result. The publication row is written only when
// at least one destination succeeded, keeping the artifact eligible for
// retry on the next run.
func (p *Publish) Run(ctx context.Context, result BuildResult, destinations []config.Destination) error {
	logger := log.WithRoute(result.RouteName)
	uniqueID := result.UniqueID
	if uniqueID == "" {
		uniqueID = result.RouteName
	}

	// Minimal ZIPs can also reach this point through records whose blobs
	// were pruned; suppress them here too. Tiny text payloads stay valid.
	if format.IsBundleFormat(result.Format) && len(result.Data) <= format.EmptyZipSize {
		logger.Debug().Str("unique_id", uniqueID).Int("size", len(result.Data)).
			Msg("skipping minimal artifact")
		return nil
	}

	lastHash, err := p.repo.GetLastPublishedHash(ctx, uniqueID)
	if err != nil {
		return err
	}
	if lastHash == result.ArtifactHash {
		logger.Debug().Str("unique_id", uniqueID).Msg("no change, skip")
		return nil
	}
	logger.Info().Str("unique_id", uniqueID).Str("hash", shortHash(result.ArtifactHash)).
		Int("destinations", len(destinations)).Msg("content changed")

	defaultToken := fallbackToken()
	publishedAny := false

	for _, dest := range destinations {
		token := dest.Token
		if token == "" {
			token = defaultToken
		}
		if token == "" {
			logger.Error().Str("chat_id", dest.ChatID).Msg("no token configured for destination")
			continue
		}

		caption := renderCaption(dest.CaptionTemplate, result.ArtifactHash, result.Count, result.Format)
		filename := fmt.Sprintf("%s_%s_%s%s", result.RouteName, result.Format,
			shortID(result.ArtifactHash), artifactExt(result.Format))

		metrics.PublishAttempts.WithLabelValues(result.RouteName).Inc()
		pub := p.publisherFor(token)
		if err := pub.Publish(ctx, dest.ChatID, result.Data, filename, caption); err != nil {
			metrics.PublishFailures.WithLabelValues(result.RouteName).Inc()
			logger.Error().Err(err).Str("chat_id", dest.ChatID).Msg("publish failed")
			continue
		}
		publishedAny = true
		logger.Info().Str("chat_id", dest.ChatID).Str("filename", filename).Msg("published")
	}

	if !publishedAny {
		logger.Warn().Str("unique_id", uniqueID).Msg("failed to publish to any destination")
		return nil
	}
	return p.repo.MarkPublished(ctx, uniqueID, result.ArtifactHash, nil)
}

func shortID(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
