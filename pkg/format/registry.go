package format

import (
	"sync"

	"github.com/telemerge/mergebot/pkg/log"
)

// Registry maps format identifiers to handlers. It is constructed per run
// and passed through dependency injection so pipelines stay hermetic.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs a handler under its format id. Re-registration is
// permitted but logged.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.FormatID()]; exists {
		logger := log.WithComponent("format")
		logger.Warn().
			Str("format", h.FormatID()).
			Msg("re-registering format handler")
	}
	r.handlers[h.FormatID()] = h
}

// Get returns the handler for id, or false when unknown.
func (r *Registry) Get(id string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	return h, ok
}

// Formats returns the registered format ids.
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	return ids
}

// BlobGetter is the raw-store capability bundle handlers need at build time.
type BlobGetter interface {
	Get(sha256 string) ([]byte, error)
}

// RegisterBuiltin installs every built-in handler: the three text formats
// and the opaque-bundle family.
func RegisterBuiltin(r *Registry, blobs BlobGetter) {
	r.Register(NewTextHandler("npvt"))
	r.Register(NewTextHandler("npvtsub"))
	r.Register(NewConfLinesHandler())
	for _, id := range BundleFormats {
		r.Register(NewBundleHandler(id, blobs))
	}
}
