package layout

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Registry lazily creates one Layout per panel key, sharing a Config and store.
type Registry struct {
	cfg    Config
	store  PreferenceStore
	logger *slog.Logger

	mu      sync.Mutex
	layouts map[string]*Layout
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg Config, store PreferenceStore, logger *slog.Logger) *Registry {
	return &Registry{cfg: cfg, store: store, logger: logger, layouts: make(map[string]*Layout)}
}

// Get returns the Layout for key, loading its stored preference on first use.
func (r *Registry) Get(ctx context.Context, key string) (*Layout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.layouts[key]; ok {
		return l, nil
	}
	l, err := New(ctx, key, r.cfg, r.store, r.logger)
	if err != nil {
		return nil, err
	}
	r.layouts[key] = l
	return l, nil
}

// Keys lists the panels seen so far, sorted.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.layouts))
	for k := range r.layouts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close flushes every pending width write.
func (r *Registry) Close() {
	r.mu.Lock()
	layouts := make([]*Layout, 0, len(r.layouts))
	for _, l := range r.layouts {
		layouts = append(layouts, l)
	}
	r.mu.Unlock()
	for _, l := range layouts {
		l.Close()
	}
}
