// Package layout sizes the debug panel within the viewport and persists the
// user's preferred width.
package layout

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Defaults for the panel geometry, in pixels.
const (
	DefaultMinWidth            = 400
	DefaultReservedCanvasWidth = 400
	DefaultWidth               = 420
	DefaultPersistDelay        = 300 * time.Millisecond
)

// PreferenceStore persists panel width preferences by key.
type PreferenceStore interface {
	LoadWidth(ctx context.Context, key string) (int, bool, error)
	SaveWidth(ctx context.Context, key string, width int) error
}

// Config holds the fixed geometry of a panel.
type Config struct {
	MinWidth            int
	ReservedCanvasWidth int
	DefaultWidth        int
	PersistDelay        time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinWidth <= 0 {
		c.MinWidth = DefaultMinWidth
	}
	if c.ReservedCanvasWidth < 0 {
		c.ReservedCanvasWidth = 0
	} else if c.ReservedCanvasWidth == 0 {
		c.ReservedCanvasWidth = DefaultReservedCanvasWidth
	}
	if c.DefaultWidth <= 0 {
		c.DefaultWidth = max(DefaultWidth, c.MinWidth)
	}
	if c.PersistDelay <= 0 {
		c.PersistDelay = DefaultPersistDelay
	}
	return c
}

// Snapshot is the current geometry.
type Snapshot struct {
	Preference int  `json:"preference"`
	Effective  int  `json:"effective"`
	Min        int  `json:"min"`
	Max        int  `json:"max"` // 0 while the viewport is unmeasured
	Viewport   int  `json:"viewport"`
	Sibling    int  `json:"sibling"`
	Dragging   bool `json:"dragging"`
	Persisting bool `json:"persisting"` // a width write is waiting out the debounce window
}

type drag struct {
	originX     int
	originWidth int
	originPref  int
}

// Layout tracks one panel's width. The preference changes only through user
// actions; viewport and sibling changes only move the effective width.
type Layout struct {
	key       string
	cfg       Config
	store     PreferenceStore
	debouncer *Debouncer
	logger    *slog.Logger

	mu         sync.Mutex
	preference int
	viewport   int
	sibling    int
	drag       *drag
}

// New creates a Layout, loading the stored preference for key when store is
// non-nil. A viewport of 0 means "not yet measured" and imposes no maximum.
func New(ctx context.Context, key string, cfg Config, store PreferenceStore, logger *slog.Logger) (*Layout, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	l := &Layout{
		key:        key,
		cfg:        cfg,
		store:      store,
		debouncer:  NewDebouncer(cfg.PersistDelay),
		logger:     logger.With(slog.String("component", "layout"), slog.String("panel", key)),
		preference: cfg.DefaultWidth,
	}
	if store != nil {
		w, ok, err := store.LoadWidth(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok && w > 0 {
			l.preference = w
		}
	}
	return l, nil
}

// MaxWidth is max(viewport - sibling - reserved, min), or 0 while the
// viewport is unmeasured.
func (l *Layout) MaxWidth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxLocked()
}

func (l *Layout) maxLocked() int {
	if l.viewport <= 0 {
		return 0
	}
	return max(l.viewport-l.sibling-l.cfg.ReservedCanvasWidth, l.cfg.MinWidth)
}

func (l *Layout) clampLocked(w int) int {
	w = max(w, l.cfg.MinWidth)
	if hi := l.maxLocked(); hi > 0 {
		w = min(w, hi)
	}
	return w
}

// Snapshot returns the current geometry.
func (l *Layout) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Layout) snapshotLocked() Snapshot {
	return Snapshot{
		Preference: l.preference,
		Effective:  l.clampLocked(l.preference),
		Min:        l.cfg.MinWidth,
		Max:        l.maxLocked(),
		Viewport:   l.viewport,
		Sibling:    l.sibling,
		Dragging:   l.drag != nil,
		Persisting: l.debouncer.Pending(),
	}
}

// SetViewport records a new viewport width. The preference is untouched, so
// the panel grows back once space is available again.
func (l *Layout) SetViewport(width int) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.viewport = max(width, 0)
	return l.snapshotLocked()
}

// SetSiblingWidth records the width of the neighbouring panel.
func (l *Layout) SetSiblingWidth(width int) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sibling = max(width, 0)
	return l.snapshotLocked()
}

// BeginDrag starts a user resize at pointer position x.
func (l *Layout) BeginDrag(x int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drag = &drag{originX: x, originWidth: l.clampLocked(l.preference), originPref: l.preference}
}

// DragTo applies a pointer move. The panel is docked right, so moving the
// handle left widens it. The clamped width becomes the preference and is
// persisted after the debounce window.
func (l *Layout) DragTo(x int) Snapshot {
	l.mu.Lock()
	if l.drag == nil {
		defer l.mu.Unlock()
		return l.snapshotLocked()
	}
	width := l.clampLocked(l.drag.originWidth + (l.drag.originX - x))
	l.preference = width
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.persist(width)
	return snap
}

// EndDrag finishes a resize and commits the pending write.
func (l *Layout) EndDrag() Snapshot {
	l.mu.Lock()
	l.drag = nil
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.debouncer.Flush()
	return snap
}

// CancelDrag abandons a resize and restores the preference it started from.
// A write still inside the debounce window is dropped; one already committed
// is overwritten with the restored width.
func (l *Layout) CancelDrag() Snapshot {
	l.mu.Lock()
	if l.drag == nil {
		defer l.mu.Unlock()
		return l.snapshotLocked()
	}
	moved := l.preference != l.drag.originPref
	l.preference = l.drag.originPref
	l.drag = nil
	l.mu.Unlock()

	if !l.debouncer.Cancel() && moved {
		l.persist(l.Snapshot().Preference)
		l.debouncer.Flush()
	}
	return l.Snapshot()
}

// SetPreference sets the preferred width directly, clamped to the current bounds.
func (l *Layout) SetPreference(width int) Snapshot {
	l.mu.Lock()
	l.preference = l.clampLocked(width)
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.persist(snap.Preference)
	return snap
}

// Close commits any pending write.
func (l *Layout) Close() {
	l.debouncer.Flush()
}

func (l *Layout) persist(width int) {
	if l.store == nil {
		return
	}
	l.debouncer.Trigger(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.store.SaveWidth(ctx, l.key, width); err != nil {
			l.logger.Warn("persist panel width", slog.Int("width", width), slog.String("error", err.Error()))
		}
	})
}
