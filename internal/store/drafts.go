package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/steprun/pkg/schema"
)

// Draft is one synced version of a graph document.
type Draft struct {
	GraphID  string          `json:"graph_id"`
	Version  string          `json:"version"`
	Document json.RawMessage `json:"document"`
	Hash     string          `json:"hash"`
	SyncedAt time.Time       `json:"synced_at"`
}

// SaveDraft stores doc as the newest draft of graphID. When doc is identical
// to the latest stored draft, that draft is returned and created is false.
func (s *LibSQLStore) SaveDraft(ctx context.Context, graphID string, doc json.RawMessage) (draft *Draft, created bool, err error) {
	if !json.Valid(doc) {
		return nil, false, schema.NewError(schema.ErrCodeInvalidJSON, "draft document is not valid JSON")
	}
	sum := sha256.Sum256(doc)
	hash := hex.EncodeToString(sum[:])

	latest, err := s.LatestDraft(ctx, graphID)
	if err != nil && schema.ErrorCode(err) != schema.ErrCodeNotFound {
		return nil, false, err
	}
	if latest != nil && latest.Hash == hash {
		return latest, false, nil
	}

	d := &Draft{
		GraphID:  graphID,
		Version:  uuid.NewString(),
		Document: doc,
		Hash:     hash,
		SyncedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO drafts (graph_id, version, document, hash, synced_at) VALUES (?, ?, ?, ?, ?)`,
		d.GraphID, d.Version, string(d.Document), d.Hash, d.SyncedAt,
	)
	if err != nil {
		return nil, false, storeError("save draft", err)
	}
	return d, true, nil
}

// LatestDraft returns the most recently synced draft of graphID.
func (s *LibSQLStore) LatestDraft(ctx context.Context, graphID string) (*Draft, error) {
	d := &Draft{GraphID: graphID}
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT version, document, hash, synced_at FROM drafts
		 WHERE graph_id = ? ORDER BY synced_at DESC, rowid DESC LIMIT 1`, graphID,
	).Scan(&d.Version, &doc, &d.Hash, &d.SyncedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("draft", graphID)
	}
	if err != nil {
		return nil, storeError("load draft", err)
	}
	d.Document = json.RawMessage(doc)
	return d, nil
}

// DraftSource returns the current editable graph document.
type DraftSource func(ctx context.Context) (json.RawMessage, error)

// DraftSync writes the editable graph to the store. Unforced syncs only write
// after MarkDirty.
type DraftSync struct {
	store   *LibSQLStore
	graphID string
	source  DraftSource

	mu    sync.Mutex
	dirty bool
	last  *Draft
}

// NewDraftSync creates a DraftSync for graphID. The draft starts dirty so the
// first sync always writes.
func NewDraftSync(store *LibSQLStore, graphID string, source DraftSource) *DraftSync {
	return &DraftSync{store: store, graphID: graphID, source: source, dirty: true}
}

// MarkDirty records that the graph changed since the last sync.
func (d *DraftSync) MarkDirty() {
	d.mu.Lock()
	d.dirty = true
	d.mu.Unlock()
}

// SyncDraft persists the current graph document. Syncs are serialized.
func (d *DraftSync) SyncDraft(ctx context.Context, force bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !force && !d.dirty {
		return nil
	}
	doc, err := d.source(ctx)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeSync, "read draft: %v", err).WithCause(err)
	}
	draft, _, err := d.store.SaveDraft(ctx, d.graphID, doc)
	if err != nil {
		return err
	}
	d.last = draft
	d.dirty = false
	return nil
}

// Last returns the draft written by the most recent successful sync.
func (d *DraftSync) Last() *Draft {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}
