package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/steprun/internal/reference"
)

// inspectTimeout bounds the context-free Inspector lookups.
const inspectTimeout = 2 * time.Second

// RecordOutputs replaces every stored value of nodeID with outputs.
func (s *LibSQLStore) RecordOutputs(ctx context.Context, nodeID string, outputs map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin record outputs", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM inspected_values WHERE node_id = ?`, nodeID); err != nil {
		return storeError("clear inspected values", err)
	}
	for name, v := range outputs {
		raw, err := json.Marshal(v)
		if err != nil {
			return storeError("marshal inspected value "+name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO inspected_values (node_id, name, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
			nodeID, name, string(raw),
		); err != nil {
			return storeError("insert inspected value", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit record outputs", err)
	}
	return nil
}

// SetValue upserts a single inspected value.
func (s *LibSQLStore) SetValue(ctx context.Context, nodeID, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return storeError("marshal inspected value", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO inspected_values (node_id, name, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(node_id, name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		nodeID, name, string(raw),
	)
	if err != nil {
		return storeError("set inspected value", err)
	}
	return nil
}

// NodeValues returns every stored value of a node.
func (s *LibSQLStore) NodeValues(ctx context.Context, nodeID string) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM inspected_values WHERE node_id = ?`, nodeID)
	if err != nil {
		return nil, storeError("list inspected values", err)
	}
	defer rows.Close()

	out := make(map[string]any)
	for rows.Next() {
		var name string
		var raw sql.NullString
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, storeError("scan inspected value", err)
		}
		v, err := decodeValue(raw)
		if err != nil {
			return nil, storeError("decode inspected value "+name, err)
		}
		out[name] = v
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list inspected values", err)
	}
	return out, nil
}

// ClearNode forgets every value of a node.
func (s *LibSQLStore) ClearNode(ctx context.Context, nodeID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM inspected_values WHERE node_id = ?`, nodeID); err != nil {
		return storeError("clear inspected values", err)
	}
	return nil
}

// Get implements reference.Inspector. Lookup failures are logged and treated
// as absence, since resolution never fails.
func (s *LibSQLStore) Get(nodeID, name string) (reference.InspectedValue, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), inspectTimeout)
	defer cancel()

	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM inspected_values WHERE node_id = ? AND name = ?`, nodeID, name,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return reference.InspectedValue{}, false
	}
	if err != nil {
		s.logger.Warn("inspected value lookup failed",
			slog.String("node_id", nodeID), slog.String("name", name), slog.String("error", err.Error()))
		return reference.InspectedValue{}, false
	}
	v, err := decodeValue(raw)
	if err != nil {
		s.logger.Warn("inspected value is not valid JSON",
			slog.String("node_id", nodeID), slog.String("name", name), slog.String("error", err.Error()))
		return reference.InspectedValue{}, false
	}
	return reference.InspectedValue{NodeID: nodeID, Name: name, Value: v}, true
}

var _ reference.Inspector = (*LibSQLStore)(nil)

func decodeValue(raw sql.NullString) (any, error) {
	if !raw.Valid {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}
