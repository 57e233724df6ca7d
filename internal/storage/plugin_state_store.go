// Package storage provides database operations for Meridian.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/meridian-hq/meridian/internal/core"
)

// PluginStateStore persists per-plugin-instance connection state.
type PluginStateStore struct {
	db *DB
}

// NewPluginStateStore creates a new plugin state store
func NewPluginStateStore(db *DB) *PluginStateStore {
	return &PluginStateStore{db: db}
}

// Get retrieves the state for a key, or core.ErrRecordNotFound.
func (s *PluginStateStore) Get(key core.Key) (*core.PluginState, error) {
	row := s.db.conn.QueryRow(`
		SELECT key, enabled, connected, last_sync, last_error, settings,
		       account_id, account_label, created_at, updated_at
		FROM plugin_states WHERE key = ?
	`, key.String())

	st, err := scanState(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query plugin state: %w", err)
	}
	return st, nil
}

// Set upserts the full state record for a key.
func (s *PluginStateStore) Set(st *core.PluginState) error {
	settings, err := json.Marshal(st.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if st.Settings == nil {
		settings = []byte("{}")
	}

	var lastSync any
	if st.LastSync != nil {
		lastSync = st.LastSync.UTC()
	}

	_, err = s.db.conn.Exec(`
		INSERT INTO plugin_states (
			key, provider_id, instance_id, enabled, connected, last_sync,
			last_error, settings, account_id, account_label, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			enabled       = excluded.enabled,
			connected     = excluded.connected,
			last_sync     = excluded.last_sync,
			last_error    = excluded.last_error,
			settings      = excluded.settings,
			account_id    = excluded.account_id,
			account_label = excluded.account_label,
			updated_at    = excluded.updated_at
	`,
		st.Key.String(),
		st.Key.ProviderID,
		st.Key.InstanceID,
		st.Enabled,
		st.Connected,
		lastSync,
		st.LastError,
		string(settings),
		st.AccountID,
		st.AccountLabel,
		st.CreatedAt.UTC(),
		st.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert plugin state: %w", err)
	}
	return nil
}

// GetAll returns every persisted state record.
func (s *PluginStateStore) GetAll() ([]*core.PluginState, error) {
	rows, err := s.db.conn.Query(`
		SELECT key, enabled, connected, last_sync, last_error, settings,
		       account_id, account_label, created_at, updated_at
		FROM plugin_states ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("query plugin states: %w", err)
	}
	defer rows.Close()

	var out []*core.PluginState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plugin state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Delete removes a state record. Used when a multi-instance account is
// disconnected.
func (s *PluginStateStore) Delete(key core.Key) error {
	_, err := s.db.conn.Exec(`DELETE FROM plugin_states WHERE key = ?`, key.String())
	if err != nil {
		return fmt.Errorf("delete plugin state: %w", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanState(row scannable) (*core.PluginState, error) {
	var (
		keyStr   string
		st       core.PluginState
		lastSync sql.NullTime
		settings string
	)

	err := row.Scan(
		&keyStr,
		&st.Enabled,
		&st.Connected,
		&lastSync,
		&st.LastError,
		&settings,
		&st.AccountID,
		&st.AccountLabel,
		&st.CreatedAt,
		&st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	st.Key = core.ParseKey(keyStr)
	if lastSync.Valid {
		t := lastSync.Time
		st.LastSync = &t
	}
	if settings != "" && settings != "{}" {
		if err := json.Unmarshal([]byte(settings), &st.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	}

	return &st, nil
}
