// Package storage provides database operations for Meridian.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meridian-hq/meridian/internal/core"
)

// SignalStore persists the signal timeline. Writes are idempotent upserts
// keyed by the deterministic signal id.
type SignalStore struct {
	db *DB
}

// NewSignalStore creates a new signal store
func NewSignalStore(db *DB) *SignalStore {
	return &SignalStore{db: db}
}

// Filter narrows GetSignals queries.
type Filter struct {
	Source string
	Type   core.SignalType
	Since  *time.Time
	Limit  int
}

// Add upserts a single signal.
func (s *SignalStore) Add(sig core.Signal) error {
	return s.AddBatch([]core.Signal{sig})
}

// AddBatch upserts a batch of signals in one transaction.
func (s *SignalStore) AddBatch(sigs []core.Signal) error {
	if len(sigs) == 0 {
		return nil
	}

	return s.db.Transaction(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO signals (id, source, type, timestamp, domain, data, capacity, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				source    = excluded.source,
				type      = excluded.type,
				timestamp = excluded.timestamp,
				domain    = excluded.domain,
				data      = excluded.data,
				capacity  = excluded.capacity
		`)
		if err != nil {
			return fmt.Errorf("prepare signal upsert: %w", err)
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for _, sig := range sigs {
			data, err := json.Marshal(sig.Data)
			if err != nil {
				return fmt.Errorf("marshal signal data: %w", err)
			}
			if sig.Data == nil {
				data = []byte("{}")
			}

			var capacity any
			if sig.Capacity != nil {
				b, err := json.Marshal(sig.Capacity)
				if err != nil {
					return fmt.Errorf("marshal capacity: %w", err)
				}
				capacity = string(b)
			}

			if _, err := stmt.Exec(
				sig.ID,
				sig.Source,
				sig.Type,
				sig.Timestamp.UTC(),
				sig.Domain,
				string(data),
				capacity,
				now,
			); err != nil {
				return fmt.Errorf("upsert signal %s: %w", sig.ID, err)
			}
		}
		return nil
	})
}

// Get returns signals matching the filter, newest first.
func (s *SignalStore) Get(f Filter) ([]core.Signal, error) {
	query := `
		SELECT id, source, type, timestamp, domain, data, capacity
		FROM signals WHERE 1=1`
	var args []any

	if f.Source != "" {
		query += " AND source = ?"
		args = append(args, f.Source)
	}
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, f.Type)
	}
	if f.Since != nil {
		query += " AND timestamp > ?"
		args = append(args, f.Since.UTC())
	}

	query += " ORDER BY timestamp DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []core.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// GetLatest returns the most recent signal from a source with the given
// type, or core.ErrRecordNotFound.
func (s *SignalStore) GetLatest(source string, typ core.SignalType) (*core.Signal, error) {
	sigs, err := s.Get(Filter{Source: source, Type: typ, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(sigs) == 0 {
		return nil, core.ErrRecordNotFound
	}
	return &sigs[0], nil
}

func scanSignal(rows *sql.Rows) (core.Signal, error) {
	var (
		sig      core.Signal
		data     string
		capacity sql.NullString
	)

	if err := rows.Scan(
		&sig.ID,
		&sig.Source,
		&sig.Type,
		&sig.Timestamp,
		&sig.Domain,
		&data,
		&capacity,
	); err != nil {
		return core.Signal{}, err
	}

	if data != "" && data != "{}" {
		if err := json.Unmarshal([]byte(data), &sig.Data); err != nil {
			return core.Signal{}, fmt.Errorf("unmarshal signal data: %w", err)
		}
	}
	if capacity.Valid {
		var c core.CapacityImpact
		if err := json.Unmarshal([]byte(capacity.String), &c); err != nil {
			return core.Signal{}, fmt.Errorf("unmarshal capacity: %w", err)
		}
		sig.Capacity = &c
	}
	return sig, nil
}
