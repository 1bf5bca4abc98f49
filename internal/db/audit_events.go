package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"riskgate/internal/audit"
)

// auditLockKey serializes appends across gateway replicas.
const auditLockKey int64 = 0x72676175646974

const auditEventObject = `jsonb_build_object(
	'sequence', sequence,
	'id', event_id,
	'type', event_type,
	'call_id', call_id,
	'actor_id', actor_id,
	'timestamp', occurred_at,
	'details', details,
	'details_hash', details_hash,
	'previous_event_hash', previous_event_hash,
	'event_hash', event_hash
)`

// AuditStore is the Postgres audit.Store. The chain tip is checked and the
// next event inserted under one transaction-scoped advisory lock.
type AuditStore struct {
	db *DB
}

func NewAuditStore(d *DB) *AuditStore {
	return &AuditStore{db: d}
}

func (s *AuditStore) Append(ctx context.Context, ev audit.Event, expected audit.Tip) error {
	if err := s.db.ready(); err != nil {
		return err
	}
	return s.db.withTx(ctx, func(conn dbConn) error {
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, auditLockKey); err != nil {
			return fmt.Errorf("audit lock: %w", err)
		}
		tip, err := readTip(ctx, conn)
		if err != nil {
			return err
		}
		if tip != expected {
			return audit.ErrTipMoved
		}
		_, err = conn.ExecContext(ctx, `
			INSERT INTO audit_events (sequence, event_id, event_type, call_id, actor_id, occurred_at, details, details_hash, previous_event_hash, event_hash)
			VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7::jsonb, '{}'::jsonb), $8, $9, $10)
		`, ev.Sequence, ev.ID, string(ev.Type), ev.CallID, ev.ActorID, ev.Timestamp, detailsArg(ev.Details), ev.DetailsHash, ev.PreviousEventHash, ev.EventHash)
		return err
	})
}

func (s *AuditStore) Tip(ctx context.Context) (audit.Tip, error) {
	if err := s.db.ready(); err != nil {
		return audit.Tip{}, err
	}
	return readTip(ctx, s.db.conn)
}

func readTip(ctx context.Context, conn dbConn) (audit.Tip, error) {
	row := conn.QueryRowContext(ctx, `SELECT sequence, event_hash FROM audit_events ORDER BY sequence DESC LIMIT 1`)
	var tip audit.Tip
	if err := row.Scan(&tip.Sequence, &tip.Hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return audit.Tip{}, nil
		}
		return audit.Tip{}, err
	}
	return tip, nil
}

// List returns up to limit events with sequence >= fromSequence, oldest first.
func (s *AuditStore) List(ctx context.Context, fromSequence int64, limit int) ([]audit.Event, error) {
	if err := s.db.ready(); err != nil {
		return nil, err
	}
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT COALESCE(jsonb_agg(`+auditEventObject+` ORDER BY sequence), '[]'::jsonb)
		FROM (
			SELECT * FROM audit_events
			WHERE sequence >= $1
			ORDER BY sequence
			LIMIT $2
		) AS page
	`, fromSequence, clampLimit(limit))
	var out []byte
	if err := row.Scan(&out); err != nil {
		return nil, err
	}
	var events []audit.Event
	if err := json.Unmarshal(out, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *AuditStore) Get(ctx context.Context, id string) (audit.Event, error) {
	if err := s.db.ready(); err != nil {
		return audit.Event{}, err
	}
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+auditEventObject+` FROM audit_events WHERE event_id=$1`, id)
	var out []byte
	if err := row.Scan(&out); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return audit.Event{}, audit.ErrEventNotFound
		}
		return audit.Event{}, err
	}
	var ev audit.Event
	if err := json.Unmarshal(out, &ev); err != nil {
		return audit.Event{}, err
	}
	return ev, nil
}

func detailsArg(details json.RawMessage) any {
	if len(details) == 0 {
		return nil
	}
	return string(details)
}
