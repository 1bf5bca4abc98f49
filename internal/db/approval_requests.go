package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"riskgate/internal/approvals"
)

func (d *DB) SaveRequest(ctx context.Context, req approvals.Request) error {
	if err := d.ready(); err != nil {
		return err
	}
	if req.ID == "" {
		return errors.New("approval request id required")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = d.conn.ExecContext(ctx, `
		INSERT INTO approval_requests (request_id, call_id, tenant_id, status, deadline, created_at, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (request_id) DO UPDATE SET
			status=EXCLUDED.status,
			deadline=EXCLUDED.deadline,
			payload=EXCLUDED.payload,
			updated_at=EXCLUDED.updated_at
	`, req.ID, req.CallID, req.TenantID, string(req.Status), req.Deadline, req.CreatedAt, payload, time.Now().UTC())
	return err
}

func (d *DB) GetRequest(ctx context.Context, id string) (approvals.Request, error) {
	if err := d.ready(); err != nil {
		return approvals.Request{}, err
	}
	row := d.conn.QueryRowContext(ctx, `SELECT payload FROM approval_requests WHERE request_id=$1`, id)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return approvals.Request{}, approvals.ErrRequestNotFound
		}
		return approvals.Request{}, err
	}
	var req approvals.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return approvals.Request{}, err
	}
	return req, nil
}

// ListOpenRequests returns pending and escalated requests, oldest first.
func (d *DB) ListOpenRequests(ctx context.Context) ([]approvals.Request, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT COALESCE(jsonb_agg(payload ORDER BY created_at), '[]'::jsonb)
		FROM approval_requests
		WHERE status IN ($1, $2)
	`, string(approvals.StatusPending), string(approvals.StatusEscalated))
	var out []byte
	if err := row.Scan(&out); err != nil {
		return nil, err
	}
	var reqs []approvals.Request
	if err := json.Unmarshal(out, &reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}
