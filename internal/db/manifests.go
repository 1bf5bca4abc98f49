package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"riskgate/internal/integrity"
)

func (d *DB) SaveManifest(ctx context.Context, m integrity.Manifest) error {
	if err := d.ready(); err != nil {
		return err
	}
	if m.CapabilityID == "" {
		return errors.New("capability id required")
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = d.conn.ExecContext(ctx, `
		INSERT INTO capability_manifests (capability_id, version, status, code_hash, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (capability_id) DO UPDATE SET
			version=EXCLUDED.version,
			status=EXCLUDED.status,
			code_hash=EXCLUDED.code_hash,
			payload=EXCLUDED.payload,
			updated_at=EXCLUDED.updated_at
	`, m.CapabilityID, m.Version, string(m.Status), m.CodeHash, payload, time.Now().UTC())
	return err
}

func (d *DB) GetManifest(ctx context.Context, capabilityID string) (integrity.Manifest, error) {
	if err := d.ready(); err != nil {
		return integrity.Manifest{}, err
	}
	row := d.conn.QueryRowContext(ctx, `SELECT payload FROM capability_manifests WHERE capability_id=$1`, capabilityID)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return integrity.Manifest{}, integrity.ErrNotFound
		}
		return integrity.Manifest{}, err
	}
	var m integrity.Manifest
	if err := json.Unmarshal(payload, &m); err != nil {
		return integrity.Manifest{}, err
	}
	return m, nil
}

func (d *DB) ListManifests(ctx context.Context) ([]integrity.Manifest, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT COALESCE(jsonb_agg(payload ORDER BY capability_id), '[]'::jsonb)
		FROM capability_manifests
	`)
	var out []byte
	if err := row.Scan(&out); err != nil {
		return nil, err
	}
	var manifests []integrity.Manifest
	if err := json.Unmarshal(out, &manifests); err != nil {
		return nil, err
	}
	return manifests, nil
}
