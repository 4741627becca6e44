package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"videoSearch/core"
)

// PgRecordStore keeps item records and units in Postgres. The version
// column carries the optimistic-concurrency guard: UpdateItem only matches
// the row when the version is unchanged since the read.
type PgRecordStore struct {
	pool *pgxpool.Pool
}

func NewPgRecordStore(ctx context.Context, pool *pgxpool.Pool) (*PgRecordStore, error) {
	s := &PgRecordStore{pool: pool}
	if err := s.ensureTables(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PgRecordStore) ensureTables(ctx context.Context) error {
	itemsQuery := `
		CREATE TABLE IF NOT EXISTS item_records (
			item_id VARCHAR(255) PRIMARY KEY,
			source_ref TEXT NOT NULL,
			status VARCHAR(32) NOT NULL,
			stage_status JSONB NOT NULL,
			stage_attempts JSONB,
			warnings JSONB,
			error JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			version BIGINT NOT NULL
		);
	`
	if _, err := s.pool.Exec(ctx, itemsQuery); err != nil {
		return fmt.Errorf("create item_records table: %w", err)
	}

	unitsQuery := `
		CREATE TABLE IF NOT EXISTS work_units (
			item_id VARCHAR(255) NOT NULL,
			stage VARCHAR(64) NOT NULL,
			unit_index INT NOT NULL,
			status VARCHAR(32) NOT NULL,
			error TEXT,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (item_id, stage, unit_index)
		);
	`
	if _, err := s.pool.Exec(ctx, unitsQuery); err != nil {
		return fmt.Errorf("create work_units table: %w", err)
	}
	return nil
}

func (s *PgRecordStore) CreateItem(ctx context.Context, rec *core.ItemRecord) error {
	now := time.Now().UTC()
	stageStatus, err := json.Marshal(rec.StageStatus)
	if err != nil {
		return fmt.Errorf("marshal stage status: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO item_records (item_id, source_ref, status, stage_status, stage_attempts, warnings, error, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, '{}', '[]', NULL, $5, $5, 1)
		ON CONFLICT (item_id) DO NOTHING
	`, rec.ItemID, rec.SourceRef, string(rec.Status), stageStatus, now)
	if err != nil {
		return fmt.Errorf("insert item %s: %w", rec.ItemID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrItemExists
	}
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}

func (s *PgRecordStore) GetItem(ctx context.Context, itemID string) (*core.ItemRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT item_id, source_ref, status, stage_status, stage_attempts, warnings, error, created_at, updated_at, version
		FROM item_records WHERE item_id = $1
	`, itemID)
	return scanItem(row)
}

func scanItem(row pgx.Row) (*core.ItemRecord, error) {
	var rec core.ItemRecord
	var status string
	var stageStatus, stageAttempts, warnings, stageErr []byte
	err := row.Scan(&rec.ItemID, &rec.SourceRef, &status, &stageStatus, &stageAttempts, &warnings, &stageErr, &rec.CreatedAt, &rec.UpdatedAt, &rec.Version)
	if err == pgx.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan item record: %w", err)
	}
	rec.Status = core.ItemStatus(status)
	if err := json.Unmarshal(stageStatus, &rec.StageStatus); err != nil {
		return nil, fmt.Errorf("parse stage status: %w", err)
	}
	if len(stageAttempts) > 0 {
		_ = json.Unmarshal(stageAttempts, &rec.StageAttempts)
	}
	if len(warnings) > 0 {
		_ = json.Unmarshal(warnings, &rec.Warnings)
	}
	if len(stageErr) > 0 {
		var se core.StageError
		if json.Unmarshal(stageErr, &se) == nil && se.Stage != "" {
			rec.Error = &se
		}
	}
	return &rec, nil
}

func (s *PgRecordStore) UpdateItem(ctx context.Context, rec *core.ItemRecord) error {
	stageStatus, err := json.Marshal(rec.StageStatus)
	if err != nil {
		return fmt.Errorf("marshal stage status: %w", err)
	}
	stageAttempts, _ := json.Marshal(rec.StageAttempts)
	warnings, _ := json.Marshal(rec.Warnings)
	var stageErr []byte
	if rec.Error != nil {
		stageErr, _ = json.Marshal(rec.Error)
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE item_records
		SET status = $1, stage_status = $2, stage_attempts = $3, warnings = $4, error = $5,
		    updated_at = GREATEST(updated_at, $6), version = version + 1
		WHERE item_id = $7 AND version = $8
	`, string(rec.Status), stageStatus, stageAttempts, warnings, stageErr, now, rec.ItemID, rec.Version)
	if err != nil {
		return fmt.Errorf("update item %s: %w", rec.ItemID, err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row is gone or someone else won this version.
		if _, getErr := s.GetItem(ctx, rec.ItemID); getErr != nil {
			return getErr
		}
		return core.ErrVersionConflict
	}
	rec.Version++
	rec.UpdatedAt = now
	return nil
}

// ListItems returns items newest first. A limit of zero or less means no
// limit, matching the memory store.
func (s *PgRecordStore) ListItems(ctx context.Context, limit int) ([]*core.ItemRecord, error) {
	query := `
		SELECT item_id, source_ref, status, stage_status, stage_attempts, warnings, error, created_at, updated_at, version
		FROM item_records ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var recs []*core.ItemRecord
	for rows.Next() {
		rec, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *PgRecordStore) PutUnit(ctx context.Context, unit *core.Unit) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO work_units (item_id, stage, unit_index, status, error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (item_id, stage, unit_index)
		DO UPDATE SET status = EXCLUDED.status, error = EXCLUDED.error, updated_at = EXCLUDED.updated_at
	`, unit.ParentItemID, unit.Stage, unit.UnitIndex, string(unit.Status), unit.Error, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put unit %s/%s/%d: %w", unit.ParentItemID, unit.Stage, unit.UnitIndex, err)
	}
	return nil
}

func (s *PgRecordStore) ListUnits(ctx context.Context, itemID, stage string) ([]*core.Unit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT item_id, stage, unit_index, status, COALESCE(error, ''), updated_at
		FROM work_units WHERE item_id = $1 AND stage = $2 ORDER BY unit_index
	`, itemID, stage)
	if err != nil {
		return nil, fmt.Errorf("list units %s/%s: %w", itemID, stage, err)
	}
	defer rows.Close()

	var units []*core.Unit
	for rows.Next() {
		var u core.Unit
		var status string
		if err := rows.Scan(&u.ParentItemID, &u.Stage, &u.UnitIndex, &status, &u.Error, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		u.Status = core.UnitStatus(status)
		units = append(units, &u)
	}
	return units, rows.Err()
}
