package repository

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS scheduled_procedures (
		id                 BIGSERIAL PRIMARY KEY,
		patient_id         TEXT NOT NULL,
		patient_name       TEXT NOT NULL DEFAULT '',
		patient_birth_date TEXT,
		patient_sex        TEXT,
		accession_number   TEXT NOT NULL DEFAULT '',
		study_instance_uid TEXT NOT NULL DEFAULT '',
		study_description  TEXT,
		scheduled_date     TEXT NOT NULL,
		scheduled_time     TEXT NOT NULL DEFAULT '',
		modality           TEXT NOT NULL DEFAULT '',
		station_aet        TEXT NOT NULL DEFAULT '',
		description        TEXT,
		status             TEXT NOT NULL DEFAULT 'PENDING'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scheduled_procedures_date ON scheduled_procedures (scheduled_date)`,
	`CREATE TABLE IF NOT EXISTS study_outcomes (
		id          UUID PRIMARY KEY,
		study_id    TEXT NOT NULL,
		state       TEXT NOT NULL,
		attempts    INT NOT NULL DEFAULT 0,
		targets     TEXT[] NOT NULL DEFAULT '{}',
		error       TEXT,
		cancelled   BOOLEAN NOT NULL DEFAULT FALSE,
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_study_outcomes_study ON study_outcomes (study_id, recorded_at DESC)`,
}

// EnsureSchema creates the service tables when missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
