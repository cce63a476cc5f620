package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"os"

	"orthanc-orchestrator/internal/faults"
	"orthanc-orchestrator/internal/matching"
	"orthanc-orchestrator/internal/models"

	"go.uber.org/zap"
)

// ScheduleFilter narrows a scan on the store side. Empty bounds are open.
// Stored dates in the legacy dotted form compare as YYYYMMDD.
type ScheduleFilter struct {
	DateFrom string // YYYYMMDD inclusive
	DateTo   string // YYYYMMDD inclusive
}

func (f ScheduleFilter) contains(date string) bool {
	date = matching.NormalizeDate(date)
	if f.DateFrom != "" && date < f.DateFrom {
		return false
	}
	if f.DateTo != "" && date > f.DateTo {
		return false
	}
	return true
}

// ScheduleStore is the source of truth for scheduled procedure steps.
// Scan yields entries lazily; stopping early releases the underlying cursor.
type ScheduleStore interface {
	Scan(ctx context.Context, filter ScheduleFilter) iter.Seq2[models.ScheduleEntry, error]
}

// PostgresScheduleStore reads the scheduled_procedures table.
type PostgresScheduleStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresScheduleStore(db *sql.DB, logger *zap.Logger) *PostgresScheduleStore {
	return &PostgresScheduleStore{db: db, logger: logger}
}

const scanScheduleSQL = `
	SELECT
		patient_id,
		patient_name,
		COALESCE(patient_birth_date, ''),
		COALESCE(patient_sex, ''),
		accession_number,
		study_instance_uid,
		COALESCE(study_description, ''),
		scheduled_date,
		scheduled_time,
		modality,
		station_aet,
		COALESCE(description, ''),
		status
	FROM scheduled_procedures
	WHERE ($1::text = '' OR replace(scheduled_date, '.', '') >= $1)
	  AND ($2::text = '' OR replace(scheduled_date, '.', '') <= $2)
	ORDER BY scheduled_date, scheduled_time, accession_number
`

func (s *PostgresScheduleStore) Scan(ctx context.Context, filter ScheduleFilter) iter.Seq2[models.ScheduleEntry, error] {
	return func(yield func(models.ScheduleEntry, error) bool) {
		rows, err := s.db.QueryContext(ctx, scanScheduleSQL, filter.DateFrom, filter.DateTo)
		if err != nil {
			yield(models.ScheduleEntry{}, faults.Unavailable("query schedule", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var e models.ScheduleEntry
			if err := rows.Scan(
				&e.PatientID,
				&e.PatientName,
				&e.PatientBirthDate,
				&e.PatientSex,
				&e.AccessionNumber,
				&e.StudyInstanceUID,
				&e.StudyDescription,
				&e.ScheduledDate,
				&e.ScheduledTime,
				&e.Modality,
				&e.StationAET,
				&e.Description,
				&e.Status,
			); err != nil {
				yield(models.ScheduleEntry{}, fmt.Errorf("failed to scan schedule row: %w", err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(models.ScheduleEntry{}, faults.Unavailable("iterate schedule", err))
		}
	}
}

// MemoryScheduleStore holds a fixed list, e.g. loaded from a JSON file.
type MemoryScheduleStore struct {
	entries []models.ScheduleEntry
}

func NewMemoryScheduleStore(entries []models.ScheduleEntry) *MemoryScheduleStore {
	return &MemoryScheduleStore{entries: append([]models.ScheduleEntry(nil), entries...)}
}

// LoadScheduleFile reads a JSON array of schedule entries. An empty path
// yields an empty store.
func LoadScheduleFile(path string) (*MemoryScheduleStore, error) {
	if path == "" {
		return NewMemoryScheduleStore(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read worklist file: %w", err)
	}
	var entries []models.ScheduleEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse worklist file %s: %w", path, err)
	}
	return NewMemoryScheduleStore(entries), nil
}

func (s *MemoryScheduleStore) Scan(ctx context.Context, filter ScheduleFilter) iter.Seq2[models.ScheduleEntry, error] {
	return func(yield func(models.ScheduleEntry, error) bool) {
		for _, e := range s.entries {
			if err := ctx.Err(); err != nil {
				yield(models.ScheduleEntry{}, err)
				return
			}
			if !filter.contains(e.ScheduledDate) {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *MemoryScheduleStore) Len() int { return len(s.entries) }
