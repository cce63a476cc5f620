package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"orthanc-orchestrator/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// OutcomeStore persists processing outcomes.
type OutcomeStore interface {
	Record(ctx context.Context, o models.Outcome) error
	Recent(ctx context.Context, limit int) ([]models.Outcome, error)
}

// PostgresOutcomeStore writes to study_outcomes.
type PostgresOutcomeStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresOutcomeStore(db *sql.DB, logger *zap.Logger) *PostgresOutcomeStore {
	return &PostgresOutcomeStore{db: db, logger: logger}
}

func (s *PostgresOutcomeStore) Record(ctx context.Context, o models.Outcome) error {
	query := `
		INSERT INTO study_outcomes (id, study_id, state, attempts, targets, error, cancelled, recorded_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	targets := o.Targets
	if targets == nil {
		targets = []string{}
	}
	if _, err := s.db.ExecContext(ctx, query,
		o.ID, o.StudyID, string(o.State), o.Attempts, pq.Array(targets), o.Error, o.Cancelled, o.RecordedAt,
	); err != nil {
		return fmt.Errorf("failed to insert outcome: %w", err)
	}
	s.logger.Debug("Outcome stored", zap.String("study_id", o.StudyID), zap.String("state", string(o.State)))
	return nil
}

func (s *PostgresOutcomeStore) Recent(ctx context.Context, limit int) ([]models.Outcome, error) {
	query := `
		SELECT id, study_id, state, attempts, targets, COALESCE(error, ''), cancelled, recorded_at
		FROM study_outcomes
		ORDER BY recorded_at DESC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var out []models.Outcome
	for rows.Next() {
		var o models.Outcome
		var state string
		if err := rows.Scan(&o.ID, &o.StudyID, &state, &o.Attempts, pq.Array(&o.Targets), &o.Error, &o.Cancelled, &o.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.State = models.StudyState(state)
		out = append(out, o)
	}
	return out, rows.Err()
}

// MemoryOutcomeStore keeps the newest outcomes in memory.
type MemoryOutcomeStore struct {
	mu       sync.Mutex
	outcomes []models.Outcome
	max      int
}

func NewMemoryOutcomeStore(max int) *MemoryOutcomeStore {
	if max <= 0 {
		max = 1000
	}
	return &MemoryOutcomeStore{max: max}
}

func (s *MemoryOutcomeStore) Record(_ context.Context, o models.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	if len(s.outcomes) > s.max {
		s.outcomes = s.outcomes[len(s.outcomes)-s.max:]
	}
	return nil
}

// Recent returns newest first.
func (s *MemoryOutcomeStore) Recent(_ context.Context, limit int) ([]models.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.outcomes)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.Outcome, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.outcomes[i])
	}
	return out, nil
}
