package processor

import (
	"fmt"
	"time"

	"orthanc-orchestrator/internal/models"
)

// allowed lists the legal transitions; "" is a study not seen before.
var allowed = map[models.StudyState][]models.StudyState{
	"":                           {models.StateUnstable, models.StateStable},
	models.StateUnstable:         {models.StateUnstable, models.StateStable},
	models.StateStable:           {models.StateProcessed, models.StateProcessingFailed},
	models.StateProcessingFailed: {models.StateStable, models.StateUnstable},
	models.StateProcessed:        {},
}

func canTransition(from, to models.StudyState) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StudyRecord is the processor's view of one study. Snapshot returns copies.
type StudyRecord struct {
	ID             string               `json:"id"`
	State          models.StudyState    `json:"state"`
	Summary        *models.StudySummary `json:"summary,omitempty"`
	Classification string               `json:"classification,omitempty"`
	Instances      int64                `json:"instances_seen"`
	Targets        []string             `json:"targets,omitempty"`
	Attempts       int                  `json:"attempts"`
	LastError      string               `json:"last_error,omitempty"`
	UpdatedAt      time.Time            `json:"updated_at"`

	instanceIDs map[string]struct{}
}

func (r *StudyRecord) clone() StudyRecord {
	c := *r
	if r.Summary != nil {
		s := *r.Summary
		s.Modalities = append([]string(nil), r.Summary.Modalities...)
		c.Summary = &s
	}
	c.Targets = append([]string(nil), r.Targets...)
	c.instanceIDs = nil
	return c
}

// Failure is a processing failure visible to operators.
type Failure struct {
	StudyID  string    `json:"study_id"`
	Stage    string    `json:"stage"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

type transitionError struct {
	study    string
	from, to models.StudyState
}

func (e *transitionError) Error() string {
	from := e.from
	if from == "" {
		from = "(new)"
	}
	return fmt.Sprintf("study %s: illegal transition %s -> %s", e.study, from, e.to)
}
