package models

import "time"

// RouteTarget is a remote DICOM node; loaded once at startup.
type RouteTarget struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	AETitle string `json:"ae_title"`
}

// RouteField is the study attribute a RouteRule matches on.
type RouteField string

const (
	RouteFieldModality    RouteField = "modality"
	RouteFieldAET         RouteField = "aet"
	RouteFieldDescription RouteField = "description"
)

// RouteRule sends studies whose Field matches Pattern (DICOM wildcards) to Target.
type RouteRule struct {
	Field   RouteField `json:"field"`
	Pattern string     `json:"pattern"`
	Target  string     `json:"target"`
}

// StudyState is the processing state of one study.
type StudyState string

const (
	StateUnstable         StudyState = "Unstable"
	StateStable           StudyState = "Stable"
	StateProcessed        StudyState = "Processed"
	StateProcessingFailed StudyState = "ProcessingFailed"
)

// Outcome records a terminal (or cancelled) processing result.
type Outcome struct {
	ID         string     `json:"id"`
	StudyID    string     `json:"study_id"`
	State      StudyState `json:"state"`
	Attempts   int        `json:"attempts"`
	Targets    []string   `json:"targets,omitempty"`
	Error      string     `json:"error,omitempty"`
	Cancelled  bool       `json:"cancelled,omitempty"`
	RecordedAt time.Time  `json:"recorded_at"`
}
