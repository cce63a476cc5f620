package models

import (
	"fmt"
	"strings"
	"time"
)

// ChangeKind is the closed set of change notifications the imaging server emits.
type ChangeKind string

const (
	ChangeNewInstance   ChangeKind = "NewInstance"
	ChangeNewSeries     ChangeKind = "NewSeries"
	ChangeNewStudy      ChangeKind = "NewStudy"
	ChangeNewPatient    ChangeKind = "NewPatient"
	ChangeStableSeries  ChangeKind = "StableSeries"
	ChangeStableStudy   ChangeKind = "StableStudy"
	ChangeStablePatient ChangeKind = "StablePatient"
	ChangeDeleted       ChangeKind = "Deleted"
)

var changeKinds = map[string]ChangeKind{
	"newinstance":     ChangeNewInstance,
	"newseries":       ChangeNewSeries,
	"newstudy":        ChangeNewStudy,
	"newpatient":      ChangeNewPatient,
	"stableseries":    ChangeStableSeries,
	"stablestudy":     ChangeStableStudy,
	"studystable":     ChangeStableStudy,
	"stablepatient":   ChangeStablePatient,
	"deleted":         ChangeDeleted,
	"resourcedeleted": ChangeDeleted,
}

// ParseChangeKind accepts "StableStudy", "STABLE_STUDY" and the aliases
// "StudyStable" and "ResourceDeleted".
func ParseChangeKind(s string) (ChangeKind, error) {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	if k, ok := changeKinds[key]; ok {
		return k, nil
	}
	return "", fmt.Errorf("unknown change type %q", s)
}

// ResourceLevel is the DICOM hierarchy level a change refers to.
type ResourceLevel string

const (
	LevelPatient  ResourceLevel = "Patient"
	LevelStudy    ResourceLevel = "Study"
	LevelSeries   ResourceLevel = "Series"
	LevelInstance ResourceLevel = "Instance"
)

// ParseResourceLevel is case-insensitive.
func ParseResourceLevel(s string) (ResourceLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "patient":
		return LevelPatient, nil
	case "study":
		return LevelStudy, nil
	case "series":
		return LevelSeries, nil
	case "instance":
		return LevelInstance, nil
	}
	return "", fmt.Errorf("unknown resource level %q", s)
}

// ChangeEvent is a normalized change notification. It is passed by value and
// never modified after construction.
type ChangeEvent struct {
	Kind       ChangeKind    `json:"kind"`
	Level      ResourceLevel `json:"level"`
	ResourceID string        `json:"resource_id"`
	Seq        int64         `json:"seq,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// NewChangeEvent stamps the event with now when ts is zero.
func NewChangeEvent(kind ChangeKind, level ResourceLevel, resourceID string, seq int64, ts time.Time) ChangeEvent {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return ChangeEvent{
		Kind:       kind,
		Level:      level,
		ResourceID: resourceID,
		Seq:        seq,
		Timestamp:  ts,
	}
}

func (e ChangeEvent) String() string {
	return fmt.Sprintf("%s %s/%s", e.Kind, e.Level, e.ResourceID)
}
