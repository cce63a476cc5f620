package consumer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"orthanc-orchestrator/internal/faults"
	"orthanc-orchestrator/internal/models"
)

// ChangeRecord is one entry of the Orthanc /changes feed.
type ChangeRecord struct {
	ChangeType   string `json:"ChangeType"`
	ResourceType string `json:"ResourceType"`
	ID           string `json:"ID"`
	Path         string `json:"Path,omitempty"`
	Seq          int64  `json:"Seq"`
	Date         string `json:"Date,omitempty"` // 20060102T150405
}

const orthancDate = "20060102T150405"

// Event normalizes the record.
func (r ChangeRecord) Event() (models.ChangeEvent, error) {
	kind, err := models.ParseChangeKind(r.ChangeType)
	if err != nil {
		return models.ChangeEvent{}, faults.Validation("parse change", "%v", err)
	}
	level, err := models.ParseResourceLevel(r.ResourceType)
	if err != nil {
		return models.ChangeEvent{}, faults.Validation("parse change", "%v", err)
	}
	if r.ID == "" {
		return models.ChangeEvent{}, faults.Validation("parse change", "missing resource ID")
	}
	var ts time.Time
	if r.Date != "" {
		if t, err := time.ParseInLocation(orthancDate, r.Date, time.UTC); err == nil {
			ts = t
		}
	}
	return models.NewChangeEvent(kind, level, r.ID, r.Seq, ts), nil
}

// ParseChangeJSON parses a JSON encoded ChangeRecord.
func ParseChangeJSON(data []byte) (models.ChangeEvent, error) {
	var rec ChangeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return models.ChangeEvent{}, faults.Validation("parse change", "invalid JSON: %v", err)
	}
	return rec.Event()
}

// ParseChangeValues reads a stream entry: either a JSON record under "data"
// or the record fields stored flat.
func ParseChangeValues(values map[string]interface{}) (models.ChangeEvent, error) {
	if data, ok := values["data"].(string); ok {
		return ParseChangeJSON([]byte(data))
	}

	rec := ChangeRecord{
		ChangeType:   str(values, "ChangeType", "change_type"),
		ResourceType: str(values, "ResourceType", "resource_type"),
		ID:           str(values, "ID", "resource_id"),
		Date:         str(values, "Date", "date"),
	}
	if s := str(values, "Seq", "seq"); s != "" {
		seq, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return models.ChangeEvent{}, faults.Validation("parse change", "invalid Seq %q", s)
		}
		rec.Seq = seq
	}
	return rec.Event()
}

func str(values map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		switch v := values[k].(type) {
		case string:
			return v
		case nil:
		default:
			return fmt.Sprint(v)
		}
	}
	return ""
}
