package worklist

import (
	"strings"

	"orthanc-orchestrator/internal/matching"
	"orthanc-orchestrator/internal/models"
	"orthanc-orchestrator/internal/repository"
)

// DICOM worklist attribute keywords.
const (
	KeyPatientID            = "PatientID"
	KeyPatientName          = "PatientName"
	KeyPatientBirthDate     = "PatientBirthDate"
	KeyPatientSex           = "PatientSex"
	KeyAccessionNumber      = "AccessionNumber"
	KeyStudyInstanceUID     = "StudyInstanceUID"
	KeyStudyDescription     = "StudyDescription"
	KeyScheduledDate        = "ScheduledProcedureStepStartDate"
	KeyScheduledTime        = "ScheduledProcedureStepStartTime"
	KeyModality             = "Modality"
	KeyScheduledStationAET  = "ScheduledStationAETitle"
	KeyScheduledDescription = "ScheduledProcedureStepDescription"
	KeyScheduledStepStatus  = "ScheduledProcedureStepStatus"
)

type matchKind int

const (
	matchText matchKind = iota
	matchTextFold
	matchDate
	matchTime
	matchUID
)

type field struct {
	kind  matchKind
	value func(models.ScheduleEntry) string
}

var fields = map[string]field{
	KeyPatientID:            {matchText, func(e models.ScheduleEntry) string { return e.PatientID }},
	KeyPatientName:          {matchTextFold, func(e models.ScheduleEntry) string { return e.PatientName }},
	KeyPatientBirthDate:     {matchDate, func(e models.ScheduleEntry) string { return e.PatientBirthDate }},
	KeyPatientSex:           {matchText, func(e models.ScheduleEntry) string { return e.PatientSex }},
	KeyAccessionNumber:      {matchText, func(e models.ScheduleEntry) string { return e.AccessionNumber }},
	KeyStudyInstanceUID:     {matchUID, func(e models.ScheduleEntry) string { return e.StudyInstanceUID }},
	KeyStudyDescription:     {matchText, func(e models.ScheduleEntry) string { return e.StudyDescription }},
	KeyScheduledDate:        {matchDate, func(e models.ScheduleEntry) string { return e.ScheduledDate }},
	KeyScheduledTime:        {matchTime, func(e models.ScheduleEntry) string { return e.ScheduledTime }},
	KeyModality:             {matchText, func(e models.ScheduleEntry) string { return e.Modality }},
	KeyScheduledStationAET:  {matchText, func(e models.ScheduleEntry) string { return e.StationAET }},
	KeyScheduledDescription: {matchText, func(e models.ScheduleEntry) string { return e.Description }},
	KeyScheduledStepStatus:  {matchText, func(e models.ScheduleEntry) string { return e.Status }},
}

// Match reports whether e satisfies every known key of keys. Empty
// patterns match anything and unknown keys are ignored.
func Match(keys map[string]string, e models.ScheduleEntry) bool {
	for key, pattern := range keys {
		pattern = matching.TrimPadding(pattern)
		if pattern == "" {
			continue
		}
		f, ok := fields[key]
		if !ok {
			continue
		}
		value := matching.TrimPadding(f.value(e))
		var hit bool
		switch f.kind {
		case matchText:
			hit = matching.Wildcard(pattern, value, false)
		case matchTextFold:
			hit = matching.Wildcard(pattern, value, true)
		case matchDate:
			hit = matching.DateRange(pattern, value)
		case matchTime:
			hit = matching.TimeRange(pattern, value)
		case matchUID:
			hit = matching.UIDList(pattern, value)
		}
		if !hit {
			return false
		}
	}
	return true
}

// pushdown derives the store-side date bounds from the scheduled date key.
func pushdown(keys map[string]string) repository.ScheduleFilter {
	pattern := strings.TrimSpace(keys[KeyScheduledDate])
	if pattern == "" || matching.HasWildcard(pattern) {
		return repository.ScheduleFilter{}
	}
	clean := matching.NormalizeDate
	lo, hi, isRange := strings.Cut(pattern, "-")
	if !isRange {
		return repository.ScheduleFilter{DateFrom: clean(pattern), DateTo: clean(pattern)}
	}
	return repository.ScheduleFilter{DateFrom: clean(lo), DateTo: clean(hi)}
}
