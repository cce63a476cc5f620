package worklist

import "orthanc-orchestrator/internal/models"

// ToDataset maps an entry to worklist attribute keywords. The station AE
// title falls back to the AE title the query was sent to.
func ToDataset(e models.ScheduleEntry, calledAET string) map[string]string {
	station := e.StationAET
	if station == "" {
		station = calledAET
	}
	ds := map[string]string{
		KeyPatientID:            e.PatientID,
		KeyPatientName:          e.PatientName,
		KeyPatientBirthDate:     e.PatientBirthDate,
		KeyPatientSex:           e.PatientSex,
		KeyStudyInstanceUID:     e.StudyInstanceUID,
		KeyAccessionNumber:      e.AccessionNumber,
		KeyStudyDescription:     e.StudyDescription,
		KeyScheduledDate:        e.ScheduledDate,
		KeyScheduledTime:        e.ScheduledTime,
		KeyModality:             e.Modality,
		KeyScheduledStationAET:  station,
		KeyScheduledDescription: e.Description,
	}
	if e.Status != "" {
		ds[KeyScheduledStepStatus] = e.Status
	}
	return ds
}
