package models

// IngestDecision is computed per incoming instance and never persisted.
type IngestDecision struct {
	Accept bool   `json:"accept"`
	Reason string `json:"reason,omitempty"`
}

// WorklistQuery keys are DICOM attribute keywords (PatientID, AccessionNumber, ...).
type WorklistQuery struct {
	MatchingKeys map[string]string `json:"matching_keys"`
	IssuerAET    string            `json:"issuer_aet"`
	CalledAET    string            `json:"called_aet"`
}

// ScheduleEntry is one scheduled procedure step owned by the RIS.
type ScheduleEntry struct {
	PatientID        string `json:"patient_id"`
	PatientName      string `json:"patient_name"`
	PatientBirthDate string `json:"patient_birth_date,omitempty"`
	PatientSex       string `json:"patient_sex,omitempty"`
	AccessionNumber  string `json:"accession_number"`
	StudyInstanceUID string `json:"study_instance_uid"`
	StudyDescription string `json:"study_description,omitempty"`
	ScheduledDate    string `json:"scheduled_date"` // YYYYMMDD
	ScheduledTime    string `json:"scheduled_time"` // HHMMSS
	Modality         string `json:"modality"`
	StationAET       string `json:"station_aet"`
	Description      string `json:"description"`
	Status           string `json:"status,omitempty"`
}
