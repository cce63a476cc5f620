package models

// InstanceMetadata is a read-only snapshot of one stored or incoming instance.
type InstanceMetadata struct {
	ID               string            `json:"id,omitempty"`
	SOPInstanceUID   string            `json:"sop_instance_uid"`
	Modality         string            `json:"modality"`
	StudyInstanceUID string            `json:"study_instance_uid"`
	PatientID        string            `json:"patient_id"`
	Tags             map[string]string `json:"tags,omitempty"`
}

// InstanceMetadataFromTags builds metadata from a DICOM keyword -> value map.
// The tags map is copied.
func InstanceMetadataFromTags(id string, tags map[string]string) InstanceMetadata {
	copied := make(map[string]string, len(tags))
	for k, v := range tags {
		copied[k] = v
	}
	return InstanceMetadata{
		ID:               id,
		SOPInstanceUID:   copied["SOPInstanceUID"],
		Modality:         copied["Modality"],
		StudyInstanceUID: copied["StudyInstanceUID"],
		PatientID:        copied["PatientID"],
		Tags:             copied,
	}
}

// StudySummary is what the stable-study processor knows about a study.
type StudySummary struct {
	ID               string   `json:"id"`
	StudyInstanceUID string   `json:"study_instance_uid"`
	PatientID        string   `json:"patient_id"`
	PatientName      string   `json:"patient_name"`
	Description      string   `json:"description"`
	AccessionNumber  string   `json:"accession_number"`
	Modalities       []string `json:"modalities"`
	DominantModality string   `json:"dominant_modality"`
	OriginAET        string   `json:"origin_aet,omitempty"`
}
