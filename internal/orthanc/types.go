package orthanc

// Resource JSON shapes returned by the Orthanc REST API. Tag maps are keyed by
// DICOM keyword (PatientID, StudyDescription, Modality, ...).

// Study GET /studies/{id}
type Study struct {
	ID                   string            `json:"ID"`
	IsStable             bool              `json:"IsStable"`
	LastUpdate           string            `json:"LastUpdate"`
	MainDicomTags        map[string]string `json:"MainDicomTags"`
	PatientMainDicomTags map[string]string `json:"PatientMainDicomTags"`
	ParentPatient        string            `json:"ParentPatient"`
	Series               []string          `json:"Series"`
	Type                 string            `json:"Type"`
}

// Series element of GET /studies/{id}/series
type Series struct {
	ID            string            `json:"ID"`
	Instances     []string          `json:"Instances"`
	MainDicomTags map[string]string `json:"MainDicomTags"`
	ParentStudy   string            `json:"ParentStudy"`
	Type          string            `json:"Type"`
}

// Instance GET /instances/{id}
type Instance struct {
	ID                   string            `json:"ID"`
	FileSize             int64             `json:"FileSize"`
	IndexInSeries        int               `json:"IndexInSeries"`
	MainDicomTags        map[string]string `json:"MainDicomTags"`
	PatientMainDicomTags map[string]string `json:"PatientMainDicomTags,omitempty"`
	ParentSeries         string            `json:"ParentSeries"`
	Type                 string            `json:"Type"`
}

// Statistics GET /statistics
type Statistics struct {
	CountInstances  int64 `json:"CountInstances"`
	CountSeries     int64 `json:"CountSeries"`
	CountStudies    int64 `json:"CountStudies"`
	CountPatients   int64 `json:"CountPatients"`
	TotalDiskSizeMB int64 `json:"TotalDiskSizeMB"`
}

// storeRequest body of POST /modalities/{name}/store
type storeRequest struct {
	Resources   []string `json:"Resources"`
	Synchronous bool     `json:"Synchronous"`
}
