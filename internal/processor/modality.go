package processor

import (
	"context"
	"strings"

	"orthanc-orchestrator/internal/models"

	"go.uber.org/zap"
)

// ModalityHandler runs modality specific work for instances and stable studies.
type ModalityHandler interface {
	Modality() string
	ProcessInstance(ctx context.Context, md models.InstanceMetadata) error
	// ProcessStudy returns a classification label for the study.
	ProcessStudy(ctx context.Context, summary models.StudySummary) (string, error)
}

// regionHandler classifies a study by modality family and the body region
// named in its description.
type regionHandler struct {
	modality string
	family   string
	logger   *zap.Logger
}

var regions = []struct{ keyword, region string }{
	{"HEAD", "head"},
	{"BRAIN", "head"},
	{"NECK", "neck"},
	{"CHEST", "chest"},
	{"THORAX", "chest"},
	{"CARD", "cardiac"},
	{"ABD", "abdomen"},
	{"PELV", "pelvis"},
	{"SPINE", "spine"},
	{"KNEE", "extremity"},
	{"SHOULDER", "extremity"},
	{"OB", "obstetric"},
}

func (h regionHandler) Modality() string { return h.modality }

func (h regionHandler) ProcessInstance(_ context.Context, md models.InstanceMetadata) error {
	h.logger.Info("Processing "+h.modality+" instance",
		zap.String("instance_id", md.ID),
		zap.String("sop_instance_uid", md.SOPInstanceUID),
		zap.String("patient_id", md.PatientID),
	)
	return nil
}

func (h regionHandler) ProcessStudy(_ context.Context, s models.StudySummary) (string, error) {
	region := "unspecified"
	desc := strings.ToUpper(s.Description)
	for _, r := range regions {
		if strings.Contains(desc, r.keyword) {
			region = r.region
			break
		}
	}
	label := h.family + "/" + region
	h.logger.Info("Classified study",
		zap.String("study_id", s.ID),
		zap.String("modality", h.modality),
		zap.String("classification", label),
	)
	return label, nil
}

// noopHandler is used for modalities without a dedicated handler.
type noopHandler struct{}

func (noopHandler) Modality() string { return "" }

func (noopHandler) ProcessInstance(context.Context, models.InstanceMetadata) error { return nil }

func (noopHandler) ProcessStudy(context.Context, models.StudySummary) (string, error) { return "", nil }

// DefaultModalityHandlers returns the CT, MR and US handlers.
func DefaultModalityHandlers(logger *zap.Logger) []ModalityHandler {
	return []ModalityHandler{
		regionHandler{modality: "CT", family: "computed-tomography", logger: logger},
		regionHandler{modality: "MR", family: "magnetic-resonance", logger: logger},
		regionHandler{modality: "US", family: "ultrasound", logger: logger},
	}
}
