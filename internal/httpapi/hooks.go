package httpapi

import (
	"net/http"
	"time"

	"orthanc-orchestrator/internal/consumer"
	"orthanc-orchestrator/internal/models"
	"orthanc-orchestrator/internal/worklist"

	"go.uber.org/zap"
)

// Hooks are the endpoints the imaging server's plugin host calls back into.
// They never answer with a transport error: malformed input gets a
// structured reply.
type Hooks struct {
	bus      EventBus
	filter   IngestGate
	resolver WorklistResolver
	logger   *zap.Logger
	now      func() time.Time
}

func NewHooks(bus EventBus, filter IngestGate, resolver WorklistResolver, logger *zap.Logger) *Hooks {
	return &Hooks{bus: bus, filter: filter, resolver: resolver, logger: logger, now: time.Now}
}

// Changes POST /hooks/changes with one /changes record.
func (h *Hooks) Changes(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeJSON(w, bodyErrorStatus(err), failBody(h.now(), "failed to read body: "+err.Error()))
		return
	}
	ev, err := consumer.ParseChangeJSON(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, failBody(h.now(), err.Error()))
		return
	}
	h.bus.Dispatch(r.Context(), ev)
	writeJSON(w, http.StatusAccepted, okBody(h.now(), Body{"event": ev}))
}

type filterHookRequest struct {
	Origin string         `json:"origin"`
	Info   map[string]any `json:"info"`
	Tags   dicomTags      `json:"tags"`
}

// Filter POST /hooks/filter, called before an instance is stored.
func (h *Hooks) Filter(w http.ResponseWriter, r *http.Request) {
	var req filterHookRequest
	if err := readBodyJSON(r, &req); err != nil {
		writeJSON(w, http.StatusOK, models.IngestDecision{Accept: false, Reason: "validation: malformed filter request: " + err.Error()})
		return
	}
	candidate := models.InstanceMetadataFromTags("", req.Tags)
	decision := h.filter.ShouldAccept(r.Context(), candidate, req.Origin)
	if !decision.Accept {
		h.logger.Info("Rejected incoming instance",
			zap.String("origin", req.Origin),
			zap.String("sop_instance_uid", candidate.SOPInstanceUID),
			zap.String("modality", candidate.Modality),
			zap.String("reason", decision.Reason),
		)
	}
	writeJSON(w, http.StatusOK, decision)
}

type cstoreHookRequest struct {
	Origin string    `json:"origin"`
	Tags   dicomTags `json:"tags"`
}

// CStore POST /hooks/cstore logs the incoming C-STORE and accepts it; the
// ingest predicates run in the filter hook.
func (h *Hooks) CStore(w http.ResponseWriter, r *http.Request) {
	var req cstoreHookRequest
	if err := readBodyJSON(r, &req); err != nil {
		h.logger.Warn("Malformed C-STORE hook request", zap.Error(err))
		writeJSON(w, http.StatusOK, Body{"accept": false})
		return
	}
	h.logger.Info("Incoming C-STORE request",
		zap.String("origin", req.Origin),
		zap.String("sop_instance_uid", req.Tags["SOPInstanceUID"]),
	)
	writeJSON(w, http.StatusOK, Body{"accept": true})
}

type worklistHookRequest struct {
	Query     dicomTags `json:"query"`
	IssuerAET string    `json:"issuer_aet"`
	CalledAET string    `json:"called_aet"`
}

// Worklist POST /hooks/worklist answers a modality worklist query with an
// array of datasets.
func (h *Hooks) Worklist(w http.ResponseWriter, r *http.Request) {
	var req worklistHookRequest
	if err := readBodyJSON(r, &req); err != nil {
		writeJSON(w, bodyErrorStatus(err), failBody(h.now(), "malformed worklist request: "+err.Error()))
		return
	}
	entries, err := h.resolver.Collect(r.Context(), models.WorklistQuery{
		MatchingKeys: req.Query,
		IssuerAET:    req.IssuerAET,
		CalledAET:    req.CalledAET,
	}, 0)
	if err != nil {
		h.logger.Warn("Worklist query failed",
			zap.String("issuer_aet", req.IssuerAET),
			zap.Error(err),
		)
		writeJSON(w, statusFor(err), failBody(h.now(), err.Error()))
		return
	}
	datasets := make([]map[string]string, 0, len(entries))
	for _, e := range entries {
		datasets = append(datasets, worklist.ToDataset(e, req.CalledAET))
	}
	writeJSON(w, http.StatusOK, datasets)
}
