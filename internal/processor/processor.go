package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"orthanc-orchestrator/internal/eventbus"
	"orthanc-orchestrator/internal/faults"
	"orthanc-orchestrator/internal/idempotency"
	"orthanc-orchestrator/internal/models"
	"orthanc-orchestrator/internal/orthanc"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler names; they are part of the idempotency keys.
const (
	InstanceTrackerName = "instance-tracker"
	StudyProcessorName  = "study-processor"
	DeletionWatcherName = "deletion-watcher"
)

const (
	maxFailures = 256
	// cap on instances remembered as released with their study
	maxReleasedWithStudy = 100000
)

// MetadataSource is the part of the imaging server API the processor reads.
type MetadataSource interface {
	GetInstanceMetadata(ctx context.Context, instanceID string) (models.InstanceMetadata, error)
	GetInstanceStudy(ctx context.Context, instanceID string) (*orthanc.Study, error)
	GetStudy(ctx context.Context, studyID string) (*orthanc.Study, error)
	GetStudySeries(ctx context.Context, studyID string) ([]orthanc.Series, error)
	GetInstanceAttachedMetadata(ctx context.Context, instanceID, name string) (string, error)
}

// OutcomeRecorder persists or publishes terminal outcomes.
type OutcomeRecorder interface {
	Record(ctx context.Context, o models.Outcome) error
}

// QuotaReleaser gives storage quota back after deletions.
type QuotaReleaser interface {
	Release(n int64)
}

// Options for New.
type Options struct {
	Rules    []models.RouteRule
	Handlers []ModalityHandler
	Recorder OutcomeRecorder
	Quota    QuotaReleaser
	MarkTTL  time.Duration
}

// Processor is the stable-study state machine. All state changes go through
// its methods; Snapshot hands out copies.
type Processor struct {
	logger   *zap.Logger
	source   MetadataSource
	router   *Router
	marks    idempotency.Marks
	rules    []models.RouteRule
	handlers map[string]ModalityHandler
	recorder OutcomeRecorder
	quota    QuotaReleaser
	markTTL  time.Duration

	mu       sync.Mutex
	studies  map[string]*StudyRecord
	failures []Failure
	// instance to study, for instances stored since start
	instanceStudy map[string]string
	// instances whose quota slot a study deletion already gave back
	releasedWithStudy map[string]struct{}
}

func New(logger *zap.Logger, source MetadataSource, router *Router, marks idempotency.Marks, opts Options) *Processor {
	handlers := make(map[string]ModalityHandler, len(opts.Handlers))
	for _, h := range opts.Handlers {
		handlers[strings.ToUpper(h.Modality())] = h
	}
	if opts.MarkTTL <= 0 {
		opts.MarkTTL = 72 * time.Hour
	}
	return &Processor{
		logger:   logger,
		source:   source,
		router:   router,
		marks:    marks,
		rules:    opts.Rules,
		handlers: handlers,
		recorder: opts.Recorder,
		quota:    opts.Quota,
		markTTL:  opts.MarkTTL,
		studies:  make(map[string]*StudyRecord),

		instanceStudy:     make(map[string]string),
		releasedWithStudy: make(map[string]struct{}),
	}
}

// Routes returns the event bus routes served by the processor.
func (p *Processor) Routes() []eventbus.Route {
	return []eventbus.Route{
		{Kind: models.ChangeNewInstance, Handlers: []eventbus.Handler{eventbus.HandlerFunc(InstanceTrackerName, p.onNewInstance)}},
		{Kind: models.ChangeStableStudy, Handlers: []eventbus.Handler{eventbus.HandlerFunc(StudyProcessorName, p.onStableStudy)}},
		{Kind: models.ChangeDeleted, Handlers: []eventbus.Handler{eventbus.HandlerFunc(DeletionWatcherName, p.onDeleted)}},
	}
}

func (p *Processor) handlerFor(modality string) ModalityHandler {
	if h, ok := p.handlers[strings.ToUpper(modality)]; ok {
		return h
	}
	return noopHandler{}
}

func (p *Processor) onNewInstance(ctx context.Context, ev models.ChangeEvent) error {
	md, err := p.source.GetInstanceMetadata(ctx, ev.ResourceID)
	if err != nil {
		return fmt.Errorf("fetch instance %s: %w", ev.ResourceID, err)
	}
	if err := p.handlerFor(md.Modality).ProcessInstance(ctx, md); err != nil {
		return fmt.Errorf("modality handler %s: %w", md.Modality, err)
	}

	study, err := p.source.GetInstanceStudy(ctx, ev.ResourceID)
	if err != nil {
		return fmt.Errorf("resolve study of instance %s: %w", ev.ResourceID, err)
	}

	p.mu.Lock()
	rec := p.record(study.ID)
	first := p.trackLocked(rec, ev.ResourceID)
	switch rec.State {
	case models.StateProcessed, models.StateStable:
		p.logger.Debug("Instance added to study past stability",
			zap.String("study_id", study.ID),
			zap.String("state", string(rec.State)),
		)
	default:
		err = p.transitionLocked(rec, models.StateUnstable)
	}
	p.mu.Unlock()

	// the resource exists again, so its next deletion must be handled
	keys := []string{eventbus.MarkKey(DeletionWatcherName, models.ChangeDeleted, ev.ResourceID)}
	if first {
		keys = append(keys, eventbus.MarkKey(DeletionWatcherName, models.ChangeDeleted, study.ID))
	}
	p.releaseMarks(ctx, "deletion", keys...)
	return err
}

// trackLocked links an instance to its study record and reports whether it
// is the first instance the record tracks; p.mu must be held.
func (p *Processor) trackLocked(rec *StudyRecord, instanceID string) bool {
	delete(p.releasedWithStudy, instanceID)
	if prev, ok := p.instanceStudy[instanceID]; ok && prev != rec.ID {
		if old, ok := p.studies[prev]; ok {
			delete(old.instanceIDs, instanceID)
		}
	}
	p.instanceStudy[instanceID] = rec.ID
	if rec.instanceIDs == nil {
		rec.instanceIDs = make(map[string]struct{})
	}
	if _, seen := rec.instanceIDs[instanceID]; seen {
		return false
	}
	rec.instanceIDs[instanceID] = struct{}{}
	rec.Instances++
	return len(rec.instanceIDs) == 1
}

func (p *Processor) onStableStudy(ctx context.Context, ev models.ChangeEvent) error {
	p.mu.Lock()
	rec := p.record(ev.ResourceID)
	switch rec.State {
	case models.StateProcessed:
		p.mu.Unlock()
		p.logger.Info("Study already processed", zap.String("study_id", ev.ResourceID))
		return nil
	case models.StateStable:
		p.mu.Unlock()
		p.logger.Info("Study processing already in progress", zap.String("study_id", ev.ResourceID))
		return nil
	}
	if err := p.transitionLocked(rec, models.StateStable); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	return p.process(ctx, ev.ResourceID)
}

// Retry re-enters a failed study.
func (p *Processor) Retry(ctx context.Context, studyID string) error {
	p.mu.Lock()
	rec, ok := p.studies[studyID]
	if !ok {
		p.mu.Unlock()
		return faults.Validation("retry study", "study %s is unknown", studyID)
	}
	if rec.State != models.StateProcessingFailed {
		p.mu.Unlock()
		return faults.Validation("retry study", "study %s is %s, only ProcessingFailed can be retried", studyID, rec.State)
	}
	if err := p.transitionLocked(rec, models.StateStable); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	// a StableStudy redelivered while this runs must not enter again
	if _, err := p.marks.MarkOnce(ctx, p.stableMark(studyID), p.markTTL); err != nil {
		p.logger.Warn("Failed to claim study mark for retry", zap.String("study_id", studyID), zap.Error(err))
	}
	p.logger.Info("Retrying study", zap.String("study_id", studyID))
	return p.process(ctx, studyID)
}

// process runs from Stable until routing is handed to the router or a
// terminal state is reached.
func (p *Processor) process(ctx context.Context, studyID string) error {
	summary, err := p.summarize(ctx, studyID)
	if err != nil {
		p.fail(studyID, "summary", 0, err)
		return err
	}

	label, err := p.handlerFor(summary.DominantModality).ProcessStudy(ctx, summary)
	if err != nil {
		err = fmt.Errorf("modality handler %s: %w", summary.DominantModality, err)
		p.fail(studyID, "classify", 0, err)
		return err
	}

	targets := MatchRoutes(p.rules, summary)

	p.mu.Lock()
	rec := p.record(studyID)
	rec.Summary = &summary
	rec.Classification = label
	rec.Targets = targets
	rec.LastError = ""
	p.mu.Unlock()

	if len(targets) == 0 {
		p.complete(studyID, nil)
		return nil
	}

	p.logger.Info("Routing study",
		zap.String("study_id", studyID),
		zap.Strings("targets", targets),
	)
	p.router.Route(studyID, targets, func(results []RouteResult) {
		p.onRouted(studyID, results)
	})
	return nil
}

func (p *Processor) onRouted(studyID string, results []RouteResult) {
	attempts := 0
	var failed []string
	var cancelled, interrupted bool
	var errs []error
	for _, r := range results {
		attempts += r.Attempts
		if r.Cancelled {
			cancelled = true
			interrupted = interrupted || errors.Is(r.Err, ErrRouterClosed)
			continue
		}
		if r.Err != nil {
			failed = append(failed, r.Target)
			errs = append(errs, fmt.Errorf("%s: %w", r.Target, r.Err))
		}
	}

	switch {
	case interrupted:
		// not delivered; a retry or the next StableStudy must route again
		p.fail(studyID, "route", attempts, fmt.Errorf("routing interrupted: %w", ErrRouterClosed))
	case cancelled:
		p.logger.Info("Routing cancelled", zap.String("study_id", studyID), zap.Int("attempts", attempts))
		p.recordOutcome(models.Outcome{StudyID: studyID, State: models.StateStable, Attempts: attempts, Cancelled: true})
	case len(failed) > 0:
		p.fail(studyID, "route", attempts, errors.Join(errs...))
	default:
		p.complete(studyID, results)
	}
}

func (p *Processor) complete(studyID string, results []RouteResult) {
	attempts := 0
	for _, r := range results {
		attempts += r.Attempts
	}

	p.mu.Lock()
	rec, ok := p.studies[studyID]
	if !ok {
		p.mu.Unlock()
		return
	}
	if err := p.transitionLocked(rec, models.StateProcessed); err != nil {
		p.mu.Unlock()
		p.logger.Error("Cannot complete study", zap.Error(err))
		return
	}
	rec.Attempts += attempts
	targets := append([]string(nil), rec.Targets...)
	p.mu.Unlock()

	p.logger.Info("Study processed", zap.String("study_id", studyID), zap.Strings("targets", targets))
	p.recordOutcome(models.Outcome{StudyID: studyID, State: models.StateProcessed, Attempts: attempts, Targets: targets})
}

func (p *Processor) fail(studyID, stage string, attempts int, cause error) {
	p.mu.Lock()
	rec, ok := p.studies[studyID]
	if !ok {
		p.mu.Unlock()
		return
	}
	if err := p.transitionLocked(rec, models.StateProcessingFailed); err != nil {
		p.mu.Unlock()
		p.logger.Error("Cannot fail study", zap.Error(err))
		return
	}
	rec.Attempts += attempts
	rec.LastError = cause.Error()
	targets := append([]string(nil), rec.Targets...)
	p.failures = append(p.failures, Failure{
		StudyID:  studyID,
		Stage:    stage,
		Error:    cause.Error(),
		Attempts: attempts,
		At:       time.Now().UTC(),
	})
	if len(p.failures) > maxFailures {
		p.failures = p.failures[len(p.failures)-maxFailures:]
	}
	p.mu.Unlock()

	p.logger.Error("Study processing failed",
		zap.String("study_id", studyID),
		zap.String("stage", stage),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)

	// the next StableStudy for this study may enter again
	if err := p.marks.Release(context.Background(), p.stableMark(studyID)); err != nil {
		p.logger.Warn("Failed to release study mark", zap.String("study_id", studyID), zap.Error(err))
	}
	p.recordOutcome(models.Outcome{
		StudyID:  studyID,
		State:    models.StateProcessingFailed,
		Attempts: attempts,
		Targets:  targets,
		Error:    cause.Error(),
	})
}

// onDeleted gives quota slots back once per instance. A study deletion
// releases the instances still tracked under it; the cascaded instance
// deletions that follow then release nothing. Instances the processor never
// saw, such as those stored before start, release one slot each.
func (p *Processor) onDeleted(ctx context.Context, ev models.ChangeEvent) error {
	switch ev.Level {
	case models.LevelStudy:
		if p.router.Cancel(ev.ResourceID) {
			p.logger.Info("Cancelled pending routes of deleted study", zap.String("study_id", ev.ResourceID))
		}
		instances := p.forgetStudy(ev.ResourceID)
		if p.quota != nil && len(instances) > 0 {
			p.quota.Release(int64(len(instances)))
		}
		// a study stored again later is a new study
		keys := []string{p.stableMark(ev.ResourceID)}
		for _, id := range instances {
			keys = append(keys, instanceMark(id))
		}
		for _, key := range keys {
			if err := p.marks.Release(ctx, key); err != nil {
				return faults.Unavailable("release marks of deleted study", err)
			}
		}
	case models.LevelInstance:
		if p.forgetInstance(ev.ResourceID) && p.quota != nil {
			p.quota.Release(1)
		}
		if err := p.marks.Release(ctx, instanceMark(ev.ResourceID)); err != nil {
			return faults.Unavailable("release instance mark", err)
		}
	default:
		p.logger.Debug("Ignoring deletion", zap.String("level", string(ev.Level)), zap.String("resource_id", ev.ResourceID))
	}
	return nil
}

// forgetStudy drops the record of a deleted study and returns the instances
// still tracked under it.
func (p *Processor) forgetStudy(studyID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.studies[studyID]
	if !ok {
		return nil
	}
	delete(p.studies, studyID)
	if len(p.releasedWithStudy)+len(rec.instanceIDs) > maxReleasedWithStudy {
		p.releasedWithStudy = make(map[string]struct{})
	}
	instances := make([]string, 0, len(rec.instanceIDs))
	for id := range rec.instanceIDs {
		instances = append(instances, id)
		delete(p.instanceStudy, id)
		p.releasedWithStudy[id] = struct{}{}
	}
	sort.Strings(instances)
	return instances
}

// forgetInstance reports whether the deleted instance still holds a quota
// slot.
func (p *Processor) forgetInstance(instanceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.releasedWithStudy[instanceID]; ok {
		delete(p.releasedWithStudy, instanceID)
		return false
	}
	if studyID, ok := p.instanceStudy[instanceID]; ok {
		delete(p.instanceStudy, instanceID)
		if rec, ok := p.studies[studyID]; ok {
			delete(rec.instanceIDs, instanceID)
		}
	}
	return true
}

func (p *Processor) releaseMarks(ctx context.Context, what string, keys ...string) {
	for _, key := range keys {
		if err := p.marks.Release(ctx, key); err != nil {
			p.logger.Warn("Failed to release "+what+" mark", zap.String("key", key), zap.Error(err))
		}
	}
}

func instanceMark(instanceID string) string {
	return eventbus.MarkKey(InstanceTrackerName, models.ChangeNewInstance, instanceID)
}

func (p *Processor) stableMark(studyID string) string {
	return eventbus.MarkKey(StudyProcessorName, models.ChangeStableStudy, studyID)
}

// record returns the record for id, creating it; p.mu must be held.
func (p *Processor) record(id string) *StudyRecord {
	rec, ok := p.studies[id]
	if !ok {
		rec = &StudyRecord{ID: id}
		p.studies[id] = rec
	}
	return rec
}

func (p *Processor) transitionLocked(rec *StudyRecord, to models.StudyState) error {
	if !canTransition(rec.State, to) {
		return &transitionError{study: rec.ID, from: rec.State, to: to}
	}
	if rec.State != to {
		p.logger.Info("Study state changed",
			zap.String("study_id", rec.ID),
			zap.String("from", string(rec.State)),
			zap.String("to", string(to)),
		)
	}
	rec.State = to
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (p *Processor) recordOutcome(o models.Outcome) {
	if p.recorder == nil {
		return
	}
	o.ID = uuid.NewString()
	o.RecordedAt = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.recorder.Record(ctx, o); err != nil {
		p.logger.Error("Failed to record outcome", zap.String("study_id", o.StudyID), zap.Error(err))
	}
}

// summarize builds the study summary from the study, its series and the
// origin of its first instance.
func (p *Processor) summarize(ctx context.Context, studyID string) (models.StudySummary, error) {
	study, err := p.source.GetStudy(ctx, studyID)
	if err != nil {
		return models.StudySummary{}, fmt.Errorf("fetch study: %w", err)
	}
	series, err := p.source.GetStudySeries(ctx, studyID)
	if err != nil {
		return models.StudySummary{}, fmt.Errorf("fetch series: %w", err)
	}

	s := models.StudySummary{
		ID:               study.ID,
		StudyInstanceUID: study.MainDicomTags["StudyInstanceUID"],
		Description:      study.MainDicomTags["StudyDescription"],
		AccessionNumber:  study.MainDicomTags["AccessionNumber"],
		PatientID:        study.PatientMainDicomTags["PatientID"],
		PatientName:      study.PatientMainDicomTags["PatientName"],
	}

	counts := make(map[string]int)
	firstInstance := ""
	for _, se := range series {
		m := strings.ToUpper(strings.TrimSpace(se.MainDicomTags["Modality"]))
		if m != "" {
			counts[m] += len(se.Instances)
		}
		if firstInstance == "" && len(se.Instances) > 0 {
			firstInstance = se.Instances[0]
		}
	}
	if len(counts) == 0 {
		for _, m := range strings.Split(study.MainDicomTags["ModalitiesInStudy"], `\`) {
			if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
				counts[m] = 0
			}
		}
	}
	s.Modalities, s.DominantModality = dominant(counts)

	if firstInstance != "" {
		aet, err := p.source.GetInstanceAttachedMetadata(ctx, firstInstance, "RemoteAET")
		if err != nil {
			p.logger.Debug("Origin AET unavailable", zap.String("study_id", studyID), zap.Error(err))
		} else {
			s.OriginAET = strings.TrimSpace(aet)
		}
	}
	return s, nil
}

// dominant returns the sorted modalities and the one with most instances;
// ties go to the alphabetically first.
func dominant(counts map[string]int) ([]string, string) {
	mods := make([]string, 0, len(counts))
	for m := range counts {
		mods = append(mods, m)
	}
	sort.Strings(mods)
	best := ""
	for _, m := range mods {
		if best == "" || counts[m] > counts[best] {
			best = m
		}
	}
	return mods, best
}

// Snapshot returns copies of all study records ordered by id.
func (p *Processor) Snapshot() []StudyRecord {
	p.mu.Lock()
	out := make([]StudyRecord, 0, len(p.studies))
	for _, rec := range p.studies {
		out = append(out, rec.clone())
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Study returns a copy of one record.
func (p *Processor) Study(id string) (StudyRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.studies[id]
	if !ok {
		return StudyRecord{}, false
	}
	return rec.clone(), true
}

// Failures returns recorded processing failures, oldest first.
func (p *Processor) Failures() []Failure {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Failure(nil), p.failures...)
}

// Counts returns the number of studies per state and pending route jobs.
func (p *Processor) Counts() map[string]int {
	p.mu.Lock()
	counts := make(map[string]int)
	for _, rec := range p.studies {
		counts[string(rec.State)]++
	}
	p.mu.Unlock()
	counts["pending_routes"] = p.router.Pending()
	return counts
}
