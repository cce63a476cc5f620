package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"orthanc-orchestrator/internal/eventbus"
	"orthanc-orchestrator/internal/ingest"
	"orthanc-orchestrator/internal/models"
	"orthanc-orchestrator/internal/processor"
	"orthanc-orchestrator/internal/worklist"

	"go.uber.org/zap"
)

// SystemSource provides the imaging server's /system document.
type SystemSource interface {
	GetSystem(ctx context.Context) (json.RawMessage, error)
}

// StudyProcessor is the read side of the processor plus explicit retry.
type StudyProcessor interface {
	Snapshot() []processor.StudyRecord
	Study(id string) (processor.StudyRecord, bool)
	Failures() []processor.Failure
	Counts() map[string]int
	Retry(ctx context.Context, studyID string) error
}

// EventBus is the event bus as seen by the HTTP layer.
type EventBus interface {
	Dispatch(ctx context.Context, ev models.ChangeEvent)
	Stats() eventbus.Stats
	Failures() []eventbus.HandlerFailure
}

// IngestGate is the pre-store filter.
type IngestGate interface {
	ShouldAccept(ctx context.Context, candidate models.InstanceMetadata, origin string) models.IngestDecision
	Stats() ingest.Stats
	Predicates() []string
}

// WorklistResolver answers schedule queries.
type WorklistResolver interface {
	Collect(ctx context.Context, q models.WorklistQuery, limit int) ([]models.ScheduleEntry, error)
	Stats() worklist.Stats
}

// WorklistCache drops cached worklist snapshots.
type WorklistCache interface {
	Invalidate(ctx context.Context) error
}

// OutcomeReader lists recorded outcomes, newest first.
type OutcomeReader interface {
	Recent(ctx context.Context, limit int) ([]models.Outcome, error)
}

// ConsumerCounts reports the change-feed consumer counters.
type ConsumerCounts interface {
	Counts() (consumed, malformed uint64)
}

// Deps are the components the API reads from. Outcomes, Consumer and
// WorklistCache are optional.
type Deps struct {
	System    SystemSource
	Processor StudyProcessor
	Bus       EventBus
	Filter    IngestGate
	Worklist  WorklistResolver
	Outcomes  OutcomeReader
	Consumer  ConsumerCounts

	WorklistCache WorklistCache
}

// Request is a transport-independent request.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
}

type handlerFunc func(ctx context.Context, req Request, params map[string]string) Response

type route struct {
	segments []string
	methods  map[string]handlerFunc
}

// API is the administrative API core. It reads component state and writes
// only through component methods.
type API struct {
	deps    Deps
	logger  *zap.Logger
	now     func() time.Time
	started time.Time
	routes  []route
}

func NewAPI(deps Deps, logger *zap.Logger) *API {
	a := &API{deps: deps, logger: logger, now: time.Now}
	a.started = a.now()

	a.handle(http.MethodGet, "/custom/status", a.status)
	a.handle(http.MethodGet, "/custom/statistics", a.statistics)
	a.handle(http.MethodPost, "/custom/process", a.process)
	a.handle(http.MethodGet, "/custom/studies", a.studies)
	a.handle(http.MethodGet, "/custom/studies/{id}", a.study)
	a.handle(http.MethodPost, "/custom/studies/{id}/retry", a.retry)
	a.handle(http.MethodGet, "/custom/failures", a.failures)
	a.handle(http.MethodGet, "/custom/worklist", a.worklist)
	a.handle(http.MethodGet, "/custom/worklist/export", a.worklistExport)
	if deps.WorklistCache != nil {
		a.handle(http.MethodPost, "/custom/worklist/cache/invalidate", a.invalidateWorklist)
	}
	if deps.Outcomes != nil {
		a.handle(http.MethodGet, "/custom/outcomes", a.outcomes)
	}
	return a
}

func (a *API) handle(method, pattern string, fn handlerFunc) {
	segs := split(pattern)
	for i := range a.routes {
		if equalSegments(a.routes[i].segments, segs) {
			a.routes[i].methods[method] = fn
			return
		}
	}
	a.routes = append(a.routes, route{segments: segs, methods: map[string]handlerFunc{method: fn}})
}

// Endpoints lists "METHOD /path" for every registered endpoint.
func (a *API) Endpoints() []string {
	var out []string
	for _, r := range a.routes {
		for m := range r.methods {
			out = append(out, m+" /"+strings.Join(r.segments, "/"))
		}
	}
	sort.Strings(out)
	return out
}

// Handle serves req. The second result is false when no endpoint matches
// the path, so an outer router can fall through. A known path with another
// method is a 405.
func (a *API) Handle(ctx context.Context, req Request) (resp Response, handled bool) {
	segs := split(req.Path)
	for _, r := range a.routes {
		params, ok := matchSegments(r.segments, segs)
		if !ok {
			continue
		}
		fn, ok := r.methods[req.Method]
		if !ok {
			allowed := make([]string, 0, len(r.methods))
			for m := range r.methods {
				allowed = append(allowed, m)
			}
			sort.Strings(allowed)
			return Response{
				Status:  http.StatusMethodNotAllowed,
				Body:    failBody(a.now(), fmt.Sprintf("method %s not allowed on %s", req.Method, req.Path)),
				Headers: map[string]string{"Allow": strings.Join(allowed, ", ")},
			}, true
		}
		return a.invoke(ctx, fn, req, params), true
	}
	return Response{}, false
}

// invoke runs one endpoint; a panic becomes a 500 envelope.
func (a *API) invoke(ctx context.Context, fn handlerFunc, req Request, params map[string]string) (resp Response) {
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.Error("Panic in API handler",
				zap.String("method", req.Method),
				zap.String("path", req.Path),
				zap.Any("panic", rec),
			)
			resp = Response{Status: http.StatusInternalServerError, Body: failBody(a.now(), fmt.Sprintf("internal error: %v", rec))}
		}
	}()
	return fn(ctx, req, params)
}

func (a *API) ok(fields Body) Response {
	return Response{Status: http.StatusOK, Body: okBody(a.now(), fields)}
}

func (a *API) fail(status int, message string) Response {
	return Response{Status: status, Body: failBody(a.now(), message)}
}

func (a *API) failErr(op string, err error) Response {
	a.logger.Warn("API request failed", zap.String("op", op), zap.Error(err))
	return a.fail(statusFor(err), err.Error())
}

func split(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func equalSegments(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func matchSegments(pattern, path []string) (map[string]string, bool) {
	if len(pattern) != len(path) {
		return nil, false
	}
	var params map[string]string
	for i, p := range pattern {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			v, err := url.PathUnescape(path[i])
			if err != nil || v == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string)
			}
			params[p[1:len(p)-1]] = v
			continue
		}
		if p != path[i] {
			return nil, false
		}
	}
	return params, true
}
