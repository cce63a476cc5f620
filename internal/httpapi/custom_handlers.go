package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"orthanc-orchestrator/internal/faults"
	"orthanc-orchestrator/internal/models"
	"orthanc-orchestrator/internal/worklist"

	"go.uber.org/zap"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// query parameters of the worklist endpoints that are not matching keys
var worklistParams = map[string]bool{"limit": true, "issuer_aet": true, "called_aet": true}

func (a *API) status(_ context.Context, _ Request, _ map[string]string) Response {
	return a.ok(Body{
		"status":         "running",
		"message":        "Orthanc orchestrator is running with custom extensions",
		"uptime_seconds": int64(a.now().Sub(a.started).Seconds()),
		"studies":        a.deps.Processor.Counts(),
	})
}

func (a *API) statistics(ctx context.Context, _ Request, _ map[string]string) Response {
	system, err := a.deps.System.GetSystem(ctx)
	if err != nil {
		a.logger.Warn("Imaging server /system unavailable", zap.Error(err))
		return a.fail(http.StatusServiceUnavailable, "imaging server unavailable: "+err.Error())
	}

	orchestrator := Body{
		"events":   a.deps.Bus.Stats(),
		"filter":   a.deps.Filter.Stats(),
		"studies":  a.deps.Processor.Counts(),
		"worklist": a.deps.Worklist.Stats(),
	}
	if a.deps.Consumer != nil {
		consumed, malformed := a.deps.Consumer.Counts()
		orchestrator["consumer"] = Body{"consumed": consumed, "malformed": malformed}
	}
	return a.ok(Body{
		"system":           system,
		"custom_timestamp": timestamp(a.now()),
		"orchestrator":     orchestrator,
	})
}

// process validates the JSON payload and echoes it back.
func (a *API) process(_ context.Context, req Request, _ map[string]string) Response {
	body := bytes.TrimSpace(req.Body)
	if len(body) == 0 {
		return a.fail(http.StatusBadRequest, "request body is empty")
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return a.fail(http.StatusBadRequest, "invalid JSON body: "+err.Error())
	}
	return a.ok(Body{
		"processed":     true,
		"received_data": json.RawMessage(body),
	})
}

func (a *API) studies(_ context.Context, _ Request, _ map[string]string) Response {
	return a.ok(Body{
		"studies": a.deps.Processor.Snapshot(),
		"counts":  a.deps.Processor.Counts(),
	})
}

func (a *API) study(_ context.Context, _ Request, params map[string]string) Response {
	rec, ok := a.deps.Processor.Study(params["id"])
	if !ok {
		return a.fail(http.StatusNotFound, "study "+params["id"]+" is unknown")
	}
	return a.ok(Body{"study": rec})
}

func (a *API) retry(ctx context.Context, _ Request, params map[string]string) Response {
	id := params["id"]
	if err := a.deps.Processor.Retry(ctx, id); err != nil {
		resp := a.failErr("retry study", err)
		if rec, ok := a.deps.Processor.Study(id); ok {
			resp.Body["study"] = rec
		}
		return resp
	}
	rec, _ := a.deps.Processor.Study(id)
	return a.ok(Body{"retried": true, "study": rec})
}

func (a *API) failures(_ context.Context, _ Request, _ map[string]string) Response {
	return a.ok(Body{
		"handler_failures":    a.deps.Bus.Failures(),
		"processing_failures": a.deps.Processor.Failures(),
	})
}

func worklistQuery(req Request) models.WorklistQuery {
	keys := make(map[string]string)
	for k, vs := range req.Query {
		if worklistParams[k] || len(vs) == 0 {
			continue
		}
		keys[k] = vs[0]
	}
	return models.WorklistQuery{
		MatchingKeys: keys,
		IssuerAET:    req.Query.Get("issuer_aet"),
		CalledAET:    req.Query.Get("called_aet"),
	}
}

func (a *API) worklist(ctx context.Context, req Request, _ map[string]string) Response {
	entries, err := a.deps.Worklist.Collect(ctx, worklistQuery(req), parseInt(req.Query.Get("limit"), 0))
	if err != nil {
		return a.failErr("worklist query", err)
	}
	return a.ok(Body{"entries": entries, "count": len(entries)})
}

func (a *API) worklistExport(ctx context.Context, req Request, _ map[string]string) Response {
	entries, err := a.deps.Worklist.Collect(ctx, worklistQuery(req), parseInt(req.Query.Get("limit"), 0))
	if err != nil {
		return a.failErr("worklist export", err)
	}
	var buf bytes.Buffer
	if err := worklist.ExportXLSX(&buf, entries); err != nil {
		return a.failErr("worklist export", err)
	}
	return Response{
		Status:      http.StatusOK,
		Raw:         buf.Bytes(),
		ContentType: xlsxContentType,
		Headers:     map[string]string{"Content-Disposition": `attachment; filename="worklist.xlsx"`},
	}
}

func (a *API) invalidateWorklist(ctx context.Context, _ Request, _ map[string]string) Response {
	if err := a.deps.WorklistCache.Invalidate(ctx); err != nil {
		return a.failErr("invalidate worklist cache", faults.Unavailable("invalidate worklist cache", err))
	}
	a.logger.Info("Worklist cache invalidated")
	return a.ok(Body{"invalidated": true})
}

func (a *API) outcomes(ctx context.Context, req Request, _ map[string]string) Response {
	limit := parseInt(req.Query.Get("limit"), 50)
	if limit <= 0 || limit > 1000 {
		return a.fail(http.StatusBadRequest, "limit must be between 1 and 1000")
	}
	outcomes, err := a.deps.Outcomes.Recent(ctx, limit)
	if err != nil {
		return a.failErr("list outcomes", err)
	}
	return a.ok(Body{"outcomes": outcomes})
}
