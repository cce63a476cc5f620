package httpapi

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"

// NewRouter mounts the API under /custom/* and the host hooks under
// /hooks/*. Requests the API does not handle, and every other path, go to
// fallback.
func NewRouter(api *API, hooks *Hooks, fallback http.Handler, logger *zap.Logger) http.Handler {
	if fallback == nil {
		fallback = NotFound()
	}
	r := chi.NewRouter()
	r.Use(requestID, recoverJSON(logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, okBody(time.Now(), Body{"status": "ok"}))
	})

	r.Route("/hooks", func(r chi.Router) {
		r.Post("/changes", hooks.Changes)
		r.Post("/filter", hooks.Filter)
		r.Post("/cstore", hooks.CStore)
		r.Post("/worklist", hooks.Worklist)
	})

	r.Handle("/custom/*", customHandler(api, fallback))
	r.Handle("/custom", customHandler(api, fallback))
	r.NotFound(fallback.ServeHTTP)
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, failBody(time.Now(), fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path)))
	})
	return r
}

func customHandler(api *API, fallback http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(r)
		if err != nil {
			writeJSON(w, bodyErrorStatus(err), failBody(time.Now(), "failed to read body: "+err.Error()))
			return
		}
		resp, handled := api.Handle(r.Context(), Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Body:   body,
		})
		if !handled {
			r.Body = io.NopCloser(bytes.NewReader(body))
			fallback.ServeHTTP(w, r)
			return
		}
		writeResponse(w, resp)
	}
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// recoverJSON turns a panic into a 500 envelope.
func recoverJSON(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("Panic in HTTP handler",
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.String("request_id", r.Header.Get(requestIDHeader)),
						zap.Any("panic", rec),
					)
					writeJSON(w, http.StatusInternalServerError, failBody(time.Now(), fmt.Sprintf("internal error: %v", rec)))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
