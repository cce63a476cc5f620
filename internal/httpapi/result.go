package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"orthanc-orchestrator/internal/faults"
	"orthanc-orchestrator/internal/orthanc"
)

// Body is a JSON object response. Every body carries success and timestamp
// next to its own fields; failures add error.
type Body map[string]any

// Response is what the core API produces, independent of the transport.
type Response struct {
	Status int
	Body   Body
	// Raw, when set, is written as-is with ContentType instead of Body
	Raw         []byte
	ContentType string
	Headers     map[string]string
}

func timestamp(now time.Time) string {
	return now.UTC().Format(time.RFC3339Nano)
}

func okBody(now time.Time, fields Body) Body {
	if fields == nil {
		fields = Body{}
	}
	fields["success"] = true
	fields["timestamp"] = timestamp(now)
	return fields
}

func failBody(now time.Time, message string) Body {
	return Body{
		"success":   false,
		"error":     message,
		"timestamp": timestamp(now),
	}
}

// statusFor maps an error to the HTTP status reported to clients.
func statusFor(err error) int {
	switch {
	case faults.Is(err, faults.KindValidation):
		return http.StatusBadRequest
	case faults.Is(err, faults.KindUnavailable):
		return http.StatusServiceUnavailable
	case faults.Is(err, faults.KindTransient):
		return http.StatusBadGateway
	case errors.Is(err, orthanc.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
