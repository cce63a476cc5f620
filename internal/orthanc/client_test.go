package orthanc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"orthanc-orchestrator/internal/faults"
	"orthanc-orchestrator/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Options{BaseURL: srv.URL, Timeout: 2 * time.Second}, zap.NewNop())
}

func TestGetStudy_DecodesTags(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/studies/s1", r.URL.Path)
		_, _ = io.WriteString(w, `{
		  "ID":"s1","IsStable":true,"Type":"Study",
		  "MainDicomTags":{"StudyDescription":"CT CHEST","AccessionNumber":"ACC1"},
		  "PatientMainDicomTags":{"PatientID":"PAT001","PatientName":"DOE^JOHN"},
		  "Series":["se1","se2"]
		}`)
	}))

	study, err := c.GetStudy(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", study.ID)
	assert.True(t, study.IsStable)
	assert.Equal(t, "CT CHEST", study.MainDicomTags["StudyDescription"])
	assert.Equal(t, "PAT001", study.PatientMainDicomTags["PatientID"])
	assert.Len(t, study.Series, 2)
}

func TestGetStudy_NotFound(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())

	_, err := c.GetStudy(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, faults.Kind(""), faults.KindOf(err))
}

func TestGetStudy_EmptyID(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())

	_, err := c.GetStudy(context.Background(), "")
	assert.True(t, faults.Is(err, faults.KindValidation))
}

func TestGetSystem_ServerErrorIsUnavailable(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "database locked", http.StatusInternalServerError)
	}))

	_, err := c.GetSystem(context.Background())
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindUnavailable))
	// reads are retried twice
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGetInstanceMetadata_MergesPatientTags(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{
		  "ID":"i1","ParentSeries":"se1","Type":"Instance",
		  "MainDicomTags":{"SOPInstanceUID":"1.2.3","Modality":"MR"},
		  "PatientMainDicomTags":{"PatientID":"PAT9"}
		}`)
	}))

	md, err := c.GetInstanceMetadata(context.Background(), "i1")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", md.SOPInstanceUID)
	assert.Equal(t, "MR", md.Modality)
	assert.Equal(t, "PAT9", md.PatientID)
}

func TestStoreToModality_SendsResourceOnce(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/modalities/PACS/store", r.URL.Path)
		var body storeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"s1"}, body.Resources)
		assert.True(t, body.Synchronous)
		http.Error(w, "association failed", http.StatusInternalServerError)
	}))

	err := c.StoreToModality(context.Background(), "PACS", "s1")
	require.Error(t, err)
	assert.True(t, faults.IsTransient(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestStoreToModality_UnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second}, zap.NewNop())

	err := c.StoreToModality(context.Background(), "PACS", "s1")
	assert.True(t, faults.IsTransient(err))
}

func TestStoreToModality_UnknownModalityIsPermanent(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())

	err := c.StoreToModality(context.Background(), "NOPE", "s1")
	require.Error(t, err)
	assert.False(t, faults.IsTransient(err))
}

func TestRegisterModality(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/modalities/PACS", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "PACS_AE", body["AET"])
		assert.Equal(t, "10.0.0.5", body["Host"])
		assert.Equal(t, float64(104), body["Port"])
	}))

	err := c.RegisterModality(context.Background(), models.RouteTarget{Name: "PACS", AETitle: "PACS_AE", Address: "10.0.0.5:104"})
	require.NoError(t, err)

	err = c.RegisterModality(context.Background(), models.RouteTarget{Name: "BAD", AETitle: "X", Address: "nohost"})
	assert.True(t, faults.Is(err, faults.KindValidation))
}

func TestGetStatistics(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"CountInstances":120,"CountStudies":3,"TotalDiskSizeMB":512}`)
	}))

	stats, err := c.GetStatistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(120), stats.CountInstances)
	assert.Equal(t, int64(512), stats.TotalDiskSizeMB)
}
