package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeTrigger struct {
	jobs      []string
	triggered []string
}

func (f *fakeTrigger) Jobs() []string { return f.jobs }

func (f *fakeTrigger) Trigger(jobType string) error {
	f.triggered = append(f.triggered, jobType)
	return nil
}

func TestMaintenanceHandler(t *testing.T) {
	jobs := &fakeTrigger{jobs: []string{"expire_lots", "free_reset", "low_balance_scan"}}
	mux := http.NewServeMux()
	NewMaintenanceHandler(jobs, discardLogger()).RegisterRoutes(mux, passthrough)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/api/maintenance/expire_lots", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"expire_lots"}, jobs.triggered)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/api/maintenance/reindex", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Len(t, jobs.triggered, 1)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/maintenance/jobs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "low_balance_scan")
}
