package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klyra-ai/genstudio/internal/config"
	"github.com/klyra-ai/genstudio/internal/db"
	"github.com/klyra-ai/genstudio/internal/finalizer"
	"github.com/klyra-ai/genstudio/internal/notify"
	"github.com/klyra-ai/genstudio/internal/poller"
	"github.com/klyra-ai/genstudio/internal/provider"
)

type testEnv struct {
	queries  *fakeQueries
	adapter  *provider.FakeAdapter
	fin      *fakeFinalizer
	notifier *recordingNotifier
	registry  *poller.Registry
	scheduler *poller.Scheduler
	handler   http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		queries:  newFakeQueries(),
		adapter:  provider.NewFakeAdapter(db.ProviderLocal),
		fin:      &fakeFinalizer{result: finalizer.Result{PermanentURLs: []string{"http://cdn/p/1.png"}}},
		notifier: &recordingNotifier{},
		registry: poller.NewRegistry(),
	}
	completer := poller.NewCompleter(env.queries, env.fin, env.notifier, nil, env.registry)
	adapters := provider.Set{db.ProviderLocal: env.adapter}
	env.scheduler = poller.NewScheduler(adapters, env.queries, completer, env.registry, config.PollingPolicies{
		"local": {"generation": {Interval: time.Hour, MaxTimeout: time.Hour, MaxAttempts: 10}},
	})
	t.Cleanup(env.scheduler.Shutdown)

	env.handler = NewRouter(&Config{
		Queries:        env.queries,
		Adapters:       adapters,
		Scheduler:      env.scheduler,
		Completer:      completer,
		Registry:       env.registry,
		Hub:            notify.NewHub(),
		WebhookSecrets: map[db.Provider]string{db.ProviderLocal: "whsec_test"},
		WebhookBaseURL: "http://api.test",
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, ownerID uuid.UUID, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if ownerID != uuid.Nil {
		req.Header.Set("X-Owner-ID", ownerID.String())
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func TestCreateJob(t *testing.T) {
	env := newTestEnv(t)
	env.adapter.SetSubmission(provider.Submission{ExternalJobID: "job-77"}, nil)

	ownerID := uuid.New()
	rr := env.do(t, http.MethodPost, "/api/v1/jobs", ownerID, map[string]any{
		"job_type": "generation",
		"provider": "local",
		"prompt":   "a lighthouse at dusk",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp jobResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "processing", resp.Status)
	require.NotNil(t, resp.ExternalJobID)
	assert.Equal(t, "job-77", *resp.ExternalJobID)
	assert.Equal(t, 1, env.adapter.SubmitCalls)

	// Submission must leave exactly one poll loop behind.
	assert.Equal(t, 1, env.registry.Len())
}

func TestCreateJobValidation(t *testing.T) {
	env := newTestEnv(t)
	ownerID := uuid.New()

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing prompt", map[string]any{"job_type": "generation", "provider": "local"}},
		{"unknown job type", map[string]any{"job_type": "hologram", "provider": "local", "prompt": "x"}},
		{"unknown provider", map[string]any{"job_type": "generation", "provider": "dalle", "prompt": "x"}},
		{"empty body", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/api/v1/jobs", ownerID, tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		})
	}

	assert.Zero(t, env.adapter.SubmitCalls)
}

func TestCreateJobRequiresOwner(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodPost, "/api/v1/jobs", uuid.Nil, map[string]any{
		"job_type": "generation", "provider": "local", "prompt": "x",
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCreateJobProviderRejection(t *testing.T) {
	env := newTestEnv(t)
	env.adapter.SetSubmission(provider.Submission{}, assert.AnError)

	ownerID := uuid.New()
	rr := env.do(t, http.MethodPost, "/api/v1/jobs", ownerID, map[string]any{
		"job_type": "generation", "provider": "local", "prompt": "x",
	})
	assert.Equal(t, http.StatusBadGateway, rr.Code)

	// The record must not be left dangling in PENDING.
	jobs, err := env.queries.ListGenerationJobsByOwner(t.Context(), db.ListGenerationJobsByOwnerParams{
		OwnerID: db.UUID(ownerID), Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, db.JobStatusFailed, jobs[0].Status)
	assert.Zero(t, env.registry.Len())
}

func TestGetJobScopedToOwner(t *testing.T) {
	env := newTestEnv(t)
	owner := uuid.New()
	rec := seedProcessingJob(env.queries, owner, "ext-1")

	rr := env.do(t, http.MethodGet, "/api/v1/jobs/"+db.FromUUID(rec.ID).String(), owner, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	// Another owner sees 404, not 403.
	rr = env.do(t, http.MethodGet, "/api/v1/jobs/"+db.FromUUID(rec.ID).String(), uuid.New(), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/v1/jobs/not-a-uuid", owner, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), owner, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t)
	owner := uuid.New()
	rec := seedProcessingJob(env.queries, owner, "ext-2")
	jobID := db.FromUUID(rec.ID)

	rr := env.do(t, http.MethodPost, "/api/v1/jobs/"+jobID.String()+"/cancel", owner, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	got := env.queries.get(jobID)
	assert.Equal(t, db.JobStatusCancelled, got.Status)
	require.Len(t, env.notifier.snapshot(), 1)

	// Cancelling a terminal job is rejected.
	rr = env.do(t, http.MethodPost, "/api/v1/jobs/"+jobID.String()+"/cancel", owner, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Len(t, env.notifier.snapshot(), 1)
}

func TestListPollers(t *testing.T) {
	env := newTestEnv(t)
	owner := uuid.New()
	require.True(t, env.registry.Register(&poller.ActiveJob{
		JobID:         uuid.New(),
		OwnerID:       owner,
		ExternalJobID: "ext-3",
		Provider:      db.ProviderLocal,
		JobType:       db.JobTypeGeneration,
	}))

	rr := env.do(t, http.MethodGet, "/api/v1/pollers", owner, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Pollers []pollerResponse `json:"pollers"`
		Count   int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Pollers, 1)
	assert.Equal(t, "ext-3", resp.Pollers[0].ExternalJobID)
}

func seedProcessingJob(q *fakeQueries, ownerID uuid.UUID, externalID string) db.GenerationJob {
	ext := externalID
	now := time.Now()
	rec := db.GenerationJob{
		ID:            db.UUID(uuid.New()),
		OwnerID:       db.UUID(ownerID),
		JobType:       db.JobTypeGeneration,
		Provider:      db.ProviderLocal,
		Prompt:        "a lighthouse at dusk",
		ExternalJobID: &ext,
		Status:        db.JobStatusProcessing,
		CreatedAt:     pgtype.Timestamptz{Time: now, Valid: true},
		UpdatedAt:     pgtype.Timestamptz{Time: now, Valid: true},
	}
	q.put(rec)
	return rec
}
