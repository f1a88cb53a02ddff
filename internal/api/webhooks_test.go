package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klyra-ai/genstudio/internal/config"
	"github.com/klyra-ai/genstudio/internal/db"
	"github.com/klyra-ai/genstudio/internal/finalizer"
	"github.com/klyra-ai/genstudio/internal/notify"
	"github.com/klyra-ai/genstudio/internal/poller"
	"github.com/klyra-ai/genstudio/internal/provider"
	"github.com/klyra-ai/genstudio/internal/webhook"
)

// The fake adapter classifies every payload as processing, so webhook tests
// that need a terminal state use the real local adapter's payload format.
func localWebhookEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t)
	return env
}

// terminalWebhookEnv swaps in the real local adapter so terminal payloads
// classify as terminal.
func terminalWebhookEnv(t *testing.T) *testEnv {
	t.Helper()
	return localAdapterEnv(t, "http://engine.test", config.PollingPolicies{})
}

func localAdapterEnv(t *testing.T, engineURL string, policies config.PollingPolicies) *testEnv {
	t.Helper()

	env := &testEnv{
		queries:  newFakeQueries(),
		fin:      &fakeFinalizer{result: finalizer.Result{PermanentURLs: []string{"http://cdn/p/1.png"}, ThumbnailURLs: []string{"http://cdn/t/1.jpg"}}},
		notifier: &recordingNotifier{},
		registry: poller.NewRegistry(),
	}
	completer := poller.NewCompleter(env.queries, env.fin, env.notifier, nil, env.registry)
	adapters := provider.Set{db.ProviderLocal: provider.NewLocalAdapter(engineURL, nil)}
	env.scheduler = poller.NewScheduler(adapters, env.queries, completer, env.registry, policies)
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

func TestWebhookCompletesJobIdempotently(t *testing.T) {
	env := terminalWebhookEnv(t)
	owner := uuid.New()
	rec := seedProcessingJob(env.queries, owner, "ext-50")
	jobID := db.FromUUID(rec.ID)

	payload := []byte(`{"job_id":"ext-50","state":"done","outputs":["http://engine.test/renders/abc123.png"]}`)

	req := signedWebhook(t, "/webhooks/local", payload, "whsec_test")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, jobID.String(), resp.JobID)
	assert.Equal(t, "completed", resp.Status)

	got := env.queries.get(jobID)
	assert.Equal(t, db.JobStatusCompleted, got.Status)
	assert.Equal(t, []string{"http://cdn/p/1.png"}, got.ResultUrls)

	// A provider retry of the same delivery is a no-op.
	req = signedWebhook(t, "/webhooks/local", payload, "whsec_test")
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "job was already finalized", resp.Message)

	assert.Equal(t, 1, env.fin.callCount())
	assert.Len(t, env.notifier.snapshot(), 1)
}

func TestWebhookFailureWinsOverOutputs(t *testing.T) {
	env := terminalWebhookEnv(t)
	owner := uuid.New()
	rec := seedProcessingJob(env.queries, owner, "ext-51")

	payload := []byte(`{"job_id":"ext-51","state":"failed","message":"out of VRAM","outputs":["http://engine.test/renders/partial.png"]}`)
	req := signedWebhook(t, "/webhooks/local", payload, "whsec_test")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	got := env.queries.get(db.FromUUID(rec.ID))
	assert.Equal(t, db.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "out of VRAM", *got.ErrorMessage)
	assert.Zero(t, env.fin.callCount())
}

func signedWebhook(t *testing.T, path string, payload []byte, secret string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	now := time.Now()
	req.Header.Set(signatureHeader, webhook.BuildSignatureHeader(webhook.GenerateSignature(payload, secret, now), now))
	return req
}

// A drifted signing secret must not sever the push path: the delivery is
// logged as suspect and processed anyway, never answered with non-2xx.
func TestWebhookBadSignatureIsLoggedAndProcessed(t *testing.T) {
	env := terminalWebhookEnv(t)
	owner := uuid.New()
	rec := seedProcessingJob(env.queries, owner, "ext-52")
	payload := []byte(`{"job_id":"ext-52","state":"done","outputs":["http://engine.test/renders/abc123.png"]}`)

	req := signedWebhook(t, "/webhooks/local", payload, "whsec_wrong")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Success)

	got := env.queries.get(db.FromUUID(rec.ID))
	assert.Equal(t, db.JobStatusCompleted, got.Status)
	assert.Equal(t, 1, env.fin.callCount())

	// No signature header at all behaves the same; the retry no-ops.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/local", bytes.NewReader(payload))
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, env.fin.callCount())
}

func TestWebhookUnknownProvider(t *testing.T) {
	env := localWebhookEnv(t)
	req := signedWebhook(t, "/webhooks/dalle", []byte(`{}`), "whsec_test")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "unknown provider", resp.Message)
}

func TestWebhookUnparseablePayloadGets200(t *testing.T) {
	env := terminalWebhookEnv(t)
	req := signedWebhook(t, "/webhooks/local", []byte(`{"job_id":`), "whsec_test")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "unparseable payload", resp.Message)
}

func TestWebhookProgressIsAcknowledged(t *testing.T) {
	env := localWebhookEnv(t)
	owner := uuid.New()
	rec := seedProcessingJob(env.queries, owner, "ext-40")

	// FakeAdapter classifies everything as processing.
	req := signedWebhook(t, "/webhooks/local?job="+db.FromUUID(rec.ID).String(), []byte(`{"state":"rendering"}`), "whsec_test")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "acknowledged", resp.Message)

	got := env.queries.get(db.FromUUID(rec.ID))
	assert.Equal(t, db.JobStatusProcessing, got.Status)
	assert.Zero(t, env.fin.callCount())
}

func TestWebhookUnmatchedDeliveryGets200(t *testing.T) {
	env := localWebhookEnv(t)

	req := signedWebhook(t, "/webhooks/local", []byte(`{"state":"rendering"}`), "whsec_test")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "no matching job", resp.Message)
}

// A webhook may land while a poll attempt for the same job is in flight. The
// webhook path must win cleanly: one finalization, one notification, and the
// poller torn down.
func TestWebhookBeatsInFlightPoller(t *testing.T) {
	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The engine keeps reporting progress; only the webhook carries the
		// terminal state.
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"state":"rendering"}`))
	}))
	t.Cleanup(engine.Close)

	env := localAdapterEnv(t, engine.URL, config.PollingPolicies{
		"local": {"generation": {Interval: 20 * time.Millisecond, MaxTimeout: time.Hour, MaxAttempts: 1000}},
	})
	owner := uuid.New()
	rec := seedProcessingJob(env.queries, owner, "ext-53")
	require.True(t, env.scheduler.Watch(t.Context(), rec))

	// Let a few poll attempts fire before the webhook lands.
	time.Sleep(60 * time.Millisecond)

	payload := []byte(`{"job_id":"ext-53","state":"done","outputs":["` + engine.URL + `/renders/abc123.png"]}`)
	req := signedWebhook(t, "/webhooks/local", payload, "whsec_test")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "job finalized", resp.Message)

	got := env.queries.get(db.FromUUID(rec.ID))
	assert.Equal(t, db.JobStatusCompleted, got.Status)

	require.Eventually(t, func() bool {
		return env.registry.Len() == 0
	}, 2*time.Second, 10*time.Millisecond, "poller should be torn down after the webhook wins")

	// Any poll that was in flight when the webhook won must no-op.
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, env.fin.callCount())
	assert.Len(t, env.notifier.snapshot(), 1)
	assert.Equal(t, db.JobStatusCompleted, env.queries.get(db.FromUUID(rec.ID)).Status)
}

func TestWebhookFallbackCorrelationChecksProvider(t *testing.T) {
	env := localWebhookEnv(t)
	owner := uuid.New()
	rec := seedProcessingJob(env.queries, owner, "ext-41")

	// A job id belonging to a different provider must not match.
	env.queries.mu.Lock()
	env.queries.jobs[db.FromUUID(rec.ID)].Provider = db.ProviderAstria
	env.queries.mu.Unlock()

	req := signedWebhook(t, "/webhooks/local?job="+db.FromUUID(rec.ID).String(), []byte(`{"state":"rendering"}`), "whsec_test")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
}
