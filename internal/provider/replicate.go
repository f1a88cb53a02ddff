package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/klyra-ai/genstudio/internal/db"
)

var _ Adapter = (*ReplicateAdapter)(nil)

// ReplicateAdapter talks to the Replicate predictions API. All job types map
// to predictions; the model version is chosen per job type unless the request
// pins one explicitly.
type ReplicateAdapter struct {
	baseURL  string
	apiToken string
	client   *http.Client
	versions map[db.JobType]string
}

// Default model versions per job type. Overridable per request via the
// "version" param.
var defaultReplicateVersions = map[db.JobType]string{
	db.JobTypeGeneration: "stability-ai/sdxl",
	db.JobTypeUpscale:    "nightmareai/real-esrgan",
	db.JobTypeVideo:      "minimax/video-01",
	db.JobTypeEdit:       "timbrooks/instruct-pix2pix",
}

func NewReplicateAdapter(baseURL, apiToken string, client *http.Client) *ReplicateAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ReplicateAdapter{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiToken: apiToken,
		client:   client,
		versions: defaultReplicateVersions,
	}
}

func (r *ReplicateAdapter) Name() db.Provider {
	return db.ProviderReplicate
}

type replicateStatus struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
}

type replicatePredictionRequest struct {
	Version string         `json:"version"`
	Input   map[string]any `json:"input"`
	Webhook string         `json:"webhook,omitempty"`
}

func (r *ReplicateAdapter) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	version := req.Params["version"]
	if version == "" {
		version = r.versions[req.JobType]
	}
	if version == "" {
		return Submission{}, fmt.Errorf("replicate submit: no model version for job type %s", req.JobType)
	}

	input := map[string]any{"prompt": req.Prompt}
	if len(req.InputURLs) > 0 {
		input["image"] = req.InputURLs[0]
	}

	body := replicatePredictionRequest{
		Version: version,
		Input:   input,
		Webhook: req.WebhookURL,
	}

	data, code, err := doJSON(ctx, r.client, http.MethodPost, r.baseURL+"/predictions", r.headers(), body)
	if err != nil {
		return Submission{}, fmt.Errorf("replicate submit: %w", err)
	}
	if code != http.StatusOK && code != http.StatusCreated {
		return Submission{}, fmt.Errorf("replicate submit: unexpected status %d", code)
	}

	var resp replicateStatus
	if err := json.Unmarshal(data, &resp); err != nil {
		return Submission{}, fmt.Errorf("replicate submit: parse response: %w", err)
	}
	if resp.ID == "" {
		return Submission{}, fmt.Errorf("replicate submit: response missing id")
	}
	return Submission{ExternalJobID: resp.ID}, nil
}

func (r *ReplicateAdapter) CheckStatus(ctx context.Context, ref JobRef) (CanonicalStatus, error) {
	url := fmt.Sprintf("%s/predictions/%s", r.baseURL, ref.ExternalJobID)

	data, code, err := doJSON(ctx, r.client, http.MethodGet, url, r.headers(), nil)
	if err != nil {
		return CanonicalStatus{}, fmt.Errorf("replicate status: %w", err)
	}
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return CanonicalStatus{}, ErrJobGone
	case code != http.StatusOK:
		return CanonicalStatus{}, fmt.Errorf("replicate status: unexpected status %d", code)
	}

	return r.Classify(data)
}

func (r *ReplicateAdapter) Classify(payload []byte) (CanonicalStatus, error) {
	var st replicateStatus
	if err := json.Unmarshal(payload, &st); err != nil {
		return CanonicalStatus{}, fmt.Errorf("replicate payload: %w", err)
	}

	errInfo := replicateError(st.Error)
	switch strings.ToLower(st.Status) {
	case "failed":
		if errInfo == "" {
			errInfo = "provider reported failure"
		}
		return CanonicalStatus{State: StateFailed, ErrorInfo: errInfo}, nil
	case "canceled", "cancelled":
		return CanonicalStatus{State: StateCancelled, ErrorInfo: "provider reported cancellation"}, nil
	}
	if errInfo != "" {
		// Error present without a terminal status field: inconsistent
		// data, never success.
		return CanonicalStatus{State: StateFailed, ErrorInfo: errInfo}, nil
	}

	if urls := ExtractURLs(replicateOutputs(st.Output)); len(urls) > 0 {
		return CanonicalStatus{State: StateSucceeded, ResultURLs: urls}, nil
	}

	if strings.ToLower(st.Status) == "succeeded" {
		return CanonicalStatus{State: StateFailed, ErrorInfo: "prediction succeeded without usable outputs"}, nil
	}

	// starting/processing/queued and anything unrecognized keep polling.
	return CanonicalStatus{State: StateProcessing}, nil
}

func (r *ReplicateAdapter) ExternalID(payload []byte) string {
	var st replicateStatus
	if err := json.Unmarshal(payload, &st); err != nil {
		return ""
	}
	return st.ID
}

func (r *ReplicateAdapter) headers() map[string]string {
	return map[string]string{"Authorization": "Token " + r.apiToken}
}

// replicateOutputs handles the two shapes Replicate uses: a single URL string
// or an array of URL strings.
func replicateOutputs(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return []string{single}
	}
	return nil
}

func replicateError(v any) string {
	switch e := v.(type) {
	case nil:
		return ""
	case string:
		return e
	default:
		data, err := json.Marshal(e)
		if err != nil {
			return "provider reported an error"
		}
		return string(data)
	}
}
