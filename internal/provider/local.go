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

var _ Adapter = (*LocalAdapter)(nil)

// LocalAdapter talks to a self-hosted generation engine over plain HTTP. The
// engine prefers webhooks but exposes the same status surface for polling.
type LocalAdapter struct {
	engineURL string
	client    *http.Client
}

func NewLocalAdapter(engineURL string, client *http.Client) *LocalAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &LocalAdapter{
		engineURL: strings.TrimRight(engineURL, "/"),
		client:    client,
	}
}

func (l *LocalAdapter) Name() db.Provider {
	return db.ProviderLocal
}

type localStatus struct {
	JobID   string   `json:"job_id"`
	State   string   `json:"state"`
	Outputs []string `json:"outputs"`
	Message string   `json:"message"`
}

func (l *LocalAdapter) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	body := map[string]any{
		"type":    string(req.JobType),
		"prompt":  req.Prompt,
		"inputs":  req.InputURLs,
		"webhook": req.WebhookURL,
	}

	data, code, err := doJSON(ctx, l.client, http.MethodPost, l.engineURL+"/jobs", nil, body)
	if err != nil {
		return Submission{}, fmt.Errorf("local submit: %w", err)
	}
	if code != http.StatusOK && code != http.StatusCreated && code != http.StatusAccepted {
		return Submission{}, fmt.Errorf("local submit: unexpected status %d", code)
	}

	var resp localStatus
	if err := json.Unmarshal(data, &resp); err != nil {
		return Submission{}, fmt.Errorf("local submit: parse response: %w", err)
	}
	if resp.JobID == "" {
		return Submission{}, fmt.Errorf("local submit: response missing job_id")
	}
	return Submission{ExternalJobID: resp.JobID}, nil
}

func (l *LocalAdapter) CheckStatus(ctx context.Context, ref JobRef) (CanonicalStatus, error) {
	url := fmt.Sprintf("%s/jobs/%s", l.engineURL, ref.ExternalJobID)

	data, code, err := doJSON(ctx, l.client, http.MethodGet, url, nil, nil)
	if err != nil {
		return CanonicalStatus{}, fmt.Errorf("local status: %w", err)
	}
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return CanonicalStatus{}, ErrJobGone
	case code != http.StatusOK:
		return CanonicalStatus{}, fmt.Errorf("local status: unexpected status %d", code)
	}

	return l.Classify(data)
}

func (l *LocalAdapter) Classify(payload []byte) (CanonicalStatus, error) {
	var st localStatus
	if err := json.Unmarshal(payload, &st); err != nil {
		return CanonicalStatus{}, fmt.Errorf("local payload: %w", err)
	}

	switch strings.ToLower(st.State) {
	case "error", "failed":
		msg := st.Message
		if msg == "" {
			msg = "engine reported failure"
		}
		return CanonicalStatus{State: StateFailed, ErrorInfo: msg}, nil
	case "cancelled", "canceled":
		return CanonicalStatus{State: StateCancelled, ErrorInfo: "engine reported cancellation"}, nil
	}

	if urls := ExtractURLs(st.Outputs); len(urls) > 0 {
		return CanonicalStatus{State: StateSucceeded, ResultURLs: urls}, nil
	}

	if strings.ToLower(st.State) == "done" {
		return CanonicalStatus{State: StateFailed, ErrorInfo: "engine finished without usable outputs"}, nil
	}

	return CanonicalStatus{State: StateProcessing}, nil
}

func (l *LocalAdapter) ExternalID(payload []byte) string {
	var st localStatus
	if err := json.Unmarshal(payload, &st); err != nil {
		return ""
	}
	return st.JobID
}
