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

var _ Adapter = (*AstriaAdapter)(nil)

// AstriaAdapter talks to the Astria fine-tuning API. Training jobs are
// "tunes"; generation and edit jobs are "prompts" scoped by a tune id.
type AstriaAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewAstriaAdapter(baseURL, apiKey string, client *http.Client) *AstriaAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &AstriaAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
	}
}

func (a *AstriaAdapter) Name() db.Provider {
	return db.ProviderAstria
}

type astriaStatus struct {
	ID        json.Number `json:"id"`
	Status    string      `json:"status"`
	Images    []string    `json:"images"`
	URL       string      `json:"url"`
	Error     string      `json:"error"`
	UserError string      `json:"user_error"`
	TrainedAt *string     `json:"trained_at"`
}

type astriaTuneRequest struct {
	Tune struct {
		Title     string   `json:"title"`
		Name      string   `json:"name"`
		ImageURLs []string `json:"image_urls"`
		Callback  string   `json:"callback,omitempty"`
	} `json:"tune"`
}

type astriaPromptRequest struct {
	Prompt struct {
		Text     string `json:"text"`
		Callback string `json:"callback,omitempty"`
	} `json:"prompt"`
}

func (a *AstriaAdapter) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	switch req.JobType {
	case db.JobTypeTraining:
		body := astriaTuneRequest{}
		body.Tune.Title = req.Prompt
		body.Tune.Name = req.Params["subject_class"]
		body.Tune.ImageURLs = req.InputURLs
		body.Tune.Callback = req.WebhookURL

		data, code, err := doJSON(ctx, a.client, http.MethodPost, a.baseURL+"/tunes", a.headers(), body)
		if err != nil {
			return Submission{}, fmt.Errorf("astria submit tune: %w", err)
		}
		if code != http.StatusOK && code != http.StatusCreated {
			return Submission{}, fmt.Errorf("astria submit tune: unexpected status %d", code)
		}

		id, err := parseAstriaID(data)
		if err != nil {
			return Submission{}, fmt.Errorf("astria submit tune: %w", err)
		}
		// For training jobs the tune is both the external job and the model.
		return Submission{ExternalJobID: id, TuneID: id}, nil

	default:
		url := a.baseURL + "/prompts"
		if req.TuneID != "" {
			url = fmt.Sprintf("%s/tunes/%s/prompts", a.baseURL, req.TuneID)
		}

		body := astriaPromptRequest{}
		body.Prompt.Text = req.Prompt
		body.Prompt.Callback = req.WebhookURL

		data, code, err := doJSON(ctx, a.client, http.MethodPost, url, a.headers(), body)
		if err != nil {
			return Submission{}, fmt.Errorf("astria submit prompt: %w", err)
		}
		if code != http.StatusOK && code != http.StatusCreated {
			return Submission{}, fmt.Errorf("astria submit prompt: unexpected status %d", code)
		}

		id, err := parseAstriaID(data)
		if err != nil {
			return Submission{}, fmt.Errorf("astria submit prompt: %w", err)
		}
		return Submission{ExternalJobID: id, TuneID: req.TuneID}, nil
	}
}

func (a *AstriaAdapter) CheckStatus(ctx context.Context, ref JobRef) (CanonicalStatus, error) {
	var url string
	switch {
	case ref.JobType == db.JobTypeTraining:
		url = fmt.Sprintf("%s/tunes/%s", a.baseURL, ref.ExternalJobID)
	case ref.TuneID != "":
		url = fmt.Sprintf("%s/tunes/%s/prompts/%s", a.baseURL, ref.TuneID, ref.ExternalJobID)
	default:
		url = fmt.Sprintf("%s/prompts/%s", a.baseURL, ref.ExternalJobID)
	}

	data, code, err := doJSON(ctx, a.client, http.MethodGet, url, a.headers(), nil)
	if err != nil {
		return CanonicalStatus{}, fmt.Errorf("astria status: %w", err)
	}
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return CanonicalStatus{}, ErrJobGone
	case code != http.StatusOK:
		return CanonicalStatus{}, fmt.Errorf("astria status: unexpected status %d", code)
	}

	return a.Classify(data)
}

// Classify applies the canonical rules to an Astria payload: an explicit
// error always wins, valid image URLs alone mean success (Astria omits a
// terminal status field on prompts), known working tokens keep the job
// processing, and anything unrecognized continues with caution.
func (a *AstriaAdapter) Classify(payload []byte) (CanonicalStatus, error) {
	var st astriaStatus
	if err := json.Unmarshal(payload, &st); err != nil {
		return CanonicalStatus{}, fmt.Errorf("astria payload: %w", err)
	}

	if msg := firstNonEmpty(st.UserError, st.Error); msg != "" {
		return CanonicalStatus{State: StateFailed, ErrorInfo: msg}, nil
	}
	switch strings.ToLower(st.Status) {
	case "failed", "error":
		return CanonicalStatus{State: StateFailed, ErrorInfo: "provider reported failure"}, nil
	case "cancelled", "canceled":
		return CanonicalStatus{State: StateCancelled, ErrorInfo: "provider reported cancellation"}, nil
	}

	candidates := append([]string{}, st.Images...)
	if st.URL != "" {
		candidates = append(candidates, st.URL)
	}
	if urls := ExtractURLs(candidates); len(urls) > 0 {
		return CanonicalStatus{State: StateSucceeded, ResultURLs: urls}, nil
	}

	if st.TrainedAt != nil && *st.TrainedAt != "" {
		// Trained but nothing downloadable: the completed invariant
		// requires artifacts, so this cannot be reported as success.
		return CanonicalStatus{State: StateFailed, ErrorInfo: "training finished without downloadable artifacts"}, nil
	}

	return CanonicalStatus{State: StateProcessing}, nil
}

func (a *AstriaAdapter) ExternalID(payload []byte) string {
	var st astriaStatus
	if err := json.Unmarshal(payload, &st); err != nil {
		return ""
	}
	return st.ID.String()
}

func (a *AstriaAdapter) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.apiKey}
}

func parseAstriaID(data []byte) (string, error) {
	var resp struct {
		ID json.Number `json:"id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if resp.ID.String() == "" {
		return "", fmt.Errorf("response missing id")
	}
	return resp.ID.String(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
