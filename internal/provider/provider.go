// Package provider adapts each external AI provider's API to a canonical job
// lifecycle. Classification is pure so it can be unit tested against recorded
// payload fixtures; transport lives in CheckStatus/Submit only.
package provider

import (
	"context"
	"errors"

	"github.com/klyra-ai/genstudio/internal/db"
)

type State string

const (
	StateProcessing State = "processing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

func (s State) Terminal() bool {
	return s != StateProcessing
}

// CanonicalStatus is the provider-agnostic view of a raw status payload.
// Produced fresh on every classification, never stored.
type CanonicalStatus struct {
	State      State
	ResultURLs []string
	ErrorInfo  string
}

// JobRef identifies a provider-side job for outbound status lookups. TuneID
// is the secondary model id some providers require to scope the lookup.
type JobRef struct {
	ExternalJobID string
	TuneID        string
	JobType       db.JobType
}

type SubmitRequest struct {
	JobType    db.JobType
	Prompt     string
	TuneID     string
	InputURLs  []string
	Params     map[string]string
	WebhookURL string
}

type Submission struct {
	ExternalJobID string
	TuneID        string
}

// ErrJobGone signals that the provider no longer knows the job id (expired or
// never existed). Callers decide whether that is benign based on the record.
var ErrJobGone = errors.New("provider: job not found")

// Adapter is implemented once per provider family. Classify and ExternalID
// are pure; any other method may touch the network.
type Adapter interface {
	Name() db.Provider
	Submit(ctx context.Context, req SubmitRequest) (Submission, error)
	CheckStatus(ctx context.Context, ref JobRef) (CanonicalStatus, error)
	// Classify maps a raw status payload to a CanonicalStatus. The returned
	// error means the payload was not parseable at all, which callers treat
	// as transient.
	Classify(payload []byte) (CanonicalStatus, error)
	// ExternalID extracts the provider job id from a webhook payload, or ""
	// when absent.
	ExternalID(payload []byte) string
}

// Set holds the configured adapters keyed by provider name.
type Set map[db.Provider]Adapter

func (s Set) Get(p db.Provider) (Adapter, bool) {
	a, ok := s[p]
	return a, ok
}
