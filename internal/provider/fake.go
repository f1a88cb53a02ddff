package provider

import (
	"context"
	"sync"

	"github.com/klyra-ai/genstudio/internal/db"
)

var _ Adapter = (*FakeAdapter)(nil)

// FakeAdapter is a scriptable Adapter for tests. Each CheckStatus call pops
// the next queued response; when the script is exhausted the last entry
// repeats.
type FakeAdapter struct {
	Provider db.Provider

	mu         sync.Mutex
	script     []FakeResponse
	pos        int
	submission Submission
	submitErr  error

	CheckCalls  int
	SubmitCalls int
}

type FakeResponse struct {
	Status CanonicalStatus
	Err    error
}

func NewFakeAdapter(p db.Provider) *FakeAdapter {
	return &FakeAdapter{Provider: p}
}

func (f *FakeAdapter) Script(responses ...FakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = responses
	f.pos = 0
}

func (f *FakeAdapter) SetSubmission(sub Submission, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submission = sub
	f.submitErr = err
}

func (f *FakeAdapter) Name() db.Provider {
	return f.Provider
}

func (f *FakeAdapter) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SubmitCalls++
	return f.submission, f.submitErr
}

func (f *FakeAdapter) CheckStatus(ctx context.Context, ref JobRef) (CanonicalStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.CheckCalls++
	if len(f.script) == 0 {
		return CanonicalStatus{State: StateProcessing}, nil
	}

	resp := f.script[f.pos]
	if f.pos < len(f.script)-1 {
		f.pos++
	}
	return resp.Status, resp.Err
}

func (f *FakeAdapter) Classify(payload []byte) (CanonicalStatus, error) {
	return CanonicalStatus{State: StateProcessing}, nil
}

func (f *FakeAdapter) ExternalID(payload []byte) string {
	return ""
}
