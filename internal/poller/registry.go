// Package poller tracks in-flight generation jobs and drives them to a
// terminal state, reconciling the polling and webhook completion paths.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klyra-ai/genstudio/internal/db"
	"github.com/klyra-ai/genstudio/internal/metrics"
)

// ActiveJob is one registered in-flight job. cancel stops its poll loop.
type ActiveJob struct {
	JobID         uuid.UUID
	OwnerID       uuid.UUID
	ExternalJobID string
	TuneID        string
	Provider      db.Provider
	JobType       db.JobType
	StartedAt     time.Time

	cancel context.CancelFunc
}

// Registry is the in-memory index of jobs currently being polled. Register
// is first-wins, which is what guarantees at most one poll loop per job.
type Registry struct {
	mu         sync.RWMutex
	byJobID    map[uuid.UUID]*ActiveJob
	byExternal map[string]*ActiveJob
}

func NewRegistry() *Registry {
	return &Registry{
		byJobID:    make(map[uuid.UUID]*ActiveJob),
		byExternal: make(map[string]*ActiveJob),
	}
}

// Register claims the job for a poll loop. It returns false when the job is
// already registered, and the caller must not start a second loop.
func (r *Registry) Register(job *ActiveJob) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byJobID[job.JobID]; ok {
		return false
	}
	r.byJobID[job.JobID] = job
	if job.ExternalJobID != "" {
		r.byExternal[externalKey(job.Provider, job.ExternalJobID)] = job
	}
	metrics.ActivePollers.Set(float64(len(r.byJobID)))
	return true
}

// Unregister removes the job and cancels its poll loop if one is running.
// Safe to call for jobs that were never registered.
func (r *Registry) Unregister(jobID uuid.UUID) {
	r.mu.Lock()
	job, ok := r.byJobID[jobID]
	if ok {
		delete(r.byJobID, jobID)
		if job.ExternalJobID != "" {
			delete(r.byExternal, externalKey(job.Provider, job.ExternalJobID))
		}
		metrics.ActivePollers.Set(float64(len(r.byJobID)))
	}
	r.mu.Unlock()

	if ok && job.cancel != nil {
		job.cancel()
	}
}

func (r *Registry) Get(jobID uuid.UUID) (*ActiveJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.byJobID[jobID]
	return job, ok
}

// GetByExternal resolves a provider-side job id, as delivered by webhooks,
// back to the active job.
func (r *Registry) GetByExternal(p db.Provider, externalID string) (*ActiveJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.byExternal[externalKey(p, externalID)]
	return job, ok
}

// List returns a snapshot of the active jobs in no particular order.
func (r *Registry) List() []*ActiveJob {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ActiveJob, 0, len(r.byJobID))
	for _, job := range r.byJobID {
		out = append(out, job)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byJobID)
}

func externalKey(p db.Provider, externalID string) string {
	return string(p) + "/" + externalID
}
