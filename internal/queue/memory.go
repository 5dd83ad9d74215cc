package queue

import (
	"context"
	"sync"
)

// Memory is an in-process Queue used by tests and by single-node deployments
// running without Redis.
type Memory struct {
	mu   sync.Mutex
	jobs []GradingJob
}

// NewMemory constructs an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{}
}

// Enqueue appends the job.
func (m *Memory) Enqueue(_ context.Context, job GradingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
	return nil
}

// Reserve claims the oldest queued job.
func (m *Memory) Reserve(_ context.Context) (GradingJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.jobs) == 0 {
		return GradingJob{}, false, nil
	}

	job := m.jobs[0]
	m.jobs = m.jobs[1:]
	return job, true, nil
}

// Remove deletes queued jobs matching the predicate.
func (m *Memory) Remove(_ context.Context, match func(GradingJob) bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.jobs[:0]
	removed := 0
	for _, job := range m.jobs {
		if match(job) {
			removed++
			continue
		}
		kept = append(kept, job)
	}
	m.jobs = kept
	return removed, nil
}

// Pending lists queued jobs oldest first.
func (m *Memory) Pending(_ context.Context) ([]GradingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]GradingJob, len(m.jobs))
	copy(out, m.jobs)
	return out, nil
}
