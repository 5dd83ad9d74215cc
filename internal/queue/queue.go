// Package queue provides the grading job queue. The queue is an injected
// dependency so services and the worker never touch a process-global
// connection, and tests can substitute the in-memory implementation.
//
// Delivery is at-least-once: consumers must tolerate seeing a job for an
// answer that already holds a grade.
package queue

import (
	"context"
	"time"
)

// GradingJob references one answer awaiting asynchronous grading.
type GradingJob struct {
	ID         string    `json:"id"`
	ExamID     uint      `json:"exam_id"`
	AttemptID  uint      `json:"attempt_id"`
	AnswerID   uint      `json:"answer_id"`
	QuestionID uint      `json:"question_id"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue is the grading job transport. Remove only affects jobs that are
// still queued; a job already reserved by a worker completes normally.
type Queue interface {
	Enqueue(ctx context.Context, job GradingJob) error
	// Reserve claims the oldest queued job. ok is false when the queue is
	// empty.
	Reserve(ctx context.Context) (job GradingJob, ok bool, err error)
	// Remove deletes queued jobs matching the predicate and reports how many
	// were removed.
	Remove(ctx context.Context, match func(GradingJob) bool) (int, error)
	// Pending lists queued jobs oldest first.
	Pending(ctx context.Context) ([]GradingJob, error)
}
