package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/examind/examind-api/internal/dto"
	"github.com/examind/examind-api/internal/lifecycle"
	"github.com/examind/examind-api/internal/models"
	"github.com/examind/examind-api/internal/queue"
	"github.com/examind/examind-api/internal/repository"
	"github.com/examind/examind-api/pkg/ai"
)

// BatchService orchestrates bulk asynchronous grading for an exam: kick-off,
// progress reporting and cancellation.
type BatchService interface {
	// EnqueueAll queues a grading job for every ungraded subjective answer
	// across the exam's submitted attempts, generating missing rubrics first.
	EnqueueAll(ctx context.Context, actor Actor, examID uint) (dto.BatchEnqueueResponse, error)
	Progress(ctx context.Context, examID uint) (dto.BatchProgressResponse, error)
	// Cancel removes the exam's queued jobs. Jobs a worker already picked up
	// run to completion; their grades stand.
	Cancel(ctx context.Context, actor Actor, examID uint) (dto.BatchCancelResponse, error)
}

// Batch status values reported by Progress.
const (
	BatchStatusIdle       = "idle"
	BatchStatusInProgress = "in_progress"
	BatchStatusCompleted  = "completed"
)

type batchService struct {
	attempts repository.AttemptRepository
	exams    repository.ExamRepository
	rubrics  repository.RubricRepository
	jobs     queue.Queue
	rubrica  ai.RubricGenerator
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewBatchService constructs a BatchService instance.
func NewBatchService(attempts repository.AttemptRepository, exams repository.ExamRepository, rubrics repository.RubricRepository, jobs queue.Queue, generator ai.RubricGenerator, logger zerolog.Logger) BatchService {
	return &batchService{
		attempts: attempts,
		exams:    exams,
		rubrics:  rubrics,
		jobs:     jobs,
		rubrica:  generator,
		logger:   logger.With().Str("component", "batch_service").Logger(),
		tracer:   otel.Tracer("github.com/examind/examind-api/internal/service"),
		now:      time.Now,
	}
}

func (s *batchService) EnqueueAll(ctx context.Context, actor Actor, examID uint) (dto.BatchEnqueueResponse, error) {
	ctx, span := s.tracer.Start(ctx, "batch.enqueue_all", trace.WithAttributes(
		attribute.Int64("exam.id", int64(examID)),
	))
	defer span.End()

	exam, err := s.exams.GetTree(ctx, examID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.BatchEnqueueResponse{}, ErrExamNotFound
		}
		return dto.BatchEnqueueResponse{}, err
	}

	refs, err := s.attempts.ListUngradedSubjectiveAnswers(ctx, examID)
	if err != nil {
		return dto.BatchEnqueueResponse{}, err
	}

	questions := make(map[uint]models.Question)
	for _, section := range exam.Sections {
		for _, question := range section.Questions {
			questions[question.ID] = question
		}
	}

	resp := dto.BatchEnqueueResponse{ExamID: examID}

	// Every distinct question gets its rubric before its answers enter the
	// queue, so workers never race rubric generation. A generation failure
	// is reported but does not block the batch; affected answers are graded
	// without a rubric.
	seen := make(map[uint]bool)
	for _, ref := range refs {
		if seen[ref.QuestionID] {
			continue
		}
		seen[ref.QuestionID] = true

		question, ok := questions[ref.QuestionID]
		if !ok {
			continue
		}

		created, reason := s.ensureRubric(ctx, question)
		if created {
			resp.RubricsCreated++
		}
		if reason != "" {
			resp.RubricsSkipped = append(resp.RubricsSkipped, reason)
		}
	}

	marked := make(map[uint]bool)
	for _, ref := range refs {
		job := queue.GradingJob{
			ID:         uuid.NewString(),
			ExamID:     examID,
			AttemptID:  ref.AttemptID,
			AnswerID:   ref.AnswerID,
			QuestionID: ref.QuestionID,
			EnqueuedAt: s.now(),
		}
		if err := s.jobs.Enqueue(ctx, job); err != nil {
			return dto.BatchEnqueueResponse{}, err
		}
		resp.Enqueued++
		marked[ref.AttemptID] = true
	}

	for attemptID := range marked {
		err := s.attempts.WithAttemptLock(ctx, attemptID, func(tx repository.AttemptTx) error {
			if tx.Attempt().Status != models.AttemptStatusSubmitted {
				return nil
			}
			resp.AttemptsMarked++
			return tx.SetStatus(models.AttemptStatusGradingInProgress)
		})
		if err != nil {
			return dto.BatchEnqueueResponse{}, err
		}
	}

	s.logger.Info().
		Uint("exam_id", examID).
		Int("enqueued", resp.Enqueued).
		Int("rubrics_created", resp.RubricsCreated).
		Int("attempts_marked", resp.AttemptsMarked).
		Msg("batch grading enqueued")

	return resp, nil
}

func (s *batchService) Progress(ctx context.Context, examID uint) (dto.BatchProgressResponse, error) {
	if _, err := s.exams.GetByID(ctx, examID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.BatchProgressResponse{}, ErrExamNotFound
		}
		return dto.BatchProgressResponse{}, err
	}

	counts, err := s.attempts.SubjectiveCounts(ctx, examID)
	if err != nil {
		return dto.BatchProgressResponse{}, err
	}

	pending, err := s.pendingJobs(ctx, examID)
	if err != nil {
		return dto.BatchProgressResponse{}, err
	}

	resp := dto.BatchProgressResponse{
		ExamID:    examID,
		Completed: counts.Graded,
		Total:     counts.Total,
	}

	// The batch status follows the same counts mapping an attempt uses.
	status, err := lifecycle.StatusFor(counts)
	if err != nil {
		return dto.BatchProgressResponse{}, err
	}
	switch status {
	case models.AttemptStatusSubmitted:
		resp.Status = BatchStatusIdle
	case models.AttemptStatusGradingInProgress:
		resp.Status = BatchStatusInProgress
		resp.Percentage = float64(counts.Graded) / float64(counts.Total) * 100
	default:
		resp.Status = BatchStatusCompleted
		resp.Percentage = 100
	}

	// Cancellable only while partially graded with jobs still queued.
	resp.CanCancel = resp.Status == BatchStatusInProgress && pending > 0

	return resp, nil
}

func (s *batchService) Cancel(ctx context.Context, actor Actor, examID uint) (dto.BatchCancelResponse, error) {
	if _, err := s.exams.GetByID(ctx, examID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.BatchCancelResponse{}, ErrExamNotFound
		}
		return dto.BatchCancelResponse{}, err
	}

	removed, err := s.jobs.Remove(ctx, func(job queue.GradingJob) bool {
		return job.ExamID == examID
	})
	if err != nil {
		return dto.BatchCancelResponse{}, err
	}

	// Attempts still waiting on their first grade fall back to submitted.
	// Attempts with partial grades keep grading_in_progress; the completed
	// grades stand.
	marked, err := s.attempts.ListByExam(ctx, examID, []models.AttemptStatus{models.AttemptStatusGradingInProgress})
	if err != nil {
		return dto.BatchCancelResponse{}, err
	}

	reverted := 0
	for _, attempt := range marked {
		err := s.attempts.WithAttemptLock(ctx, attempt.ID, func(tx repository.AttemptTx) error {
			if tx.Attempt().Status != models.AttemptStatusGradingInProgress {
				return nil
			}
			counts, err := tx.GradingCounts()
			if err != nil {
				return err
			}
			if counts.Graded > 0 {
				return nil
			}
			reverted++
			return tx.SetStatus(models.AttemptStatusSubmitted)
		})
		if err != nil {
			return dto.BatchCancelResponse{}, err
		}
	}

	s.logger.Info().
		Uint("exam_id", examID).
		Int("jobs_removed", removed).
		Int("reverted", reverted).
		Msg("batch grading cancelled")

	return dto.BatchCancelResponse{ExamID: examID, JobsRemoved: removed, Reverted: reverted}, nil
}

// ensureRubric creates a generated rubric for the question when none exists.
// Returns whether one was created, plus a human-readable skip reason on
// failure.
func (s *batchService) ensureRubric(ctx context.Context, question models.Question) (bool, string) {
	if question.Rubric != nil {
		return false, ""
	}
	if _, err := s.rubrics.GetByQuestionID(ctx, question.ID); err == nil {
		return false, ""
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Sprintf("question %d: rubric lookup failed: %v", question.ID, err)
	}

	input := ai.RubricInput{
		Prompt:      question.Prompt,
		PointBudget: question.TotalPoints(),
	}
	for _, segment := range question.Segments {
		input.Criteria = append(input.Criteria, ai.CriterionBudget{
			Title:     segment.Text,
			MaxPoints: segment.MaxPoints,
		})
	}

	result, err := s.rubrica.Generate(ctx, input)
	if err != nil {
		s.logger.Warn().Err(err).Uint("question_id", question.ID).Msg("rubric generation failed")
		return false, fmt.Sprintf("question %d: %v", question.ID, err)
	}

	rubric := models.Rubric{
		QuestionID: question.ID,
		Criteria:   datatypes.JSON(result.Raw),
		Source:     models.RubricSourceGenerated,
	}
	if err := s.rubrics.Create(ctx, &rubric); err != nil {
		return false, fmt.Sprintf("question %d: rubric save failed: %v", question.ID, err)
	}

	return true, ""
}

func (s *batchService) pendingJobs(ctx context.Context, examID uint) (int, error) {
	jobs, err := s.jobs.Pending(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, job := range jobs {
		if job.ExamID == examID {
			count++
		}
	}
	return count, nil
}
