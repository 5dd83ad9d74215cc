package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/examind/examind-api/internal/dto"
	"github.com/examind/examind-api/internal/guard"
	"github.com/examind/examind-api/internal/models"
	"github.com/examind/examind-api/internal/repository"
	"github.com/examind/examind-api/internal/schedule"
	"github.com/examind/examind-api/internal/scoring"
)

// Idempotency scopes for attempt mutations.
const (
	ScopeAutosave = "autosave"
	ScopeSubmit   = "submit"
)

// AttemptService orchestrates the examinee-facing attempt workflows.
type AttemptService interface {
	Start(ctx context.Context, actor Actor, payload dto.StartAttemptRequest) (dto.AttemptResponse, error)
	Get(ctx context.Context, actor Actor, attemptID uint) (dto.AttemptResponse, error)
	// SaveAnswer autosaves one answer under the mutation guard. requestID is
	// the caller's idempotency key, nonce the optional integrity nonce.
	SaveAnswer(ctx context.Context, actor Actor, attemptID, questionID uint, payload dto.SaveAnswerRequest, requestID, nonce string) (dto.AnswerResponse, error)
	// Submit hands the attempt in, scores its objective answers and derives
	// the resulting status.
	Submit(ctx context.Context, actor Actor, attemptID uint, requestID string) (dto.AttemptResponse, error)
	// Attach records an uploaded artefact URL on the answer for a question.
	Attach(ctx context.Context, actor Actor, attemptID, questionID uint, url string) (dto.AnswerResponse, error)
}

type attemptService struct {
	attempts    repository.AttemptRepository
	exams       repository.ExamRepository
	idempotency *guard.IdempotencyGuard
	nonces      *guard.NonceGuard
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewAttemptService constructs an AttemptService instance.
func NewAttemptService(attempts repository.AttemptRepository, exams repository.ExamRepository, idempotency *guard.IdempotencyGuard, nonces *guard.NonceGuard, validate *validator.Validate, logger zerolog.Logger) AttemptService {
	return &attemptService{
		attempts:    attempts,
		exams:       exams,
		idempotency: idempotency,
		nonces:      nonces,
		validator:   validate,
		sanitizer:   bluemonday.StrictPolicy(),
		logger:      logger.With().Str("component", "attempt_service").Logger(),
		tracer:      otel.Tracer("github.com/examind/examind-api/internal/service"),
		now:         time.Now,
	}
}

func (s *attemptService) Start(ctx context.Context, actor Actor, payload dto.StartAttemptRequest) (dto.AttemptResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.AttemptResponse{}, err
	}

	exam, err := s.exams.GetByID(ctx, payload.ExamID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.AttemptResponse{}, ErrExamNotFound
		}
		return dto.AttemptResponse{}, err
	}

	if exam.Status != models.ExamStatusPublished {
		return dto.AttemptResponse{}, ErrExamNotPublished
	}

	if !schedule.ForExam(exam, nil).Contains(s.now(), 0) {
		return dto.AttemptResponse{}, ErrWindowClosed
	}

	// One attempt per (exam, examinee): reopening returns the existing one.
	existing, err := s.attempts.GetByExamAndUser(ctx, exam.ID, actor.ID)
	if err == nil {
		return dto.NewAttemptResponse(existing), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return dto.AttemptResponse{}, err
	}

	attempt := models.Attempt{
		ExamID:    exam.ID,
		UserID:    actor.ID,
		Status:    models.AttemptStatusInProgress,
		StartedAt: s.now(),
	}
	if err := s.attempts.Create(ctx, &attempt); err != nil {
		return dto.AttemptResponse{}, err
	}

	s.logger.Info().Uint("attempt_id", attempt.ID).Uint("exam_id", exam.ID).Msg("attempt started")

	return dto.NewAttemptResponse(attempt), nil
}

func (s *attemptService) Get(ctx context.Context, actor Actor, attemptID uint) (dto.AttemptResponse, error) {
	attempt, err := s.loadOwned(ctx, actor, attemptID)
	if err != nil {
		return dto.AttemptResponse{}, err
	}
	return dto.NewAttemptResponse(attempt), nil
}

func (s *attemptService) SaveAnswer(ctx context.Context, actor Actor, attemptID, questionID uint, payload dto.SaveAnswerRequest, requestID, nonce string) (dto.AnswerResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.AnswerResponse{}, err
	}

	attempt, err := s.loadOwned(ctx, actor, attemptID)
	if err != nil {
		return dto.AnswerResponse{}, err
	}

	if attempt.IsSubmitted() {
		return dto.AnswerResponse{}, ErrAttemptAlreadySubmitted
	}

	exam, question, section, err := s.findQuestion(ctx, attempt.ExamID, questionID)
	if err != nil {
		return dto.AnswerResponse{}, err
	}

	// Autosaves get no grace period.
	if !schedule.ForExam(exam, section).Contains(s.now(), 0) {
		return dto.AnswerResponse{}, ErrWindowClosed
	}

	if nonce != "" {
		if err := s.nonces.Verify(ctx, attempt.ID, nonce); err != nil {
			return dto.AnswerResponse{}, err
		}
	}

	applied, err := s.idempotency.Check(ctx, ScopeAutosave, attempt.ID, requestID)
	if err != nil {
		return dto.AnswerResponse{}, err
	}
	if applied {
		return s.currentAnswer(ctx, attempt.ID, questionID)
	}

	var saved models.Answer
	err = s.attempts.WithAttemptLock(ctx, attempt.ID, func(tx repository.AttemptTx) error {
		answer := models.Answer{AttemptID: attempt.ID, QuestionID: questionID}
		if err := tx.UpsertAnswer(&answer); err != nil {
			return err
		}

		if question.Type == models.QuestionTypeMCQ {
			if err := tx.ClearSelections(answer.ID); err != nil {
				return err
			}
			for _, segmentID := range payload.SelectedSegmentIDs {
				segment := models.AnswerSegment{AnswerID: answer.ID, SegmentID: segmentID, Selected: true}
				if err := tx.UpsertAnswerSegment(&segment); err != nil {
					return err
				}
			}
		} else {
			for _, content := range payload.Segments {
				segment := models.AnswerSegment{
					AnswerID:  answer.ID,
					SegmentID: content.SegmentID,
					Content:   s.sanitizeContent(question, content.Content),
				}
				if err := tx.UpsertAnswerSegment(&segment); err != nil {
					return err
				}
			}
		}

		loaded, err := tx.GetAnswer(answer.ID)
		if err != nil {
			return err
		}
		saved = loaded
		return nil
	})
	if err != nil {
		return dto.AnswerResponse{}, err
	}

	return dto.NewAnswerResponse(saved), nil
}

func (s *attemptService) Submit(ctx context.Context, actor Actor, attemptID uint, requestID string) (dto.AttemptResponse, error) {
	ctx, span := s.tracer.Start(ctx, "attempt.submit", trace.WithAttributes(
		attribute.Int64("attempt.id", int64(attemptID)),
	))
	defer span.End()

	attempt, err := s.loadOwned(ctx, actor, attemptID)
	if err != nil {
		return dto.AttemptResponse{}, err
	}

	applied, err := s.idempotency.Check(ctx, ScopeSubmit, attempt.ID, requestID)
	if err != nil {
		return dto.AttemptResponse{}, err
	}
	if applied {
		resp := dto.NewAttemptResponse(attempt)
		resp.AlreadyApplied = true
		return resp, nil
	}

	if attempt.IsSubmitted() {
		return dto.AttemptResponse{}, ErrAttemptAlreadySubmitted
	}

	exam, err := s.exams.GetTree(ctx, attempt.ExamID)
	if err != nil {
		return dto.AttemptResponse{}, err
	}

	// The grace period tolerates network latency on the final action only.
	if !schedule.ForExam(exam, nil).Contains(s.now(), schedule.SubmitGrace) {
		return dto.AttemptResponse{}, ErrWindowClosed
	}

	questions := make(map[uint]models.Question)
	for _, section := range exam.Sections {
		for _, question := range section.Questions {
			questions[question.ID] = question
		}
	}

	err = s.attempts.WithAttemptLock(ctx, attempt.ID, func(tx repository.AttemptTx) error {
		if err := tx.MarkSubmitted(s.now()); err != nil {
			return err
		}

		// Objective answers are scored here, synchronously; they never enter
		// the asynchronous pipeline.
		for _, answer := range attempt.Answers {
			question, ok := questions[answer.QuestionID]
			if !ok || question.Type != models.QuestionTypeMCQ {
				continue
			}
			if question.TotalPoints() <= 0 {
				s.logger.Warn().Uint("question_id", question.ID).Msg("skipping mcq with non-positive point budget")
				continue
			}

			result := scoring.Score(question, answer.SelectedSegmentIDs())
			grade := models.Grade{
				AnswerID: answer.ID,
				Score:    result.Score,
				Feedback: "",
			}
			if err := tx.UpsertGrade(&grade); err != nil {
				return err
			}
		}

		_, err := RecomputeStatus(tx)
		return err
	})
	if err != nil {
		return dto.AttemptResponse{}, err
	}

	submitted, err := s.attempts.GetByID(ctx, attempt.ID)
	if err != nil {
		return dto.AttemptResponse{}, err
	}

	s.logger.Info().
		Uint("attempt_id", submitted.ID).
		Str("status", string(submitted.Status)).
		Msg("attempt submitted")

	return dto.NewAttemptResponse(submitted), nil
}

func (s *attemptService) Attach(ctx context.Context, actor Actor, attemptID, questionID uint, url string) (dto.AnswerResponse, error) {
	attempt, err := s.loadOwned(ctx, actor, attemptID)
	if err != nil {
		return dto.AnswerResponse{}, err
	}

	if attempt.IsSubmitted() {
		return dto.AnswerResponse{}, ErrAttemptAlreadySubmitted
	}

	if _, _, _, err := s.findQuestion(ctx, attempt.ExamID, questionID); err != nil {
		return dto.AnswerResponse{}, err
	}

	var saved models.Answer
	err = s.attempts.WithAttemptLock(ctx, attempt.ID, func(tx repository.AttemptTx) error {
		answer := models.Answer{AttemptID: attempt.ID, QuestionID: questionID, AttachmentURL: url}
		if err := tx.UpsertAnswer(&answer); err != nil {
			return err
		}
		loaded, err := tx.GetAnswer(answer.ID)
		if err != nil {
			return err
		}
		saved = loaded
		return nil
	})
	if err != nil {
		return dto.AnswerResponse{}, err
	}

	return dto.NewAnswerResponse(saved), nil
}

func (s *attemptService) loadOwned(ctx context.Context, actor Actor, attemptID uint) (models.Attempt, error) {
	attempt, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Attempt{}, ErrAttemptNotFound
		}
		return models.Attempt{}, err
	}

	if attempt.UserID != actor.ID {
		return models.Attempt{}, ErrForbidden
	}

	return attempt, nil
}

func (s *attemptService) findQuestion(ctx context.Context, examID, questionID uint) (models.Exam, models.Question, *models.Section, error) {
	exam, err := s.exams.GetTree(ctx, examID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Exam{}, models.Question{}, nil, ErrExamNotFound
		}
		return models.Exam{}, models.Question{}, nil, err
	}

	for i := range exam.Sections {
		for _, question := range exam.Sections[i].Questions {
			if question.ID == questionID {
				return exam, question, &exam.Sections[i], nil
			}
		}
	}

	return models.Exam{}, models.Question{}, nil, ErrQuestionNotFound
}

func (s *attemptService) currentAnswer(ctx context.Context, attemptID, questionID uint) (dto.AnswerResponse, error) {
	attempt, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		return dto.AnswerResponse{}, err
	}
	for _, answer := range attempt.Answers {
		if answer.QuestionID == questionID {
			return dto.NewAnswerResponse(answer), nil
		}
	}
	return dto.AnswerResponse{}, nil
}

func (s *attemptService) sanitizeContent(question models.Question, content string) string {
	// Code answers keep their raw text; markup stripping would corrupt them.
	if question.Type == models.QuestionTypeCode {
		return content
	}
	return strings.TrimSpace(s.sanitizer.Sanitize(content))
}
