package service

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/examind/examind-api/internal/dto"
	"github.com/examind/examind-api/internal/models"
	"github.com/examind/examind-api/internal/repository"
)

// GradingService handles manual grade writes by teachers, including
// overrides of grades the pipeline produced.
type GradingService interface {
	// WriteGrade records the actor's score and feedback for an answer. A
	// write over a pipeline grade marks the result overridden for good.
	WriteGrade(ctx context.Context, actor Actor, answerID uint, payload dto.WriteGradeRequest) (dto.GradeResponse, error)
}

type gradingService struct {
	attempts  repository.AttemptRepository
	validator *validator.Validate
	logger    zerolog.Logger
	now       func() time.Time
}

// NewGradingService constructs a GradingService instance.
func NewGradingService(attempts repository.AttemptRepository, validate *validator.Validate, logger zerolog.Logger) GradingService {
	return &gradingService{
		attempts:  attempts,
		validator: validate,
		logger:    logger.With().Str("component", "grading_service").Logger(),
		now:       time.Now,
	}
}

func (s *gradingService) WriteGrade(ctx context.Context, actor Actor, answerID uint, payload dto.WriteGradeRequest) (dto.GradeResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.GradeResponse{}, err
	}

	answer, question, err := s.attempts.GetAnswerWithQuestion(ctx, answerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.GradeResponse{}, ErrAnswerNotFound
		}
		return dto.GradeResponse{}, err
	}

	if payload.Score > question.TotalPoints() {
		return dto.GradeResponse{}, ErrScoreExceedsMax
	}

	var written models.Grade
	err = s.attempts.WithAttemptLock(ctx, answer.AttemptID, func(tx repository.AttemptTx) error {
		if !tx.Attempt().IsSubmitted() {
			return ErrAttemptNotSubmitted
		}

		// The grade must be re-read under the lock: a pipeline grade may have
		// landed since the pre-lock load, and replacing it counts as an
		// override too.
		current, err := tx.GetAnswer(answerID)
		if err != nil {
			return err
		}

		grade := models.Grade{
			AnswerID:       answerID,
			Score:          payload.Score,
			Feedback:       payload.Feedback,
			GradedByUserID: &actor.ID,
		}
		// Overridden is sticky: once a human replaces a pipeline grade the
		// pipeline result is gone for good, even across later edits.
		if existing := current.Grade; existing != nil {
			grade.IsOverridden = existing.IsOverridden || existing.IsAutomatic()
		}
		if err := tx.UpsertGrade(&grade); err != nil {
			return err
		}
		written = grade

		_, err = RecomputeStatus(tx)
		return err
	})
	if err != nil {
		return dto.GradeResponse{}, err
	}

	s.logger.Info().
		Uint("answer_id", answerID).
		Uint("graded_by", actor.ID).
		Bool("overridden", written.IsOverridden).
		Msg("grade written")

	return dto.NewGradeResponse(written), nil
}
