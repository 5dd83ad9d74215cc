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
	"github.com/examind/examind-api/internal/queue"
	"github.com/examind/examind-api/internal/repository"
	"github.com/examind/examind-api/internal/schedule"
)

// PublishService handles exam publication, unpublication, schedule changes
// and the cohort-facing resolution of which exam an examinee sees.
type PublishService interface {
	// Publish publishes a base exam under the given draft-variant policy.
	// Variants publish through PublishVariant and reject a policy.
	Publish(ctx context.Context, actor Actor, examID uint, payload dto.PublishExamRequest) (dto.ExamResponse, error)
	PublishVariant(ctx context.Context, actor Actor, examID uint) (dto.ExamResponse, error)
	// Unpublish reverts the exam to draft and destroys all attempt data.
	Unpublish(ctx context.Context, actor Actor, examID uint) (dto.ExamResponse, error)
	UpdateSchedule(ctx context.Context, actor Actor, examID uint, payload dto.UpdateScheduleRequest) (dto.ExamResponse, error)
	// ResolveForCohort picks the exam a cohort member should take: a
	// published variant targeting the cohort beats the published base.
	ResolveForCohort(ctx context.Context, cohortID uint) (dto.ExamResponse, error)
}

type publishService struct {
	exams     repository.ExamRepository
	jobs      queue.Queue
	validator *validator.Validate
	logger    zerolog.Logger
	now       func() time.Time
}

// NewPublishService constructs a PublishService instance.
func NewPublishService(exams repository.ExamRepository, jobs queue.Queue, validate *validator.Validate, logger zerolog.Logger) PublishService {
	return &publishService{
		exams:     exams,
		jobs:      jobs,
		validator: validate,
		logger:    logger.With().Str("component", "publish_service").Logger(),
		now:       time.Now,
	}
}

func (s *publishService) Publish(ctx context.Context, actor Actor, examID uint, payload dto.PublishExamRequest) (dto.ExamResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.ExamResponse{}, err
	}

	exam, err := s.load(ctx, examID)
	if err != nil {
		return dto.ExamResponse{}, err
	}
	if exam.IsVariant() {
		return dto.ExamResponse{}, ErrVariantNotPublishable
	}

	err = s.exams.PublishBase(ctx, examID, func(base *models.Exam, draftVariants []models.Exam) ([]uint, error) {
		switch payload.Policy {
		case models.PublishAll:
			// Draft variants stay drafts; the base covers their cohorts
			// until they publish.
		case models.PublishExceptDraftVariants:
			base.CohortIDs = subtractCohorts(base.CohortIDs, draftVariants)
		case models.DeleteDraftsThenPublish:
			var deleteIDs []uint
			for _, variant := range draftVariants {
				deleteIDs = append(deleteIDs, variant.ID)
				base.CohortIDs = mergeCohorts(base.CohortIDs, variant.CohortIDs)
			}
			base.Status = models.ExamStatusPublished
			return deleteIDs, nil
		}
		base.Status = models.ExamStatusPublished
		return nil, nil
	})
	if err != nil {
		return dto.ExamResponse{}, err
	}

	published, err := s.load(ctx, examID)
	if err != nil {
		return dto.ExamResponse{}, err
	}

	s.logger.Info().
		Uint("exam_id", examID).
		Str("policy", string(payload.Policy)).
		Msg("exam published")

	return dto.NewExamResponse(published), nil
}

func (s *publishService) PublishVariant(ctx context.Context, actor Actor, examID uint) (dto.ExamResponse, error) {
	exam, err := s.load(ctx, examID)
	if err != nil {
		return dto.ExamResponse{}, err
	}
	if !exam.IsVariant() {
		return dto.ExamResponse{}, ErrExamNotFound
	}

	exam.Status = models.ExamStatusPublished
	if err := s.exams.Save(ctx, &exam); err != nil {
		return dto.ExamResponse{}, err
	}

	s.logger.Info().Uint("exam_id", examID).Msg("variant published")

	return dto.NewExamResponse(exam), nil
}

func (s *publishService) Unpublish(ctx context.Context, actor Actor, examID uint) (dto.ExamResponse, error) {
	exam, err := s.load(ctx, examID)
	if err != nil {
		return dto.ExamResponse{}, err
	}
	if exam.Status != models.ExamStatusPublished {
		return dto.ExamResponse{}, ErrExamNotPublished
	}

	if err := s.exams.UnpublishReset(ctx, examID); err != nil {
		return dto.ExamResponse{}, err
	}

	// Queued grading jobs for the destroyed attempts would dead-letter; drop
	// them now.
	removed, err := s.jobs.Remove(ctx, func(job queue.GradingJob) bool {
		return job.ExamID == examID
	})
	if err != nil {
		return dto.ExamResponse{}, err
	}

	reverted, err := s.load(ctx, examID)
	if err != nil {
		return dto.ExamResponse{}, err
	}

	s.logger.Warn().
		Uint("exam_id", examID).
		Int("jobs_removed", removed).
		Msg("exam unpublished, attempt data destroyed")

	return dto.NewExamResponse(reverted), nil
}

func (s *publishService) UpdateSchedule(ctx context.Context, actor Actor, examID uint, payload dto.UpdateScheduleRequest) (dto.ExamResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.ExamResponse{}, err
	}

	exam, err := s.load(ctx, examID)
	if err != nil {
		return dto.ExamResponse{}, err
	}
	if schedule.Locked(exam, s.now()) {
		return dto.ExamResponse{}, ErrExamLocked
	}

	exam.StartAt = payload.StartAt
	exam.DurationMinutes = payload.DurationMinutes
	exam.EndAt = payload.EndAt
	if err := s.exams.Save(ctx, &exam); err != nil {
		return dto.ExamResponse{}, err
	}

	return dto.NewExamResponse(exam), nil
}

func (s *publishService) ResolveForCohort(ctx context.Context, cohortID uint) (dto.ExamResponse, error) {
	published, err := s.exams.ListPublished(ctx)
	if err != nil {
		return dto.ExamResponse{}, err
	}

	var base *models.Exam
	for i := range published {
		exam := published[i]
		if !exam.Targets(cohortID) {
			continue
		}
		if exam.IsVariant() {
			return dto.NewExamResponse(exam), nil
		}
		if base == nil {
			base = &published[i]
		}
	}

	if base != nil {
		return dto.NewExamResponse(*base), nil
	}
	return dto.ExamResponse{}, ErrNoApplicableExam
}

func (s *publishService) load(ctx context.Context, examID uint) (models.Exam, error) {
	exam, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Exam{}, ErrExamNotFound
		}
		return models.Exam{}, err
	}
	return exam, nil
}

func subtractCohorts(base []uint, variants []models.Exam) []uint {
	covered := make(map[uint]bool)
	for _, variant := range variants {
		for _, id := range variant.CohortIDs {
			covered[id] = true
		}
	}

	var kept []uint
	for _, id := range base {
		if !covered[id] {
			kept = append(kept, id)
		}
	}
	return kept
}

func mergeCohorts(base []uint, extra []uint) []uint {
	present := make(map[uint]bool, len(base))
	for _, id := range base {
		present[id] = true
	}
	for _, id := range extra {
		if !present[id] {
			present[id] = true
			base = append(base, id)
		}
	}
	return base
}
