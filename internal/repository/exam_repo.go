package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/examind/examind-api/internal/models"
)

// ExamRepository defines data operations for exams and their variants.
type ExamRepository interface {
	GetByID(ctx context.Context, id uint) (models.Exam, error)
	// GetTree loads the exam with sections, questions and segments.
	GetTree(ctx context.Context, id uint) (models.Exam, error)
	ListVariants(ctx context.Context, parentID uint) ([]models.Exam, error)
	// ListPublished returns every published exam, variants included.
	ListPublished(ctx context.Context) ([]models.Exam, error)
	Save(ctx context.Context, exam *models.Exam) error
	// PublishBase applies the publish mutation atomically: target/variant
	// changes computed by apply and the status flip commit together.
	PublishBase(ctx context.Context, examID uint, apply func(base *models.Exam, draftVariants []models.Exam) (deleteVariantIDs []uint, err error)) error
	// UnpublishReset destructively deletes all attempts (cascading to
	// answers, segments and grades) and reverts the exam to draft, as one
	// transaction.
	UnpublishReset(ctx context.Context, examID uint) error
}

type examRepository struct {
	db *gorm.DB
}

// NewExamRepository instantiates the repository.
func NewExamRepository(db *gorm.DB) ExamRepository {
	return &examRepository{db: db}
}

func (r *examRepository) GetByID(ctx context.Context, id uint) (models.Exam, error) {
	var exam models.Exam
	if err := r.db.WithContext(ctx).First(&exam, id).Error; err != nil {
		return models.Exam{}, err
	}
	return exam, nil
}

func (r *examRepository) GetTree(ctx context.Context, id uint) (models.Exam, error) {
	var exam models.Exam
	err := r.db.WithContext(ctx).
		Preload("Sections", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Preload("Sections.Questions", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Preload("Sections.Questions.Segments", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Preload("Sections.Questions.Rubric").
		First(&exam, id).Error
	if err != nil {
		return models.Exam{}, err
	}
	return exam, nil
}

func (r *examRepository) ListVariants(ctx context.Context, parentID uint) ([]models.Exam, error) {
	var variants []models.Exam
	err := r.db.WithContext(ctx).
		Where("parent_exam_id = ?", parentID).
		Order("id ASC").
		Find(&variants).Error
	if err != nil {
		return nil, err
	}
	return variants, nil
}

func (r *examRepository) ListPublished(ctx context.Context) ([]models.Exam, error) {
	var exams []models.Exam
	err := r.db.WithContext(ctx).
		Where("status = ?", models.ExamStatusPublished).
		Order("id ASC").
		Find(&exams).Error
	if err != nil {
		return nil, err
	}
	return exams, nil
}

func (r *examRepository) Save(ctx context.Context, exam *models.Exam) error {
	return r.db.WithContext(ctx).Save(exam).Error
}

func (r *examRepository) PublishBase(ctx context.Context, examID uint, apply func(base *models.Exam, draftVariants []models.Exam) ([]uint, error)) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var base models.Exam
		if err := tx.First(&base, examID).Error; err != nil {
			return err
		}

		var draftVariants []models.Exam
		if err := tx.Where("parent_exam_id = ? AND status = ?", examID, models.ExamStatusDraft).
			Find(&draftVariants).Error; err != nil {
			return err
		}

		deleteVariantIDs, err := apply(&base, draftVariants)
		if err != nil {
			return err
		}

		if len(deleteVariantIDs) > 0 {
			if err := tx.Delete(&models.Exam{}, deleteVariantIDs).Error; err != nil {
				return err
			}
		}

		return tx.Save(&base).Error
	})
}

func (r *examRepository) UnpublishReset(ctx context.Context, examID uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var exam models.Exam
		if err := tx.First(&exam, examID).Error; err != nil {
			return err
		}

		var attemptIDs []uint
		if err := tx.Model(&models.Attempt{}).
			Where("exam_id = ?", examID).
			Pluck("id", &attemptIDs).Error; err != nil {
			return err
		}

		if len(attemptIDs) > 0 {
			var answerIDs []uint
			if err := tx.Model(&models.Answer{}).
				Where("attempt_id IN ?", attemptIDs).
				Pluck("id", &answerIDs).Error; err != nil {
				return err
			}

			if len(answerIDs) > 0 {
				if err := tx.Where("answer_id IN ?", answerIDs).Delete(&models.Grade{}).Error; err != nil {
					return err
				}
				if err := tx.Where("answer_id IN ?", answerIDs).Delete(&models.AnswerSegment{}).Error; err != nil {
					return err
				}
			}
			if err := tx.Where("attempt_id IN ?", attemptIDs).Delete(&models.Answer{}).Error; err != nil {
				return err
			}
			if err := tx.Delete(&models.Attempt{}, attemptIDs).Error; err != nil {
				return err
			}
		}

		exam.Status = models.ExamStatusDraft
		return tx.Save(&exam).Error
	})
}
