package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/examind/examind-api/internal/models"
)

// RubricRepository defines data operations for grading rubrics.
type RubricRepository interface {
	GetByQuestionID(ctx context.Context, questionID uint) (models.Rubric, error)
	// Create persists the rubric; a concurrent creation for the same
	// question wins silently.
	Create(ctx context.Context, rubric *models.Rubric) error
}

type rubricRepository struct {
	db *gorm.DB
}

// NewRubricRepository instantiates the repository.
func NewRubricRepository(db *gorm.DB) RubricRepository {
	return &rubricRepository{db: db}
}

func (r *rubricRepository) GetByQuestionID(ctx context.Context, questionID uint) (models.Rubric, error) {
	var rubric models.Rubric
	if err := r.db.WithContext(ctx).
		Where("question_id = ?", questionID).
		First(&rubric).Error; err != nil {
		return models.Rubric{}, err
	}
	return rubric, nil
}

func (r *rubricRepository) Create(ctx context.Context, rubric *models.Rubric) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "question_id"}},
		DoNothing: true,
	}).Create(rubric).Error
}
