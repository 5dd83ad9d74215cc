package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/examind/examind-api/internal/lifecycle"
	"github.com/examind/examind-api/internal/models"
)

// AnswerRef identifies one answer inside an attempt, as carried by grading
// jobs and batch queries.
type AnswerRef struct {
	AttemptID  uint
	AnswerID   uint
	QuestionID uint
}

// AttemptTx exposes the mutations available inside a row-locked attempt
// transaction. The attempt row lock serializes status recomputation: two
// grade writes for the same attempt cannot interleave.
type AttemptTx interface {
	Attempt() *models.Attempt
	UpsertAnswer(answer *models.Answer) error
	UpsertAnswerSegment(segment *models.AnswerSegment) error
	ClearSelections(answerID uint) error
	UpsertGrade(grade *models.Grade) error
	GetAnswer(answerID uint) (models.Answer, error)
	// GradingCounts tallies the attempt's subjective answers and how many of
	// them hold a grade.
	GradingCounts() (lifecycle.Counts, error)
	SetStatus(status models.AttemptStatus) error
	MarkSubmitted(at time.Time) error
}

// AttemptRepository defines data operations for attempts.
type AttemptRepository interface {
	GetByID(ctx context.Context, id uint) (models.Attempt, error)
	GetByExamAndUser(ctx context.Context, examID, userID uint) (models.Attempt, error)
	Create(ctx context.Context, attempt *models.Attempt) error
	ListByExam(ctx context.Context, examID uint, statuses []models.AttemptStatus) ([]models.Attempt, error)
	// WithAttemptLock runs fn inside a transaction holding a FOR UPDATE lock
	// on the attempt row.
	WithAttemptLock(ctx context.Context, attemptID uint, fn func(tx AttemptTx) error) error
	// ListUngradedSubjectiveAnswers returns answers to TEXT/CODE questions
	// without a grade, across the exam's submitted-or-later attempts.
	ListUngradedSubjectiveAnswers(ctx context.Context, examID uint) ([]AnswerRef, error)
	// SubjectiveCounts tallies subjective answers and graded subjective
	// answers across the exam's submitted-or-later attempts.
	SubjectiveCounts(ctx context.Context, examID uint) (lifecycle.Counts, error)
	GetAnswerWithQuestion(ctx context.Context, answerID uint) (models.Answer, models.Question, error)
}

type attemptRepository struct {
	db *gorm.DB
}

// NewAttemptRepository instantiates the repository.
func NewAttemptRepository(db *gorm.DB) AttemptRepository {
	return &attemptRepository{db: db}
}

func (r *attemptRepository) baseQuery(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.Attempt{}).
		Preload("Answers").
		Preload("Answers.Segments").
		Preload("Answers.Grade")
}

func (r *attemptRepository) GetByID(ctx context.Context, id uint) (models.Attempt, error) {
	var attempt models.Attempt
	if err := r.baseQuery(ctx).First(&attempt, id).Error; err != nil {
		return models.Attempt{}, err
	}
	return attempt, nil
}

func (r *attemptRepository) GetByExamAndUser(ctx context.Context, examID, userID uint) (models.Attempt, error) {
	var attempt models.Attempt
	if err := r.baseQuery(ctx).
		Where("exam_id = ?", examID).
		Where("user_id = ?", userID).
		First(&attempt).Error; err != nil {
		return models.Attempt{}, err
	}
	return attempt, nil
}

func (r *attemptRepository) Create(ctx context.Context, attempt *models.Attempt) error {
	return r.db.WithContext(ctx).Create(attempt).Error
}

func (r *attemptRepository) ListByExam(ctx context.Context, examID uint, statuses []models.AttemptStatus) ([]models.Attempt, error) {
	query := r.db.WithContext(ctx).Model(&models.Attempt{}).Where("exam_id = ?", examID)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}

	var attempts []models.Attempt
	if err := query.Order("id ASC").Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}

func (r *attemptRepository) WithAttemptLock(ctx context.Context, attemptID uint, fn func(tx AttemptTx) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var attempt models.Attempt
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&attempt, attemptID).Error; err != nil {
			return err
		}

		return fn(&attemptTx{db: tx, attempt: &attempt})
	})
}

func (r *attemptRepository) ListUngradedSubjectiveAnswers(ctx context.Context, examID uint) ([]AnswerRef, error) {
	var refs []AnswerRef
	err := r.db.WithContext(ctx).Model(&models.Answer{}).
		Select("answers.attempt_id AS attempt_id, answers.id AS answer_id, answers.question_id AS question_id").
		Joins("JOIN attempts ON attempts.id = answers.attempt_id").
		Joins("JOIN questions ON questions.id = answers.question_id").
		Joins("LEFT JOIN grades ON grades.answer_id = answers.id").
		Where("attempts.exam_id = ?", examID).
		Where("attempts.status IN ?", submittedOrLater()).
		Where("questions.type IN ?", subjectiveTypes()).
		Where("grades.id IS NULL").
		Order("answers.id ASC").
		Scan(&refs).Error
	if err != nil {
		return nil, err
	}
	return refs, nil
}

func (r *attemptRepository) SubjectiveCounts(ctx context.Context, examID uint) (lifecycle.Counts, error) {
	base := r.db.WithContext(ctx).Model(&models.Answer{}).
		Joins("JOIN attempts ON attempts.id = answers.attempt_id").
		Joins("JOIN questions ON questions.id = answers.question_id").
		Where("attempts.exam_id = ?", examID).
		Where("attempts.status IN ?", submittedOrLater()).
		Where("questions.type IN ?", subjectiveTypes())

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return lifecycle.Counts{}, err
	}

	var graded int64
	if err := base.Session(&gorm.Session{}).
		Joins("JOIN grades ON grades.answer_id = answers.id").
		Count(&graded).Error; err != nil {
		return lifecycle.Counts{}, err
	}

	return lifecycle.Counts{Total: int(total), Graded: int(graded)}, nil
}

func (r *attemptRepository) GetAnswerWithQuestion(ctx context.Context, answerID uint) (models.Answer, models.Question, error) {
	var answer models.Answer
	if err := r.db.WithContext(ctx).
		Preload("Segments").
		Preload("Grade").
		First(&answer, answerID).Error; err != nil {
		return models.Answer{}, models.Question{}, err
	}

	var question models.Question
	if err := r.db.WithContext(ctx).
		Preload("Segments").
		Preload("Rubric").
		First(&question, answer.QuestionID).Error; err != nil {
		return models.Answer{}, models.Question{}, err
	}

	return answer, question, nil
}

func submittedOrLater() []models.AttemptStatus {
	return []models.AttemptStatus{
		models.AttemptStatusSubmitted,
		models.AttemptStatusGradingInProgress,
		models.AttemptStatusGraded,
	}
}

func subjectiveTypes() []models.QuestionType {
	return []models.QuestionType{models.QuestionTypeText, models.QuestionTypeCode}
}

type attemptTx struct {
	db      *gorm.DB
	attempt *models.Attempt
}

func (t *attemptTx) Attempt() *models.Attempt {
	return t.attempt
}

func (t *attemptTx) UpsertAnswer(answer *models.Answer) error {
	return t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "attempt_id"}, {Name: "question_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"attachment_url", "updated_at"}),
	}).Create(answer).Error
}

func (t *attemptTx) UpsertAnswerSegment(segment *models.AnswerSegment) error {
	return t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "answer_id"}, {Name: "segment_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "selected", "updated_at"}),
	}).Create(segment).Error
}

func (t *attemptTx) ClearSelections(answerID uint) error {
	return t.db.Model(&models.AnswerSegment{}).
		Where("answer_id = ?", answerID).
		Update("selected", false).Error
}

// UpsertGrade is keyed by answer: at-least-once job delivery collapses into
// a single grade row.
func (t *attemptTx) UpsertGrade(grade *models.Grade) error {
	return t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "answer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"score", "feedback", "graded_by_user_id", "is_overridden", "updated_at"}),
	}).Create(grade).Error
}

func (t *attemptTx) GetAnswer(answerID uint) (models.Answer, error) {
	var answer models.Answer
	if err := t.db.Preload("Segments").Preload("Grade").
		Where("attempt_id = ?", t.attempt.ID).
		First(&answer, answerID).Error; err != nil {
		return models.Answer{}, err
	}
	return answer, nil
}

func (t *attemptTx) GradingCounts() (lifecycle.Counts, error) {
	base := t.db.Model(&models.Answer{}).
		Joins("JOIN questions ON questions.id = answers.question_id").
		Where("answers.attempt_id = ?", t.attempt.ID).
		Where("questions.type IN ?", subjectiveTypes())

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return lifecycle.Counts{}, err
	}

	var graded int64
	if err := base.Session(&gorm.Session{}).
		Joins("JOIN grades ON grades.answer_id = answers.id").
		Count(&graded).Error; err != nil {
		return lifecycle.Counts{}, err
	}

	return lifecycle.Counts{Total: int(total), Graded: int(graded)}, nil
}

func (t *attemptTx) SetStatus(status models.AttemptStatus) error {
	t.attempt.Status = status
	return t.db.Model(&models.Attempt{}).
		Where("id = ?", t.attempt.ID).
		Update("status", status).Error
}

func (t *attemptTx) MarkSubmitted(at time.Time) error {
	t.attempt.Status = models.AttemptStatusSubmitted
	t.attempt.SubmittedAt = &at
	return t.db.Model(&models.Attempt{}).
		Where("id = ?", t.attempt.ID).
		Updates(map[string]interface{}{
			"status":       models.AttemptStatusSubmitted,
			"submitted_at": at,
		}).Error
}
