package models

import (
	"time"

	"gorm.io/datatypes"
)

// ExamStatus enumerates the publication states of an exam.
type ExamStatus string

const (
	// ExamStatusDraft marks an exam that is still being edited.
	ExamStatusDraft ExamStatus = "draft"
	// ExamStatusPublished marks an exam visible to its target cohorts.
	ExamStatusPublished ExamStatus = "published"
)

// PublishPolicy selects how draft variants are handled when a base exam is published.
type PublishPolicy string

const (
	// PublishAll publishes the base exam regardless of draft variants.
	PublishAll PublishPolicy = "publish_all"
	// PublishExceptDraftVariants removes cohorts covered by draft variants from the base targets.
	PublishExceptDraftVariants PublishPolicy = "publish_except_draft_variants"
	// DeleteDraftsThenPublish deletes draft variants and publishes the base covering all cohorts.
	DeleteDraftsThenPublish PublishPolicy = "delete_drafts_then_publish"
)

// Exam represents a schedulable assessment. An exam with ParentExamID set is a
// cohort-scoped variant of its base exam; the variant's schedule overrides the
// base schedule for the cohorts it targets.
type Exam struct {
	ID              uint                      `gorm:"primaryKey" json:"id"`
	Title           string                    `gorm:"size:255;not null" json:"title"`
	Status          ExamStatus                `gorm:"size:32;not null;default:draft" json:"status"`
	StartAt         *time.Time                `json:"start_at"`
	DurationMinutes *int                      `json:"duration_minutes"`
	EndAt           *time.Time                `json:"end_at"`
	ParentExamID    *uint                     `gorm:"index" json:"parent_exam_id"`
	CohortIDs       datatypes.JSONSlice[uint] `json:"cohort_ids"`
	CreatedAt       time.Time                 `json:"created_at"`
	UpdatedAt       time.Time                 `json:"updated_at"`
	Sections        []Section                 `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"sections,omitempty"`
	Variants        []Exam                    `gorm:"foreignKey:ParentExamID" json:"variants,omitempty"`
}

// IsVariant reports whether the exam overrides a base exam.
func (e Exam) IsVariant() bool {
	return e.ParentExamID != nil
}

// Targets reports whether the exam is aimed at the given cohort.
func (e Exam) Targets(cohortID uint) bool {
	for _, id := range e.CohortIDs {
		if id == cohortID {
			return true
		}
	}
	return false
}

// Section groups questions and may override the exam answering window.
type Section struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	ExamID    uint       `gorm:"not null;index" json:"exam_id"`
	Title     string     `gorm:"size:255" json:"title"`
	Position  int        `gorm:"not null;default:0" json:"position"`
	StartAt   *time.Time `json:"start_at"`
	EndAt     *time.Time `json:"end_at"`
	Questions []Question `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"questions,omitempty"`
}

// QuestionType enumerates the supported question kinds.
type QuestionType string

const (
	// QuestionTypeText is a free-text question graded asynchronously.
	QuestionTypeText QuestionType = "text"
	// QuestionTypeMCQ is a multiple-choice question scored at submission.
	QuestionTypeMCQ QuestionType = "mcq"
	// QuestionTypeCode is a programming question graded asynchronously.
	QuestionTypeCode QuestionType = "code"
)

// Question is a scorable unit inside a section. MCQ questions may set
// MaxPoints directly; for the other types the total derives from segments.
type Question struct {
	ID                uint         `gorm:"primaryKey" json:"id"`
	SectionID         uint         `gorm:"not null;index" json:"section_id"`
	Type              QuestionType `gorm:"size:16;not null" json:"type"`
	Prompt            string       `gorm:"type:text" json:"prompt"`
	RequireAllCorrect bool         `gorm:"not null;default:false" json:"require_all_correct"`
	Language          string       `gorm:"size:32" json:"language,omitempty"`
	MaxPoints         *float64     `json:"max_points"`
	Position          int          `gorm:"not null;default:0" json:"position"`
	Segments          []Segment    `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"segments,omitempty"`
	Rubric            *Rubric      `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"rubric,omitempty"`
}

// IsSubjective reports whether the question needs asynchronous grading.
func (q Question) IsSubjective() bool {
	return q.Type == QuestionTypeText || q.Type == QuestionTypeCode
}

// TotalPoints returns the question's point budget: MaxPoints when set,
// otherwise the sum of segment points.
func (q Question) TotalPoints() float64 {
	if q.MaxPoints != nil {
		return *q.MaxPoints
	}
	var total float64
	for _, segment := range q.Segments {
		total += segment.MaxPoints
	}
	return total
}

// Segment is a question sub-unit: an MCQ option or a rubric-scored part of a
// free-text/code question.
type Segment struct {
	ID         uint    `gorm:"primaryKey" json:"id"`
	QuestionID uint    `gorm:"not null;index" json:"question_id"`
	Text       string  `gorm:"type:text" json:"text"`
	MaxPoints  float64 `gorm:"not null;default:0" json:"max_points"`
	IsCorrect  bool    `gorm:"not null;default:false" json:"is_correct"`
	Position   int     `gorm:"not null;default:0" json:"position"`
}
