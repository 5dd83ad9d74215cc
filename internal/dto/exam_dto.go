package dto

import (
	"time"

	"github.com/examind/examind-api/internal/models"
)

// PublishExamRequest publishes a base exam under the given variant policy.
type PublishExamRequest struct {
	Policy models.PublishPolicy `json:"policy" validate:"required,oneof=publish_all publish_except_draft_variants delete_drafts_then_publish"`
}

// UpdateScheduleRequest changes an exam's answering window. Rejected once the
// exam is locked.
type UpdateScheduleRequest struct {
	StartAt         *time.Time `json:"start_at"`
	DurationMinutes *int       `json:"duration_minutes" validate:"omitempty,min=1"`
	EndAt           *time.Time `json:"end_at"`
}

// ExamResponse is the API projection of an exam.
type ExamResponse struct {
	ID              uint              `json:"id"`
	Title           string            `json:"title"`
	Status          models.ExamStatus `json:"status"`
	StartAt         *time.Time        `json:"start_at"`
	DurationMinutes *int              `json:"duration_minutes"`
	EndAt           *time.Time        `json:"end_at"`
	ParentExamID    *uint             `json:"parent_exam_id,omitempty"`
	CohortIDs       []uint            `json:"cohort_ids"`
}

// NewExamResponse maps an exam model to its response shape.
func NewExamResponse(exam models.Exam) ExamResponse {
	return ExamResponse{
		ID:              exam.ID,
		Title:           exam.Title,
		Status:          exam.Status,
		StartAt:         exam.StartAt,
		DurationMinutes: exam.DurationMinutes,
		EndAt:           exam.EndAt,
		ParentExamID:    exam.ParentExamID,
		CohortIDs:       exam.CohortIDs,
	}
}
