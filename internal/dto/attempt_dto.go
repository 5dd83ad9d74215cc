package dto

import (
	"time"

	"github.com/examind/examind-api/internal/models"
)

// StartAttemptRequest opens an attempt for the authenticated examinee.
type StartAttemptRequest struct {
	ExamID uint `json:"exam_id" validate:"required"`
}

// SegmentContent carries autosaved free-text content for one segment.
type SegmentContent struct {
	SegmentID uint   `json:"segment_id" validate:"required"`
	Content   string `json:"content"`
}

// SaveAnswerRequest autosaves one answer: a selection set for MCQ questions
// or segment contents for free-text/code questions.
type SaveAnswerRequest struct {
	SelectedSegmentIDs []uint           `json:"selected_segment_ids,omitempty"`
	Segments           []SegmentContent `json:"segments,omitempty" validate:"dive"`
}

// GradeResponse is the API projection of a grade.
type GradeResponse struct {
	Score          float64 `json:"score"`
	Feedback       string  `json:"feedback"`
	GradedByUserID *uint   `json:"graded_by_user_id"`
	IsOverridden   bool    `json:"is_overridden"`
}

// AnswerResponse is the API projection of an answer.
type AnswerResponse struct {
	ID            uint             `json:"id"`
	QuestionID    uint             `json:"question_id"`
	AttachmentURL string           `json:"attachment_url,omitempty"`
	Segments      []SegmentContent `json:"segments,omitempty"`
	Selected      []uint           `json:"selected,omitempty"`
	Grade         *GradeResponse   `json:"grade,omitempty"`
}

// AttemptResponse is the API projection of an attempt.
type AttemptResponse struct {
	ID          uint                 `json:"id"`
	ExamID      uint                 `json:"exam_id"`
	UserID      uint                 `json:"user_id"`
	Status      models.AttemptStatus `json:"status"`
	StartedAt   time.Time            `json:"started_at"`
	SubmittedAt *time.Time           `json:"submitted_at"`
	Answers     []AnswerResponse     `json:"answers,omitempty"`
	// AlreadyApplied marks an idempotent replay: the request was recognised
	// and not reapplied.
	AlreadyApplied bool `json:"already_applied,omitempty"`
}

// NewGradeResponse maps a grade model to its response shape.
func NewGradeResponse(grade models.Grade) GradeResponse {
	return GradeResponse{
		Score:          grade.Score,
		Feedback:       grade.Feedback,
		GradedByUserID: grade.GradedByUserID,
		IsOverridden:   grade.IsOverridden,
	}
}

// NewAnswerResponse maps an answer model to its response shape.
func NewAnswerResponse(answer models.Answer) AnswerResponse {
	resp := AnswerResponse{
		ID:            answer.ID,
		QuestionID:    answer.QuestionID,
		AttachmentURL: answer.AttachmentURL,
		Selected:      answer.SelectedSegmentIDs(),
	}

	for _, segment := range answer.Segments {
		if segment.Content != "" {
			resp.Segments = append(resp.Segments, SegmentContent{
				SegmentID: segment.SegmentID,
				Content:   segment.Content,
			})
		}
	}

	if answer.Grade != nil {
		grade := NewGradeResponse(*answer.Grade)
		resp.Grade = &grade
	}

	return resp
}

// NewAttemptResponse maps an attempt model to its response shape.
func NewAttemptResponse(attempt models.Attempt) AttemptResponse {
	resp := AttemptResponse{
		ID:          attempt.ID,
		ExamID:      attempt.ExamID,
		UserID:      attempt.UserID,
		Status:      attempt.Status,
		StartedAt:   attempt.StartedAt,
		SubmittedAt: attempt.SubmittedAt,
	}

	for _, answer := range attempt.Answers {
		resp.Answers = append(resp.Answers, NewAnswerResponse(answer))
	}

	return resp
}
