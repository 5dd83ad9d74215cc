package models

import "time"

// AttemptStatus enumerates the lifecycle states of an attempt.
type AttemptStatus string

const (
	// AttemptStatusInProgress indicates the examinee is still answering.
	AttemptStatusInProgress AttemptStatus = "in_progress"
	// AttemptStatusSubmitted indicates the attempt was handed in and no
	// subjective answer has been graded yet.
	AttemptStatusSubmitted AttemptStatus = "submitted"
	// AttemptStatusGradingInProgress indicates some but not all subjective
	// answers hold a grade.
	AttemptStatusGradingInProgress AttemptStatus = "grading_in_progress"
	// AttemptStatusGraded indicates every subjective answer holds a grade.
	AttemptStatusGraded AttemptStatus = "graded"
)

// Attempt is one examinee's run through one exam. Its status is derived from
// the grading state of its answers and must only be written by the lifecycle
// recomputation, apart from the initial in_progress and the submitted
// transition at hand-in.
type Attempt struct {
	ID          uint          `gorm:"primaryKey" json:"id"`
	ExamID      uint          `gorm:"not null;uniqueIndex:idx_attempt_exam_user" json:"exam_id"`
	UserID      uint          `gorm:"not null;uniqueIndex:idx_attempt_exam_user" json:"user_id"`
	Status      AttemptStatus `gorm:"size:32;not null;default:in_progress;index" json:"status"`
	StartedAt   time.Time     `gorm:"not null" json:"started_at"`
	SubmittedAt *time.Time    `json:"submitted_at"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Answers     []Answer      `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"answers,omitempty"`
}

// IsSubmitted reports whether the attempt has been handed in.
func (a Attempt) IsSubmitted() bool {
	return a.Status != AttemptStatusInProgress
}

// Answer holds one attempt's response to one question.
type Answer struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	AttemptID     uint            `gorm:"not null;uniqueIndex:idx_answer_attempt_question" json:"attempt_id"`
	QuestionID    uint            `gorm:"not null;uniqueIndex:idx_answer_attempt_question" json:"question_id"`
	AttachmentURL string          `gorm:"size:512" json:"attachment_url"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Segments      []AnswerSegment `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"segments,omitempty"`
	Grade         *Grade          `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"grade,omitempty"`
}

// SelectedSegmentIDs returns the segment identifiers the examinee selected.
func (a Answer) SelectedSegmentIDs() []uint {
	var ids []uint
	for _, segment := range a.Segments {
		if segment.Selected {
			ids = append(ids, segment.SegmentID)
		}
	}
	return ids
}

// AnswerSegment carries the content of an answer for a single segment: free
// text for TEXT/CODE questions, a selection flag for MCQ options.
type AnswerSegment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	AnswerID  uint      `gorm:"not null;uniqueIndex:idx_answer_segment" json:"answer_id"`
	SegmentID uint      `gorm:"not null;uniqueIndex:idx_answer_segment" json:"segment_id"`
	Content   string    `gorm:"type:text" json:"content"`
	Selected  bool      `gorm:"not null;default:false" json:"selected"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Grade is the scored outcome for one answer. GradedByUserID is nil when the
// pipeline produced the grade; IsOverridden becomes true once a human changes
// a pipeline grade and never reverts.
type Grade struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	AnswerID       uint      `gorm:"not null;uniqueIndex" json:"answer_id"`
	Score          float64   `gorm:"not null" json:"score"`
	Feedback       string    `gorm:"type:text" json:"feedback"`
	GradedByUserID *uint     `json:"graded_by_user_id"`
	IsOverridden   bool      `gorm:"not null;default:false" json:"is_overridden"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IsAutomatic reports whether the grade was produced by the pipeline.
func (g Grade) IsAutomatic() bool {
	return g.GradedByUserID == nil
}
