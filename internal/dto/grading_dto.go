package dto

// WriteGradeRequest records or overrides the grade for one answer.
type WriteGradeRequest struct {
	Score    float64 `json:"score" validate:"min=0"`
	Feedback string  `json:"feedback"`
}

// BatchEnqueueResponse reports the outcome of a bulk grading kick-off.
type BatchEnqueueResponse struct {
	ExamID         uint     `json:"exam_id"`
	Enqueued       int      `json:"enqueued"`
	RubricsCreated int      `json:"rubrics_created"`
	RubricsSkipped []string `json:"rubrics_skipped,omitempty"`
	AttemptsMarked int      `json:"attempts_marked"`
}

// BatchProgressResponse reports bulk grading progress for an exam.
type BatchProgressResponse struct {
	ExamID     uint    `json:"exam_id"`
	Completed  int     `json:"completed"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	Status     string  `json:"status"`
	CanCancel  bool    `json:"can_cancel"`
}

// BatchCancelResponse reports the outcome of a bulk grading cancellation.
type BatchCancelResponse struct {
	ExamID      uint `json:"exam_id"`
	JobsRemoved int  `json:"jobs_removed"`
	Reverted    int  `json:"reverted"`
}
