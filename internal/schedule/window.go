// Package schedule computes answering windows and lock state for exams.
// Defaulting rules live here so call sites never null-coalesce schedule
// fields themselves.
package schedule

import (
	"time"

	"github.com/examind/examind-api/internal/models"
)

// SubmitGrace is added to the window end only at final submission, to
// tolerate network latency on the examinee's last action. Autosaves get no
// grace.
const SubmitGrace = 60 * time.Second

// Window is the resolved answering window of an exam or section. A nil End
// means the window never expires.
type Window struct {
	Start *time.Time
	End   *time.Time
}

// EffectiveEnd resolves the end of an answering window: the explicit end
// wins; otherwise start plus duration when both are present; otherwise nil.
func EffectiveEnd(startAt *time.Time, durationMinutes *int, endAt *time.Time) *time.Time {
	if endAt != nil {
		return endAt
	}
	if startAt != nil && durationMinutes != nil {
		end := startAt.Add(time.Duration(*durationMinutes) * time.Minute)
		return &end
	}
	return nil
}

// ForExam resolves the exam's answering window, applying a section override
// when the section carries its own bounds.
func ForExam(exam models.Exam, section *models.Section) Window {
	window := Window{
		Start: exam.StartAt,
		End:   EffectiveEnd(exam.StartAt, exam.DurationMinutes, exam.EndAt),
	}

	if section != nil {
		if section.StartAt != nil {
			window.Start = section.StartAt
		}
		if section.EndAt != nil {
			window.End = section.EndAt
		}
	}

	return window
}

// Contains reports whether now falls inside the window, extended by grace at
// the end. Pass zero grace for autosaves.
func (w Window) Contains(now time.Time, grace time.Duration) bool {
	if w.Start != nil && now.Before(*w.Start) {
		return false
	}
	if w.End != nil && now.After(w.End.Add(grace)) {
		return false
	}
	return true
}

// Locked reports whether the exam's structure may no longer be edited: a
// published exam locks once its start time has passed. The lock is distinct
// from the answering window, which may extend past it.
func Locked(exam models.Exam, now time.Time) bool {
	if exam.Status != models.ExamStatusPublished {
		return false
	}
	return exam.StartAt != nil && !now.Before(*exam.StartAt)
}
