package service

import "errors"

// ErrExamNotFound indicates the exam could not be located.
var ErrExamNotFound = errors.New("exam not found")

// ErrAttemptNotFound indicates the attempt could not be located.
var ErrAttemptNotFound = errors.New("attempt not found")

// ErrAnswerNotFound indicates the answer could not be located.
var ErrAnswerNotFound = errors.New("answer not found")

// ErrQuestionNotFound indicates the question could not be located.
var ErrQuestionNotFound = errors.New("question not found")

// ErrForbidden indicates the actor lacks rights over the attempt or exam.
var ErrForbidden = errors.New("forbidden")

// ErrExamNotPublished indicates an attempt was opened against an unpublished exam.
var ErrExamNotPublished = errors.New("exam not published")

// ErrWindowClosed indicates the mutation arrived outside the answering window.
var ErrWindowClosed = errors.New("outside answering window")

// ErrExamLocked indicates a structural edit on a locked exam.
var ErrExamLocked = errors.New("exam is locked")

// ErrAttemptAlreadySubmitted indicates a mutation on a handed-in attempt.
var ErrAttemptAlreadySubmitted = errors.New("attempt already submitted")

// ErrAttemptNotSubmitted indicates a grading operation on an open attempt.
var ErrAttemptNotSubmitted = errors.New("attempt not submitted")

// ErrScoreExceedsMax indicates a grade score surpasses the question budget.
var ErrScoreExceedsMax = errors.New("score exceeds question max")

// ErrVariantNotPublishable indicates a publish call against a variant exam;
// variants publish on their own, only base exams take a policy.
var ErrVariantNotPublishable = errors.New("variant exams cannot be published with a policy")

// ErrNoApplicableExam indicates no published exam targets the cohort.
var ErrNoApplicableExam = errors.New("no applicable exam for cohort")

// Actor identifies the authenticated caller of a service operation.
type Actor struct {
	ID   uint
	Role string
}
