// Package lifecycle owns the attempt status recomputation rule. Status is
// derived state: outside of attempt creation and hand-in it must only be
// written with the value StatusFor produces.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/examind/examind-api/internal/models"
)

// ErrConsistency indicates the stored grading state is impossible, e.g. more
// grades than gradable answers. Callers must surface it and leave the data
// untouched.
var ErrConsistency = errors.New("inconsistent grading state")

// Counts summarises an attempt's asynchronous grading obligations: answers to
// subjective questions and how many of them hold a grade. Objective answers
// are scored synchronously at submission and never appear here.
type Counts struct {
	Total  int
	Graded int
}

// StatusFor maps grading counts to the attempt status. The mapping is a pure
// function of the counts, so concurrent recomputations that observe the same
// state converge on the same status.
func StatusFor(counts Counts) (models.AttemptStatus, error) {
	if counts.Total < 0 || counts.Graded < 0 || counts.Graded > counts.Total {
		return "", fmt.Errorf("%w: %d graded of %d answers", ErrConsistency, counts.Graded, counts.Total)
	}

	switch {
	case counts.Graded == counts.Total:
		// Total may be 0: an all-objective exam is graded as soon as it is
		// submitted.
		return models.AttemptStatusGraded, nil
	case counts.Graded == 0:
		return models.AttemptStatusSubmitted, nil
	default:
		return models.AttemptStatusGradingInProgress, nil
	}
}
