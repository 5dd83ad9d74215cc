package service

import (
	"github.com/examind/examind-api/internal/lifecycle"
	"github.com/examind/examind-api/internal/models"
	"github.com/examind/examind-api/internal/repository"
)

// RecomputeStatus derives the attempt status from its grading counts inside
// the caller's row-locked transaction, so concurrent grade writes for the
// same attempt serialize on the attempt row. Attempts still in progress are
// left alone; lifecycle.ErrConsistency propagates untouched.
func RecomputeStatus(tx repository.AttemptTx) (models.AttemptStatus, error) {
	attempt := tx.Attempt()
	if attempt.Status == models.AttemptStatusInProgress {
		return attempt.Status, nil
	}

	counts, err := tx.GradingCounts()
	if err != nil {
		return attempt.Status, err
	}

	status, err := lifecycle.StatusFor(counts)
	if err != nil {
		return attempt.Status, err
	}

	if status == attempt.Status {
		return status, nil
	}

	return status, tx.SetStatus(status)
}
