package scoring

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/examind/examind-api/internal/models"
)

func mcqQuestion(requireAll bool, maxPoints *float64, segments ...models.Segment) models.Question {
	return models.Question{
		ID:                1,
		Type:              models.QuestionTypeMCQ,
		RequireAllCorrect: requireAll,
		MaxPoints:         maxPoints,
		Segments:          segments,
	}
}

func points(v float64) *float64 { return &v }

func TestScoreAllOrNothing(t *testing.T) {
	question := mcqQuestion(true, points(10),
		models.Segment{ID: 1, IsCorrect: true},
		models.Segment{ID: 2, IsCorrect: true},
		models.Segment{ID: 3, IsCorrect: false},
	)

	exact := Score(question, []uint{2, 1})
	require.Equal(t, 10.0, exact.Score)
	require.True(t, exact.IsCorrect)

	partial := Score(question, []uint{1})
	require.Zero(t, partial.Score)
	require.False(t, partial.IsCorrect)

	extra := Score(question, []uint{1, 2, 3})
	require.Zero(t, extra.Score)
}

func TestScorePartialCredit(t *testing.T) {
	question := mcqQuestion(false, points(4),
		models.Segment{ID: 1, IsCorrect: true},
		models.Segment{ID: 2, IsCorrect: true},
		models.Segment{ID: 3, IsCorrect: false},
	)

	full := Score(question, []uint{1, 2})
	require.Equal(t, 4.0, full.Score)
	require.True(t, full.IsCorrect)

	// One wrong pick next to two right ones on a 2-correct question: ((2-1)/2)*total.
	mixed := Score(question, []uint{1, 2, 3})
	require.Equal(t, 2.0, mixed.Score)
	require.False(t, mixed.IsCorrect)

	onlyWrong := Score(question, []uint{3})
	require.Zero(t, onlyWrong.Score)
}

func TestScoreNeverNegative(t *testing.T) {
	question := mcqQuestion(false, points(6),
		models.Segment{ID: 1, IsCorrect: true},
		models.Segment{ID: 2, IsCorrect: false},
		models.Segment{ID: 3, IsCorrect: false},
	)

	result := Score(question, []uint{2, 3})
	require.Zero(t, result.Score)
}

func TestScoreNoCorrectOptions(t *testing.T) {
	question := mcqQuestion(false, points(5),
		models.Segment{ID: 1, IsCorrect: false},
		models.Segment{ID: 2, IsCorrect: false},
	)

	empty := Score(question, nil)
	require.Equal(t, 5.0, empty.Score)
	require.True(t, empty.IsCorrect)

	any := Score(question, []uint{1})
	require.Zero(t, any.Score)
	require.False(t, any.IsCorrect)
}

func TestScoreTotalFromSegments(t *testing.T) {
	question := mcqQuestion(false, nil,
		models.Segment{ID: 1, IsCorrect: true, MaxPoints: 3},
		models.Segment{ID: 2, IsCorrect: true, MaxPoints: 3},
	)

	result := Score(question, []uint{1, 2})
	require.Equal(t, 6.0, result.Score)
}

func TestScoreOrderInvariantAndIdempotent(t *testing.T) {
	question := mcqQuestion(false, points(8),
		models.Segment{ID: 1, IsCorrect: true},
		models.Segment{ID: 2, IsCorrect: true},
		models.Segment{ID: 3, IsCorrect: true},
		models.Segment{ID: 4, IsCorrect: false},
	)

	forward := Score(question, []uint{1, 2, 4})
	backward := Score(question, []uint{4, 2, 1})
	require.Equal(t, forward.Score, backward.Score)
	require.Equal(t, forward.IsCorrect, backward.IsCorrect)

	again := Score(question, []uint{1, 2, 4})
	require.Equal(t, forward, again)
}

func TestScoreDuplicateSelections(t *testing.T) {
	question := mcqQuestion(false, points(4),
		models.Segment{ID: 1, IsCorrect: true},
		models.Segment{ID: 2, IsCorrect: true},
	)

	result := Score(question, []uint{1, 1, 2, 2})
	require.Equal(t, 4.0, result.Score)
	require.True(t, result.IsCorrect)
}
