// Package scoring implements the deterministic scoring rule for objective
// questions. Scoring is a pure function so that retried submissions always
// produce the same grade.
package scoring

import "github.com/examind/examind-api/internal/models"

// Result describes the outcome of scoring one objective answer.
type Result struct {
	Score     float64 `json:"score"`
	IsCorrect bool    `json:"is_correct"`
	Selected  []uint  `json:"selected"`
	Correct   []uint  `json:"correct"`
}

// Score evaluates a selection set against a question's option configuration.
//
// With RequireAllCorrect the full point budget is awarded iff the selected
// set exactly equals the correct set; anything else scores zero. Otherwise
// partial credit applies: (correct picks - incorrect picks) / correct total,
// clamped to [0, total]. A question with no correct options rewards an empty
// selection with the full budget.
//
// The caller is responsible for rejecting malformed configurations (total
// points <= 0) before scoring.
func Score(question models.Question, selectedSegmentIDs []uint) Result {
	total := question.TotalPoints()

	selected := make(map[uint]struct{}, len(selectedSegmentIDs))
	for _, id := range selectedSegmentIDs {
		selected[id] = struct{}{}
	}

	correct := make(map[uint]struct{})
	var correctIDs []uint
	for _, segment := range question.Segments {
		if segment.IsCorrect {
			correct[segment.ID] = struct{}{}
			correctIDs = append(correctIDs, segment.ID)
		}
	}

	result := Result{
		Selected: uniqueIDs(selectedSegmentIDs),
		Correct:  correctIDs,
	}

	if question.RequireAllCorrect {
		if setsEqual(selected, correct) {
			result.Score = total
			result.IsCorrect = true
		}
		return result
	}

	if len(correct) == 0 {
		// No correct options defined means nothing should be selected.
		if len(selected) == 0 {
			result.Score = total
			result.IsCorrect = true
		}
		return result
	}

	var hits, misses int
	for id := range selected {
		if _, ok := correct[id]; ok {
			hits++
		} else {
			misses++
		}
	}

	score := float64(hits-misses) / float64(len(correct)) * total
	if score < 0 {
		score = 0
	}
	if score > total {
		score = total
	}

	result.Score = score
	result.IsCorrect = hits == len(correct) && misses == 0
	return result
}

func setsEqual(a, b map[uint]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}

func uniqueIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	var out []uint
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
