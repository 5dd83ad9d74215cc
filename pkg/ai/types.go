package ai

import "context"

// RubricInput carries the question material a rubric is synthesized from.
type RubricInput struct {
	Prompt      string
	PointBudget float64
	Criteria    []CriterionBudget
}

// CriterionBudget names one scorable part of the question and its points.
type CriterionBudget struct {
	Title     string
	MaxPoints float64
}

// RubricResult is the structured rubric returned by generation.
type RubricResult struct {
	Criteria []RubricCriterion `json:"criteria"`
	Raw      []byte            `json:"-"`
}

// RubricCriterion is one generated grading criterion.
type RubricCriterion struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	MaxPoints   float64 `json:"max_points"`
}

// RubricGenerator synthesizes a grading rubric for a subjective question.
type RubricGenerator interface {
	Generate(ctx context.Context, input RubricInput) (RubricResult, error)
}

// EvaluationInput contains the artefacts needed to grade one answer.
type EvaluationInput struct {
	QuestionPrompt string
	PointBudget    float64
	RubricJSON     string
	AnswerText     string
	ProgramOutput  string
	Language       string
}

// EvaluationResult is the structured feedback returned by the AI evaluator.
// Score is normalized to 0-1; callers scale it to the point budget.
type EvaluationResult struct {
	Score    float64                `json:"score"`
	Feedback string                 `json:"feedback"`
	Verdict  string                 `json:"verdict"`
	Raw      map[string]interface{} `json:"raw,omitempty"`
}

// Evaluator describes an AI model capable of grading free-text and code
// answers.
type Evaluator interface {
	Evaluate(ctx context.Context, input EvaluationInput) (EvaluationResult, error)
}
