package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	aiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "examind",
		Subsystem: "ai",
		Name:      "request_duration_seconds",
		Help:      "Duration of AI requests",
	}, []string{"model", "operation"})

	aiFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "examind",
		Subsystem: "ai",
		Name:      "request_failures_total",
		Help:      "Number of AI request failures",
	}, []string{"model", "operation"})
)

// rubricSchema constrains the JSON a model may return for a rubric. Anything
// that fails validation is treated as a generation failure.
const rubricSchema = `{
  "type": "object",
  "required": ["criteria"],
  "properties": {
    "criteria": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["title", "max_points"],
        "properties": {
          "title": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "max_points": {"type": "number", "minimum": 0}
        }
      }
    }
  }
}`

// OpenAIConfig defines configuration options for the OpenAI clients.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
}

// OpenAIClient implements RubricGenerator and Evaluator against the OpenAI
// chat completion API.
type OpenAIClient struct {
	client *openai.Client
	cfg    OpenAIConfig
	schema *jsonschema.Schema
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIClient builds a client using the provided configuration.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("rubric.json", strings.NewReader(rubricSchema)); err != nil {
		return nil, fmt.Errorf("register rubric schema: %w", err)
	}
	schema, err := compiler.Compile("rubric.json")
	if err != nil {
		return nil, fmt.Errorf("compile rubric schema: %w", err)
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(openai.DefaultConfig(cfg.APIKey)),
		cfg:    cfg,
		schema: schema,
		tracer: otel.Tracer("github.com/examind/examind-api/pkg/ai"),
		logger: logger,
	}, nil
}

// Generate asks the model for a grading rubric and validates the response
// against the rubric schema.
func (c *OpenAIClient) Generate(parent context.Context, input RubricInput) (RubricResult, error) {
	ctx, span := c.tracer.Start(parent, "openai.rubric.generate", trace.WithAttributes(
		attribute.String("model", c.cfg.Model),
	))
	defer span.End()

	content, err := c.complete(ctx, "rubric", rubricSystemPrompt(), buildRubricPrompt(input))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return RubricResult{}, err
	}

	var doc interface{}
	if err := json.NewDecoder(bytes.NewReader([]byte(content))).Decode(&doc); err != nil {
		aiFailures.WithLabelValues(c.cfg.Model, "rubric").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "rubric_parse_failed")
		return RubricResult{}, fmt.Errorf("parse rubric json: %w", err)
	}

	if err := c.schema.Validate(doc); err != nil {
		aiFailures.WithLabelValues(c.cfg.Model, "rubric").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "rubric_schema_invalid")
		return RubricResult{}, fmt.Errorf("rubric schema validation: %w", err)
	}

	var result RubricResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return RubricResult{}, fmt.Errorf("decode rubric: %w", err)
	}
	result.Raw = []byte(content)

	return result, nil
}

// Evaluate sends the grading request to OpenAI and parses the response.
func (c *OpenAIClient) Evaluate(parent context.Context, input EvaluationInput) (EvaluationResult, error) {
	ctx, span := c.tracer.Start(parent, "openai.answer.evaluate", trace.WithAttributes(
		attribute.String("model", c.cfg.Model),
	))
	defer span.End()

	content, err := c.complete(ctx, "evaluate", evaluatorSystemPrompt(), buildEvaluationPrompt(input))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return EvaluationResult{}, err
	}

	result, err := parseEvaluationResponse(content)
	if err != nil {
		aiFailures.WithLabelValues(c.cfg.Model, "evaluate").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return EvaluationResult{}, err
	}

	return result, nil
}

func (c *OpenAIClient) complete(ctx context.Context, operation, system, user string) (string, error) {
	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	aiDuration.WithLabelValues(c.cfg.Model, operation).Observe(time.Since(start).Seconds())
	if err != nil {
		aiFailures.WithLabelValues(c.cfg.Model, operation).Inc()
		return "", fmt.Errorf("openai %s request: %w", operation, err)
	}

	if len(resp.Choices) == 0 {
		aiFailures.WithLabelValues(c.cfg.Model, operation).Inc()
		return "", fmt.Errorf("no choices returned from openai")
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func rubricSystemPrompt() string {
	return "You are an assessment designer. Given an exam question and its point budget, respond with a JSON object containing" +
		" a criteria array; each criterion has title, description, and max_points. The criterion points must sum to the budget."
}

func buildRubricPrompt(input RubricInput) string {
	builder := strings.Builder{}
	builder.WriteString("# Question\n")
	builder.WriteString(input.Prompt)
	fmt.Fprintf(&builder, "\n\n## Point Budget\n%.2f\n", input.PointBudget)
	if len(input.Criteria) > 0 {
		builder.WriteString("\n## Scorable Parts\n")
		for _, criterion := range input.Criteria {
			fmt.Fprintf(&builder, "- %s (%.2f points)\n", criterion.Title, criterion.MaxPoints)
		}
	}
	builder.WriteString("\nReturn JSON.")
	return builder.String()
}

func evaluatorSystemPrompt() string {
	return "You are an exam grader. Respond with a JSON object containing score (0-1 fraction of the point budget earned), ver" +
		"dict, and feedback for the examinee. Grade strictly against the rubric when one is provided; otherwise grade against " +
		"the question prompt alone."
}

func buildEvaluationPrompt(input EvaluationInput) string {
	builder := strings.Builder{}
	builder.WriteString("# Question\n")
	builder.WriteString(input.QuestionPrompt)
	fmt.Fprintf(&builder, "\n\n## Point Budget\n%.2f\n", input.PointBudget)
	if input.RubricJSON != "" {
		builder.WriteString("\n## Rubric\n")
		builder.WriteString(input.RubricJSON)
	}
	builder.WriteString("\n\n## Answer\n")
	builder.WriteString(input.AnswerText)
	if input.Language != "" {
		builder.WriteString("\n\n## Language\n")
		builder.WriteString(input.Language)
	}
	if input.ProgramOutput != "" {
		builder.WriteString("\n\n## Program Output\n")
		builder.WriteString(input.ProgramOutput)
	}
	builder.WriteString("\nReturn JSON.")
	return builder.String()
}

func parseEvaluationResponse(content string) (EvaluationResult, error) {
	type payload struct {
		Score    float64 `json:"score"`
		Feedback string  `json:"feedback"`
		Verdict  string  `json:"verdict"`
	}

	var data payload
	if err := json.Unmarshal([]byte(content), &data); err != nil {
		return EvaluationResult{}, fmt.Errorf("parse evaluation json: %w", err)
	}

	if data.Score < 0 {
		data.Score = 0
	}
	if data.Score > 1 {
		data.Score = 1
	}

	return EvaluationResult{
		Score:    data.Score,
		Feedback: data.Feedback,
		Verdict:  data.Verdict,
	}, nil
}
