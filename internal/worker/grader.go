// Package worker consumes grading jobs and writes pipeline grades. Workers
// are safe to run in multiple replicas: delivery is at-least-once and grade
// writes are keyed by answer, so duplicate jobs collapse into one grade.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/examind/examind-api/internal/models"
	"github.com/examind/examind-api/internal/queue"
	"github.com/examind/examind-api/internal/repository"
	"github.com/examind/examind-api/internal/service"
	"github.com/examind/examind-api/pkg/ai"
	"github.com/examind/examind-api/pkg/sandbox"
)

// ProgressSubject carries per-answer grading progress events for streaming
// consumers.
const ProgressSubject = "examind.grading.progress"

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "examind",
		Subsystem: "grading",
		Name:      "jobs_processed_total",
		Help:      "Number of grading jobs processed by outcome",
	}, []string{"outcome"})

	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "examind",
		Subsystem: "grading",
		Name:      "job_duration_seconds",
		Help:      "Duration of grading job processing",
		Buckets:   prometheus.DefBuckets,
	})
)

// ProgressEvent is published on ProgressSubject after every grade write.
type ProgressEvent struct {
	ExamID    uint                 `json:"exam_id"`
	AttemptID uint                 `json:"attempt_id"`
	AnswerID  uint                 `json:"answer_id"`
	Status    models.AttemptStatus `json:"status"`
}

// Config groups the worker's tuning knobs.
type Config struct {
	// PollInterval bounds how long an idle worker waits between queue
	// checks when no NATS wake-up arrives.
	PollInterval time.Duration
	// MaxAttempts caps redeliveries before a job is dropped.
	MaxAttempts int
	// SandboxImages maps a question language to the container image used to
	// run code answers.
	SandboxImages map[string]string
	// SandboxTimeout bounds one sandboxed execution.
	SandboxTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.SandboxTimeout <= 0 {
		c.SandboxTimeout = 30 * time.Second
	}
	return c
}

// Grader is the grading job consumer.
type Grader struct {
	jobs      queue.Queue
	attempts  repository.AttemptRepository
	rubrics   repository.RubricRepository
	evaluator ai.Evaluator
	runner    sandbox.Runner
	nats      *nats.Conn
	cfg       Config
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// NewGrader constructs a worker. runner and natsConn may be nil: without a
// runner, code answers are evaluated on source alone; without NATS the
// worker relies on its polling ticker.
func NewGrader(jobs queue.Queue, attempts repository.AttemptRepository, rubrics repository.RubricRepository, evaluator ai.Evaluator, runner sandbox.Runner, natsConn *nats.Conn, cfg Config, logger zerolog.Logger) *Grader {
	return &Grader{
		jobs:      jobs,
		attempts:  attempts,
		rubrics:   rubrics,
		evaluator: evaluator,
		runner:    runner,
		nats:      natsConn,
		cfg:       cfg.withDefaults(),
		logger:    logger.With().Str("component", "grading_worker").Logger(),
		tracer:    otel.Tracer("github.com/examind/examind-api/internal/worker"),
	}
}

// Run consumes jobs until the context is cancelled. It drains the queue on
// every wake-up, then sleeps until the next NATS notification or tick.
func (g *Grader) Run(ctx context.Context) error {
	wake := make(chan struct{}, 1)

	if g.nats != nil {
		sub, err := g.nats.Subscribe(queue.JobsSubject, func(*nats.Msg) {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to job notifications: %w", err)
		}
		defer sub.Unsubscribe()
	}

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	g.logger.Info().Msg("grading worker started")

	for {
		g.drain(ctx)

		select {
		case <-ctx.Done():
			g.logger.Info().Msg("grading worker stopped")
			return ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

func (g *Grader) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, ok, err := g.jobs.Reserve(ctx)
		if err != nil {
			g.logger.Error().Err(err).Msg("failed to reserve grading job")
			return
		}
		if !ok {
			return
		}

		start := time.Now()
		if err := g.Process(ctx, job); err != nil {
			jobDuration.Observe(time.Since(start).Seconds())
			g.retry(ctx, job, err)
			continue
		}
		jobDuration.Observe(time.Since(start).Seconds())
	}
}

func (g *Grader) retry(ctx context.Context, job queue.GradingJob, cause error) {
	job.Attempts++
	if job.Attempts >= g.cfg.MaxAttempts {
		jobsProcessed.WithLabelValues("dead_lettered").Inc()
		g.logger.Error().Err(cause).
			Str("job_id", job.ID).
			Uint("answer_id", job.AnswerID).
			Int("attempts", job.Attempts).
			Msg("grading job dropped after max attempts")
		return
	}

	jobsProcessed.WithLabelValues("retried").Inc()
	g.logger.Warn().Err(cause).
		Str("job_id", job.ID).
		Uint("answer_id", job.AnswerID).
		Int("attempts", job.Attempts).
		Msg("grading job requeued")

	if err := g.jobs.Enqueue(ctx, job); err != nil {
		g.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to requeue grading job")
	}
}

// Process grades one answer. Jobs for answers that are gone, already graded
// or not subjective complete as no-ops; that keeps redeliveries and stale
// cancellations harmless.
func (g *Grader) Process(ctx context.Context, job queue.GradingJob) error {
	ctx, span := g.tracer.Start(ctx, "worker.process", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int64("answer.id", int64(job.AnswerID)),
	))
	defer span.End()

	answer, question, err := g.attempts.GetAnswerWithQuestion(ctx, job.AnswerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			jobsProcessed.WithLabelValues("skipped").Inc()
			g.logger.Warn().Str("job_id", job.ID).Uint("answer_id", job.AnswerID).Msg("answer gone, skipping job")
			return nil
		}
		span.RecordError(err)
		return err
	}

	if answer.Grade != nil || !question.IsSubjective() {
		jobsProcessed.WithLabelValues("skipped").Inc()
		return nil
	}

	input := ai.EvaluationInput{
		QuestionPrompt: question.Prompt,
		PointBudget:    question.TotalPoints(),
		RubricJSON:     g.rubricJSON(ctx, question),
		AnswerText:     answerText(answer),
		Language:       question.Language,
	}

	if question.Type == models.QuestionTypeCode {
		input.ProgramOutput = g.runCode(ctx, question, input.AnswerText)
	}

	result, err := g.evaluator.Evaluate(ctx, input)
	if err != nil {
		jobsProcessed.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("evaluate answer %d: %w", job.AnswerID, err)
	}

	score := result.Score
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	score *= question.TotalPoints()

	var status models.AttemptStatus
	err = g.attempts.WithAttemptLock(ctx, job.AttemptID, func(tx repository.AttemptTx) error {
		// A grade written since the job was cut wins; a human may have
		// graded or overridden in the meantime.
		current, err := tx.GetAnswer(job.AnswerID)
		if err != nil {
			return err
		}
		if current.Grade != nil {
			status = tx.Attempt().Status
			return nil
		}

		grade := models.Grade{
			AnswerID: job.AnswerID,
			Score:    score,
			Feedback: result.Feedback,
		}
		if err := tx.UpsertGrade(&grade); err != nil {
			return err
		}

		status, err = service.RecomputeStatus(tx)
		return err
	})
	if err != nil {
		jobsProcessed.WithLabelValues("failed").Inc()
		span.RecordError(err)
		return err
	}

	jobsProcessed.WithLabelValues("graded").Inc()
	g.publishProgress(ProgressEvent{
		ExamID:    job.ExamID,
		AttemptID: job.AttemptID,
		AnswerID:  job.AnswerID,
		Status:    status,
	})

	g.logger.Info().
		Str("job_id", job.ID).
		Uint("answer_id", job.AnswerID).
		Float64("score", score).
		Str("attempt_status", string(status)).
		Msg("answer graded")

	return nil
}

func (g *Grader) rubricJSON(ctx context.Context, question models.Question) string {
	if question.Rubric != nil {
		return string(question.Rubric.Criteria)
	}
	rubric, err := g.rubrics.GetByQuestionID(ctx, question.ID)
	if err != nil {
		return ""
	}
	return string(rubric.Criteria)
}

// runCode executes the answer in the sandbox and returns a transcript for
// the evaluator. Failures downgrade to source-only evaluation.
func (g *Grader) runCode(ctx context.Context, question models.Question, source string) string {
	if g.runner == nil {
		return ""
	}

	image, cmd, filename, ok := g.languageSetup(question.Language)
	if !ok {
		g.logger.Warn().Str("language", question.Language).Uint("question_id", question.ID).Msg("no sandbox image for language")
		return ""
	}

	workspace, err := os.MkdirTemp("", "examind-run-")
	if err != nil {
		g.logger.Error().Err(err).Msg("failed to create sandbox workspace")
		return ""
	}
	defer os.RemoveAll(workspace)

	if err := os.WriteFile(filepath.Join(workspace, filename), []byte(source), 0o600); err != nil {
		g.logger.Error().Err(err).Msg("failed to write sandbox source")
		return ""
	}

	result, err := g.runner.Run(ctx, sandbox.RunRequest{
		Image:     image,
		Cmd:       cmd,
		Workspace: workspace,
		Timeout:   g.cfg.SandboxTimeout,
	})
	if err != nil {
		g.logger.Warn().Err(err).Uint("question_id", question.ID).Msg("sandbox run failed")
		if result.TimedOut {
			return "execution timed out"
		}
		return ""
	}

	var transcript strings.Builder
	fmt.Fprintf(&transcript, "exit code: %d\n", result.ExitCode)
	if result.Stdout != "" {
		fmt.Fprintf(&transcript, "stdout:\n%s\n", result.Stdout)
	}
	if result.Stderr != "" {
		fmt.Fprintf(&transcript, "stderr:\n%s\n", result.Stderr)
	}
	return transcript.String()
}

func (g *Grader) languageSetup(language string) (image string, cmd []string, filename string, ok bool) {
	image, ok = g.cfg.SandboxImages[language]
	if !ok {
		return "", nil, "", false
	}

	switch language {
	case "python":
		return image, []string{"python3", "main.py"}, "main.py", true
	case "javascript":
		return image, []string{"node", "main.js"}, "main.js", true
	case "go":
		return image, []string{"go", "run", "main.go"}, "main.go", true
	case "sh":
		return image, []string{"sh", "main.sh"}, "main.sh", true
	default:
		return "", nil, "", false
	}
}

func (g *Grader) publishProgress(event ProgressEvent) {
	if g.nats == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := g.nats.Publish(ProgressSubject, payload); err != nil {
		g.logger.Warn().Err(err).Uint("answer_id", event.AnswerID).Msg("failed to publish progress event")
	}
}

func answerText(answer models.Answer) string {
	var parts []string
	for _, segment := range answer.Segments {
		if segment.Content != "" {
			parts = append(parts, segment.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}
