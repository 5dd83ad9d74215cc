package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/examind/examind-api/internal/lifecycle"
	"github.com/examind/examind-api/internal/models"
	"github.com/examind/examind-api/internal/queue"
	"github.com/examind/examind-api/internal/repository"
	"github.com/examind/examind-api/pkg/ai"
)

type gradeStore struct {
	mu        sync.Mutex
	attempt   models.Attempt
	answers   map[uint]models.Answer
	questions map[uint]models.Question
	grades    map[uint]models.Grade
}

func newGradeStore() *gradeStore {
	now := time.Now()
	return &gradeStore{
		attempt: models.Attempt{
			ID:          1,
			ExamID:      1,
			UserID:      7,
			Status:      models.AttemptStatusGradingInProgress,
			SubmittedAt: &now,
		},
		answers:   make(map[uint]models.Answer),
		questions: make(map[uint]models.Question),
		grades:    make(map[uint]models.Grade),
	}
}

func (s *gradeStore) GetByID(ctx context.Context, id uint) (models.Attempt, error) {
	return s.attempt, nil
}

func (s *gradeStore) GetByExamAndUser(ctx context.Context, examID, userID uint) (models.Attempt, error) {
	return s.attempt, nil
}

func (s *gradeStore) Create(ctx context.Context, attempt *models.Attempt) error {
	return nil
}

func (s *gradeStore) ListByExam(ctx context.Context, examID uint, statuses []models.AttemptStatus) ([]models.Attempt, error) {
	return []models.Attempt{s.attempt}, nil
}

func (s *gradeStore) WithAttemptLock(ctx context.Context, attemptID uint, fn func(tx repository.AttemptTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&gradeStoreTx{store: s})
}

func (s *gradeStore) ListUngradedSubjectiveAnswers(ctx context.Context, examID uint) ([]repository.AnswerRef, error) {
	return nil, nil
}

func (s *gradeStore) SubjectiveCounts(ctx context.Context, examID uint) (lifecycle.Counts, error) {
	return s.counts(), nil
}

func (s *gradeStore) GetAnswerWithQuestion(ctx context.Context, answerID uint) (models.Answer, models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	answer, ok := s.answers[answerID]
	if !ok {
		return models.Answer{}, models.Question{}, gorm.ErrRecordNotFound
	}
	if grade, ok := s.grades[answerID]; ok {
		g := grade
		answer.Grade = &g
	}
	question := s.questions[answer.QuestionID]
	return answer, question, nil
}

func (s *gradeStore) counts() lifecycle.Counts {
	counts := lifecycle.Counts{}
	for id, answer := range s.answers {
		question := s.questions[answer.QuestionID]
		if !question.IsSubjective() {
			continue
		}
		counts.Total++
		if _, ok := s.grades[id]; ok {
			counts.Graded++
		}
	}
	return counts
}

type gradeStoreTx struct {
	store *gradeStore
}

func (t *gradeStoreTx) Attempt() *models.Attempt { return &t.store.attempt }

func (t *gradeStoreTx) UpsertAnswer(answer *models.Answer) error { return nil }

func (t *gradeStoreTx) UpsertAnswerSegment(segment *models.AnswerSegment) error { return nil }

func (t *gradeStoreTx) ClearSelections(answerID uint) error { return nil }

func (t *gradeStoreTx) UpsertGrade(grade *models.Grade) error {
	t.store.grades[grade.AnswerID] = *grade
	return nil
}

func (t *gradeStoreTx) GetAnswer(answerID uint) (models.Answer, error) {
	answer, ok := t.store.answers[answerID]
	if !ok {
		return models.Answer{}, gorm.ErrRecordNotFound
	}
	if grade, ok := t.store.grades[answerID]; ok {
		g := grade
		answer.Grade = &g
	}
	return answer, nil
}

func (t *gradeStoreTx) GradingCounts() (lifecycle.Counts, error) {
	return t.store.counts(), nil
}

func (t *gradeStoreTx) SetStatus(status models.AttemptStatus) error {
	t.store.attempt.Status = status
	return nil
}

func (t *gradeStoreTx) MarkSubmitted(at time.Time) error {
	t.store.attempt.Status = models.AttemptStatusSubmitted
	t.store.attempt.SubmittedAt = &at
	return nil
}

type fixedRubricRepo struct {
	rubric models.Rubric
	err    error
}

func (f *fixedRubricRepo) GetByQuestionID(ctx context.Context, questionID uint) (models.Rubric, error) {
	if f.err != nil {
		return models.Rubric{}, f.err
	}
	return f.rubric, nil
}

func (f *fixedRubricRepo) Create(ctx context.Context, rubric *models.Rubric) error { return nil }

type fakeEvaluator struct {
	result ai.EvaluationResult
	err    error
	inputs []ai.EvaluationInput
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, input ai.EvaluationInput) (ai.EvaluationResult, error) {
	f.inputs = append(f.inputs, input)
	if f.err != nil {
		return ai.EvaluationResult{}, f.err
	}
	return f.result, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func newGraderFixture(t *testing.T, evaluator *fakeEvaluator) (*gradeStore, *Grader) {
	t.Helper()

	store := newGradeStore()
	store.questions[2] = models.Question{
		ID:       2,
		Type:     models.QuestionTypeText,
		Prompt:   "Explain consensus",
		Segments: []models.Segment{{ID: 21, QuestionID: 2, MaxPoints: 10}},
	}
	store.answers[10] = models.Answer{
		ID:         10,
		AttemptID:  1,
		QuestionID: 2,
		Segments:   []models.AnswerSegment{{SegmentID: 21, Content: "Replicas vote on a leader"}},
	}

	rubrics := &fixedRubricRepo{err: gorm.ErrRecordNotFound}
	grader := NewGrader(queue.NewMemory(), store, rubrics, evaluator, nil, nil, Config{}, testLogger())
	return store, grader
}

func TestProcessGradesAnswerAndFinishesAttempt(t *testing.T) {
	evaluator := &fakeEvaluator{result: ai.EvaluationResult{Score: 0.8, Feedback: "solid reasoning"}}
	store, grader := newGraderFixture(t, evaluator)

	err := grader.Process(context.Background(), queue.GradingJob{ID: "j1", ExamID: 1, AttemptID: 1, AnswerID: 10, QuestionID: 2})
	require.NoError(t, err)

	grade, ok := store.grades[10]
	require.True(t, ok)
	require.InDelta(t, 8.0, grade.Score, 1e-9)
	require.Equal(t, "solid reasoning", grade.Feedback)
	require.Nil(t, grade.GradedByUserID)
	require.Equal(t, models.AttemptStatusGraded, store.attempt.Status)

	require.Len(t, evaluator.inputs, 1)
	require.Equal(t, "Replicas vote on a leader", evaluator.inputs[0].AnswerText)
	require.Equal(t, 10.0, evaluator.inputs[0].PointBudget)
}

func TestProcessClampsScoreToBudget(t *testing.T) {
	evaluator := &fakeEvaluator{result: ai.EvaluationResult{Score: 1.7}}
	store, grader := newGraderFixture(t, evaluator)

	err := grader.Process(context.Background(), queue.GradingJob{ID: "j1", AttemptID: 1, AnswerID: 10, QuestionID: 2})
	require.NoError(t, err)
	require.InDelta(t, 10.0, store.grades[10].Score, 1e-9)
}

func TestProcessSkipsAlreadyGradedAnswer(t *testing.T) {
	evaluator := &fakeEvaluator{result: ai.EvaluationResult{Score: 0.5}}
	store, grader := newGraderFixture(t, evaluator)
	gradedBy := uint(42)
	store.grades[10] = models.Grade{AnswerID: 10, Score: 9, GradedByUserID: &gradedBy, IsOverridden: true}

	err := grader.Process(context.Background(), queue.GradingJob{ID: "j1", AttemptID: 1, AnswerID: 10, QuestionID: 2})
	require.NoError(t, err)

	// The human grade stands untouched and the evaluator is never called.
	require.Empty(t, evaluator.inputs)
	require.Equal(t, 9.0, store.grades[10].Score)
}

func TestProcessSkipsMissingAnswer(t *testing.T) {
	evaluator := &fakeEvaluator{}
	_, grader := newGraderFixture(t, evaluator)

	err := grader.Process(context.Background(), queue.GradingJob{ID: "j1", AttemptID: 1, AnswerID: 999})
	require.NoError(t, err)
	require.Empty(t, evaluator.inputs)
}

func TestProcessEvaluatorFailurePropagates(t *testing.T) {
	evaluator := &fakeEvaluator{err: errors.New("model timeout")}
	store, grader := newGraderFixture(t, evaluator)

	err := grader.Process(context.Background(), queue.GradingJob{ID: "j1", AttemptID: 1, AnswerID: 10, QuestionID: 2})
	require.Error(t, err)
	require.Empty(t, store.grades)
	require.Equal(t, models.AttemptStatusGradingInProgress, store.attempt.Status)
}

func TestRetryRequeuesUntilMaxAttempts(t *testing.T) {
	evaluator := &fakeEvaluator{err: errors.New("model timeout")}
	_, grader := newGraderFixture(t, evaluator)
	jobs := grader.jobs

	grader.retry(context.Background(), queue.GradingJob{ID: "j1", AttemptID: 1, AnswerID: 10}, errors.New("boom"))
	pending, err := jobs.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].Attempts)

	// The final redelivery is dropped instead of requeued.
	grader.retry(context.Background(), queue.GradingJob{ID: "j1", AttemptID: 1, AnswerID: 10, Attempts: 2}, errors.New("boom"))
	pending, err = jobs.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestRunDrainsQueueOnWake(t *testing.T) {
	evaluator := &fakeEvaluator{result: ai.EvaluationResult{Score: 1}}
	store, grader := newGraderFixture(t, evaluator)

	require.NoError(t, grader.jobs.Enqueue(context.Background(),
		queue.GradingJob{ID: "j1", ExamID: 1, AttemptID: 1, AnswerID: 10, QuestionID: 2}))

	ctx, cancel := context.WithCancel(context.Background())
	grader.cfg.PollInterval = 10 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- grader.Run(ctx) }()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		_, ok := store.grades[10]
		return ok
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
