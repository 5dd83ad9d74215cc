package service

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/examind/examind-api/internal/lifecycle"
	"github.com/examind/examind-api/internal/models"
	"github.com/examind/examind-api/internal/repository"
	"github.com/examind/examind-api/pkg/ai"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// memoryStore backs the fake attempt repository with plain maps. Grades are
// keyed by answer id to mirror the unique constraint.
type memoryStore struct {
	mu        sync.Mutex
	attempts  map[uint]*models.Attempt
	answers   map[uint]*models.Answer
	grades    map[uint]*models.Grade
	questions map[uint]models.Question

	nextAttemptID uint
	nextAnswerID  uint
	nextSegmentID uint
	lockCalls     int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		attempts:  make(map[uint]*models.Attempt),
		answers:   make(map[uint]*models.Answer),
		grades:    make(map[uint]*models.Grade),
		questions: make(map[uint]models.Question),
	}
}

func (s *memoryStore) addQuestion(q models.Question) {
	s.questions[q.ID] = q
}

func (s *memoryStore) addAttempt(a models.Attempt) *models.Attempt {
	if a.ID == 0 {
		s.nextAttemptID++
		a.ID = s.nextAttemptID
	} else if a.ID > s.nextAttemptID {
		s.nextAttemptID = a.ID
	}
	stored := a
	s.attempts[a.ID] = &stored
	return &stored
}

func (s *memoryStore) addAnswer(a models.Answer) *models.Answer {
	if a.ID == 0 {
		s.nextAnswerID++
		a.ID = s.nextAnswerID
	} else if a.ID > s.nextAnswerID {
		s.nextAnswerID = a.ID
	}
	stored := a
	s.answers[a.ID] = &stored
	return &stored
}

func (s *memoryStore) addGrade(g models.Grade) {
	stored := g
	s.grades[g.AnswerID] = &stored
}

func (s *memoryStore) loadAnswer(id uint) (models.Answer, bool) {
	answer, ok := s.answers[id]
	if !ok {
		return models.Answer{}, false
	}
	clone := *answer
	clone.Segments = append([]models.AnswerSegment(nil), answer.Segments...)
	if grade, ok := s.grades[id]; ok {
		g := *grade
		clone.Grade = &g
	}
	return clone, true
}

func (s *memoryStore) loadAttempt(id uint) (models.Attempt, bool) {
	attempt, ok := s.attempts[id]
	if !ok {
		return models.Attempt{}, false
	}
	clone := *attempt
	clone.Answers = nil
	for answerID, answer := range s.answers {
		if answer.AttemptID != id {
			continue
		}
		loaded, _ := s.loadAnswer(answerID)
		clone.Answers = append(clone.Answers, loaded)
	}
	return clone, true
}

func (s *memoryStore) subjectiveCountsFor(attemptID uint) lifecycle.Counts {
	counts := lifecycle.Counts{}
	for _, answer := range s.answers {
		if answer.AttemptID != attemptID {
			continue
		}
		question, ok := s.questions[answer.QuestionID]
		if !ok || !question.IsSubjective() {
			continue
		}
		counts.Total++
		if _, graded := s.grades[answer.ID]; graded {
			counts.Graded++
		}
	}
	return counts
}

type fakeAttemptRepo struct {
	store *memoryStore
	// beforeLock runs just before WithAttemptLock enters the transaction,
	// for interleaving a concurrent write between a load and the lock.
	beforeLock func()
}

func newFakeAttemptRepo(store *memoryStore) *fakeAttemptRepo {
	return &fakeAttemptRepo{store: store}
}

func (f *fakeAttemptRepo) GetByID(ctx context.Context, id uint) (models.Attempt, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	attempt, ok := f.store.loadAttempt(id)
	if !ok {
		return models.Attempt{}, gorm.ErrRecordNotFound
	}
	return attempt, nil
}

func (f *fakeAttemptRepo) GetByExamAndUser(ctx context.Context, examID, userID uint) (models.Attempt, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	for id, attempt := range f.store.attempts {
		if attempt.ExamID == examID && attempt.UserID == userID {
			loaded, _ := f.store.loadAttempt(id)
			return loaded, nil
		}
	}
	return models.Attempt{}, gorm.ErrRecordNotFound
}

func (f *fakeAttemptRepo) Create(ctx context.Context, attempt *models.Attempt) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	stored := f.store.addAttempt(*attempt)
	attempt.ID = stored.ID
	return nil
}

func (f *fakeAttemptRepo) ListByExam(ctx context.Context, examID uint, statuses []models.AttemptStatus) ([]models.Attempt, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	var attempts []models.Attempt
	for id, attempt := range f.store.attempts {
		if attempt.ExamID != examID {
			continue
		}
		if len(statuses) > 0 {
			matched := false
			for _, status := range statuses {
				if attempt.Status == status {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		loaded, _ := f.store.loadAttempt(id)
		attempts = append(attempts, loaded)
	}
	return attempts, nil
}

func (f *fakeAttemptRepo) WithAttemptLock(ctx context.Context, attemptID uint, fn func(tx repository.AttemptTx) error) error {
	if f.beforeLock != nil {
		f.beforeLock()
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	attempt, ok := f.store.attempts[attemptID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	f.store.lockCalls++
	return fn(&fakeAttemptTx{store: f.store, attempt: attempt})
}

func (f *fakeAttemptRepo) ListUngradedSubjectiveAnswers(ctx context.Context, examID uint) ([]repository.AnswerRef, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	var refs []repository.AnswerRef
	for id, answer := range f.store.answers {
		attempt, ok := f.store.attempts[answer.AttemptID]
		if !ok || attempt.ExamID != examID || !attempt.IsSubmitted() {
			continue
		}
		question, ok := f.store.questions[answer.QuestionID]
		if !ok || !question.IsSubjective() {
			continue
		}
		if _, graded := f.store.grades[id]; graded {
			continue
		}
		refs = append(refs, repository.AnswerRef{
			AttemptID:  answer.AttemptID,
			AnswerID:   id,
			QuestionID: answer.QuestionID,
		})
	}
	return refs, nil
}

func (f *fakeAttemptRepo) SubjectiveCounts(ctx context.Context, examID uint) (lifecycle.Counts, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	counts := lifecycle.Counts{}
	for id, attempt := range f.store.attempts {
		if attempt.ExamID != examID || !attempt.IsSubmitted() {
			continue
		}
		sub := f.store.subjectiveCountsFor(id)
		counts.Total += sub.Total
		counts.Graded += sub.Graded
	}
	return counts, nil
}

func (f *fakeAttemptRepo) GetAnswerWithQuestion(ctx context.Context, answerID uint) (models.Answer, models.Question, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	answer, ok := f.store.loadAnswer(answerID)
	if !ok {
		return models.Answer{}, models.Question{}, gorm.ErrRecordNotFound
	}
	question, ok := f.store.questions[answer.QuestionID]
	if !ok {
		return models.Answer{}, models.Question{}, gorm.ErrRecordNotFound
	}
	return answer, question, nil
}

type fakeAttemptTx struct {
	store   *memoryStore
	attempt *models.Attempt
}

func (t *fakeAttemptTx) Attempt() *models.Attempt {
	return t.attempt
}

func (t *fakeAttemptTx) UpsertAnswer(answer *models.Answer) error {
	for id, existing := range t.store.answers {
		if existing.AttemptID == answer.AttemptID && existing.QuestionID == answer.QuestionID {
			if answer.AttachmentURL != "" {
				existing.AttachmentURL = answer.AttachmentURL
			}
			answer.ID = id
			return nil
		}
	}
	stored := t.store.addAnswer(*answer)
	answer.ID = stored.ID
	return nil
}

func (t *fakeAttemptTx) UpsertAnswerSegment(segment *models.AnswerSegment) error {
	answer, ok := t.store.answers[segment.AnswerID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	for i := range answer.Segments {
		if answer.Segments[i].SegmentID == segment.SegmentID {
			answer.Segments[i].Content = segment.Content
			answer.Segments[i].Selected = segment.Selected
			return nil
		}
	}
	t.store.nextSegmentID++
	segment.ID = t.store.nextSegmentID
	answer.Segments = append(answer.Segments, *segment)
	return nil
}

func (t *fakeAttemptTx) ClearSelections(answerID uint) error {
	answer, ok := t.store.answers[answerID]
	if !ok {
		return nil
	}
	for i := range answer.Segments {
		answer.Segments[i].Selected = false
	}
	return nil
}

func (t *fakeAttemptTx) UpsertGrade(grade *models.Grade) error {
	t.store.addGrade(*grade)
	return nil
}

func (t *fakeAttemptTx) GetAnswer(answerID uint) (models.Answer, error) {
	answer, ok := t.store.loadAnswer(answerID)
	if !ok || answer.AttemptID != t.attempt.ID {
		return models.Answer{}, gorm.ErrRecordNotFound
	}
	return answer, nil
}

func (t *fakeAttemptTx) GradingCounts() (lifecycle.Counts, error) {
	return t.store.subjectiveCountsFor(t.attempt.ID), nil
}

func (t *fakeAttemptTx) SetStatus(status models.AttemptStatus) error {
	t.attempt.Status = status
	return nil
}

func (t *fakeAttemptTx) MarkSubmitted(at time.Time) error {
	t.attempt.Status = models.AttemptStatusSubmitted
	t.attempt.SubmittedAt = &at
	return nil
}

type fakeExamRepo struct {
	mu    sync.Mutex
	exams map[uint]*models.Exam
	store *memoryStore
}

func newFakeExamRepo(store *memoryStore, exams ...models.Exam) *fakeExamRepo {
	repo := &fakeExamRepo{exams: make(map[uint]*models.Exam), store: store}
	for _, exam := range exams {
		stored := exam
		repo.exams[exam.ID] = &stored
	}
	return repo
}

func (f *fakeExamRepo) GetByID(ctx context.Context, id uint) (models.Exam, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exam, ok := f.exams[id]
	if !ok {
		return models.Exam{}, gorm.ErrRecordNotFound
	}
	return *exam, nil
}

func (f *fakeExamRepo) GetTree(ctx context.Context, id uint) (models.Exam, error) {
	return f.GetByID(ctx, id)
}

func (f *fakeExamRepo) ListVariants(ctx context.Context, parentID uint) ([]models.Exam, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var variants []models.Exam
	for _, exam := range f.exams {
		if exam.ParentExamID != nil && *exam.ParentExamID == parentID {
			variants = append(variants, *exam)
		}
	}
	return variants, nil
}

func (f *fakeExamRepo) ListPublished(ctx context.Context) ([]models.Exam, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]uint, 0, len(f.exams))
	for id := range f.exams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var published []models.Exam
	for _, id := range ids {
		if exam := f.exams[id]; exam.Status == models.ExamStatusPublished {
			published = append(published, *exam)
		}
	}
	return published, nil
}

func (f *fakeExamRepo) Save(ctx context.Context, exam *models.Exam) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := *exam
	f.exams[exam.ID] = &stored
	return nil
}

func (f *fakeExamRepo) PublishBase(ctx context.Context, examID uint, apply func(base *models.Exam, draftVariants []models.Exam) ([]uint, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	base, ok := f.exams[examID]
	if !ok {
		return gorm.ErrRecordNotFound
	}

	var drafts []models.Exam
	for _, exam := range f.exams {
		if exam.ParentExamID != nil && *exam.ParentExamID == examID && exam.Status == models.ExamStatusDraft {
			drafts = append(drafts, *exam)
		}
	}

	deleteIDs, err := apply(base, drafts)
	if err != nil {
		return err
	}
	for _, id := range deleteIDs {
		delete(f.exams, id)
	}
	return nil
}

func (f *fakeExamRepo) UnpublishReset(ctx context.Context, examID uint) error {
	f.mu.Lock()
	exam, ok := f.exams[examID]
	if !ok {
		f.mu.Unlock()
		return gorm.ErrRecordNotFound
	}
	exam.Status = models.ExamStatusDraft
	f.mu.Unlock()

	if f.store == nil {
		return nil
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	for id, attempt := range f.store.attempts {
		if attempt.ExamID != examID {
			continue
		}
		for answerID, answer := range f.store.answers {
			if answer.AttemptID == id {
				delete(f.store.answers, answerID)
				delete(f.store.grades, answerID)
			}
		}
		delete(f.store.attempts, id)
	}
	return nil
}

type fakeRubricRepo struct {
	mu      sync.Mutex
	rubrics map[uint]models.Rubric
	creates int
}

func newFakeRubricRepo() *fakeRubricRepo {
	return &fakeRubricRepo{rubrics: make(map[uint]models.Rubric)}
}

func (f *fakeRubricRepo) GetByQuestionID(ctx context.Context, questionID uint) (models.Rubric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rubric, ok := f.rubrics[questionID]
	if !ok {
		return models.Rubric{}, gorm.ErrRecordNotFound
	}
	return rubric, nil
}

func (f *fakeRubricRepo) Create(ctx context.Context, rubric *models.Rubric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.rubrics[rubric.QuestionID]; exists {
		return nil
	}
	f.creates++
	f.rubrics[rubric.QuestionID] = *rubric
	return nil
}

type fakeRubricGenerator struct {
	err   error
	calls int
}

func (f *fakeRubricGenerator) Generate(ctx context.Context, input ai.RubricInput) (ai.RubricResult, error) {
	f.calls++
	if f.err != nil {
		return ai.RubricResult{}, f.err
	}
	return ai.RubricResult{
		Criteria: []ai.RubricCriterion{{Title: "Correctness", MaxPoints: input.PointBudget}},
		Raw:      []byte(`{"criteria":[{"title":"Correctness","description":"","max_points":10}]}`),
	}, nil
}
