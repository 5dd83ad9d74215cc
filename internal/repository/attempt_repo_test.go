package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/examind/examind-api/internal/models"
)

func setupRepoTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Exam{}, &models.Section{}, &models.Question{}, &models.Segment{},
		&models.Rubric{}, &models.Attempt{}, &models.Answer{}, &models.AnswerSegment{},
		&models.Grade{},
	))
	return db
}

// seedExamTree writes a published exam with one MCQ and one TEXT question and
// returns their ids.
func seedExamTree(t *testing.T, db *gorm.DB) (examID, mcqID, textID uint) {
	t.Helper()
	exam := models.Exam{
		Title:  "Distributed Systems Final",
		Status: models.ExamStatusPublished,
		Sections: []models.Section{{
			Title:    "Part A",
			Position: 0,
			Questions: []models.Question{
				{
					Type:     models.QuestionTypeMCQ,
					Prompt:   "Pick the consistent reads",
					Position: 0,
					Segments: []models.Segment{
						{Text: "linearizable", MaxPoints: 5, IsCorrect: true, Position: 0},
						{Text: "eventual", MaxPoints: 0, Position: 1},
					},
				},
				{
					Type:     models.QuestionTypeText,
					Prompt:   "Explain quorum intersection",
					Position: 1,
					Segments: []models.Segment{{MaxPoints: 10, Position: 0}},
				},
			},
		}},
	}
	require.NoError(t, db.Create(&exam).Error)
	questions := exam.Sections[0].Questions
	return exam.ID, questions[0].ID, questions[1].ID
}

func seedAttempt(t *testing.T, db *gorm.DB, examID, userID uint, status models.AttemptStatus) models.Attempt {
	t.Helper()
	now := time.Now()
	attempt := models.Attempt{ExamID: examID, UserID: userID, Status: status, StartedAt: now}
	if status != models.AttemptStatusInProgress {
		attempt.SubmittedAt = &now
	}
	require.NoError(t, db.Create(&attempt).Error)
	return attempt
}

func TestAttemptRepositoryGetByIDPreloadsAnswers(t *testing.T) {
	db := setupRepoTestDB(t)
	examID, mcqID, _ := seedExamTree(t, db)
	repo := NewAttemptRepository(db)

	attempt := seedAttempt(t, db, examID, 7, models.AttemptStatusInProgress)
	answer := models.Answer{
		AttemptID:  attempt.ID,
		QuestionID: mcqID,
		Segments:   []models.AnswerSegment{{SegmentID: 1, Selected: true}},
	}
	require.NoError(t, db.Create(&answer).Error)

	stored, err := repo.GetByID(context.Background(), attempt.ID)
	require.NoError(t, err)
	require.Len(t, stored.Answers, 1)
	require.Len(t, stored.Answers[0].Segments, 1)
	require.True(t, stored.Answers[0].Segments[0].Selected)

	_, err = repo.GetByID(context.Background(), 9999)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestAttemptRepositoryGetByExamAndUser(t *testing.T) {
	db := setupRepoTestDB(t)
	examID, _, _ := seedExamTree(t, db)
	repo := NewAttemptRepository(db)

	created := seedAttempt(t, db, examID, 7, models.AttemptStatusInProgress)

	stored, err := repo.GetByExamAndUser(context.Background(), examID, 7)
	require.NoError(t, err)
	require.Equal(t, created.ID, stored.ID)

	_, err = repo.GetByExamAndUser(context.Background(), examID, 8)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestAttemptRepositoryListUngradedSubjectiveAnswers(t *testing.T) {
	db := setupRepoTestDB(t)
	examID, mcqID, textID := seedExamTree(t, db)
	repo := NewAttemptRepository(db)

	submitted := seedAttempt(t, db, examID, 1, models.AttemptStatusSubmitted)
	mcqAnswer := models.Answer{AttemptID: submitted.ID, QuestionID: mcqID}
	textAnswer := models.Answer{AttemptID: submitted.ID, QuestionID: textID}
	require.NoError(t, db.Create(&mcqAnswer).Error)
	require.NoError(t, db.Create(&textAnswer).Error)

	// An answer on an attempt still in progress never enters the batch.
	open := seedAttempt(t, db, examID, 2, models.AttemptStatusInProgress)
	require.NoError(t, db.Create(&models.Answer{AttemptID: open.ID, QuestionID: textID}).Error)

	refs, err := repo.ListUngradedSubjectiveAnswers(context.Background(), examID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, textAnswer.ID, refs[0].AnswerID)
	require.Equal(t, submitted.ID, refs[0].AttemptID)
	require.Equal(t, textID, refs[0].QuestionID)

	require.NoError(t, db.Create(&models.Grade{AnswerID: textAnswer.ID, Score: 8}).Error)
	refs, err = repo.ListUngradedSubjectiveAnswers(context.Background(), examID)
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestAttemptRepositorySubjectiveCounts(t *testing.T) {
	db := setupRepoTestDB(t)
	examID, mcqID, textID := seedExamTree(t, db)
	repo := NewAttemptRepository(db)

	first := seedAttempt(t, db, examID, 1, models.AttemptStatusGraded)
	graded := models.Answer{AttemptID: first.ID, QuestionID: textID}
	require.NoError(t, db.Create(&graded).Error)
	require.NoError(t, db.Create(&models.Grade{AnswerID: graded.ID, Score: 6}).Error)
	require.NoError(t, db.Create(&models.Answer{AttemptID: first.ID, QuestionID: mcqID}).Error)

	second := seedAttempt(t, db, examID, 2, models.AttemptStatusSubmitted)
	require.NoError(t, db.Create(&models.Answer{AttemptID: second.ID, QuestionID: textID}).Error)

	counts, err := repo.SubjectiveCounts(context.Background(), examID)
	require.NoError(t, err)
	require.Equal(t, 2, counts.Total)
	require.Equal(t, 1, counts.Graded)
}

func TestWithAttemptLockGradeUpsertCollapsesDuplicates(t *testing.T) {
	db := setupRepoTestDB(t)
	examID, _, textID := seedExamTree(t, db)
	repo := NewAttemptRepository(db)

	attempt := seedAttempt(t, db, examID, 1, models.AttemptStatusSubmitted)
	answer := models.Answer{AttemptID: attempt.ID, QuestionID: textID}
	require.NoError(t, db.Create(&answer).Error)

	write := func(score float64) error {
		return repo.WithAttemptLock(context.Background(), attempt.ID, func(tx AttemptTx) error {
			if err := tx.UpsertGrade(&models.Grade{AnswerID: answer.ID, Score: score}); err != nil {
				return err
			}
			counts, err := tx.GradingCounts()
			if err != nil {
				return err
			}
			require.Equal(t, 1, counts.Total)
			require.Equal(t, 1, counts.Graded)
			return tx.SetStatus(models.AttemptStatusGraded)
		})
	}

	require.NoError(t, write(7))
	require.NoError(t, write(9))

	var gradeCount int64
	require.NoError(t, db.Model(&models.Grade{}).Where("answer_id = ?", answer.ID).Count(&gradeCount).Error)
	require.EqualValues(t, 1, gradeCount)

	var grade models.Grade
	require.NoError(t, db.Where("answer_id = ?", answer.ID).First(&grade).Error)
	require.Equal(t, 9.0, grade.Score)

	var stored models.Attempt
	require.NoError(t, db.First(&stored, attempt.ID).Error)
	require.Equal(t, models.AttemptStatusGraded, stored.Status)
}

func TestAttemptTxMarkSubmitted(t *testing.T) {
	db := setupRepoTestDB(t)
	examID, _, _ := seedExamTree(t, db)
	repo := NewAttemptRepository(db)

	attempt := seedAttempt(t, db, examID, 1, models.AttemptStatusInProgress)
	at := time.Now().Truncate(time.Second)

	err := repo.WithAttemptLock(context.Background(), attempt.ID, func(tx AttemptTx) error {
		return tx.MarkSubmitted(at)
	})
	require.NoError(t, err)

	var stored models.Attempt
	require.NoError(t, db.First(&stored, attempt.ID).Error)
	require.Equal(t, models.AttemptStatusSubmitted, stored.Status)
	require.NotNil(t, stored.SubmittedAt)
}

func TestAttemptRepositoryGetAnswerWithQuestion(t *testing.T) {
	db := setupRepoTestDB(t)
	examID, _, textID := seedExamTree(t, db)
	repo := NewAttemptRepository(db)

	attempt := seedAttempt(t, db, examID, 1, models.AttemptStatusSubmitted)
	answer := models.Answer{
		AttemptID:  attempt.ID,
		QuestionID: textID,
		Segments:   []models.AnswerSegment{{SegmentID: 3, Content: "read and write quorums overlap"}},
	}
	require.NoError(t, db.Create(&answer).Error)

	stored, question, err := repo.GetAnswerWithQuestion(context.Background(), answer.ID)
	require.NoError(t, err)
	require.Equal(t, textID, question.ID)
	require.Equal(t, models.QuestionTypeText, question.Type)
	require.Len(t, stored.Segments, 1)
	require.Nil(t, stored.Grade)

	_, _, err = repo.GetAnswerWithQuestion(context.Background(), 9999)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
