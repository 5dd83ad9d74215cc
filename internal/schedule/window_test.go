package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/examind/examind-api/internal/models"
)

func TestEffectiveEnd(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	duration := 60

	end := EffectiveEnd(&start, &duration, nil)
	require.NotNil(t, end)
	require.Equal(t, start.Add(time.Hour), *end)

	explicit := start.Add(30 * time.Minute)
	end = EffectiveEnd(&start, &duration, &explicit)
	require.Equal(t, explicit, *end)

	require.Nil(t, EffectiveEnd(&start, nil, nil))
	require.Nil(t, EffectiveEnd(nil, &duration, nil))
}

func TestWindowContains(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	duration := 60
	exam := models.Exam{StartAt: &start, DurationMinutes: &duration}

	window := ForExam(exam, nil)

	require.False(t, window.Contains(start.Add(-time.Minute), 0))
	require.True(t, window.Contains(start, 0))
	require.True(t, window.Contains(start.Add(time.Hour), 0))
	require.False(t, window.Contains(start.Add(time.Hour+time.Second), 0))

	// Grace extends the end only when the caller asks for it.
	require.True(t, window.Contains(start.Add(time.Hour+30*time.Second), SubmitGrace))
	require.False(t, window.Contains(start.Add(time.Hour+2*time.Minute), SubmitGrace))
}

func TestWindowOpenEnded(t *testing.T) {
	window := ForExam(models.Exam{}, nil)
	require.True(t, window.Contains(time.Now(), 0))
	require.True(t, window.Contains(time.Now().Add(time.Hour*24*365), 0))
}

func TestSectionOverride(t *testing.T) {
	examStart := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	duration := 60
	sectionEnd := examStart.Add(30 * time.Minute)
	exam := models.Exam{StartAt: &examStart, DurationMinutes: &duration}
	section := models.Section{EndAt: &sectionEnd}

	window := ForExam(exam, &section)
	require.Equal(t, examStart, *window.Start)
	require.Equal(t, sectionEnd, *window.End)
	require.False(t, window.Contains(examStart.Add(45*time.Minute), 0))
}

func TestLocked(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	draft := models.Exam{Status: models.ExamStatusDraft, StartAt: &start}
	require.False(t, Locked(draft, start.Add(time.Hour)))

	published := models.Exam{Status: models.ExamStatusPublished, StartAt: &start}
	require.False(t, Locked(published, start.Add(-time.Minute)))
	require.True(t, Locked(published, start))
	require.True(t, Locked(published, start.Add(time.Hour)))

	unscheduled := models.Exam{Status: models.ExamStatusPublished}
	require.False(t, Locked(unscheduled, start))
}
