package repository

import (
	"context"
	"testing"
	"time"

	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleRepository_ReconcileWeekly(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewScheduleRepository(db)
	ctx := context.Background()

	study := createTestStudy(t, db)
	survey := createTestSurvey(t, db, study)

	var timings [7][]int
	timings[1] = []int{9 * 3600}            // Monday 09:00
	timings[5] = []int{12 * 3600, 18 * 3600} // Friday noon and 18:00

	t.Run("creates rows from timings", func(t *testing.T) {
		require.NoError(t, repo.ReconcileWeekly(ctx, survey.ID, timings))

		rows, err := repo.ListWeekly(ctx, survey.ID)
		require.NoError(t, err)
		assert.Len(t, rows, 3)
	})

	t.Run("identical input keeps primary keys", func(t *testing.T) {
		before, err := repo.ListWeekly(ctx, survey.ID)
		require.NoError(t, err)

		require.NoError(t, repo.ReconcileWeekly(ctx, survey.ID, timings))

		after, err := repo.ListWeekly(ctx, survey.ID)
		require.NoError(t, err)
		require.Len(t, after, len(before))

		ids := map[int64]bool{}
		for _, r := range before {
			ids[r.ID] = true
		}
		for _, r := range after {
			assert.True(t, ids[r.ID], "pk churned for unchanged timing")
		}
	})

	t.Run("removed timing deletes only its row", func(t *testing.T) {
		shrunk := timings
		shrunk[5] = []int{12 * 3600}
		require.NoError(t, repo.ReconcileWeekly(ctx, survey.ID, shrunk))

		rows, err := repo.ListWeekly(ctx, survey.ID)
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})

	t.Run("duplicate inputs collapse", func(t *testing.T) {
		var dup [7][]int
		dup[2] = []int{10 * 3600, 10 * 3600, 10 * 3600}
		require.NoError(t, repo.ReconcileWeekly(ctx, survey.ID, dup))

		rows, err := repo.ListWeekly(ctx, survey.ID)
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})

	t.Run("deleted survey reconciles to empty", func(t *testing.T) {
		survey.Deleted = true
		require.NoError(t, NewSurveyRepository(db).Save(ctx, survey))

		require.NoError(t, repo.ReconcileWeekly(ctx, survey.ID, timings))

		rows, err := repo.ListWeekly(ctx, survey.ID)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})
}

func TestScheduleRepository_WeeklyTimings(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewScheduleRepository(db)
	ctx := context.Background()

	study := createTestStudy(t, db)
	survey := createTestSurvey(t, db, study)

	var timings [7][]int
	timings[0] = []int{17 * 3600, 8 * 3600}
	require.NoError(t, repo.ReconcileWeekly(ctx, survey.ID, timings))

	out, err := repo.WeeklyTimings(ctx, survey.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{8 * 3600, 17 * 3600}, out[0])
	for day := 1; day < 7; day++ {
		assert.Empty(t, out[day])
	}
}

func TestScheduleRepository_ReconcileAbsolute(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewScheduleRepository(db)
	ctx := context.Background()

	study := createTestStudy(t, db)
	survey := createTestSurvey(t, db, study)

	timings := []model.AbsoluteTiming{
		{Year: 2022, Month: 10, Day: 7, SecondsIntoDay: 0},
		{Year: 2022, Month: 10, Day: 14, SecondsIntoDay: 9 * 3600},
	}

	require.NoError(t, repo.ReconcileAbsolute(ctx, survey.ID, timings))
	rows, err := repo.ListAbsolute(ctx, survey.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	t.Run("stable across identical reconcile", func(t *testing.T) {
		require.NoError(t, repo.ReconcileAbsolute(ctx, survey.ID, timings))
		again, err := repo.ListAbsolute(ctx, survey.ID)
		require.NoError(t, err)
		require.Len(t, again, 2)
		assert.ElementsMatch(t,
			[]int64{rows[0].ID, rows[1].ID},
			[]int64{again[0].ID, again[1].ID})
	})

	t.Run("scheduled instant honors study timezone", func(t *testing.T) {
		loc, err := time.LoadLocation("America/New_York")
		require.NoError(t, err)
		for _, row := range rows {
			if row.Hour == 0 {
				want := time.Date(2022, 10, 7, 0, 0, 0, 0, loc).UTC()
				assert.Equal(t, want, row.Scheduled(loc))
			}
		}
	})
}

func TestScheduleRepository_ReconcileRelative(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewScheduleRepository(db)
	ctx := context.Background()

	study := createTestStudy(t, db)
	survey := createTestSurvey(t, db, study)

	iv, err := repo.CreateIntervention(ctx, &model.Intervention{StudyID: study.ID, Name: "surgery"})
	require.NoError(t, err)

	timings := []model.RelativeTiming{
		{InterventionID: iv.ID, DaysAfter: 3, SecondsIntoDay: 10 * 3600},
		{InterventionID: iv.ID, DaysAfter: -1, SecondsIntoDay: 10 * 3600},
	}
	require.NoError(t, repo.ReconcileRelative(ctx, survey.ID, timings))

	rows, err := repo.ListRelative(ctx, survey.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	t.Run("shrink deletes the removed tuple", func(t *testing.T) {
		require.NoError(t, repo.ReconcileRelative(ctx, survey.ID, timings[:1]))
		rows, err := repo.ListRelative(ctx, survey.ID)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, 3, rows[0].DaysAfter)
	})
}

func TestScheduleRepository_InterventionDates(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewScheduleRepository(db)
	ctx := context.Background()

	study := createTestStudy(t, db)
	participant := createTestParticipant(t, db, study)

	iv, err := repo.CreateIntervention(ctx, &model.Intervention{StudyID: study.ID, Name: "discharge"})
	require.NoError(t, err)

	t.Run("null date rows are omitted", func(t *testing.T) {
		require.NoError(t, repo.SetInterventionDate(ctx, participant.ID, iv.ID, nil))
		dates, err := repo.InterventionDates(ctx, participant.ID)
		require.NoError(t, err)
		assert.Empty(t, dates)
	})

	t.Run("set date upserts the existing row", func(t *testing.T) {
		day := time.Date(2022, 10, 1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, repo.SetInterventionDate(ctx, participant.ID, iv.ID, &day))

		dates, err := repo.InterventionDates(ctx, participant.ID)
		require.NoError(t, err)
		require.Len(t, dates, 1)
		assert.Equal(t, day, dates[0].Date.UTC())
	})
}
