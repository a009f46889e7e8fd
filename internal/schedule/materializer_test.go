package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/chronica/sensing-gateway/internal/repository"
	"github.com/chronica/sensing-gateway/pkg/clock"
	"github.com/chronica/sensing-gateway/pkg/pg"
	"github.com/chronica/sensing-gateway/test/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type materializerFixture struct {
	db     *pg.DB
	clk    *clock.Fixed
	m      *Materializer
	events *repository.EventRepository
	sched  *repository.ScheduleRepository
}

func newMaterializerFixture(t *testing.T, now time.Time) *materializerFixture {
	db := helpers.SetupTestDB(t)
	clk := &clock.Fixed{Instant: now}
	return &materializerFixture{
		db:     db,
		clk:    clk,
		events: repository.NewEventRepository(db),
		sched:  repository.NewScheduleRepository(db),
		m: NewMaterializer(
			repository.NewStudyRepository(db),
			repository.NewSurveyRepository(db),
			repository.NewParticipantRepository(db),
			repository.NewScheduleRepository(db),
			repository.NewEventRepository(db),
			clk,
		),
	}
}

func (f *materializerFixture) scheduledEvents(t *testing.T, surveyID int64, kind model.ScheduleType) []*model.ScheduledEvent {
	t.Helper()
	events, err := f.events.ListScheduledByKind(context.Background(), surveyID, kind, 0)
	require.NoError(t, err)
	return events
}

func TestMaterializeWeekly_SlidingWindow(t *testing.T) {
	et, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// Thursday noon eastern.
	now := time.Date(2022, 10, 6, 12, 0, 0, 0, et)
	f := newMaterializerFixture(t, now.UTC())
	ctx := context.Background()

	study := helpers.CreateTestStudy(t, f.db, "America/New_York")
	survey := helpers.CreateTestSurvey(t, f.db, study)
	helpers.CreateTestParticipant(t, f.db, study, "ANDROID")

	// Friday midnight.
	var timings [7][]int
	timings[5] = []int{0}
	require.NoError(t, f.sched.ReconcileWeekly(ctx, survey.ID, timings))

	require.NoError(t, f.m.MaterializeWeekly(ctx, survey, 0))

	events := f.scheduledEvents(t, survey.ID, model.ScheduleWeekly)
	require.Len(t, events, 2, "previous week's occurrence is past and suppressed")

	want := map[int64]bool{
		time.Date(2022, 10, 7, 0, 0, 0, 0, et).Unix():  true,
		time.Date(2022, 10, 14, 0, 0, 0, 0, et).Unix(): true,
	}
	for _, e := range events {
		assert.True(t, want[e.ScheduledTime.Unix()], "unexpected instant %v", e.ScheduledTime)
		assert.False(t, e.Deleted)
		require.NotNil(t, e.UUID)
	}
}

func TestMaterializeWeekly_NoChurnOnRepeat(t *testing.T) {
	now := time.Date(2022, 10, 6, 16, 0, 0, 0, time.UTC)
	f := newMaterializerFixture(t, now)
	ctx := context.Background()

	study := helpers.CreateTestStudy(t, f.db, "America/New_York")
	survey := helpers.CreateTestSurvey(t, f.db, study)
	helpers.CreateTestParticipant(t, f.db, study, "ANDROID")

	var timings [7][]int
	timings[5] = []int{0}
	require.NoError(t, f.sched.ReconcileWeekly(ctx, survey.ID, timings))

	require.NoError(t, f.m.MaterializeWeekly(ctx, survey, 0))
	before := f.scheduledEvents(t, survey.ID, model.ScheduleWeekly)

	require.NoError(t, f.m.MaterializeWeekly(ctx, survey, 0))
	after := f.scheduledEvents(t, survey.ID, model.ScheduleWeekly)

	require.Len(t, after, len(before))
	byID := map[int64]string{}
	for _, e := range before {
		byID[e.ID] = *e.UUID
	}
	for _, e := range after {
		uuid, ok := byID[e.ID]
		require.True(t, ok, "pk churned on identical input")
		assert.Equal(t, uuid, *e.UUID, "uuid churned on identical input")
	}
}

func TestMaterializeAbsolute(t *testing.T) {
	et, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	now := time.Date(2022, 10, 1, 12, 0, 0, 0, time.UTC)
	f := newMaterializerFixture(t, now)
	ctx := context.Background()

	study := helpers.CreateTestStudy(t, f.db, "America/New_York")
	survey := helpers.CreateTestSurvey(t, f.db, study)
	helpers.CreateTestParticipant(t, f.db, study, "ANDROID")
	helpers.CreateTestParticipant(t, f.db, study, "IOS")

	require.NoError(t, f.sched.ReconcileAbsolute(ctx, survey.ID, []model.AbsoluteTiming{
		{Year: 2022, Month: 10, Day: 10, SecondsIntoDay: 9 * 3600},
	}))

	require.NoError(t, f.m.MaterializeAbsolute(ctx, survey, 0))

	events := f.scheduledEvents(t, survey.ID, model.ScheduleAbsolute)
	require.Len(t, events, 2, "one event per participant")
	want := time.Date(2022, 10, 10, 9, 0, 0, 0, et).UTC()
	for _, e := range events {
		assert.Equal(t, want.Unix(), e.ScheduledTime.Unix())
	}

	t.Run("dropping the schedule deletes its events", func(t *testing.T) {
		require.NoError(t, f.sched.ReconcileAbsolute(ctx, survey.ID, nil))
		require.NoError(t, f.m.MaterializeAbsolute(ctx, survey, 0))
		assert.Empty(t, f.scheduledEvents(t, survey.ID, model.ScheduleAbsolute))
	})
}

func TestMaterializeRelative(t *testing.T) {
	et, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	now := time.Date(2022, 10, 1, 12, 0, 0, 0, time.UTC)
	f := newMaterializerFixture(t, now)
	ctx := context.Background()

	study := helpers.CreateTestStudy(t, f.db, "America/New_York")
	survey := helpers.CreateTestSurvey(t, f.db, study)
	dated := helpers.CreateTestParticipant(t, f.db, study, "ANDROID")
	helpers.CreateTestParticipant(t, f.db, study, "ANDROID") // no intervention date

	iv, err := f.sched.CreateIntervention(ctx, &model.Intervention{StudyID: study.ID, Name: "surgery"})
	require.NoError(t, err)
	anchor := time.Date(2022, 10, 5, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.sched.SetInterventionDate(ctx, dated.ID, iv.ID, &anchor))

	require.NoError(t, f.sched.ReconcileRelative(ctx, survey.ID, []model.RelativeTiming{
		{InterventionID: iv.ID, DaysAfter: 2, SecondsIntoDay: 10 * 3600},
	}))

	require.NoError(t, f.m.MaterializeRelative(ctx, survey, 0))

	events := f.scheduledEvents(t, survey.ID, model.ScheduleRelative)
	require.Len(t, events, 1, "participants without a date yield nothing")
	assert.Equal(t, dated.ID, events[0].ParticipantID)
	want := time.Date(2022, 10, 7, 10, 0, 0, 0, et).UTC()
	assert.Equal(t, want.Unix(), events[0].ScheduledTime.Unix())
}

func TestMaterialize_StoppedStudyClearsEvents(t *testing.T) {
	now := time.Date(2022, 10, 6, 16, 0, 0, 0, time.UTC)
	f := newMaterializerFixture(t, now)
	ctx := context.Background()

	study := helpers.CreateTestStudy(t, f.db, "UTC")
	survey := helpers.CreateTestSurvey(t, f.db, study)
	helpers.CreateTestParticipant(t, f.db, study, "ANDROID")

	var timings [7][]int
	timings[6] = []int{12 * 3600}
	require.NoError(t, f.sched.ReconcileWeekly(ctx, survey.ID, timings))
	require.NoError(t, f.m.MaterializeWeekly(ctx, survey, 0))
	require.NotEmpty(t, f.scheduledEvents(t, survey.ID, model.ScheduleWeekly))

	study.ManuallyStopped = true
	require.NoError(t, repository.NewStudyRepository(f.db).Update(ctx, study))

	require.NoError(t, f.m.MaterializeAll(ctx, study, 0))
	assert.Empty(t, f.scheduledEvents(t, survey.ID, model.ScheduleWeekly))
}

func TestMaterialize_ArchivedIdentityStaysDeleted(t *testing.T) {
	now := time.Date(2022, 10, 1, 12, 0, 0, 0, time.UTC)
	f := newMaterializerFixture(t, now)
	ctx := context.Background()

	study := helpers.CreateTestStudy(t, f.db, "UTC")
	survey := helpers.CreateTestSurvey(t, f.db, study)
	p := helpers.CreateTestParticipant(t, f.db, study, "ANDROID")

	require.NoError(t, f.sched.ReconcileAbsolute(ctx, survey.ID, []model.AbsoluteTiming{
		{Year: 2022, Month: 10, Day: 10, SecondsIntoDay: 0},
	}))
	require.NoError(t, f.m.MaterializeAbsolute(ctx, survey, 0))

	events := f.scheduledEvents(t, survey.ID, model.ScheduleAbsolute)
	require.Len(t, events, 1)
	sentAt := events[0].ScheduledTime

	// Record a send, then force a schedule round-trip that recreates rows.
	archive, err := repository.NewSurveyRepository(f.db).CurrentArchive(ctx, survey.ID)
	require.NoError(t, err)
	_, err = f.events.CreateArchive(ctx, &model.ArchivedEvent{
		SurveyArchiveID: archive.ID,
		ParticipantID:   p.ID,
		ScheduleType:    model.ScheduleAbsolute,
		ScheduledTime:   sentAt,
		Status:          model.StatusSuccess,
		LastUpdated:     now,
	})
	require.NoError(t, err)

	require.NoError(t, f.sched.ReconcileAbsolute(ctx, survey.ID, nil))
	require.NoError(t, f.m.MaterializeAbsolute(ctx, survey, 0))
	require.NoError(t, f.sched.ReconcileAbsolute(ctx, survey.ID, []model.AbsoluteTiming{
		{Year: 2022, Month: 10, Day: 10, SecondsIntoDay: 0},
	}))
	require.NoError(t, f.m.MaterializeAbsolute(ctx, survey, 0))

	events = f.scheduledEvents(t, survey.ID, model.ScheduleAbsolute)
	require.Len(t, events, 1)
	assert.True(t, events[0].Deleted, "already-sent identity must not re-notify")
}

func TestMaterialize_ExcludedParticipantsGetNothing(t *testing.T) {
	now := time.Date(2022, 10, 1, 12, 0, 0, 0, time.UTC)
	f := newMaterializerFixture(t, now)
	ctx := context.Background()

	study := helpers.CreateTestStudy(t, f.db, "UTC")
	survey := helpers.CreateTestSurvey(t, f.db, study)
	retired := helpers.CreateTestParticipant(t, f.db, study, "ANDROID")
	retired.PermanentlyRetired = true
	require.NoError(t, repository.NewParticipantRepository(f.db).Update(ctx, retired))

	require.NoError(t, f.sched.ReconcileAbsolute(ctx, survey.ID, []model.AbsoluteTiming{
		{Year: 2022, Month: 10, Day: 10, SecondsIntoDay: 0},
	}))
	require.NoError(t, f.m.MaterializeAbsolute(ctx, survey, 0))

	assert.Empty(t, f.scheduledEvents(t, survey.ID, model.ScheduleAbsolute))
}
