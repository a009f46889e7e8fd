package e2e

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chronica/sensing-gateway/internal/dispatch"
	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/chronica/sensing-gateway/internal/purge"
	"github.com/chronica/sensing-gateway/internal/push"
	"github.com/chronica/sensing-gateway/internal/repository"
	"github.com/chronica/sensing-gateway/internal/schedule"
	"github.com/chronica/sensing-gateway/internal/scheduler"
	"github.com/chronica/sensing-gateway/pkg/blob"
	"github.com/chronica/sensing-gateway/pkg/clock"
	"github.com/chronica/sensing-gateway/pkg/pg"
	"github.com/chronica/sensing-gateway/test/fixtures"
	"github.com/chronica/sensing-gateway/test/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentPush struct {
	Token   string
	OSType  string
	Payload *push.Payload
}

type fakeTransport struct {
	mu    sync.Mutex
	calls []sentPush
}

func (f *fakeTransport) Send(ctx context.Context, token, osType string, payload *push.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sentPush{Token: token, OSType: osType, Payload: payload})
	return nil
}

func (f *fakeTransport) surveySends() []sentPush {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentPush
	for _, c := range f.calls {
		if c.Payload.Type == push.TypeSurvey {
			out = append(out, c)
		}
	}
	return out
}

type testEnv struct {
	db           *pg.DB
	clk          *clock.Fixed
	transport    *fakeTransport
	studies      *repository.StudyRepository
	participants *repository.ParticipantRepository
	events       *repository.EventRepository
	settings     *repository.SettingsRepository
	materializer *schedule.Materializer
	selector     *dispatch.Selector
	sender       *dispatch.Sender
	resend       *dispatch.ResendEngine
	heartbeat    *dispatch.HeartbeatEngine
	purger       *purge.Engine
	store        *blob.Memory
}

// weekAnchor pins the test clock shortly after the most recent Sunday
// midnight so weekly materialization targets a known week.
func weekAnchor() time.Time {
	now := time.Now().UTC()
	weekStart := now.Truncate(24 * time.Hour).AddDate(0, 0, -int(now.Weekday()))
	return weekStart.Add(time.Hour)
}

func setupEnv(t *testing.T) *testEnv {
	db := helpers.SetupTestDB(t)
	_, adapter := helpers.SetupTestRedis(t)
	clk := &clock.Fixed{Instant: weekAnchor()}
	transport := &fakeTransport{}
	store := blob.NewMemory()

	studies := repository.NewStudyRepository(db)
	surveys := repository.NewSurveyRepository(db)
	participants := repository.NewParticipantRepository(db)
	schedules := repository.NewScheduleRepository(db)
	events := repository.NewEventRepository(db)
	settings := repository.NewSettingsRepository(db)
	purgeRepo := repository.NewPurgeRepository(db)

	locks := dispatch.NewParticipantLocks(adapter, 30*time.Second)

	return &testEnv{
		db:           db,
		clk:          clk,
		transport:    transport,
		studies:      studies,
		participants: participants,
		events:       events,
		settings:     settings,
		materializer: schedule.NewMaterializer(studies, surveys, participants, schedules, events, clk),
		selector:     dispatch.NewSelector(events, participants, clk),
		sender: dispatch.NewSender(
			dispatch.SenderConfig{PushFailureThreshold: 10, MinResendIOSVersion: "2024.21"},
			transport, events, participants, surveys, locks, clk,
		),
		resend: dispatch.NewResendEngine(
			dispatch.ResendConfig{MinResendIOSVersion: "2024.21"},
			events, participants, settings, clk,
		),
		heartbeat: dispatch.NewHeartbeatEngine(transport, participants, clk),
		purger:    purge.NewEngine(store, purgeRepo, participants, locks, 30*time.Minute, clk),
		store:     store,
	}
}

// seedStudy persists a study, a tracking survey with its archive, a
// weekly schedule two hours ahead of the clock and one resend-capable
// iOS participant with a live token.
func (env *testEnv) seedStudy(t *testing.T) (*model.Study, *model.Survey, *model.Participant) {
	t.Helper()
	ctx := context.Background()

	study := fixtures.Study("Circadian Rhythm Cohort", "UTC")
	require.NoError(t, env.db.Write(ctx).Create(study).Error)

	survey := fixtures.TrackingSurvey(study)
	survey.StudyID = study.ID
	require.NoError(t, env.db.Write(ctx).Create(survey).Error)
	require.NoError(t, env.db.Write(ctx).Create(&model.SurveyArchive{
		SurveyID:   survey.ID,
		SurveyType: survey.SurveyType,
		Content:    survey.Content,
		Settings:   survey.Settings,
	}).Error)

	weekly := fixtures.WeeklyAt(survey, env.clk.Now().Add(2*time.Hour))
	require.NoError(t, env.db.Write(ctx).Create(weekly).Error)

	p := fixtures.IOSParticipant(study)
	p.StudyID = study.ID
	require.NoError(t, env.db.Write(ctx).Create(p).Error)
	helpers.CreateTestToken(t, env.db, p, "token-"+p.PatientID)
	require.NoError(t, env.participants.Touch(ctx, p.ID, repository.LivenessUpload, env.clk.Now()))

	return study, survey, p
}

func (env *testEnv) dispatchDue(t *testing.T) int {
	t.Helper()
	bundles, err := env.selector.DueBundles(context.Background())
	require.NoError(t, err)
	require.NoError(t, env.sender.SendAll(context.Background(), bundles))
	return len(bundles)
}

func TestE2E_NotificationLifecycle(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	study, survey, p := env.seedStudy(t)
	require.NoError(t, env.settings.EnableResend(ctx, env.clk.Now().Add(-48*time.Hour)))

	require.NoError(t, env.materializer.MaterializeAll(ctx, study, 0))

	var event model.ScheduledEvent
	require.NoError(t, env.db.Read(ctx).
		Where("participant_id = ?", p.ID).First(&event).Error)
	require.NotNil(t, event.UUID)
	assert.False(t, event.Deleted)

	// Not due yet.
	assert.Zero(t, env.dispatchDue(t))

	env.clk.Advance(3 * time.Hour)
	require.Equal(t, 1, env.dispatchDue(t))

	sends := env.transport.surveySends()
	require.Len(t, sends, 1)
	assert.Equal(t, "token-"+p.PatientID, sends[0].Token)
	assert.Equal(t, []string{survey.ObjectID}, sends[0].Payload.SurveyObjectIDs)
	assert.Equal(t, []string{*event.UUID}, sends[0].Payload.SurveyUUIDsDict[survey.ObjectID])

	var afterSend model.ScheduledEvent
	require.NoError(t, env.db.Read(ctx).First(&afterSend, event.ID).Error)
	assert.True(t, afterSend.Deleted, "dispatched event is retired until acked or resent")

	var archive model.ArchivedEvent
	require.NoError(t, env.db.Read(ctx).
		Where("participant_id = ?", p.ID).First(&archive).Error)
	assert.Equal(t, model.StatusSuccess, archive.Status)
	assert.False(t, archive.Confirmed)

	// No ack arrives, cooldown passes: the event comes back.
	env.clk.Advance(31 * time.Minute)
	require.NoError(t, env.resend.Tick(ctx))

	var reactivated model.ScheduledEvent
	require.NoError(t, env.db.Read(ctx).First(&reactivated, event.ID).Error)
	assert.False(t, reactivated.Deleted)

	require.Equal(t, 1, env.dispatchDue(t))
	assert.Len(t, env.transport.surveySends(), 2)

	// The device finally acknowledges; the archive confirms and the
	// resend loop stays quiet.
	require.NoError(t, env.events.CreateReport(ctx, &model.SurveyNotificationReport{
		ParticipantID:    p.ID,
		NotificationUUID: *event.UUID,
	}))
	env.clk.Advance(31 * time.Minute)
	require.NoError(t, env.resend.Tick(ctx))

	var confirmed model.ArchivedEvent
	require.NoError(t, env.db.Read(ctx).
		Where("participant_id = ?", p.ID).First(&confirmed).Error)
	assert.True(t, confirmed.Confirmed)

	var final model.ScheduledEvent
	require.NoError(t, env.db.Read(ctx).First(&final, event.ID).Error)
	assert.True(t, final.Deleted, "acked event stays retired")
	assert.Len(t, env.transport.surveySends(), 2)
}

func TestE2E_MaterializationIsIdempotent(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	study, _, p := env.seedStudy(t)

	require.NoError(t, env.materializer.MaterializeAll(ctx, study, 0))

	var before []model.ScheduledEvent
	require.NoError(t, env.db.Read(ctx).
		Where("participant_id = ?", p.ID).Order("id").Find(&before).Error)
	require.NotEmpty(t, before)

	require.NoError(t, env.materializer.MaterializeAll(ctx, study, 0))

	var after []model.ScheduledEvent
	require.NoError(t, env.db.Read(ctx).
		Where("participant_id = ?", p.ID).Order("id").Find(&after).Error)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID, "event pk must not churn")
		assert.Equal(t, *before[i].UUID, *after[i].UUID, "event uuid must not churn")
	}
}

func TestE2E_SchedulerRunOnceDrivesFullCycle(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	_, redisAdap := helpers.SetupTestRedis(t)
	service := scheduler.NewService(redisAdap, time.Minute)
	scheduler.RegisterStandardTasks(service, env.studies,
		env.materializer, env.selector, env.sender,
		env.resend, env.heartbeat, env.purger)

	_, survey, _ := env.seedStudy(t)

	// First pass materializes; nothing is due yet.
	service.RunOnce(ctx)
	assert.Empty(t, env.transport.surveySends())

	env.clk.Advance(3 * time.Hour)
	service.RunOnce(ctx)

	sends := env.transport.surveySends()
	require.Len(t, sends, 1)
	assert.Equal(t, []string{survey.ObjectID}, sends[0].Payload.SurveyObjectIDs)

	// Retired events do not re-dispatch on the next tick.
	service.RunOnce(ctx)
	assert.Len(t, env.transport.surveySends(), 1)
}

func TestE2E_StoppedStudyClearsPendingEvents(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	study, _, p := env.seedStudy(t)
	require.NoError(t, env.materializer.MaterializeAll(ctx, study, 0))

	var pending int64
	require.NoError(t, env.db.Read(ctx).Model(&model.ScheduledEvent{}).
		Where("participant_id = ? AND deleted = ?", p.ID, false).Count(&pending).Error)
	require.NotZero(t, pending)

	study.ManuallyStopped = true
	require.NoError(t, env.studies.Update(ctx, study))

	require.NoError(t, env.materializer.MaterializeAll(ctx, study, 0))

	require.NoError(t, env.db.Read(ctx).Model(&model.ScheduledEvent{}).
		Where("participant_id = ? AND deleted = ?", p.ID, false).Count(&pending).Error)
	assert.Zero(t, pending)

	env.clk.Advance(3 * time.Hour)
	assert.Zero(t, env.dispatchDue(t))
}
