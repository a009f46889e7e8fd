package purge

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/chronica/sensing-gateway/internal/dispatch"
	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/chronica/sensing-gateway/internal/repository"
	"github.com/chronica/sensing-gateway/pkg/blob"
	"github.com/chronica/sensing-gateway/pkg/clock"
	"github.com/chronica/sensing-gateway/pkg/pg"
	"github.com/chronica/sensing-gateway/test/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type purgeFixture struct {
	db           *pg.DB
	store        blob.Store
	repo         *repository.PurgeRepository
	participants *repository.ParticipantRepository
	clk          *clock.Fixed
	engine       *Engine
}

func newPurgeFixture(t *testing.T, store blob.Store) *purgeFixture {
	db := helpers.SetupTestDB(t)
	clk := &clock.Fixed{Instant: time.Now().UTC()}
	repo := repository.NewPurgeRepository(db)
	participants := repository.NewParticipantRepository(db)

	_, redisAdapter := helpers.SetupTestRedis(t)
	locks := dispatch.NewParticipantLocks(redisAdapter, 30*time.Second)

	return &purgeFixture{
		db:           db,
		store:        store,
		repo:         repo,
		participants: participants,
		clk:          clk,
		engine:       NewEngine(store, repo, participants, locks, 30*time.Minute, clk),
	}
}

// populate gives the participant one row in every table purge must wipe
// and two versions in each of the four blob prefixes.
func (f *purgeFixture) populate(t *testing.T, study *model.Study, p *model.Participant) {
	t.Helper()
	ctx := context.Background()
	survey := helpers.CreateTestSurvey(t, f.db, study)

	var archive model.SurveyArchive
	require.NoError(t, f.db.Read(ctx).Where("survey_id = ?", survey.ID).First(&archive).Error)

	intervention := &model.Intervention{StudyID: study.ID, Name: "onboarding"}
	require.NoError(t, f.db.Write(ctx).Create(intervention).Error)

	for _, row := range []interface{}{
		&model.ScheduledEvent{SurveyID: survey.ID, ParticipantID: p.ID, ScheduledTime: f.clk.Now()},
		&model.ArchivedEvent{SurveyArchiveID: archive.ID, ParticipantID: p.ID, ScheduleType: model.ScheduleWeekly, ScheduledTime: f.clk.Now(), Status: model.StatusSuccess},
		&model.SurveyNotificationReport{ParticipantID: p.ID, NotificationUUID: "uuid-purge"},
		&model.FileToProcess{ParticipantID: p.ID, StudyID: study.ID, S3FilePath: study.ObjectID + "/" + p.PatientID + "/gps/1.csv"},
		&model.IOSDecryptionKey{ParticipantID: p.ID, FileName: p.PatientID + "_gps_1.csv", Base64EncryptionKey: "AAAAAAAAAAAAAAAAAAAAAA=="},
		&model.InterventionDate{ParticipantID: p.ID, InterventionID: intervention.ID},
		&model.AppHeartbeat{ParticipantID: p.ID, ActiveSurveyIDs: "[]"},
		&model.PushNotificationDisabledEvent{ParticipantID: p.ID, Token: "tok", FailureCount: 11},
		&model.PushToken{ParticipantID: p.ID, Token: "tok"},
		&model.ParticipantActionLog{ParticipantID: p.ID, Action: "registered"},
	} {
		require.NoError(t, f.db.Write(ctx).Create(row).Error)
	}

	for _, path := range []string{
		"KEYS/" + p.PatientID + "/private",
		study.ObjectID + "/" + p.PatientID + "/gps/1.csv",
		"CHUNKED_DATA/" + study.ObjectID + "/" + p.PatientID + "/chunk1",
		"PROBLEM_UPLOADS/" + p.PatientID + "/bad.csv",
	} {
		require.NoError(t, f.store.Put(path, []byte("v1")))
		require.NoError(t, f.store.Put(path, []byte("v2")))
	}
}

func (f *purgeFixture) enqueueDue(t *testing.T, p *model.Participant) {
	t.Helper()
	require.NoError(t, f.repo.Enqueue(context.Background(), p.ID))
	// Step the engine clock past the grace window.
	f.clk.Advance(time.Hour)
}

func TestEngine_PurgeCompleteness(t *testing.T) {
	f := newPurgeFixture(t, blob.NewMemory())
	ctx := context.Background()

	study := helpers.CreateTestStudy(t, f.db, "UTC")
	p := helpers.CreateTestParticipant(t, f.db, study, "IOS")
	f.populate(t, study, p)
	f.enqueueDue(t, p)

	require.NoError(t, f.engine.Drain(ctx))

	for _, probe := range []struct {
		name  string
		table interface{}
	}{
		{"scheduled_events", &model.ScheduledEvent{}},
		{"archived_events", &model.ArchivedEvent{}},
		{"survey_notification_reports", &model.SurveyNotificationReport{}},
		{"files_to_process", &model.FileToProcess{}},
		{"ios_decryption_keys", &model.IOSDecryptionKey{}},
		{"intervention_dates", &model.InterventionDate{}},
		{"app_heartbeats", &model.AppHeartbeat{}},
		{"push_notification_disabled_events", &model.PushNotificationDisabledEvent{}},
		{"push_tokens", &model.PushToken{}},
	} {
		var n int64
		require.NoError(t, f.db.Read(ctx).Model(probe.table).Where("participant_id = ?", p.ID).Count(&n).Error)
		assert.Zero(t, n, "%s not empty", probe.name)
	}

	var logs []*model.ParticipantActionLog
	require.NoError(t, f.db.Read(ctx).Where("participant_id = ?", p.ID).Order("id").Find(&logs).Error)
	require.Len(t, logs, 2, "only the start/end audit pair survives")
	assert.Equal(t, "purge_started", logs[0].Action)
	assert.Equal(t, "purge_finished", logs[1].Action)

	for _, prefix := range []string{
		"KEYS/" + p.PatientID,
		study.ObjectID + "/" + p.PatientID + "/",
		"CHUNKED_DATA/" + study.ObjectID + "/" + p.PatientID + "/",
		"PROBLEM_UPLOADS/" + p.PatientID + "/",
	} {
		keys, err := f.store.ListVersions(prefix)
		require.NoError(t, err)
		assert.Empty(t, keys, "prefix %s not empty", prefix)
	}

	got, err := f.participants.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.True(t, got.PermanentlyRetired)
	assert.Empty(t, got.DeviceID)
	assert.Empty(t, got.OSType)

	var ev model.ParticipantDeletionEvent
	require.NoError(t, f.db.Read(ctx).Where("participant_id = ?", p.ID).First(&ev).Error)
	require.NotNil(t, ev.PurgeConfirmedAt)
	assert.Equal(t, int64(8), ev.FilesDeletedCount, "two versions per prefix")
}

func TestEngine_GraceWindowDefersPurge(t *testing.T) {
	f := newPurgeFixture(t, blob.NewMemory())
	ctx := context.Background()

	study := helpers.CreateTestStudy(t, f.db, "UTC")
	p := helpers.CreateTestParticipant(t, f.db, study, "IOS")
	require.NoError(t, f.repo.Enqueue(ctx, p.ID))

	require.NoError(t, f.engine.Drain(ctx))

	got, err := f.participants.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, got.Deleted, "fresh deletion events wait out the grace window")
}

func TestEngine_RerunIsNoOp(t *testing.T) {
	f := newPurgeFixture(t, blob.NewMemory())
	ctx := context.Background()

	study := helpers.CreateTestStudy(t, f.db, "UTC")
	p := helpers.CreateTestParticipant(t, f.db, study, "IOS")
	f.populate(t, study, p)
	f.enqueueDue(t, p)

	require.NoError(t, f.engine.Drain(ctx))
	require.NoError(t, f.engine.Drain(ctx))

	var logs []*model.ParticipantActionLog
	require.NoError(t, f.db.Read(ctx).Where("participant_id = ?", p.ID).Find(&logs).Error)
	assert.Len(t, logs, 2, "confirmed events are never reprocessed")
}

// stubbornStore leaves one version behind on the first delete of the
// KEYS prefix, simulating an eventually-consistent object store.
type stubbornStore struct {
	*blob.Memory
	tripped bool
}

func (s *stubbornStore) DeleteManyVersioned(keys []blob.VersionedKey) error {
	if !s.tripped && len(keys) > 0 && strings.HasPrefix(keys[0].Key, "KEYS/") {
		s.tripped = true
		return s.Memory.DeleteManyVersioned(keys[:len(keys)-1])
	}
	return s.Memory.DeleteManyVersioned(keys)
}

func TestEngine_DirtyPrefixAbortsEvent(t *testing.T) {
	store := &stubbornStore{Memory: blob.NewMemory()}
	f := newPurgeFixture(t, store)
	ctx := context.Background()

	study := helpers.CreateTestStudy(t, f.db, "UTC")
	p := helpers.CreateTestParticipant(t, f.db, study, "IOS")
	f.populate(t, study, p)
	f.enqueueDue(t, p)

	require.NoError(t, f.engine.Drain(ctx), "dirty prefixes postpone, not fail")

	got, err := f.participants.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, got.Deleted, "rows untouched until blobs are verifiably gone")

	var ev model.ParticipantDeletionEvent
	require.NoError(t, f.db.Read(ctx).Where("participant_id = ?", p.ID).First(&ev).Error)
	assert.Nil(t, ev.PurgeConfirmedAt)

	// The retry completes.
	require.NoError(t, f.engine.Drain(ctx))
	got, err = f.participants.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}
