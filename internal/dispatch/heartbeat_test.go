package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/chronica/sensing-gateway/internal/push"
	"github.com/chronica/sensing-gateway/internal/repository"
	"github.com/chronica/sensing-gateway/pkg/clock"
	"github.com/chronica/sensing-gateway/pkg/pg"
	"github.com/chronica/sensing-gateway/test/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type heartbeatFixture struct {
	db           *pg.DB
	clk          *clock.Fixed
	transport    *fakeTransport
	participants *repository.ParticipantRepository
	engine       *HeartbeatEngine
}

func newHeartbeatFixture(t *testing.T, now time.Time) *heartbeatFixture {
	db := helpers.SetupTestDB(t)
	clk := &clock.Fixed{Instant: now}
	transport := &fakeTransport{}
	participants := repository.NewParticipantRepository(db)
	return &heartbeatFixture{
		db:           db,
		clk:          clk,
		transport:    transport,
		participants: participants,
		engine:       NewHeartbeatEngine(transport, participants, clk),
	}
}

// silentParticipant has a live token and went quiet before the study's
// heartbeat interval.
func (f *heartbeatFixture) silentParticipant(t *testing.T, study *model.Study, token string, silentFor time.Duration) *model.Participant {
	t.Helper()
	p := helpers.CreateTestParticipant(t, f.db, study, "ANDROID")
	helpers.CreateTestToken(t, f.db, p, token)
	require.NoError(t, f.participants.Touch(context.Background(), p.ID, repository.LivenessUpload, f.clk.Now().Add(-silentFor)))
	return p
}

func TestHeartbeatEngine_SilenceWindow(t *testing.T) {
	now := time.Date(2022, 10, 8, 12, 0, 0, 0, time.UTC)
	f := newHeartbeatFixture(t, now)
	ctx := context.Background()

	study := helpers.CreateTestStudy(t, f.db, "UTC") // interval 60m
	quiet := f.silentParticipant(t, study, "tok-quiet", 61*time.Minute)
	f.silentParticipant(t, study, "tok-chatty", 30*time.Minute)

	require.NoError(t, f.engine.Tick(ctx))

	calls := f.transport.sent()
	require.Len(t, calls, 1, "only the silent participant is nudged")
	assert.Equal(t, "tok-quiet", calls[0].Token)
	assert.Equal(t, push.TypeHeartbeat, calls[0].Payload.Type)
	assert.Equal(t, defaultHeartbeatMessage, calls[0].Payload.Message)

	got, err := f.participants.Get(ctx, quiet.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeatNotification)
	assert.Equal(t, now.Unix(), got.LastHeartbeatNotification.Unix())
}

func TestHeartbeatEngine_BoundarySlack(t *testing.T) {
	now := time.Date(2022, 10, 8, 12, 0, 0, 0, time.UTC)
	f := newHeartbeatFixture(t, now)
	ctx := context.Background()

	// Exactly one interval of silence qualifies: the one-minute slack
	// keeps the nudge from sliding a tick past the boundary.
	study := helpers.CreateTestStudy(t, f.db, "UTC")
	f.silentParticipant(t, study, "tok-boundary", 60*time.Minute)

	require.NoError(t, f.engine.Tick(ctx))
	assert.Len(t, f.transport.sent(), 1)
}

func TestHeartbeatEngine_RateLimitedByLastNudge(t *testing.T) {
	now := time.Date(2022, 10, 8, 12, 0, 0, 0, time.UTC)
	f := newHeartbeatFixture(t, now)
	ctx := context.Background()

	study := helpers.CreateTestStudy(t, f.db, "UTC")
	f.silentParticipant(t, study, "tok", 3*time.Hour)

	require.NoError(t, f.engine.Tick(ctx))
	require.Len(t, f.transport.sent(), 1)

	// Still silent two minutes later, but inside the interval since the
	// last nudge.
	f.clk.Advance(2 * time.Minute)
	require.NoError(t, f.engine.Tick(ctx))
	assert.Len(t, f.transport.sent(), 1)

	f.clk.Advance(time.Hour)
	require.NoError(t, f.engine.Tick(ctx))
	assert.Len(t, f.transport.sent(), 2)
}

func TestHeartbeatEngine_CustomStudyMessage(t *testing.T) {
	now := time.Date(2022, 10, 8, 12, 0, 0, 0, time.UTC)
	f := newHeartbeatFixture(t, now)
	ctx := context.Background()

	study := helpers.CreateTestStudy(t, f.db, "UTC")
	study.HeartbeatMessage = "Your study misses you."
	require.NoError(t, repository.NewStudyRepository(f.db).Update(ctx, study))

	f.silentParticipant(t, study, "tok", 2*time.Hour)

	require.NoError(t, f.engine.Tick(ctx))
	calls := f.transport.sent()
	require.Len(t, calls, 1)
	assert.Equal(t, "Your study misses you.", calls[0].Payload.Message)
}

func TestHeartbeatEngine_StoppedStudySkipped(t *testing.T) {
	now := time.Date(2022, 10, 8, 12, 0, 0, 0, time.UTC)
	f := newHeartbeatFixture(t, now)
	ctx := context.Background()

	study := helpers.CreateTestStudy(t, f.db, "UTC")
	study.ManuallyStopped = true
	require.NoError(t, repository.NewStudyRepository(f.db).Update(ctx, study))

	f.silentParticipant(t, study, "tok", 2*time.Hour)

	require.NoError(t, f.engine.Tick(ctx))
	assert.Empty(t, f.transport.sent())
}

func TestHeartbeatEngine_UnregisteredTokenDropped(t *testing.T) {
	now := time.Date(2022, 10, 8, 12, 0, 0, 0, time.UTC)
	f := newHeartbeatFixture(t, now)
	ctx := context.Background()

	study := helpers.CreateTestStudy(t, f.db, "UTC")
	p := f.silentParticipant(t, study, "tok-dead", 2*time.Hour)

	f.transport.failWith(push.KindUnregistered)
	require.NoError(t, f.engine.Tick(ctx))

	tokens, err := f.participants.ActiveTokens(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, tokens)

	got, err := f.participants.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastHeartbeatNotification, "failed nudges are not stamped")
}

func TestHeartbeatEngine_TransientFailureRetriesNextTick(t *testing.T) {
	now := time.Date(2022, 10, 8, 12, 0, 0, 0, time.UTC)
	f := newHeartbeatFixture(t, now)
	ctx := context.Background()

	study := helpers.CreateTestStudy(t, f.db, "UTC")
	p := f.silentParticipant(t, study, "tok", 2*time.Hour)

	f.transport.failWith(push.KindConnectionFailed)
	require.NoError(t, f.engine.Tick(ctx))

	got, err := f.participants.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastHeartbeatNotification)

	// The token survived, so the next tick retries immediately.
	require.NoError(t, f.engine.Tick(ctx))
	assert.Len(t, f.transport.sent(), 2)
}
