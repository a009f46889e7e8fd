package helpers

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/chronica/sensing-gateway/pkg/pg"
	"github.com/chronica/sensing-gateway/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func SetupTestDB(t *testing.T) *pg.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&model.Study{},
		&model.Participant{},
		&model.PushToken{},
		&model.AppHeartbeat{},
		&model.ParticipantActionLog{},
		&model.ParticipantDeletionEvent{},
		&model.PushNotificationDisabledEvent{},
		&model.Survey{},
		&model.SurveyArchive{},
		&model.Intervention{},
		&model.InterventionDate{},
		&model.WeeklySchedule{},
		&model.AbsoluteSchedule{},
		&model.RelativeSchedule{},
		&model.ScheduledEvent{},
		&model.ArchivedEvent{},
		&model.SurveyNotificationReport{},
		&model.GlobalSettings{},
		&model.FileToProcess{},
		&model.IOSDecryptionKey{},
	)
	require.NoError(t, err)

	pgDB := &pg.DB{}
	pgDBValue := reflect.ValueOf(pgDB).Elem()

	readField := pgDBValue.FieldByName("read")
	writeField := pgDBValue.FieldByName("write")

	readField = reflect.NewAt(readField.Type(), readField.Addr().UnsafePointer()).Elem()
	writeField = reflect.NewAt(writeField.Type(), writeField.Addr().UnsafePointer()).Elem()

	readField.Set(reflect.ValueOf(db))
	writeField.Set(reflect.ValueOf(db))

	return pgDB
}

func SetupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	// The adapter registry caches by connection name; a unique name per
	// server keeps tests from sharing a closed miniredis.
	adapter, err := redis.NewRedisAdapter(t.Name()+"-"+mr.Addr(), "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	return mr, adapter
}

var seq int64

func NextSeq() int64 {
	return atomic.AddInt64(&seq, 1)
}

func CreateTestStudy(t *testing.T, db *pg.DB, timezone string) *model.Study {
	ctx := context.Background()
	n := NextSeq()
	study := &model.Study{
		ObjectID:             fmt.Sprintf("stdyobjid%015d", n),
		Name:                 fmt.Sprintf("Study %d", n),
		TimezoneName:         timezone,
		ResendPeriodMinutes:  30,
		HeartbeatIntervalMin: 60,
		DeviceSettings:       `{}`,
	}
	require.NoError(t, db.Write(ctx).Create(study).Error)
	return study
}

func CreateTestParticipant(t *testing.T, db *pg.DB, study *model.Study, osType string) *model.Participant {
	ctx := context.Background()
	p := &model.Participant{
		PatientID:       fmt.Sprintf("pt%06d", NextSeq()),
		StudyID:         study.ID,
		Study:           study,
		OSType:          osType,
		DeviceID:        "test-device",
		TimezoneName:    study.TimezoneName,
		UnknownTimezone: false,
	}
	require.NoError(t, db.Write(ctx).Create(p).Error)
	return p
}

func CreateTestSurvey(t *testing.T, db *pg.DB, study *model.Study) *model.Survey {
	ctx := context.Background()
	s := &model.Survey{
		ObjectID:   fmt.Sprintf("srvyobjid%015d", NextSeq()),
		StudyID:    study.ID,
		Study:      study,
		SurveyType: model.SurveyTypeTracking,
		Content:    `[]`,
		Settings:   `{}`,
	}
	require.NoError(t, db.Write(ctx).Create(s).Error)
	require.NoError(t, db.Write(ctx).Create(&model.SurveyArchive{
		SurveyID:   s.ID,
		SurveyType: s.SurveyType,
		Content:    s.Content,
		Settings:   s.Settings,
	}).Error)
	return s
}

func CreateTestToken(t *testing.T, db *pg.DB, participant *model.Participant, token string) *model.PushToken {
	ctx := context.Background()
	pt := &model.PushToken{
		ParticipantID: participant.ID,
		Token:         token,
	}
	require.NoError(t, db.Write(ctx).Create(pt).Error)
	return pt
}

func WaitForCondition(t *testing.T, timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func AssertEventually(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	if !WaitForCondition(t, timeout, condition) {
		t.Fatal(msg)
	}
}

func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func Ptr[T any](v T) *T {
	return &v
}
