package repository

import (
	"reflect"
	"testing"

	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/chronica/sensing-gateway/pkg/pg"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testDB struct {
	*pg.DB
	rawDB *gorm.DB
}

func setupTestDB(t *testing.T) *testDB {
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

	return &testDB{
		DB:    pgDB,
		rawDB: db,
	}
}
