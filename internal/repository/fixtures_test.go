package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/chronica/sensing-gateway/pkg/pg"
	"github.com/stretchr/testify/require"
)

var fixtureSeq int

func nextSeq() int {
	fixtureSeq++
	return fixtureSeq
}

func createTestStudy(t *testing.T, db *pg.DB) *model.Study {
	t.Helper()
	n := nextSeq()
	study := &model.Study{
		Name:                 fmt.Sprintf("study-%d", n),
		ObjectID:             fmt.Sprintf("stdyobjid%015d", n),
		TimezoneName:         "America/New_York",
		ResendPeriodMinutes:  30,
		HeartbeatIntervalMin: 60,
	}
	_, err := NewStudyRepository(db).Create(context.Background(), study)
	require.NoError(t, err)
	return study
}

func createTestParticipant(t *testing.T, db *pg.DB, study *model.Study) *model.Participant {
	t.Helper()
	p := &model.Participant{
		PatientID:       fmt.Sprintf("pt%06d", nextSeq()),
		StudyID:         study.ID,
		OSType:          "ANDROID",
		DeviceID:        "device-1",
		TimezoneName:    study.TimezoneName,
		UnknownTimezone: false,
	}
	_, err := NewParticipantRepository(db).Create(context.Background(), p)
	require.NoError(t, err)
	return p
}

func createTestSurvey(t *testing.T, db *pg.DB, study *model.Study) *model.Survey {
	t.Helper()
	s := &model.Survey{
		ObjectID:   fmt.Sprintf("srvyobjid%015d", nextSeq()),
		StudyID:    study.ID,
		SurveyType: model.SurveyTypeTracking,
		Content:    `[]`,
		Settings:   `{}`,
	}
	require.NoError(t, NewSurveyRepository(db).Save(context.Background(), s))
	return s
}

func testInstant() time.Time {
	return time.Date(2022, 10, 8, 12, 0, 0, 0, time.UTC)
}

func ptrTime(ts time.Time) *time.Time { return &ts }

func ptrStr(s string) *string { return &s }

func ptrInt64(v int64) *int64 { return &v }
