// Package fixtures holds canned domain objects shared by integration
// tests. Builders return unsaved models; callers persist what they
// need.
package fixtures

import (
	"fmt"
	"time"

	"github.com/chronica/sensing-gateway/internal/model"
)

// DeviceSettings is a realistic device configuration blob.
const DeviceSettings = `{
  "accelerometer": true,
  "accelerometer_off_duration_seconds": 10,
  "accelerometer_on_duration_seconds": 10,
  "gps": true,
  "gps_off_duration_seconds": 600,
  "gps_on_duration_seconds": 60,
  "wifi": true,
  "wifi_log_frequency_seconds": 300,
  "upload_data_files_frequency_seconds": 3600,
  "voice_recording_max_time_length_seconds": 240
}`

// TrackingSurveyContent is a minimal but well-formed survey body.
const TrackingSurveyContent = `[
  {
    "question_id": "q-mood",
    "question_type": "slider",
    "question_text": "How is your mood right now?",
    "min": 0,
    "max": 10
  },
  {
    "question_id": "q-sleep",
    "question_type": "free_response",
    "question_text": "How many hours did you sleep last night?"
  }
]`

var seq int64

func nextSeq() int64 {
	seq++
	return seq
}

func Study(name, timezone string) *model.Study {
	return &model.Study{
		ObjectID:             fmt.Sprintf("e2estudyobj%013d", nextSeq()),
		Name:                 name,
		TimezoneName:         timezone,
		ResendPeriodMinutes:  30,
		HeartbeatIntervalMin: 60,
		DeviceSettings:       DeviceSettings,
	}
}

// IOSParticipant runs a build new enough for notification receipts.
func IOSParticipant(study *model.Study) *model.Participant {
	return &model.Participant{
		PatientID:       fmt.Sprintf("e2%06d", nextSeq()),
		StudyID:         study.ID,
		Study:           study,
		OSType:          "IOS",
		DeviceID:        "e2e-device",
		LastVersionName: "2024.22",
		TimezoneName:    study.TimezoneName,
		UnknownTimezone: false,
	}
}

func AndroidParticipant(study *model.Study) *model.Participant {
	return &model.Participant{
		PatientID:       fmt.Sprintf("e2%06d", nextSeq()),
		StudyID:         study.ID,
		Study:           study,
		OSType:          "ANDROID",
		DeviceID:        "e2e-device",
		TimezoneName:    study.TimezoneName,
		UnknownTimezone: false,
	}
}

func TrackingSurvey(study *model.Study) *model.Survey {
	return &model.Survey{
		ObjectID:   fmt.Sprintf("e2esurveyob%013d", nextSeq()),
		StudyID:    study.ID,
		Study:      study,
		SurveyType: model.SurveyTypeTracking,
		Content:    TrackingSurveyContent,
		Settings:   `{"trigger_on_first_download": false}`,
	}
}

// WeeklyAt schedules a survey every week at the instant's weekday and
// wall time.
func WeeklyAt(survey *model.Survey, at time.Time) *model.WeeklySchedule {
	return &model.WeeklySchedule{
		SurveyID:  survey.ID,
		DayOfWeek: int(at.Weekday()),
		Hour:      at.Hour(),
		Minute:    at.Minute(),
	}
}

// AbsoluteOn schedules a survey once on the instant's civil date and
// wall time.
func AbsoluteOn(survey *model.Survey, at time.Time) *model.AbsoluteSchedule {
	return &model.AbsoluteSchedule{
		SurveyID: survey.ID,
		Date:     time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC),
		Hour:     at.Hour(),
		Minute:   at.Minute(),
	}
}
