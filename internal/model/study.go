package model

import (
	"time"

	"github.com/chronica/sensing-gateway/pkg/clock"
)

// Study is the top-level research unit. Surveys, participants and
// schedules all hang off a study.
type Study struct {
	ID                   int64      `json:"id"                      gorm:"primaryKey;autoIncrement;column:id"`
	ObjectID             string     `json:"object_id"               gorm:"column:object_id;size:24;uniqueIndex;not null"`
	Name                 string     `json:"name"                    gorm:"column:name;not null"`
	TimezoneName         string     `json:"timezone_name"           gorm:"column:timezone_name;not null;default:UTC"`
	EndDate              *time.Time `json:"end_date"                gorm:"column:end_date"`
	ManuallyStopped      bool       `json:"manually_stopped"        gorm:"column:manually_stopped;not null;default:false"`
	Deleted              bool       `json:"deleted"                 gorm:"column:deleted;not null;default:false"`
	ResendPeriodMinutes  int        `json:"resend_period_minutes"   gorm:"column:resend_period_minutes;not null;default:0"`
	HeartbeatIntervalMin int        `json:"heartbeat_interval_minutes" gorm:"column:heartbeat_interval_minutes;not null;default:60"`
	HeartbeatMessage     string     `json:"heartbeat_message"       gorm:"column:heartbeat_message"`
	DeviceSettings       string     `json:"device_settings"         gorm:"column:device_settings;type:text"`
	CreatedAt            time.Time  `json:"created_at"              gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time  `json:"updated_at"              gorm:"column:updated_at;autoUpdateTime"`
}

func (Study) TableName() string { return "studies" }

// Location resolves the study timezone, falling back to UTC.
func (s *Study) Location() *time.Location {
	return clock.LoadLocation(s.TimezoneName, time.UTC)
}

// Stopped is deleted OR manually stopped OR past end_date, where "past"
// is judged against today's date in the study timezone.
func (s *Study) Stopped(now time.Time) bool {
	if s.Deleted || s.ManuallyStopped {
		return true
	}
	if s.EndDate == nil {
		return false
	}
	local := now.In(s.Location())
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	end := time.Date(s.EndDate.Year(), s.EndDate.Month(), s.EndDate.Day(), 0, 0, 0, 0, time.UTC)
	return end.Before(today)
}
