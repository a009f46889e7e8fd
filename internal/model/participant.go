package model

import (
	"time"

	"github.com/chronica/sensing-gateway/internal/version"
	"github.com/chronica/sensing-gateway/pkg/clock"
)

// Participant is a study enrollee with a device. PatientID is the
// 8-character opaque id the device authenticates with.
type Participant struct {
	ID              int64  `json:"id"               gorm:"primaryKey;autoIncrement;column:id"`
	PatientID       string `json:"patient_id"       gorm:"column:patient_id;size:8;uniqueIndex;not null"`
	StudyID         int64  `json:"study_id"         gorm:"column:study_id;not null;index"`
	Study           *Study `json:"-"                gorm:"foreignKey:StudyID;references:ID;constraint:OnDelete:CASCADE"`
	PasswordHash    string `json:"-"                gorm:"column:password_hash"`
	OSType          string `json:"os_type"          gorm:"column:os_type"`
	DeviceID        string `json:"device_id"        gorm:"column:device_id"`
	TimezoneName    string `json:"timezone_name"    gorm:"column:timezone_name"`
	UnknownTimezone bool   `json:"unknown_timezone" gorm:"column:unknown_timezone;not null;default:true"`

	LastVersionCode string `json:"last_version_code" gorm:"column:last_version_code"`
	LastVersionName string `json:"last_version_name" gorm:"column:last_version_name"`
	LastOSVersion   string `json:"last_os_version"   gorm:"column:last_os_version"`

	// Liveness timestamps, one per device endpoint. Frozen once the
	// participant is deleted.
	LastUpload                  *time.Time `json:"last_upload"                     gorm:"column:last_upload"`
	LastGetLatestSurveys        *time.Time `json:"last_get_latest_surveys"         gorm:"column:last_get_latest_surveys"`
	LastSetPassword             *time.Time `json:"last_set_password"               gorm:"column:last_set_password"`
	LastSetFCMToken             *time.Time `json:"last_set_fcm_token"              gorm:"column:last_set_fcm_token"`
	LastGetLatestDeviceSettings *time.Time `json:"last_get_latest_device_settings" gorm:"column:last_get_latest_device_settings"`
	LastRegisterUser            *time.Time `json:"last_register_user"              gorm:"column:last_register_user"`
	LastHeartbeatCheckin        *time.Time `json:"last_heartbeat_checkin"          gorm:"column:last_heartbeat_checkin"`

	// LastHeartbeatNotification is when we last pushed a liveness
	// heartbeat, used for ratelimiting, not a liveness signal itself.
	LastHeartbeatNotification *time.Time `json:"last_heartbeat_notification" gorm:"column:last_heartbeat_notification"`

	PushFailureCount   int  `json:"push_failure_count"  gorm:"column:push_failure_count;not null;default:0"`
	Deleted            bool `json:"deleted"             gorm:"column:deleted;not null;default:false;index"`
	PermanentlyRetired bool `json:"permanently_retired" gorm:"column:permanently_retired;not null;default:false"`
	EasyEnrollment     bool `json:"easy_enrollment"     gorm:"column:easy_enrollment;not null;default:false"`

	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

func (Participant) TableName() string { return "participants" }

// Excluded participants never receive events, dispatch or heartbeats.
func (p *Participant) Excluded() bool {
	return p.Deleted || p.PermanentlyRetired
}

// Location resolves the participant timezone with the study timezone as
// fallback. Unknown or invalid timezones always fall back.
func (p *Participant) Location(study *Study) *time.Location {
	if p.UnknownTimezone {
		return study.Location()
	}
	return clock.LoadLocation(p.TimezoneName, study.Location())
}

// LastActive is the max of all liveness timestamps.
func (p *Participant) LastActive() time.Time {
	var latest time.Time
	for _, ts := range []*time.Time{
		p.LastUpload,
		p.LastGetLatestSurveys,
		p.LastSetPassword,
		p.LastSetFCMToken,
		p.LastGetLatestDeviceSettings,
		p.LastRegisterUser,
		p.LastHeartbeatCheckin,
	} {
		if ts != nil && ts.After(latest) {
			latest = *ts
		}
	}
	return latest
}

// ResendCapable reports whether the participant runs an iOS app new
// enough to report notification-receipt uuids. Malformed versions are
// treated as not capable.
func (p *Participant) ResendCapable(minIOSVersion string) bool {
	if p.OSType != string(version.IOS) {
		return false
	}
	ok, err := version.AtLeast(version.IOS, minIOSVersion, p.LastVersionCode, p.LastVersionName)
	if err != nil {
		return false
	}
	return ok
}

// PushToken is a device push registration. A participant may transiently
// hold several live tokens; dispatch fans out to each.
type PushToken struct {
	ID            int64        `json:"id"             gorm:"primaryKey;autoIncrement;column:id"`
	ParticipantID int64        `json:"participant_id" gorm:"column:participant_id;not null;index"`
	Participant   *Participant `json:"-"              gorm:"foreignKey:ParticipantID;references:ID;constraint:OnDelete:CASCADE"`
	Token         string       `json:"token"          gorm:"column:token;not null;index"`
	Unregistered  *time.Time   `json:"unregistered"   gorm:"column:unregistered"`
	CreatedAt     time.Time    `json:"created_at"     gorm:"column:created_at;autoCreateTime"`
}

func (PushToken) TableName() string { return "push_tokens" }

// AppHeartbeat records one device /heartbeat checkin.
type AppHeartbeat struct {
	ID              int64     `json:"id"                gorm:"primaryKey;autoIncrement;column:id"`
	ParticipantID   int64     `json:"participant_id"    gorm:"column:participant_id;not null;index"`
	ActiveSurveyIDs string    `json:"active_survey_ids" gorm:"column:active_survey_ids"`
	CreatedAt       time.Time `json:"created_at"        gorm:"column:created_at;autoCreateTime"`
}

func (AppHeartbeat) TableName() string { return "app_heartbeats" }

// ParticipantActionLog is an audit row for participant-scoped operations
// such as purge start/finish.
type ParticipantActionLog struct {
	ID            int64     `json:"id"             gorm:"primaryKey;autoIncrement;column:id"`
	ParticipantID int64     `json:"participant_id" gorm:"column:participant_id;not null;index"`
	Action        string    `json:"action"         gorm:"column:action;not null"`
	CreatedAt     time.Time `json:"created_at"     gorm:"column:created_at;autoCreateTime"`
}

func (ParticipantActionLog) TableName() string { return "participant_action_logs" }

// ParticipantDeletionEvent is the purge FIFO row. PurgeConfirmedTime is
// set only once every post-condition held.
type ParticipantDeletionEvent struct {
	ID                int64      `json:"id"                  gorm:"primaryKey;autoIncrement;column:id"`
	ParticipantID     int64      `json:"participant_id"      gorm:"column:participant_id;not null;uniqueIndex"`
	FilesDeletedCount int64      `json:"files_deleted_count" gorm:"column:files_deleted_count;not null;default:0"`
	PurgeConfirmedAt  *time.Time `json:"purge_confirmed_time" gorm:"column:purge_confirmed_time"`
	CreatedAt         time.Time  `json:"created_at"          gorm:"column:created_at;autoCreateTime"`
	LastUpdated       time.Time  `json:"last_updated"        gorm:"column:last_updated;autoUpdateTime"`
}

func (ParticipantDeletionEvent) TableName() string { return "participant_deletion_events" }

// PushNotificationDisabledEvent records that we unregistered a token
// after too many consecutive push failures.
type PushNotificationDisabledEvent struct {
	ID            int64     `json:"id"             gorm:"primaryKey;autoIncrement;column:id"`
	ParticipantID int64     `json:"participant_id" gorm:"column:participant_id;not null;index"`
	Token         string    `json:"token"          gorm:"column:token"`
	FailureCount  int       `json:"failure_count"  gorm:"column:failure_count;not null"`
	CreatedAt     time.Time `json:"created_at"     gorm:"column:created_at;autoCreateTime"`
}

func (PushNotificationDisabledEvent) TableName() string { return "push_notification_disabled_events" }
