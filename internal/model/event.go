package model

import (
	"time"
)

// Canonical archive status strings. Push transport errors are normalized
// into this set before persistence; anything else re-raises.
const (
	StatusSuccess            = "success"
	StatusUnexpectedResponse = "Unexpected HTTP response from push notification service."
	StatusUnknownError       = "Unknown error while making a remote service call"
	StatusConnectionFailed   = "Failed to establish connection to push notification service."
	StatusConnectionAborted  = "Connection to push notification service aborted."
	StatusAccountNotFound    = "Account not found by push notification service."
)

// ScheduledEvent is a concrete notification obligation: one participant,
// one survey, one instant. Exactly one of the three schedule ids is set.
//
// Identity for dedup is (participant, schedule ref, scheduled_time);
// materialization must never churn pk or uuid for an unchanged identity.
type ScheduledEvent struct {
	ID            int64        `json:"id"             gorm:"primaryKey;autoIncrement;column:id"`
	SurveyID      int64        `json:"survey_id"      gorm:"column:survey_id;not null;index"`
	Survey        *Survey      `json:"-"              gorm:"foreignKey:SurveyID;references:ID;constraint:OnDelete:CASCADE"`
	ParticipantID int64        `json:"participant_id" gorm:"column:participant_id;not null;index"`
	Participant   *Participant `json:"-"              gorm:"foreignKey:ParticipantID;references:ID;constraint:OnDelete:CASCADE"`

	WeeklyScheduleID   *int64 `json:"weekly_schedule_id"   gorm:"column:weekly_schedule_id;index"`
	AbsoluteScheduleID *int64 `json:"absolute_schedule_id" gorm:"column:absolute_schedule_id;index"`
	RelativeScheduleID *int64 `json:"relative_schedule_id" gorm:"column:relative_schedule_id;index"`

	ScheduledTime time.Time `json:"scheduled_time" gorm:"column:scheduled_time;not null;index"`
	UUID          *string   `json:"uuid"           gorm:"column:uuid;size:36;index"`
	Deleted       bool      `json:"deleted"        gorm:"column:deleted;not null;default:false;index"`
	NoResend      bool      `json:"no_resend"      gorm:"column:no_resend;not null;default:false"`

	MostRecentEventID *int64 `json:"most_recent_event_id" gorm:"column:most_recent_event_id"`

	CreatedAt   time.Time `json:"created_at"   gorm:"column:created_at;autoCreateTime"`
	LastUpdated time.Time `json:"last_updated" gorm:"column:last_updated;autoUpdateTime"`
}

func (ScheduledEvent) TableName() string { return "scheduled_events" }

// ScheduleType derives the discriminant from whichever FK is set.
func (e *ScheduledEvent) ScheduleType() ScheduleType {
	switch {
	case e.WeeklyScheduleID != nil:
		return ScheduleWeekly
	case e.AbsoluteScheduleID != nil:
		return ScheduleAbsolute
	case e.RelativeScheduleID != nil:
		return ScheduleRelative
	default:
		return ScheduleDebug
	}
}

// ScheduleRef returns the set schedule id, or 0 when the event is
// malformed (no schedule reference at all).
func (e *ScheduledEvent) ScheduleRef() int64 {
	switch {
	case e.WeeklyScheduleID != nil:
		return *e.WeeklyScheduleID
	case e.AbsoluteScheduleID != nil:
		return *e.AbsoluteScheduleID
	case e.RelativeScheduleID != nil:
		return *e.RelativeScheduleID
	default:
		return 0
	}
}

// ArchivedEvent is the historical record of one dispatch attempt.
// Append-only except status, last_updated, confirmed_received and uuid
// clearing.
type ArchivedEvent struct {
	ID              int64          `json:"id"                gorm:"primaryKey;autoIncrement;column:id"`
	SurveyArchiveID int64          `json:"survey_archive_id" gorm:"column:survey_archive_id;not null;index"`
	SurveyArchive   *SurveyArchive `json:"-"                 gorm:"foreignKey:SurveyArchiveID;references:ID"`
	ParticipantID   int64          `json:"participant_id"    gorm:"column:participant_id;not null;index"`
	ScheduleType    ScheduleType   `json:"schedule_type"     gorm:"column:schedule_type;not null"`
	ScheduledTime   time.Time      `json:"scheduled_time"    gorm:"column:scheduled_time;not null;index"`
	Status          string         `json:"status"            gorm:"column:status;not null"`
	UUID            *string        `json:"uuid"              gorm:"column:uuid;size:36;index"`
	WasResend       bool           `json:"was_resend"         gorm:"column:was_resend;not null;default:false"`
	Confirmed       bool           `json:"confirmed_received" gorm:"column:confirmed_received;not null;default:false"`
	CreatedOn       time.Time      `json:"created_on"        gorm:"column:created_on;autoCreateTime;index"`
	LastUpdated     time.Time      `json:"last_updated"      gorm:"column:last_updated;index"`
}

func (ArchivedEvent) TableName() string { return "archived_events" }

// SurveyNotificationReport is a device-originated receipt for a
// notification uuid. applied flips once the resend engine consumes it.
type SurveyNotificationReport struct {
	ID               int64     `json:"id"                gorm:"primaryKey;autoIncrement;column:id"`
	ParticipantID    int64     `json:"participant_id"    gorm:"column:participant_id;not null;index"`
	NotificationUUID string    `json:"notification_uuid" gorm:"column:notification_uuid;size:36;not null;index"`
	Applied          bool      `json:"applied"           gorm:"column:applied;not null;default:false"`
	CreatedAt        time.Time `json:"created_at"        gorm:"column:created_at;autoCreateTime"`
}

func (SurveyNotificationReport) TableName() string { return "survey_notification_reports" }

// GlobalSettings is a singleton row. A null resend-enabled instant keeps
// the resend engine inert.
type GlobalSettings struct {
	ID                            int64      `json:"id"                               gorm:"primaryKey;column:id"`
	PushNotificationResendEnabled *time.Time `json:"push_notification_resend_enabled" gorm:"column:push_notification_resend_enabled"`
}

func (GlobalSettings) TableName() string { return "global_settings" }
