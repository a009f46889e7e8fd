package model

import (
	"time"
)

// ScheduleType discriminates the three declarative schedule kinds.
type ScheduleType string

const (
	ScheduleWeekly   ScheduleType = "weekly"
	ScheduleAbsolute ScheduleType = "absolute"
	ScheduleRelative ScheduleType = "relative"
	ScheduleDebug    ScheduleType = "debug"
)

// Intervention is a named per-study milestone. Relative schedules anchor
// on a participant's date for an intervention.
type Intervention struct {
	ID      int64  `json:"id"       gorm:"primaryKey;autoIncrement;column:id"`
	StudyID int64  `json:"study_id" gorm:"column:study_id;not null;index:idx_intervention_study_name,unique"`
	Name    string `json:"name"     gorm:"column:name;not null;index:idx_intervention_study_name,unique"`
}

func (Intervention) TableName() string { return "interventions" }

// InterventionDate pins an intervention to a date for one participant.
// A null date yields no relative events.
type InterventionDate struct {
	ID             int64         `json:"id"              gorm:"primaryKey;autoIncrement;column:id"`
	ParticipantID  int64         `json:"participant_id"  gorm:"column:participant_id;not null;index:idx_intervention_date,unique"`
	InterventionID int64         `json:"intervention_id" gorm:"column:intervention_id;not null;index:idx_intervention_date,unique"`
	Intervention   *Intervention `json:"-"               gorm:"foreignKey:InterventionID;references:ID;constraint:OnDelete:CASCADE"`
	Date           *time.Time    `json:"date"            gorm:"column:date;type:date"`
}

func (InterventionDate) TableName() string { return "intervention_dates" }

// WeeklySchedule fires every week at (day_of_week, hour, minute) in the
// study timezone. Sunday is day 0.
type WeeklySchedule struct {
	ID        int64   `json:"id"          gorm:"primaryKey;autoIncrement;column:id"`
	SurveyID  int64   `json:"survey_id"   gorm:"column:survey_id;not null;index"`
	Survey    *Survey `json:"-"           gorm:"foreignKey:SurveyID;references:ID;constraint:OnDelete:CASCADE"`
	DayOfWeek int     `json:"day_of_week" gorm:"column:day_of_week;not null"`
	Hour      int     `json:"hour"        gorm:"column:hour;not null"`
	Minute    int     `json:"minute"      gorm:"column:minute;not null"`
}

func (WeeklySchedule) TableName() string { return "weekly_schedules" }

// AbsoluteSchedule fires once on a civil date+time in study timezone.
type AbsoluteSchedule struct {
	ID       int64     `json:"id"        gorm:"primaryKey;autoIncrement;column:id"`
	SurveyID int64     `json:"survey_id" gorm:"column:survey_id;not null;index"`
	Survey   *Survey   `json:"-"         gorm:"foreignKey:SurveyID;references:ID;constraint:OnDelete:CASCADE"`
	Date     time.Time `json:"date"      gorm:"column:date;type:date;not null"`
	Hour     int       `json:"hour"      gorm:"column:hour;not null"`
	Minute   int       `json:"minute"    gorm:"column:minute;not null"`
}

func (AbsoluteSchedule) TableName() string { return "absolute_schedules" }

// Scheduled computes the UTC instant for the schedule in the given
// location.
func (a *AbsoluteSchedule) Scheduled(loc *time.Location) time.Time {
	return time.Date(a.Date.Year(), a.Date.Month(), a.Date.Day(), a.Hour, a.Minute, 0, 0, loc).UTC()
}

// RelativeSchedule fires days_after a participant's intervention date at
// (hour, minute) in study timezone. days_after may be negative.
type RelativeSchedule struct {
	ID             int64         `json:"id"              gorm:"primaryKey;autoIncrement;column:id"`
	SurveyID       int64         `json:"survey_id"       gorm:"column:survey_id;not null;index"`
	Survey         *Survey       `json:"-"               gorm:"foreignKey:SurveyID;references:ID;constraint:OnDelete:CASCADE"`
	InterventionID int64         `json:"intervention_id" gorm:"column:intervention_id;not null;index"`
	Intervention   *Intervention `json:"-"               gorm:"foreignKey:InterventionID;references:ID;constraint:OnDelete:CASCADE"`
	DaysAfter      int           `json:"days_after"      gorm:"column:days_after;not null"`
	Hour           int           `json:"hour"            gorm:"column:hour;not null"`
	Minute         int           `json:"minute"          gorm:"column:minute;not null"`
}

func (RelativeSchedule) TableName() string { return "relative_schedules" }

// Scheduled computes the UTC instant for one intervention date.
func (r *RelativeSchedule) Scheduled(interventionDate time.Time, loc *time.Location) time.Time {
	d := interventionDate.AddDate(0, 0, r.DaysAfter)
	return time.Date(d.Year(), d.Month(), d.Day(), r.Hour, r.Minute, 0, 0, loc).UTC()
}

// SecondsIntoDay is the external representation of a weekly firing time.
func (w *WeeklySchedule) SecondsIntoDay() int {
	return w.Hour*3600 + w.Minute*60
}

// RelativeTiming is the external tuple form of a relative schedule.
type RelativeTiming struct {
	InterventionID int64
	DaysAfter      int
	SecondsIntoDay int
}

// AbsoluteTiming is the external tuple form of an absolute schedule.
type AbsoluteTiming struct {
	Year           int
	Month          int
	Day            int
	SecondsIntoDay int
}
