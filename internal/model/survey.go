package model

import (
	"time"
)

type SurveyType string

const (
	SurveyTypeTracking SurveyType = "tracking_survey"
	SurveyTypeAudio    SurveyType = "audio_survey"
)

// Survey is a researcher-authored questionnaire. ObjectID is the stable
// external id devices and blob paths use.
type Survey struct {
	ID         int64      `json:"id"          gorm:"primaryKey;autoIncrement;column:id"`
	StudyID    int64      `json:"study_id"    gorm:"column:study_id;not null;index"`
	Study      *Study     `json:"-"           gorm:"foreignKey:StudyID;references:ID;constraint:OnDelete:CASCADE"`
	ObjectID   string     `json:"object_id"   gorm:"column:object_id;size:24;uniqueIndex;not null"`
	Name       string     `json:"name"        gorm:"column:name"`
	SurveyType SurveyType `json:"survey_type" gorm:"column:survey_type;not null"`
	Content    string     `json:"content"     gorm:"column:content;type:text"`
	Settings   string     `json:"settings"    gorm:"column:settings;type:text"`
	Deleted    bool       `json:"deleted"     gorm:"column:deleted;not null;default:false"`
	CreatedAt  time.Time  `json:"created_at"  gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time  `json:"updated_at"  gorm:"column:updated_at;autoUpdateTime"`
}

func (Survey) TableName() string { return "surveys" }

// ContentChanged reports whether saving the given fields should append a
// SurveyArchive record.
func (s *Survey) ContentChanged(content, settings string, surveyType SurveyType) bool {
	return s.Content != content || s.Settings != settings || s.SurveyType != surveyType
}

// SurveyArchive is an immutable snapshot of a survey version. Archived
// events reference the archive that was live when they were sent.
type SurveyArchive struct {
	ID           int64      `json:"id"            gorm:"primaryKey;autoIncrement;column:id"`
	SurveyID     int64      `json:"survey_id"     gorm:"column:survey_id;not null;index"`
	Survey       *Survey    `json:"-"             gorm:"foreignKey:SurveyID;references:ID;constraint:OnDelete:CASCADE"`
	SurveyType   SurveyType `json:"survey_type"   gorm:"column:survey_type;not null"`
	Content      string     `json:"content"       gorm:"column:content;type:text"`
	Settings     string     `json:"settings"      gorm:"column:settings;type:text"`
	ArchiveStart time.Time  `json:"archive_start" gorm:"column:archive_start;autoCreateTime"`
}

func (SurveyArchive) TableName() string { return "survey_archives" }
