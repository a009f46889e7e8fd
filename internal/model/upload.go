package model

import (
	"strings"
	"time"
)

// FileToProcess hands a decrypted upload to the downstream processor.
// S3FilePath is unique; a duplicate upload is rejected with 400 so the
// device retries after processing drains.
type FileToProcess struct {
	ID            int64        `json:"id"             gorm:"primaryKey;autoIncrement;column:id"`
	ParticipantID int64        `json:"participant_id" gorm:"column:participant_id;not null;index"`
	Participant   *Participant `json:"-"              gorm:"foreignKey:ParticipantID;references:ID;constraint:OnDelete:CASCADE"`
	StudyID       int64        `json:"study_id"       gorm:"column:study_id;not null;index"`
	S3FilePath    string       `json:"s3_file_path"   gorm:"column:s3_file_path;uniqueIndex;not null"`
	CreatedAt     time.Time    `json:"created_at"     gorm:"column:created_at;autoCreateTime"`
}

func (FileToProcess) TableName() string { return "files_to_process" }

// IOSDecryptionKey caches the working AES key of an iOS upload, keyed by
// file name, so later chunks of a split upload can decrypt without the
// key line.
type IOSDecryptionKey struct {
	ID                  int64     `json:"id"                    gorm:"primaryKey;autoIncrement;column:id"`
	ParticipantID       int64     `json:"participant_id"        gorm:"column:participant_id;not null;index"`
	FileName            string    `json:"file_name"             gorm:"column:file_name;uniqueIndex;not null"`
	Base64EncryptionKey string    `json:"base64_encryption_key" gorm:"column:base64_encryption_key;not null"`
	CreatedAt           time.Time `json:"created_at"            gorm:"column:created_at;autoCreateTime"`
}

func (IOSDecryptionKey) TableName() string { return "ios_decryption_keys" }

// NormalizePath converts a device file name into a blob sub-path.
func NormalizePath(fileName string) string {
	return strings.ReplaceAll(fileName, "_", "/")
}
