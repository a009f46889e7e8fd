package repository

import (
	"context"
	"errors"
	"time"

	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/chronica/sensing-gateway/pkg/pg"
	"gorm.io/gorm"
)

// PurgeRepository backs the participant purge engine: the deletion-event
// FIFO plus the row wipes that remove every trace of a participant.
type PurgeRepository struct {
	*pg.DB
}

func NewPurgeRepository(db *pg.DB) *PurgeRepository {
	return &PurgeRepository{db}
}

// Enqueue registers a participant for purging. Re-enqueueing is a no-op.
func (r *PurgeRepository) Enqueue(ctx context.Context, participantID int64) error {
	var existing model.ParticipantDeletionEvent
	err := r.Write(ctx).WithContext(ctx).
		Where("participant_id = ?", participantID).
		First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return r.Write(ctx).WithContext(ctx).Create(&model.ParticipantDeletionEvent{
		ParticipantID: participantID,
	}).Error
}

// NextDue pops the oldest unconfirmed event past the grace window. The
// grace interval lets an accidental deletion be cancelled before data is
// destroyed.
func (r *PurgeRepository) NextDue(ctx context.Context, now time.Time, grace time.Duration) (*model.ParticipantDeletionEvent, error) {
	var ev model.ParticipantDeletionEvent
	err := r.Read(ctx).WithContext(ctx).
		Where("purge_confirmed_time IS NULL").
		Where("last_updated < ?", now.Add(-grace)).
		Order("created_at ASC").
		First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// purgeTables enumerates every table holding a participant foreign key,
// in deletion order. Must stay in sync with the schema.
var purgeTables = []interface{}{
	&model.ScheduledEvent{},
	&model.ArchivedEvent{},
	&model.SurveyNotificationReport{},
	&model.FileToProcess{},
	&model.IOSDecryptionKey{},
	&model.InterventionDate{},
	&model.AppHeartbeat{},
	&model.PushNotificationDisabledEvent{},
	&model.PushToken{},
	&model.ParticipantActionLog{},
}

// WipeParticipantRows deletes every row referencing the participant and
// writes the start/end audit pair.
func (r *PurgeRepository) WipeParticipantRows(ctx context.Context, participantID int64) error {
	return r.WithinTransaction(ctx, func(ctx context.Context) error {
		for _, table := range purgeTables {
			err := r.Write(ctx).WithContext(ctx).
				Where("participant_id = ?", participantID).
				Delete(table).Error
			if err != nil {
				return err
			}
		}
		for _, action := range []string{"purge_started", "purge_finished"} {
			err := r.Write(ctx).WithContext(ctx).Create(&model.ParticipantActionLog{
				ParticipantID: participantID,
				Action:        action,
			}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// RetireParticipant flips the terminal flags and blanks the device
// identity so the patient_id can never re-register.
func (r *PurgeRepository) RetireParticipant(ctx context.Context, participantID int64) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&model.Participant{}).
		Where("id = ?", participantID).
		Updates(map[string]interface{}{
			"deleted":             true,
			"permanently_retired": true,
			"device_id":           "",
			"os_type":             "",
		}).Error
}

// Confirm records blob-deletion counts and the purge completion instant.
func (r *PurgeRepository) Confirm(ctx context.Context, eventID int64, filesDeleted int64, now time.Time) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&model.ParticipantDeletionEvent{}).
		Where("id = ?", eventID).
		Updates(map[string]interface{}{
			"files_deleted_count":  filesDeleted,
			"purge_confirmed_time": now,
		}).Error
}
