package repository

import (
	"context"
	"errors"
	"time"

	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/chronica/sensing-gateway/pkg/pg"
	"gorm.io/gorm"
)

// LivenessField names one of the participant liveness timestamp columns.
type LivenessField string

const (
	LivenessUpload                  LivenessField = "last_upload"
	LivenessGetLatestSurveys        LivenessField = "last_get_latest_surveys"
	LivenessSetPassword             LivenessField = "last_set_password"
	LivenessSetFCMToken             LivenessField = "last_set_fcm_token"
	LivenessGetLatestDeviceSettings LivenessField = "last_get_latest_device_settings"
	LivenessRegisterUser            LivenessField = "last_register_user"
	LivenessHeartbeatCheckin        LivenessField = "last_heartbeat_checkin"
)

type ParticipantRepository struct {
	*pg.DB
}

func NewParticipantRepository(db *pg.DB) *ParticipantRepository {
	return &ParticipantRepository{db}
}

func (r *ParticipantRepository) Create(ctx context.Context, p *model.Participant) (*model.Participant, error) {
	if err := r.Write(ctx).WithContext(ctx).Create(p).Error; err != nil {
		return nil, err
	}
	return p, nil
}

func (r *ParticipantRepository) Get(ctx context.Context, id int64) (*model.Participant, error) {
	var p model.Participant
	err := r.Read(ctx).WithContext(ctx).Preload("Study").First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByPatientID loads a participant with its study. Deleted participants
// are invisible here; they are excluded from every query in the engines.
func (r *ParticipantRepository) GetByPatientID(ctx context.Context, patientID string) (*model.Participant, error) {
	var p model.Participant
	err := r.Read(ctx).WithContext(ctx).
		Preload("Study").
		Where("patient_id = ? AND deleted = ?", patientID, false).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *ParticipantRepository) Update(ctx context.Context, p *model.Participant) error {
	return r.Write(ctx).WithContext(ctx).Save(p).Error
}

// ListForStudy returns non-excluded participants of a study.
func (r *ParticipantRepository) ListForStudy(ctx context.Context, studyID int64) ([]*model.Participant, error) {
	var out []*model.Participant
	err := r.Read(ctx).WithContext(ctx).
		Where("study_id = ? AND deleted = ? AND permanently_retired = ?", studyID, false, false).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Touch stamps one liveness column. Deleted participants stay frozen.
func (r *ParticipantRepository) Touch(ctx context.Context, participantID int64, field LivenessField, now time.Time) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&model.Participant{}).
		Where("id = ? AND deleted = ?", participantID, false).
		Update(string(field), now).Error
}

func (r *ParticipantRepository) SetHeartbeatNotification(ctx context.Context, participantID int64, now time.Time) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&model.Participant{}).
		Where("id = ?", participantID).
		Update("last_heartbeat_notification", now).Error
}

// IncrementPushFailures bumps the failure counter and returns the new
// value.
func (r *ParticipantRepository) IncrementPushFailures(ctx context.Context, participantID int64) (int, error) {
	err := r.Write(ctx).WithContext(ctx).
		Model(&model.Participant{}).
		Where("id = ?", participantID).
		Update("push_failure_count", gorm.Expr("push_failure_count + 1")).Error
	if err != nil {
		return 0, err
	}
	var p model.Participant
	if err := r.Read(ctx).WithContext(ctx).Select("push_failure_count").First(&p, participantID).Error; err != nil {
		return 0, err
	}
	return p.PushFailureCount, nil
}

func (r *ParticipantRepository) ResetPushFailures(ctx context.Context, participantID int64) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&model.Participant{}).
		Where("id = ?", participantID).
		Update("push_failure_count", 0).Error
}

/* ------------------------------ push tokens ------------------------------ */

// ActiveTokens lists every non-unregistered token of a participant.
func (r *ParticipantRepository) ActiveTokens(ctx context.Context, participantID int64) ([]*model.PushToken, error) {
	var tokens []*model.PushToken
	err := r.Read(ctx).WithContext(ctx).
		Where("participant_id = ? AND unregistered IS NULL", participantID).
		Find(&tokens).Error
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// SetToken registers a fresh push token and unregisters every prior live
// token of the participant.
func (r *ParticipantRepository) SetToken(ctx context.Context, participantID int64, token string, now time.Time) error {
	return r.WithinTransaction(ctx, func(ctx context.Context) error {
		err := r.Write(ctx).WithContext(ctx).
			Model(&model.PushToken{}).
			Where("participant_id = ? AND unregistered IS NULL", participantID).
			Update("unregistered", now).Error
		if err != nil {
			return err
		}
		return r.Write(ctx).WithContext(ctx).Create(&model.PushToken{
			ParticipantID: participantID,
			Token:         token,
		}).Error
	})
}

// UnregisterToken stamps one token value as dead for the participant.
func (r *ParticipantRepository) UnregisterToken(ctx context.Context, participantID int64, token string, now time.Time) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&model.PushToken{}).
		Where("participant_id = ? AND token = ? AND unregistered IS NULL", participantID, token).
		Update("unregistered", now).Error
}

// MostRecentToken is the newest live token, used when disabling push
// after repeated failures.
func (r *ParticipantRepository) MostRecentToken(ctx context.Context, participantID int64) (*model.PushToken, error) {
	var token model.PushToken
	err := r.Read(ctx).WithContext(ctx).
		Where("participant_id = ? AND unregistered IS NULL", participantID).
		Order("created_at DESC").
		First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (r *ParticipantRepository) CreateDisabledEvent(ctx context.Context, ev *model.PushNotificationDisabledEvent) error {
	return r.Write(ctx).WithContext(ctx).Create(ev).Error
}

func (r *ParticipantRepository) CreateHeartbeat(ctx context.Context, hb *model.AppHeartbeat) error {
	return r.Write(ctx).WithContext(ctx).Create(hb).Error
}

// ListActive loads every non-excluded participant with study preloaded.
// Activity-window and capability filtering happens in memory.
func (r *ParticipantRepository) ListActive(ctx context.Context) ([]*model.Participant, error) {
	var out []*model.Participant
	err := r.Read(ctx).WithContext(ctx).
		Preload("Study").
		Where("deleted = ? AND permanently_retired = ?", false, false).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListWithLiveTokens loads every non-excluded participant that holds at
// least one live token, with study preloaded. The heartbeat engine
// filters by activity windows in memory.
func (r *ParticipantRepository) ListWithLiveTokens(ctx context.Context) ([]*model.Participant, error) {
	var out []*model.Participant
	err := r.Read(ctx).WithContext(ctx).
		Preload("Study").
		Where("deleted = ? AND permanently_retired = ?", false, false).
		Where("id IN (?)", r.Read(ctx).
			Model(&model.PushToken{}).
			Select("participant_id").
			Where("unregistered IS NULL")).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
