package repository

import (
	"context"
	"errors"

	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/chronica/sensing-gateway/pkg/pg"
	"gorm.io/gorm"
)

type SurveyRepository struct {
	*pg.DB
}

func NewSurveyRepository(db *pg.DB) *SurveyRepository {
	return &SurveyRepository{db}
}

func (r *SurveyRepository) Get(ctx context.Context, id int64) (*model.Survey, error) {
	var s model.Survey
	err := r.Read(ctx).WithContext(ctx).Preload("Study").First(&s, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SurveyRepository) GetByObjectID(ctx context.Context, objectID string) (*model.Survey, error) {
	var s model.Survey
	err := r.Read(ctx).WithContext(ctx).Preload("Study").Where("object_id = ?", objectID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListForStudy returns non-deleted surveys of a study.
func (r *SurveyRepository) ListForStudy(ctx context.Context, studyID int64) ([]*model.Survey, error) {
	var out []*model.Survey
	err := r.Read(ctx).WithContext(ctx).
		Where("study_id = ? AND deleted = ?", studyID, false).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Save persists survey content and appends a SurveyArchive snapshot
// whenever content, settings or survey_type changed.
func (r *SurveyRepository) Save(ctx context.Context, s *model.Survey) error {
	return r.WithinTransaction(ctx, func(ctx context.Context) error {
		if s.ID == 0 {
			if err := r.Write(ctx).WithContext(ctx).Create(s).Error; err != nil {
				return err
			}
			return r.appendArchive(ctx, s)
		}

		var prior model.Survey
		if err := r.Write(ctx).WithContext(ctx).First(&prior, s.ID).Error; err != nil {
			return err
		}
		if err := r.Write(ctx).WithContext(ctx).Save(s).Error; err != nil {
			return err
		}
		if prior.ContentChanged(s.Content, s.Settings, s.SurveyType) {
			return r.appendArchive(ctx, s)
		}
		return nil
	})
}

func (r *SurveyRepository) appendArchive(ctx context.Context, s *model.Survey) error {
	return r.Write(ctx).WithContext(ctx).Create(&model.SurveyArchive{
		SurveyID:   s.ID,
		SurveyType: s.SurveyType,
		Content:    s.Content,
		Settings:   s.Settings,
	}).Error
}

// CurrentArchive returns the latest snapshot for a survey, creating one
// if the survey predates archiving.
func (r *SurveyRepository) CurrentArchive(ctx context.Context, surveyID int64) (*model.SurveyArchive, error) {
	var archive model.SurveyArchive
	err := r.Read(ctx).WithContext(ctx).
		Where("survey_id = ?", surveyID).
		Order("id DESC").
		First(&archive).Error
	if err == nil {
		return &archive, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	survey, err := r.Get(ctx, surveyID)
	if err != nil {
		return nil, err
	}
	if err := r.appendArchive(ctx, survey); err != nil {
		return nil, err
	}
	err = r.Read(ctx).WithContext(ctx).
		Where("survey_id = ?", surveyID).
		Order("id DESC").
		First(&archive).Error
	if err != nil {
		return nil, err
	}
	return &archive, nil
}
