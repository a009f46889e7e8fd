package repository

import (
	"context"
	"errors"

	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/chronica/sensing-gateway/pkg/pg"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("record not found")
)

type StudyRepository struct {
	*pg.DB
}

func NewStudyRepository(db *pg.DB) *StudyRepository {
	return &StudyRepository{db}
}

func (r *StudyRepository) Create(ctx context.Context, s *model.Study) (*model.Study, error) {
	if err := r.Write(ctx).WithContext(ctx).Create(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

func (r *StudyRepository) Get(ctx context.Context, id int64) (*model.Study, error) {
	var s model.Study
	err := r.Read(ctx).WithContext(ctx).First(&s, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *StudyRepository) GetByObjectID(ctx context.Context, objectID string) (*model.Study, error) {
	var s model.Study
	err := r.Read(ctx).WithContext(ctx).Where("object_id = ?", objectID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *StudyRepository) Update(ctx context.Context, s *model.Study) error {
	return r.Write(ctx).WithContext(ctx).Save(s).Error
}

// ListNotDeleted returns every study row that is not soft-deleted.
// Stopped-ness still needs a wall-clock judgement by the caller.
func (r *StudyRepository) ListNotDeleted(ctx context.Context) ([]*model.Study, error) {
	var studies []*model.Study
	err := r.Read(ctx).WithContext(ctx).Where("deleted = ?", false).Find(&studies).Error
	if err != nil {
		return nil, err
	}
	return studies, nil
}
