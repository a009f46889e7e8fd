package repository

import (
	"context"
	"errors"

	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/chronica/sensing-gateway/pkg/pg"
	"gorm.io/gorm"
)

type UploadRepository struct {
	*pg.DB
}

func NewUploadRepository(db *pg.DB) *UploadRepository {
	return &UploadRepository{db}
}

// FileToProcessExists reports whether the normalized path is already
// queued for processing.
func (r *UploadRepository) FileToProcessExists(ctx context.Context, s3Path string) (bool, error) {
	var n int64
	err := r.Read(ctx).WithContext(ctx).
		Model(&model.FileToProcess{}).
		Where("s3_file_path = ?", s3Path).
		Count(&n).Error
	return n > 0, err
}

func (r *UploadRepository) CreateFileToProcess(ctx context.Context, f *model.FileToProcess) (*model.FileToProcess, error) {
	if err := r.Write(ctx).WithContext(ctx).Create(f).Error; err != nil {
		return nil, err
	}
	return f, nil
}

// DeleteFileToProcess removes the handoff row once the processor has
// consumed the upload, freeing the path for the next device file.
func (r *UploadRepository) DeleteFileToProcess(ctx context.Context, s3Path string) error {
	return r.Write(ctx).WithContext(ctx).
		Where("s3_file_path = ?", s3Path).
		Delete(&model.FileToProcess{}).Error
}

// GetIOSKey looks up the cached AES key for a split iOS upload.
func (r *UploadRepository) GetIOSKey(ctx context.Context, fileName string) (*model.IOSDecryptionKey, error) {
	var key model.IOSDecryptionKey
	err := r.Read(ctx).WithContext(ctx).Where("file_name = ?", fileName).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// SaveIOSKey caches the working key for a file name, first writer wins.
func (r *UploadRepository) SaveIOSKey(ctx context.Context, key *model.IOSDecryptionKey) error {
	existing, err := r.GetIOSKey(ctx, key.FileName)
	if err == nil {
		if existing.Base64EncryptionKey == key.Base64EncryptionKey {
			return nil
		}
		return ErrKeyConflict
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return r.Write(ctx).WithContext(ctx).Create(key).Error
}

// ErrKeyConflict signals a second upload presenting a different AES key
// for the same file name.
var ErrKeyConflict = errors.New("conflicting decryption key for file name")
