package repository

import (
	"context"
	"testing"

	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSurveyRepository_SaveArchives(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewSurveyRepository(db)
	ctx := context.Background()

	study := createTestStudy(t, db)
	survey := createTestSurvey(t, db, study)

	countArchives := func() int64 {
		var n int64
		require.NoError(t, db.Read(ctx).
			Model(&model.SurveyArchive{}).
			Where("survey_id = ?", survey.ID).
			Count(&n).Error)
		return n
	}

	t.Run("create writes the first snapshot", func(t *testing.T) {
		assert.Equal(t, int64(1), countArchives())
	})

	t.Run("unchanged save appends nothing", func(t *testing.T) {
		require.NoError(t, repo.Save(ctx, survey))
		assert.Equal(t, int64(1), countArchives())
	})

	t.Run("content change appends a snapshot", func(t *testing.T) {
		survey.Content = `[{"question":"mood"}]`
		require.NoError(t, repo.Save(ctx, survey))
		assert.Equal(t, int64(2), countArchives())

		archive, err := repo.CurrentArchive(ctx, survey.ID)
		require.NoError(t, err)
		assert.Equal(t, survey.Content, archive.Content)
	})
}

func TestStudyRepository_ListNotDeleted(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewStudyRepository(db)
	ctx := context.Background()

	live := createTestStudy(t, db)
	gone := createTestStudy(t, db)
	gone.Deleted = true
	require.NoError(t, repo.Update(ctx, gone))

	studies, err := repo.ListNotDeleted(ctx)
	require.NoError(t, err)
	require.Len(t, studies, 1)
	assert.Equal(t, live.ID, studies[0].ID)
}

func TestUploadRepository_IOSKeyCache(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewUploadRepository(db)
	ctx := context.Background()

	study := createTestStudy(t, db)
	p := createTestParticipant(t, db, study)

	key := &model.IOSDecryptionKey{
		ParticipantID:       p.ID,
		FileName:            "ident_accel_123.csv",
		Base64EncryptionKey: "AAAAAAAAAAAAAAAAAAAAAA==",
	}

	t.Run("first writer wins", func(t *testing.T) {
		require.NoError(t, repo.SaveIOSKey(ctx, key))
		require.NoError(t, repo.SaveIOSKey(ctx, key)) // same key, no-op
	})

	t.Run("different key for same name conflicts", func(t *testing.T) {
		other := *key
		other.ID = 0
		other.Base64EncryptionKey = "BBBBBBBBBBBBBBBBBBBBBB=="
		assert.ErrorIs(t, repo.SaveIOSKey(ctx, &other), ErrKeyConflict)
	})

	t.Run("lookup by file name", func(t *testing.T) {
		got, err := repo.GetIOSKey(ctx, key.FileName)
		require.NoError(t, err)
		assert.Equal(t, key.Base64EncryptionKey, got.Base64EncryptionKey)

		_, err = repo.GetIOSKey(ctx, "missing.csv")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUploadRepository_FileToProcess(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewUploadRepository(db)
	ctx := context.Background()

	study := createTestStudy(t, db)
	p := createTestParticipant(t, db, study)

	path := study.ObjectID + "/" + model.NormalizePath("ident_gps_456.csv")

	exists, err := repo.FileToProcessExists(ctx, path)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = repo.CreateFileToProcess(ctx, &model.FileToProcess{
		ParticipantID: p.ID,
		StudyID:       study.ID,
		S3FilePath:    path,
	})
	require.NoError(t, err)

	exists, err = repo.FileToProcessExists(ctx, path)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSettingsRepository_Singleton(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewSettingsRepository(db)
	ctx := context.Background()

	s, err := repo.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, s.PushNotificationResendEnabled)

	now := testInstant()
	require.NoError(t, repo.EnableResend(ctx, now))
	s, err = repo.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, s.PushNotificationResendEnabled)
	assert.Equal(t, now, s.PushNotificationResendEnabled.UTC())

	require.NoError(t, repo.DisableResend(ctx))
	s, err = repo.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, s.PushNotificationResendEnabled)
}
