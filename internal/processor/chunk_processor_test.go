package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/chronica/sensing-gateway/internal/queue"
	"github.com/chronica/sensing-gateway/internal/repository"
	"github.com/chronica/sensing-gateway/pkg/blob"
	"github.com/chronica/sensing-gateway/test/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chunkFixture struct {
	store     *blob.Memory
	uploads   *repository.UploadRepository
	processor *UploadChunkProcessor
	study     *model.Study
	patient   *model.Participant
}

func newChunkFixture(t *testing.T) *chunkFixture {
	db := helpers.SetupTestDB(t)
	_, adapter := helpers.SetupTestRedis(t)

	store := blob.NewMemory()
	uploads := repository.NewUploadRepository(db)
	study := helpers.CreateTestStudy(t, db, "UTC")
	patient := helpers.CreateTestParticipant(t, db, study, "ANDROID")

	return &chunkFixture{
		store:     store,
		uploads:   uploads,
		processor: NewUploadChunkProcessor(store, uploads, NewIdempotencyService(adapter), NewPipelineMetrics()),
		study:     study,
		patient:   patient,
	}
}

// seedUpload stores a decrypted file and its handoff row the way the
// gateway leaves them, then returns the queue message the gateway
// publishes.
func (f *chunkFixture) seedUpload(t *testing.T, stream, name string, body []byte) *queue.Message {
	path := f.study.ObjectID + "/" + f.patient.PatientID + "/" + stream + "/" + name
	require.NoError(t, f.store.Put(path, body))
	_, err := f.uploads.CreateFileToProcess(context.Background(), &model.FileToProcess{
		ParticipantID: f.patient.ID,
		StudyID:       f.study.ID,
		S3FilePath:    path,
	})
	require.NoError(t, err)

	data, err := json.Marshal(ChunkJob{
		S3FilePath: path,
		StudyID:    f.study.ID,
		PatientID:  f.patient.PatientID,
	})
	require.NoError(t, err)
	return &queue.Message{ID: fmt.Sprintf("msg-%d", helpers.NextSeq()), Data: data}
}

func (f *chunkFixture) chunkPath(stream, name string) string {
	return chunkedDataPrefix + f.study.ObjectID + "/" + f.patient.PatientID + "/" + stream + "/" + name
}

func TestProcess_SplitsRowsByHour(t *testing.T) {
	f := newChunkFixture(t)

	// 2022-10-08 12:00:05Z and 12:59:59Z share an hour; 13:00:01Z opens
	// the next one.
	body := []byte("timestamp,accuracy,x,y,z\n" +
		"1665230405000,high,0.1,0.2,0.3\n" +
		"1665233999000,high,0.4,0.5,0.6\n" +
		"1665234001000,low,0.7,0.8,0.9\n")
	msg := f.seedUpload(t, "accel", "1665230405000.csv", body)

	require.NoError(t, f.processor.Process(context.Background(), msg))

	first, err := f.store.Get(f.chunkPath("accel", "2022-10-08 12_00_00.csv"))
	require.NoError(t, err)
	assert.Equal(t,
		"timestamp,accuracy,x,y,z\n"+
			"1665230405000,high,0.1,0.2,0.3\n"+
			"1665233999000,high,0.4,0.5,0.6\n",
		string(first))

	second, err := f.store.Get(f.chunkPath("accel", "2022-10-08 13_00_00.csv"))
	require.NoError(t, err)
	assert.Equal(t,
		"timestamp,accuracy,x,y,z\n"+
			"1665234001000,low,0.7,0.8,0.9\n",
		string(second))

	exists, err := f.uploads.FileToProcessExists(context.Background(),
		f.study.ObjectID+"/"+f.patient.PatientID+"/accel/1665230405000.csv")
	require.NoError(t, err)
	assert.False(t, exists, "handoff row should be consumed")
}

func TestProcess_AppendsToExistingChunkWithoutDuplicateHeader(t *testing.T) {
	f := newChunkFixture(t)

	msg1 := f.seedUpload(t, "gps", "a.csv", []byte("timestamp,lat,lon\n1665230405000,1,2\n"))
	require.NoError(t, f.processor.Process(context.Background(), msg1))

	msg2 := f.seedUpload(t, "gps", "b.csv", []byte("timestamp,lat,lon\n1665230410000,3,4\n"))
	require.NoError(t, f.processor.Process(context.Background(), msg2))

	merged, err := f.store.Get(f.chunkPath("gps", "2022-10-08 12_00_00.csv"))
	require.NoError(t, err)
	assert.Equal(t,
		"timestamp,lat,lon\n"+
			"1665230405000,1,2\n"+
			"1665230410000,3,4\n",
		string(merged))
}

func TestProcess_MalformedRowsGoToSidecar(t *testing.T) {
	f := newChunkFixture(t)

	body := []byte("timestamp,event\n" +
		"1665230405000,screen_on\n" +
		"not-a-timestamp,screen_off\n")
	msg := f.seedUpload(t, "power", "c.csv", body)

	require.NoError(t, f.processor.Process(context.Background(), msg))

	malformed, err := f.store.Get(f.chunkPath("power", "malformed.csv"))
	require.NoError(t, err)
	assert.Equal(t, "timestamp,event\nnot-a-timestamp,screen_off\n", string(malformed))
}

func TestProcess_NonCSVCopiedVerbatim(t *testing.T) {
	f := newChunkFixture(t)

	audio := []byte{0x52, 0x49, 0x46, 0x46, 0x00, 0x01}
	msg := f.seedUpload(t, "voice_recording", "1665230405000.wav", audio)

	require.NoError(t, f.processor.Process(context.Background(), msg))

	got, err := f.store.Get(f.chunkPath("voice_recording", "1665230405000.wav"))
	require.NoError(t, err)
	assert.Equal(t, audio, got)
}

func TestProcess_MissingBlobAcksAndConsumesRow(t *testing.T) {
	f := newChunkFixture(t)

	msg := f.seedUpload(t, "accel", "gone.csv", []byte("timestamp\n1665230405000\n"))
	path := f.study.ObjectID + "/" + f.patient.PatientID + "/accel/gone.csv"
	versions, err := f.store.ListVersions(path)
	require.NoError(t, err)
	require.NoError(t, f.store.DeleteManyVersioned(versions))

	require.NoError(t, f.processor.Process(context.Background(), msg))

	exists, err := f.uploads.FileToProcessExists(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestProcess_RedeliveryAfterSuccessIsNoop(t *testing.T) {
	f := newChunkFixture(t)

	msg := f.seedUpload(t, "gps", "d.csv", []byte("timestamp,lat,lon\n1665230405000,1,2\n"))
	require.NoError(t, f.processor.Process(context.Background(), msg))

	before, err := f.store.Get(f.chunkPath("gps", "2022-10-08 12_00_00.csv"))
	require.NoError(t, err)

	// Same stream message redelivered: idempotency short-circuits before
	// any chunk write.
	require.NoError(t, f.processor.Process(context.Background(), msg))

	after, err := f.store.Get(f.chunkPath("gps", "2022-10-08 12_00_00.csv"))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestProcess_MalformedPayloadAcked(t *testing.T) {
	f := newChunkFixture(t)

	err := f.processor.Process(context.Background(), &queue.Message{ID: "bad", Data: []byte("{not json")})
	assert.NoError(t, err)
}
