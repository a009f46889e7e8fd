package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chronica/sensing-gateway/internal/queue"
	"github.com/chronica/sensing-gateway/internal/repository"
	"github.com/chronica/sensing-gateway/pkg/blob"
	"github.com/chronica/sensing-gateway/pkg/logger"
	"github.com/pkg/errors"
)

const chunkedDataPrefix = "CHUNKED_DATA/"

// ChunkJob mirrors the payload the gateway publishes for each accepted
// upload.
type ChunkJob struct {
	S3FilePath string `json:"s3_file_path"`
	StudyID    int64  `json:"study_id"`
	PatientID  string `json:"patient_id"`
}

// UploadChunkProcessor re-slices decrypted device files into hourly
// chunks under CHUNKED_DATA/, keyed by the unix-ms timestamp in the
// first CSV column. Non-tabular files are copied through verbatim.
type UploadChunkProcessor struct {
	store       blob.Store
	uploads     *repository.UploadRepository
	idempotency *IdempotencyService
	metrics     *PipelineMetrics
}

func NewUploadChunkProcessor(
	store blob.Store,
	uploads *repository.UploadRepository,
	idempotency *IdempotencyService,
	metrics *PipelineMetrics,
) *UploadChunkProcessor {
	return &UploadChunkProcessor{
		store:       store,
		uploads:     uploads,
		idempotency: idempotency,
		metrics:     metrics,
	}
}

func (p *UploadChunkProcessor) GetType() string {
	return "upload_chunk"
}

func (p *UploadChunkProcessor) Process(ctx context.Context, msg *queue.Message) error {
	var job ChunkJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		// Undecodable payloads never become decodable; ack them.
		logger.Error("dropping malformed upload job", "message_id", msg.ID, "error", err)
		return nil
	}
	if job.S3FilePath == "" {
		logger.Error("dropping upload job without file path", "message_id", msg.ID)
		return nil
	}

	pc, err := p.idempotency.AcquireProcessingLock(ctx, msg.ID)
	switch {
	case errors.Is(err, ErrAlreadyProcessed):
		return nil
	case errors.Is(err, ErrProcessingInFlight):
		logger.Debug("upload job held by another worker", "message_id", msg.ID)
		return nil
	case errors.Is(err, ErrMaxRetriesExceeded):
		logger.Error("giving up on upload job",
			"message_id", msg.ID,
			"file", job.S3FilePath)
		if derr := p.uploads.DeleteFileToProcess(ctx, job.S3FilePath); derr != nil {
			logger.Warn("failed to drop handoff row for abandoned job", "file", job.S3FilePath, "error", derr)
		}
		return nil
	case err != nil:
		return err
	}

	if err := p.process(ctx, &job); err != nil {
		_ = p.idempotency.MarkFailure(ctx, pc)
		return err
	}
	if err := p.uploads.DeleteFileToProcess(ctx, job.S3FilePath); err != nil {
		_ = p.idempotency.MarkFailure(ctx, pc)
		return err
	}
	return p.idempotency.MarkSuccess(ctx, pc)
}

func (p *UploadChunkProcessor) process(ctx context.Context, job *ChunkJob) error {
	raw, err := p.store.Get(job.S3FilePath)
	if errors.Is(err, blob.ErrNotFound) {
		// A peer finished the work between redeliveries.
		return nil
	}
	if err != nil {
		return fmt.Errorf("read upload %s: %w", job.S3FilePath, err)
	}

	destDir, err := chunkDir(job)
	if err != nil {
		return err
	}

	if !strings.HasSuffix(job.S3FilePath, ".csv") {
		// Audio, images and json configs pass through unchanged.
		name := job.S3FilePath[strings.LastIndex(job.S3FilePath, "/")+1:]
		if err := p.store.Put(destDir+name, raw); err != nil {
			return err
		}
		p.metrics.RecordChunks(1)
		return nil
	}

	chunks, malformed := splitHourly(raw)
	written := 0
	for hour, body := range chunks {
		if err := p.appendChunk(destDir+hour+".csv", body); err != nil {
			return err
		}
		written++
	}
	if len(malformed.rows) > 0 {
		logger.Warn("upload contained rows without a parseable timestamp",
			"file", job.S3FilePath,
			"rows", len(malformed.rows))
		if err := p.appendChunk(destDir+"malformed.csv", malformed); err != nil {
			return err
		}
		written++
	}
	p.metrics.RecordChunks(written)
	return nil
}

// appendChunk merges new rows into an existing hourly chunk, keeping a
// single header line.
func (p *UploadChunkProcessor) appendChunk(path string, c chunk) error {
	existing, err := p.store.Get(path)
	if errors.Is(err, blob.ErrNotFound) {
		var buf bytes.Buffer
		buf.Write(c.header)
		buf.WriteByte('\n')
		writeRows(&buf, c.rows)
		return p.store.Put(path, buf.Bytes())
	}
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.Write(bytes.TrimRight(existing, "\n"))
	buf.WriteByte('\n')
	writeRows(&buf, c.rows)
	return p.store.Put(path, buf.Bytes())
}

type chunk struct {
	header []byte
	rows   [][]byte
}

// splitHourly groups CSV rows by the hour of the unix-ms timestamp in
// their first column. The header is carried into every chunk.
func splitHourly(raw []byte) (map[string]chunk, chunk) {
	lines := bytes.Split(bytes.TrimRight(raw, "\n"), []byte("\n"))
	header := []byte("timestamp")
	if len(lines) > 0 {
		header = lines[0]
		lines = lines[1:]
	}

	chunks := make(map[string]chunk)
	malformed := chunk{header: header}
	for _, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		ts, ok := rowTimestamp(line)
		if !ok {
			malformed.rows = append(malformed.rows, line)
			continue
		}
		hour := ts.UTC().Truncate(time.Hour).Format("2006-01-02 15_00_00")
		c, exists := chunks[hour]
		if !exists {
			c = chunk{header: header}
		}
		c.rows = append(c.rows, line)
		chunks[hour] = c
	}
	return chunks, malformed
}

func rowTimestamp(line []byte) (time.Time, bool) {
	field := line
	if i := bytes.IndexByte(line, ','); i >= 0 {
		field = line[:i]
	}
	ms, err := strconv.ParseInt(string(bytes.TrimSpace(field)), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func writeRows(buf *bytes.Buffer, rows [][]byte) {
	for _, row := range rows {
		buf.Write(row)
		buf.WriteByte('\n')
	}
}

// chunkDir maps an upload path <study>/<patient>/<stream>/... to its
// chunk directory CHUNKED_DATA/<study>/<patient>/<stream>/.
func chunkDir(job *ChunkJob) (string, error) {
	parts := strings.SplitN(job.S3FilePath, "/", 4)
	if len(parts) < 3 {
		return "", fmt.Errorf("upload path %q has no stream segment", job.S3FilePath)
	}
	return chunkedDataPrefix + parts[0] + "/" + parts[1] + "/" + parts[2] + "/", nil
}
