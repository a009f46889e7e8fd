package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"

	"github.com/chronica/sensing-gateway/internal/crypto"
	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/chronica/sensing-gateway/internal/repository"
	"github.com/chronica/sensing-gateway/internal/version"
	"github.com/chronica/sensing-gateway/pkg/blob"
	"github.com/chronica/sensing-gateway/pkg/clock"
	"github.com/chronica/sensing-gateway/pkg/logger"
	"github.com/chronica/sensing-gateway/pkg/prom"
)

// Publisher hands accepted uploads to the downstream processor.
// internal/queue.Queue satisfies it.
type Publisher interface {
	PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error)
}

// Receipt is the device-facing verdict for one upload attempt. The
// device deletes its local copy on any 200.
type Receipt struct {
	Code int
	Body string
}

var (
	receiptIgnored       = &Receipt{Code: 200}
	receiptRetired       = &Receipt{Code: 200, Body: "retired"}
	receiptStudyInactive = &Receipt{Code: 200, Body: "study inactive"}
	receiptEmptyBody     = &Receipt{Code: 400}
	receiptDuplicate     = &Receipt{Code: 400}
	receiptAccepted      = &Receipt{Code: 200}
)

// File names the apps write that are never study data.
var junkPrefixes = []string{"rList", "PersistedInstallation"}

var allowedExtensions = map[string]bool{
	".csv":  true,
	".json": true,
	".mp4":  true,
	".wav":  true,
	".txt":  true,
	".jpg":  true,
}

// processJob is the queue payload handed to the processor.
type processJob struct {
	S3FilePath string `json:"s3_file_path"`
	StudyID    int64  `json:"study_id"`
	PatientID  string `json:"patient_id"`
}

type Service struct {
	store        blob.Store
	keys         *KeyStore
	uploads      *repository.UploadRepository
	participants *repository.ParticipantRepository
	publisher    Publisher
	clk          clock.Clock
}

func NewService(
	store blob.Store,
	keys *KeyStore,
	uploads *repository.UploadRepository,
	participants *repository.ParticipantRepository,
	publisher Publisher,
	clk clock.Clock,
) *Service {
	return &Service{
		store:        store,
		keys:         keys,
		uploads:      uploads,
		participants: participants,
		publisher:    publisher,
		clk:          clk,
	}
}

// Process runs the upload contract checks in order and, when everything
// holds, decrypts and stores the file. Participant must carry its study.
func (s *Service) Process(ctx context.Context, p *model.Participant, fileName string, body []byte) (*Receipt, error) {
	start := s.clk.Now()

	if ignorable(fileName) {
		return receiptIgnored, nil
	}
	if p.PermanentlyRetired {
		return receiptRetired, nil
	}
	if p.Study == nil || p.Study.Stopped(start) {
		return receiptStudyInactive, nil
	}
	if len(body) == 0 {
		return receiptEmptyBody, nil
	}

	s3Path := p.Study.ObjectID + "/" + model.NormalizePath(fileName)
	exists, err := s.uploads.FileToProcessExists(ctx, s3Path)
	if err != nil {
		return nil, err
	}
	if exists {
		return receiptDuplicate, nil
	}

	res, err := s.decrypt(ctx, p, fileName, body)
	switch {
	case errors.Is(err, crypto.ErrRemoteDelete):
		return receiptIgnored, nil
	case isKeyFailure(err):
		if qerr := s.quarantine(p, fileName, body, err); qerr != nil {
			return nil, qerr
		}
		return receiptIgnored, nil
	case err != nil:
		return nil, err
	}

	if len(res.Dropped) > 0 {
		logger.Warn("dropped undecryptable lines",
			"patient_id", p.PatientID,
			"file_name", fileName,
			"lines", len(res.Dropped))
	}

	if err := s.store.Put(s3Path, res.Plaintext); err != nil {
		return nil, err
	}
	if _, err := s.uploads.CreateFileToProcess(ctx, &model.FileToProcess{
		ParticipantID: p.ID,
		StudyID:       p.StudyID,
		S3FilePath:    s3Path,
	}); err != nil {
		return nil, err
	}
	if _, err := s.publisher.PublishJSON(ctx, processJob{
		S3FilePath: s3Path,
		StudyID:    p.StudyID,
		PatientID:  p.PatientID,
	}, nil); err != nil {
		return nil, err
	}
	if err := s.participants.Touch(ctx, p.ID, repository.LivenessUpload, s.clk.Now()); err != nil {
		return nil, err
	}

	prom.AddUploadDuration(s.clk.Now().Sub(start).Seconds())
	return receiptAccepted, nil
}

// decrypt unwraps the first-line key and decrypts the rest. For iOS the
// key cache covers split uploads whose later chunks carry a broken key
// line; the winning key is cached on first success.
func (s *Service) decrypt(ctx context.Context, p *model.Participant, fileName string, body []byte) (*crypto.FileResult, error) {
	priv, err := s.keys.Private(p.PatientID)
	if err != nil {
		return nil, err
	}

	keyLine, rest := splitKeyLine(body)
	isIOS := p.OSType == string(version.IOS)

	key, err := crypto.UnwrapAESKey(priv, keyLine)
	if err != nil {
		if !isIOS {
			return nil, err
		}
		cached, cerr := s.uploads.GetIOSKey(ctx, fileName)
		if cerr != nil {
			if errors.Is(cerr, repository.ErrNotFound) {
				return nil, err
			}
			return nil, cerr
		}
		key, cerr = base64.StdEncoding.DecodeString(cached.Base64EncryptionKey)
		if cerr != nil {
			return nil, err
		}
	} else if isIOS {
		if err := s.uploads.SaveIOSKey(ctx, &model.IOSDecryptionKey{
			ParticipantID:       p.ID,
			FileName:            fileName,
			Base64EncryptionKey: base64.StdEncoding.EncodeToString(key),
		}); err != nil {
			return nil, err
		}
	}

	return crypto.DecryptFile(key, rest, strings.HasSuffix(fileName, ".mp4"))
}

// quarantine persists the undecryptable upload verbatim plus a sibling
// diagnostic blob, so the device can discard its copy without data loss.
func (s *Service) quarantine(p *model.Participant, fileName string, raw []byte, cause error) error {
	path := "PROBLEM_UPLOADS/" + p.PatientID + "/" + model.NormalizePath(fileName)
	if err := s.store.Put(path, raw); err != nil {
		return err
	}

	diag, err := json.Marshal(map[string]string{
		"patient_id": p.PatientID,
		"file_name":  fileName,
		"error":      cause.Error(),
		"at":         s.clk.Now().UTC().Format("2006-01-02T15:04:05Z"),
	})
	if err != nil {
		return err
	}
	if err := s.store.Put(path+".error", diag); err != nil {
		return err
	}

	prom.IncProblemFiles()
	logger.Warn("upload quarantined",
		"patient_id", p.PatientID,
		"file_name", fileName,
		"error", cause.Error())
	return nil
}

// isKeyFailure matches the whole-file key problems that quarantine the
// upload: invalid key material and the iOS duplicate-key conflict.
func isKeyFailure(err error) bool {
	var keyErr *crypto.KeyError
	return errors.As(err, &keyErr) || errors.Is(err, repository.ErrKeyConflict)
}

func ignorable(name string) bool {
	if name == "" {
		return true
	}
	for _, prefix := range junkPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return !allowedExtensions[strings.ToLower(filepath.Ext(name))]
}

func splitKeyLine(body []byte) (keyLine, rest []byte) {
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		return bytes.TrimSpace(body[:i]), body[i+1:]
	}
	return bytes.TrimSpace(body), nil
}
