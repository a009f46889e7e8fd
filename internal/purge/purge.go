package purge

import (
	"context"
	"errors"
	"time"

	"github.com/chronica/sensing-gateway/internal/dispatch"
	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/chronica/sensing-gateway/internal/repository"
	"github.com/chronica/sensing-gateway/pkg/blob"
	"github.com/chronica/sensing-gateway/pkg/clock"
	"github.com/chronica/sensing-gateway/pkg/logger"
)

// errDirtyPrefix aborts one purge event when a blob prefix still lists
// keys after deletion. The event stays queued; the next drain retries.
var errDirtyPrefix = errors.New("blob prefix not empty after deletion")

// Engine drains the participant-deletion FIFO. Every step is idempotent,
// so a purge interrupted anywhere resumes safely on the next drain.
type Engine struct {
	store        blob.Store
	repo         *repository.PurgeRepository
	participants *repository.ParticipantRepository
	locks        *dispatch.ParticipantLocks
	grace        time.Duration
	clk          clock.Clock
}

func NewEngine(
	store blob.Store,
	repo *repository.PurgeRepository,
	participants *repository.ParticipantRepository,
	locks *dispatch.ParticipantLocks,
	grace time.Duration,
	clk clock.Clock,
) *Engine {
	return &Engine{
		store:        store,
		repo:         repo,
		participants: participants,
		locks:        locks,
		grace:        grace,
		clk:          clk,
	}
}

// Drain processes due deletion events oldest-first until the queue is
// empty or an event cannot complete this pass.
func (e *Engine) Drain(ctx context.Context) error {
	for {
		ev, err := e.repo.NextDue(ctx, e.clk.Now(), e.grace)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := e.purgeOne(ctx, ev); err != nil {
			if errors.Is(err, errDirtyPrefix) || errors.Is(err, dispatch.ErrLockHeld) {
				logger.Warn("purge postponed", "participant_id", ev.ParticipantID, "reason", err.Error())
				return nil
			}
			return err
		}
	}
}

func (e *Engine) purgeOne(ctx context.Context, ev *model.ParticipantDeletionEvent) error {
	p, err := e.participants.Get(ctx, ev.ParticipantID)
	if err != nil {
		return err
	}

	release, err := e.locks.Acquire(ctx, p.ID)
	if err != nil {
		return err
	}
	defer release()

	logger.Info("purging participant", "patient_id", p.PatientID)

	deleted, err := e.wipeBlobs(p)
	if err != nil {
		return err
	}
	if err := e.repo.WipeParticipantRows(ctx, p.ID); err != nil {
		return err
	}
	if err := e.repo.RetireParticipant(ctx, p.ID); err != nil {
		return err
	}
	if err := e.repo.Confirm(ctx, ev.ID, deleted, e.clk.Now()); err != nil {
		return err
	}

	logger.Info("purge complete", "patient_id", p.PatientID, "blobs_deleted", deleted)
	return nil
}

// wipeBlobs deletes every version under the participant's four prefixes
// and verifies each prefix lists empty afterwards.
func (e *Engine) wipeBlobs(p *model.Participant) (int64, error) {
	var total int64
	for _, prefix := range blobPrefixes(p) {
		keys, err := e.store.ListVersions(prefix)
		if err != nil {
			return total, err
		}
		if len(keys) == 0 {
			continue
		}
		if err := e.store.DeleteManyVersioned(keys); err != nil {
			return total, err
		}
		total += int64(len(keys))

		remaining, err := e.store.ListVersions(prefix)
		if err != nil {
			return total, err
		}
		if len(remaining) > 0 {
			return total, errDirtyPrefix
		}
	}
	return total, nil
}

// blobPrefixes enumerates the per-participant storage areas: key
// material, raw uploads (study-scoped), processed chunks, quarantined
// uploads.
func blobPrefixes(p *model.Participant) []string {
	studyObjectID := ""
	if p.Study != nil {
		studyObjectID = p.Study.ObjectID
	}
	return []string{
		"KEYS/" + p.PatientID,
		studyObjectID + "/" + p.PatientID + "/",
		"CHUNKED_DATA/" + studyObjectID + "/" + p.PatientID + "/",
		"PROBLEM_UPLOADS/" + p.PatientID + "/",
	}
}
