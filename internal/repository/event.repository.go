package repository

import (
	"context"
	"time"

	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/chronica/sensing-gateway/pkg/pg"
)

// EventRepository backs the materializer, the dispatch selector, the
// sender and the resend loop. Scheduled events are the live obligations;
// archived events are the append-mostly history.
type EventRepository struct {
	*pg.DB
}

func NewEventRepository(db *pg.DB) *EventRepository {
	return &EventRepository{db}
}

/* ---------------------------- scheduled events ---------------------------- */

func (r *EventRepository) CreateScheduled(ctx context.Context, e *model.ScheduledEvent) (*model.ScheduledEvent, error) {
	if err := r.Write(ctx).WithContext(ctx).Create(e).Error; err != nil {
		return nil, err
	}
	return e, nil
}

// ListScheduledByKind loads the scheduled events of one schedule kind for
// a survey. participantID 0 means all participants.
func (r *EventRepository) ListScheduledByKind(ctx context.Context, surveyID int64, kind model.ScheduleType, participantID int64) ([]*model.ScheduledEvent, error) {
	q := r.Read(ctx).WithContext(ctx).Where("survey_id = ?", surveyID)
	switch kind {
	case model.ScheduleWeekly:
		q = q.Where("weekly_schedule_id IS NOT NULL")
	case model.ScheduleAbsolute:
		q = q.Where("absolute_schedule_id IS NOT NULL")
	case model.ScheduleRelative:
		q = q.Where("relative_schedule_id IS NOT NULL")
	}
	if participantID != 0 {
		q = q.Where("participant_id = ?", participantID)
	}
	var out []*model.ScheduledEvent
	err := q.Find(&out).Error
	return out, err
}

// DeleteScheduledByIDs hard-deletes scheduled events.
func (r *EventRepository) DeleteScheduledByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.Write(ctx).WithContext(ctx).Delete(&model.ScheduledEvent{}, ids).Error
}

// DeleteScheduledForStudy wipes every scheduled event belonging to the
// study's surveys. Used when a study is judged stopped.
func (r *EventRepository) DeleteScheduledForStudy(ctx context.Context, studyID int64) error {
	return r.Write(ctx).WithContext(ctx).
		Where("survey_id IN (?)", r.Read(ctx).
			Model(&model.Survey{}).
			Select("id").
			Where("study_id = ?", studyID)).
		Delete(&model.ScheduledEvent{}).Error
}

// MarkScheduledDeleted soft-deletes events without touching uuid or pk.
func (r *EventRepository) MarkScheduledDeleted(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.Write(ctx).WithContext(ctx).
		Model(&model.ScheduledEvent{}).
		Where("id IN ?", ids).
		Update("deleted", true).Error
}

// MarkSent records a successful dispatch: the event points at its newest
// archive and leaves the live set.
func (r *EventRepository) MarkSent(ctx context.Context, eventID, archiveID int64) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&model.ScheduledEvent{}).
		Where("id = ?", eventID).
		Updates(map[string]interface{}{
			"most_recent_event_id": archiveID,
			"deleted":              true,
		}).Error
}

// DueCandidates over-selects live events inside a one-day lookahead
// window. Study and participant timezone filtering happens in memory, so
// the query only prunes the obviously undispatchable.
func (r *EventRepository) DueCandidates(ctx context.Context, now time.Time) ([]*model.ScheduledEvent, error) {
	var out []*model.ScheduledEvent
	err := r.Read(ctx).WithContext(ctx).
		Preload("Survey").
		Preload("Participant").
		Preload("Participant.Study").
		Joins("JOIN surveys ON surveys.id = scheduled_events.survey_id").
		Joins("JOIN participants ON participants.id = scheduled_events.participant_id").
		Where("scheduled_events.deleted = ?", false).
		Where("surveys.deleted = ?", false).
		Where("participants.deleted = ? AND participants.permanently_retired = ?", false, false).
		Where("scheduled_events.scheduled_time <= ?", now.Add(24*time.Hour)).
		Where("participants.id IN (?)", r.Read(ctx).
			Model(&model.PushToken{}).
			Select("participant_id").
			Where("unregistered IS NULL")).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ClearMalformedScheduled retires events carrying no schedule reference.
// They cannot be correlated to a schedule kind and would resend forever.
func (r *EventRepository) ClearMalformedScheduled(ctx context.Context) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&model.ScheduledEvent{}).
		Where("weekly_schedule_id IS NULL AND absolute_schedule_id IS NULL AND relative_schedule_id IS NULL").
		Updates(map[string]interface{}{
			"no_resend": true,
			"deleted":   true,
		}).Error
}

// ScheduledByUUIDs loads the live-or-dead events matching notification
// uuids.
func (r *EventRepository) ScheduledByUUIDs(ctx context.Context, uuids []string) ([]*model.ScheduledEvent, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	var out []*model.ScheduledEvent
	err := r.Read(ctx).WithContext(ctx).Where("uuid IN ?", uuids).Find(&out).Error
	return out, err
}

// UndeleteScheduledByUUIDs puts resendable events back into the dispatch
// window.
func (r *EventRepository) UndeleteScheduledByUUIDs(ctx context.Context, uuids []string, now time.Time) error {
	if len(uuids) == 0 {
		return nil
	}
	return r.Write(ctx).WithContext(ctx).
		Model(&model.ScheduledEvent{}).
		Where("uuid IN ?", uuids).
		Updates(map[string]interface{}{
			"deleted":      false,
			"last_updated": now,
		}).Error
}

// UnconfirmedForParticipant returns already-sent events of a participant
// whose archives still lack a device receipt. The dispatcher folds these
// into outgoing bundles so one receipt can confirm them all.
func (r *EventRepository) UnconfirmedForParticipant(ctx context.Context, participantID int64) ([]*model.ScheduledEvent, error) {
	var out []*model.ScheduledEvent
	err := r.Read(ctx).WithContext(ctx).
		Preload("Survey").
		Where("participant_id = ? AND uuid IS NOT NULL", participantID).
		Where("uuid IN (?)", r.Read(ctx).
			Model(&model.ArchivedEvent{}).
			Select("uuid").
			Where("participant_id = ? AND confirmed_received = ? AND uuid IS NOT NULL", participantID, false)).
		Find(&out).Error
	return out, err
}

/* ---------------------------- archived events ----------------------------- */

func (r *EventRepository) CreateArchive(ctx context.Context, a *model.ArchivedEvent) (*model.ArchivedEvent, error) {
	if err := r.Write(ctx).WithContext(ctx).Create(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

// ArchiveExists reports whether a dispatch was ever recorded for the
// identity (participant, survey, scheduled_time). The materializer uses
// it to avoid re-notifying after a schedule round-trip.
func (r *EventRepository) ArchiveExists(ctx context.Context, participantID, surveyID int64, scheduledTime time.Time) (bool, error) {
	var n int64
	err := r.Read(ctx).WithContext(ctx).
		Model(&model.ArchivedEvent{}).
		Joins("JOIN survey_archives ON survey_archives.id = archived_events.survey_archive_id").
		Where("archived_events.participant_id = ?", participantID).
		Where("survey_archives.survey_id = ?", surveyID).
		Where("archived_events.scheduled_time = ?", scheduledTime).
		Count(&n).Error
	return n > 0, err
}

// ResendCandidateArchives selects unconfirmed successful sends newer than
// the resend enablement instant for the given participants. Study resend
// cooldowns and the no_resend post-filter are applied by the caller.
func (r *EventRepository) ResendCandidateArchives(ctx context.Context, enabledAfter time.Time, participantIDs []int64) ([]*model.ArchivedEvent, error) {
	if len(participantIDs) == 0 {
		return nil, nil
	}
	var out []*model.ArchivedEvent
	err := r.Read(ctx).WithContext(ctx).
		Where("confirmed_received = ?", false).
		Where("uuid IS NOT NULL").
		Where("status = ?", model.StatusSuccess).
		Where("created_on > ?", enabledAfter).
		Where("participant_id IN ?", participantIDs).
		Find(&out).Error
	return out, err
}

// ConfirmArchivesByUUIDs flips receipt confirmation.
func (r *EventRepository) ConfirmArchivesByUUIDs(ctx context.Context, uuids []string, now time.Time) error {
	if len(uuids) == 0 {
		return nil
	}
	return r.Write(ctx).WithContext(ctx).
		Model(&model.ArchivedEvent{}).
		Where("uuid IN ?", uuids).
		Updates(map[string]interface{}{
			"confirmed_received": true,
			"last_updated":       now,
		}).Error
}

// TouchArchivesByUUIDs stamps last_updated so the cooldown restarts.
func (r *EventRepository) TouchArchivesByUUIDs(ctx context.Context, uuids []string, now time.Time) error {
	if len(uuids) == 0 {
		return nil
	}
	return r.Write(ctx).WithContext(ctx).
		Model(&model.ArchivedEvent{}).
		Where("uuid IN ?", uuids).
		Update("last_updated", now).Error
}

// ClearArchiveUUIDs makes orphaned archives unresendable. Their scheduled
// events are gone so a resend could never be fulfilled.
func (r *EventRepository) ClearArchiveUUIDs(ctx context.Context, uuids []string, now time.Time) error {
	if len(uuids) == 0 {
		return nil
	}
	return r.Write(ctx).WithContext(ctx).
		Model(&model.ArchivedEvent{}).
		Where("uuid IN ?", uuids).
		Updates(map[string]interface{}{
			"uuid":         nil,
			"last_updated": now,
		}).Error
}

/* ----------------------------- device reports ----------------------------- */

func (r *EventRepository) CreateReport(ctx context.Context, rep *model.SurveyNotificationReport) error {
	return r.Write(ctx).WithContext(ctx).Create(rep).Error
}

// UnappliedReports lists pending device receipts for the candidates.
func (r *EventRepository) UnappliedReports(ctx context.Context, participantIDs []int64) ([]*model.SurveyNotificationReport, error) {
	if len(participantIDs) == 0 {
		return nil, nil
	}
	var out []*model.SurveyNotificationReport
	err := r.Read(ctx).WithContext(ctx).
		Where("applied = ? AND participant_id IN ?", false, participantIDs).
		Find(&out).Error
	return out, err
}

func (r *EventRepository) MarkReportsApplied(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.Write(ctx).WithContext(ctx).
		Model(&model.SurveyNotificationReport{}).
		Where("id IN ?", ids).
		Update("applied", true).Error
}
