package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/chronica/sensing-gateway/internal/push"
	"github.com/chronica/sensing-gateway/internal/repository"
	"github.com/chronica/sensing-gateway/pkg/clock"
	"github.com/chronica/sensing-gateway/pkg/logger"
	"github.com/chronica/sensing-gateway/pkg/prom"
)

type SenderConfig struct {
	PushFailureThreshold int
	MinResendIOSVersion  string
}

// Sender delivers bundles and records the outcome as archived events.
type Sender struct {
	config       SenderConfig
	transport    push.Transport
	events       *repository.EventRepository
	participants *repository.ParticipantRepository
	surveys      *repository.SurveyRepository
	locks        *ParticipantLocks
	clk          clock.Clock
}

func NewSender(
	config SenderConfig,
	transport push.Transport,
	events *repository.EventRepository,
	participants *repository.ParticipantRepository,
	surveys *repository.SurveyRepository,
	locks *ParticipantLocks,
	clk clock.Clock,
) *Sender {
	return &Sender{
		config:       config,
		transport:    transport,
		events:       events,
		participants: participants,
		surveys:      surveys,
		locks:        locks,
		clk:          clk,
	}
}

// SendAll dispatches every bundle. Participants whose lock is held by
// another worker are skipped; unclassified transport errors propagate.
func (s *Sender) SendAll(ctx context.Context, bundles []*Bundle) error {
	for _, bundle := range bundles {
		release, err := s.locks.Acquire(ctx, bundle.Participant.ID)
		if errors.Is(err, ErrLockHeld) {
			continue
		}
		if err != nil {
			return err
		}
		err = s.Send(ctx, bundle)
		release()
		if err != nil {
			return err
		}
	}
	return nil
}

// Send pushes one bundle and archives the outcome.
func (s *Sender) Send(ctx context.Context, bundle *Bundle) error {
	capable := bundle.Participant.ResendCapable(s.config.MinResendIOSVersion)
	if capable {
		if err := s.expandBundle(ctx, bundle); err != nil {
			return err
		}
	}
	if len(bundle.Events) == 0 {
		return nil
	}

	payload := s.buildPayload(bundle)
	prom.AddNotificationTokenFanout(1, bundle.OSType)

	sendErr := s.transport.Send(ctx, bundle.Token, bundle.OSType, payload)
	if sendErr == nil {
		prom.IncNotificationSent(model.StatusSuccess)
		logger.Info("survey notification sent",
			"patient_id", bundle.PatientID,
			"surveys", len(bundle.SurveyObjectIDs),
			"events", len(bundle.Events))
		return s.recordSuccess(ctx, bundle, capable)
	}

	var classified *push.SendError
	if !errors.As(sendErr, &classified) || !classified.Classified() {
		// Unknown failures re-raise so the task runner can surface them.
		return sendErr
	}

	prom.IncNotificationSent(classified.Status())
	logger.Warn("survey notification failed",
		"patient_id", bundle.PatientID,
		"status", classified.Status(),
		"error", sendErr)
	return s.recordFailure(ctx, bundle, classified)
}

// expandBundle folds in the participant's other unconfirmed events so a
// single device receipt can acknowledge all of them.
func (s *Sender) expandBundle(ctx context.Context, bundle *Bundle) error {
	extra, err := s.events.UnconfirmedForParticipant(ctx, bundle.Participant.ID)
	if err != nil {
		return err
	}
	inBundle := make(map[int64]bool, len(bundle.Events))
	for _, e := range bundle.Events {
		inBundle[e.ID] = true
	}
	seen := make(map[string]bool, len(bundle.SurveyObjectIDs))
	for _, id := range bundle.SurveyObjectIDs {
		seen[id] = true
	}
	for _, e := range extra {
		if inBundle[e.ID] {
			continue
		}
		bundle.Events = append(bundle.Events, e)
		if e.Survey != nil && !seen[e.Survey.ObjectID] {
			seen[e.Survey.ObjectID] = true
			bundle.SurveyObjectIDs = append(bundle.SurveyObjectIDs, e.Survey.ObjectID)
		}
	}
	return nil
}

// buildPayload computes sent_time as the earliest scheduled instant in
// the bundle and collects the uuid dict from events that carry one.
func (s *Sender) buildPayload(bundle *Bundle) *push.Payload {
	sentTime := bundle.Events[0].ScheduledTime
	uuidDict := make(map[string][]string)
	for _, e := range bundle.Events {
		if e.ScheduledTime.Before(sentTime) {
			sentTime = e.ScheduledTime
		}
		if e.UUID != nil && e.Survey != nil {
			uuidDict[e.Survey.ObjectID] = append(uuidDict[e.Survey.ObjectID], *e.UUID)
		}
	}
	return &push.Payload{
		Type:            push.TypeSurvey,
		SentTime:        sentTime,
		SurveyObjectIDs: bundle.SurveyObjectIDs,
		SurveyUUIDsDict: uuidDict,
	}
}

func (s *Sender) recordSuccess(ctx context.Context, bundle *Bundle, capable bool) error {
	now := s.clk.Now()
	for _, e := range bundle.Events {
		archive, err := s.archiveEvent(ctx, e, model.StatusSuccess, capable, now)
		if err != nil {
			return err
		}
		if err := s.events.MarkSent(ctx, e.ID, archive.ID); err != nil {
			return err
		}
	}
	return s.participants.ResetPushFailures(ctx, bundle.Participant.ID)
}

func (s *Sender) recordFailure(ctx context.Context, bundle *Bundle, sendErr *push.SendError) error {
	now := s.clk.Now()
	for _, e := range bundle.Events {
		if _, err := s.archiveEvent(ctx, e, sendErr.Status(), false, now); err != nil {
			return err
		}
	}

	if sendErr.Kind == push.KindUnregistered {
		// The transport says this token is dead; failure counting will
		// not resurrect it.
		return s.participants.UnregisterToken(ctx, bundle.Participant.ID, bundle.Token, now)
	}

	failures, err := s.participants.IncrementPushFailures(ctx, bundle.Participant.ID)
	if err != nil {
		return err
	}
	if failures <= s.config.PushFailureThreshold {
		return nil
	}

	token, err := s.participants.MostRecentToken(ctx, bundle.Participant.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.participants.UnregisterToken(ctx, bundle.Participant.ID, token.Token, now); err != nil {
		return err
	}
	logger.Warn("push disabled after repeated failures",
		"patient_id", bundle.PatientID,
		"failures", failures)
	return s.participants.CreateDisabledEvent(ctx, &model.PushNotificationDisabledEvent{
		ParticipantID: bundle.Participant.ID,
		Token:         token.Token,
		FailureCount:  failures,
	})
}

// archiveEvent writes the historical record for one dispatch attempt.
// The uuid is carried only for successful sends to resend-capable
// participants; other archives are never resendable.
func (s *Sender) archiveEvent(ctx context.Context, e *model.ScheduledEvent, status string, carryUUID bool, now time.Time) (*model.ArchivedEvent, error) {
	surveyArchive, err := s.surveys.CurrentArchive(ctx, e.SurveyID)
	if err != nil {
		return nil, err
	}
	archive := &model.ArchivedEvent{
		SurveyArchiveID: surveyArchive.ID,
		ParticipantID:   e.ParticipantID,
		ScheduleType:    e.ScheduleType(),
		ScheduledTime:   e.ScheduledTime,
		Status:          status,
		WasResend:       e.MostRecentEventID != nil,
		LastUpdated:     now,
	}
	if carryUUID && status == model.StatusSuccess {
		archive.UUID = e.UUID
	}
	return s.events.CreateArchive(ctx, archive)
}
