package dispatch

import (
	"context"
	"time"

	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/chronica/sensing-gateway/internal/repository"
	"github.com/chronica/sensing-gateway/pkg/clock"
)

// Bundle is one outgoing push: every due event for one device token,
// with survey object ids deduplicated but all event pks preserved.
type Bundle struct {
	Token           string
	OSType          string
	Participant     *model.Participant
	PatientID       string
	SurveyObjectIDs []string
	Events          []*model.ScheduledEvent
}

// Selector finds due scheduled events and groups them by push token.
type Selector struct {
	events       *repository.EventRepository
	participants *repository.ParticipantRepository
	clk          clock.Clock
}

func NewSelector(events *repository.EventRepository, participants *repository.ParticipantRepository, clk clock.Clock) *Selector {
	return &Selector{events: events, participants: participants, clk: clk}
}

// DueBundles runs the over-select query and applies the timezone
// judgement in memory, one effective-local-time check per event.
func (s *Selector) DueBundles(ctx context.Context) ([]*Bundle, error) {
	now := s.clk.Now()
	candidates, err := s.events.DueCandidates(ctx, now)
	if err != nil {
		return nil, err
	}

	byParticipant := make(map[int64][]*model.ScheduledEvent)
	participants := make(map[int64]*model.Participant)
	for _, e := range candidates {
		study := e.Participant.Study
		if study == nil || study.Stopped(now) {
			continue
		}
		if !due(e, study, e.Participant, now) {
			continue
		}
		byParticipant[e.ParticipantID] = append(byParticipant[e.ParticipantID], e)
		participants[e.ParticipantID] = e.Participant
	}

	var bundles []*Bundle
	for participantID, events := range byParticipant {
		p := participants[participantID]
		tokens, err := s.participants.ActiveTokens(ctx, participantID)
		if err != nil {
			return nil, err
		}
		for _, token := range tokens {
			bundles = append(bundles, buildBundle(token.Token, p, events))
		}
	}
	return bundles, nil
}

// due judges one event by its effective local time: the civil time the
// researcher intended, re-read on the participant's wall clock.
func due(e *model.ScheduledEvent, study *model.Study, p *model.Participant, now time.Time) bool {
	return !EffectiveLocalTime(e.ScheduledTime, study, p).After(now)
}

// EffectiveLocalTime interprets the scheduled instant in the study
// timezone to recover the intended civil time, then re-interprets those
// civil fields in the participant timezone. Participants with unknown or
// invalid timezones fall back to the study timezone, making this the
// identity transform.
func EffectiveLocalTime(scheduled time.Time, study *model.Study, p *model.Participant) time.Time {
	studyLoc := study.Location()
	participantLoc := p.Location(study)

	civil := scheduled.In(studyLoc)
	return time.Date(
		civil.Year(), civil.Month(), civil.Day(),
		civil.Hour(), civil.Minute(), civil.Second(), civil.Nanosecond(),
		participantLoc,
	)
}

func buildBundle(token string, p *model.Participant, events []*model.ScheduledEvent) *Bundle {
	b := &Bundle{
		Token:       token,
		OSType:      p.OSType,
		Participant: p,
		PatientID:   p.PatientID,
	}
	seen := make(map[string]bool)
	for _, e := range events {
		b.Events = append(b.Events, e)
		if e.Survey == nil {
			continue
		}
		if !seen[e.Survey.ObjectID] {
			seen[e.Survey.ObjectID] = true
			b.SurveyObjectIDs = append(b.SurveyObjectIDs, e.Survey.ObjectID)
		}
	}
	return b
}
