package schedule

import (
	"context"
	"time"

	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/chronica/sensing-gateway/internal/repository"
	"github.com/chronica/sensing-gateway/pkg/clock"
	"github.com/chronica/sensing-gateway/pkg/ids"
	"github.com/chronica/sensing-gateway/pkg/logger"
)

// Materializer reconciles declarative schedules into concrete
// ScheduledEvents. Identity is the triple (schedule pk, participant pk,
// scheduled_time); identical inputs must never churn event pks or uuids.
type Materializer struct {
	studies      *repository.StudyRepository
	surveys      *repository.SurveyRepository
	participants *repository.ParticipantRepository
	schedules    *repository.ScheduleRepository
	events       *repository.EventRepository
	clk          clock.Clock
}

func NewMaterializer(
	studies *repository.StudyRepository,
	surveys *repository.SurveyRepository,
	participants *repository.ParticipantRepository,
	schedules *repository.ScheduleRepository,
	events *repository.EventRepository,
	clk clock.Clock,
) *Materializer {
	return &Materializer{
		studies:      studies,
		surveys:      surveys,
		participants: participants,
		schedules:    schedules,
		events:       events,
		clk:          clk,
	}
}

// identity is the dedup triple. Times are compared as UTC unix seconds
// so driver round-trips cannot introduce phantom mismatches.
type identity struct {
	scheduleID    int64
	participantID int64
	scheduledUnix int64
}

type occurrence struct {
	identity
	surveyID   int64
	at         time.Time
	suppressed bool // past occurrences dedup but never create
}

// MaterializeAll reconciles every schedule kind for every survey of the
// study. participantID 0 means all non-excluded participants.
func (m *Materializer) MaterializeAll(ctx context.Context, study *model.Study, participantID int64) error {
	if study.Stopped(m.clk.Now()) {
		logger.Info("study stopped, clearing scheduled events", "study_id", study.ID)
		return m.events.DeleteScheduledForStudy(ctx, study.ID)
	}

	surveys, err := m.surveys.ListForStudy(ctx, study.ID)
	if err != nil {
		return err
	}
	for _, survey := range surveys {
		survey.Study = study
		if err := m.MaterializeAbsolute(ctx, survey, participantID); err != nil {
			return err
		}
		if err := m.MaterializeRelative(ctx, survey, participantID); err != nil {
			return err
		}
		if err := m.MaterializeWeekly(ctx, survey, participantID); err != nil {
			return err
		}
	}
	return nil
}

// MaterializeAbsolute reconciles one-shot civil date+time schedules.
func (m *Materializer) MaterializeAbsolute(ctx context.Context, survey *model.Survey, participantID int64) error {
	study, err := m.studyOf(ctx, survey)
	if err != nil {
		return err
	}
	if study.Stopped(m.clk.Now()) {
		return m.events.DeleteScheduledForStudy(ctx, study.ID)
	}

	schedules, err := m.schedules.ListAbsolute(ctx, survey.ID)
	if err != nil {
		return err
	}
	participants, err := m.targetParticipants(ctx, study, participantID)
	if err != nil {
		return err
	}

	loc := study.Location()
	var valid []occurrence
	for _, s := range schedules {
		at := s.Scheduled(loc)
		for _, p := range participants {
			valid = append(valid, occurrence{
				identity: identity{s.ID, p.ID, at.Unix()},
				surveyID: survey.ID,
				at:       at,
			})
		}
	}
	return m.reconcile(ctx, survey, model.ScheduleAbsolute, participantID, valid, setAbsolute)
}

// MaterializeRelative reconciles intervention-anchored schedules. A
// participant without a date for the intervention yields no events.
func (m *Materializer) MaterializeRelative(ctx context.Context, survey *model.Survey, participantID int64) error {
	study, err := m.studyOf(ctx, survey)
	if err != nil {
		return err
	}
	if study.Stopped(m.clk.Now()) {
		return m.events.DeleteScheduledForStudy(ctx, study.ID)
	}

	schedules, err := m.schedules.ListRelative(ctx, survey.ID)
	if err != nil {
		return err
	}
	participants, err := m.targetParticipants(ctx, study, participantID)
	if err != nil {
		return err
	}

	loc := study.Location()
	var valid []occurrence
	for _, p := range participants {
		dates, err := m.schedules.InterventionDates(ctx, p.ID)
		if err != nil {
			return err
		}
		byIntervention := make(map[int64]time.Time, len(dates))
		for _, d := range dates {
			byIntervention[d.InterventionID] = *d.Date
		}
		for _, s := range schedules {
			anchor, ok := byIntervention[s.InterventionID]
			if !ok {
				continue
			}
			at := s.Scheduled(anchor, loc)
			valid = append(valid, occurrence{
				identity: identity{s.ID, p.ID, at.Unix()},
				surveyID: survey.ID,
				at:       at,
			})
		}
	}
	return m.reconcile(ctx, survey, model.ScheduleRelative, participantID, valid, setRelative)
}

// MaterializeWeekly reconciles the sliding three-week window: the
// previous, current and next week's occurrence of each firing time.
// Occurrences already in the past still dedup but are never created.
func (m *Materializer) MaterializeWeekly(ctx context.Context, survey *model.Survey, participantID int64) error {
	study, err := m.studyOf(ctx, survey)
	if err != nil {
		return err
	}
	now := m.clk.Now()
	if study.Stopped(now) {
		return m.events.DeleteScheduledForStudy(ctx, study.ID)
	}

	schedules, err := m.schedules.ListWeekly(ctx, survey.ID)
	if err != nil {
		return err
	}
	participants, err := m.targetParticipants(ctx, study, participantID)
	if err != nil {
		return err
	}

	loc := study.Location()
	var valid []occurrence
	for _, s := range schedules {
		for _, at := range weeklyWindow(now, s, loc) {
			for _, p := range participants {
				valid = append(valid, occurrence{
					identity:   identity{s.ID, p.ID, at.Unix()},
					surveyID:   survey.ID,
					at:         at,
					suppressed: !at.After(now),
				})
			}
		}
	}
	return m.reconcile(ctx, survey, model.ScheduleWeekly, participantID, valid, setWeekly)
}

// weeklyWindow computes the three candidate instants for one weekly
// schedule around now. Civil times are built in the study timezone, so
// DST gaps normalize forward and weeks may be 167 or 169 hours long.
func weeklyWindow(now time.Time, s *model.WeeklySchedule, loc *time.Location) []time.Time {
	local := now.In(loc)
	// Back up to this week's Sunday in civil terms.
	sunday := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).
		AddDate(0, 0, -int(local.Weekday()))

	out := make([]time.Time, 0, 3)
	for week := -1; week <= 1; week++ {
		day := sunday.AddDate(0, 0, week*7+s.DayOfWeek)
		at := time.Date(day.Year(), day.Month(), day.Day(), s.Hour, s.Minute, 0, 0, loc)
		out = append(out, at.UTC())
	}
	return out
}

type refSetter func(e *model.ScheduledEvent, scheduleID int64)

func setWeekly(e *model.ScheduledEvent, id int64)   { e.WeeklyScheduleID = &id }
func setAbsolute(e *model.ScheduledEvent, id int64) { e.AbsoluteScheduleID = &id }
func setRelative(e *model.ScheduledEvent, id int64) { e.RelativeScheduleID = &id }

// reconcile diffs valid occurrences against existing events of the kind
// and applies the delta. Existing rows whose identity still holds are
// left byte-for-byte untouched.
func (m *Materializer) reconcile(
	ctx context.Context,
	survey *model.Survey,
	kind model.ScheduleType,
	participantID int64,
	valid []occurrence,
	setRef refSetter,
) error {
	existing, err := m.events.ListScheduledByKind(ctx, survey.ID, kind, participantID)
	if err != nil {
		return err
	}

	validSet := make(map[identity]occurrence, len(valid))
	for _, occ := range valid {
		validSet[occ.identity] = occ
	}

	have := make(map[identity]bool, len(existing))
	var stale []int64
	for _, e := range existing {
		id := identity{e.ScheduleRef(), e.ParticipantID, e.ScheduledTime.Unix()}
		if _, ok := validSet[id]; !ok {
			stale = append(stale, e.ID)
			continue
		}
		have[id] = true
	}

	if err := m.events.DeleteScheduledByIDs(ctx, stale); err != nil {
		return err
	}

	created, skipped := 0, 0
	for id, occ := range validSet {
		if have[id] || occ.suppressed {
			if !have[id] {
				skipped++
			}
			continue
		}
		event := &model.ScheduledEvent{
			SurveyID:      occ.surveyID,
			ParticipantID: id.participantID,
			ScheduledTime: occ.at,
			UUID:          uuidPtr(),
		}
		setRef(event, id.scheduleID)

		event, err := m.events.CreateScheduled(ctx, event)
		if err != nil {
			return err
		}
		created++

		// An archive for the same identity means this was already sent
		// before a schedule round-trip recreated the row.
		sent, err := m.events.ArchiveExists(ctx, id.participantID, occ.surveyID, occ.at)
		if err != nil {
			return err
		}
		if sent {
			if err := m.events.MarkScheduledDeleted(ctx, []int64{event.ID}); err != nil {
				return err
			}
		}
	}

	if created > 0 || len(stale) > 0 {
		logger.Debug("materialized schedule kind",
			"survey_id", survey.ID,
			"kind", string(kind),
			"created", created,
			"deleted", len(stale),
			"suppressed", skipped)
	}
	return nil
}

func (m *Materializer) studyOf(ctx context.Context, survey *model.Survey) (*model.Study, error) {
	if survey.Study != nil {
		return survey.Study, nil
	}
	return m.studies.Get(ctx, survey.StudyID)
}

func (m *Materializer) targetParticipants(ctx context.Context, study *model.Study, participantID int64) ([]*model.Participant, error) {
	if participantID != 0 {
		p, err := m.participants.Get(ctx, participantID)
		if err != nil {
			return nil, err
		}
		if p.Excluded() {
			return nil, nil
		}
		return []*model.Participant{p}, nil
	}
	return m.participants.ListForStudy(ctx, study.ID)
}

func uuidPtr() *string {
	u := ids.NewUUID()
	return &u
}
