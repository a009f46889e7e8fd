package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/chronica/sensing-gateway/internal/repository"
	"github.com/chronica/sensing-gateway/pkg/clock"
)

// DeviceSurvey is the wire shape of one survey in /get_latest_surveys.
// Timings is the weekly 7-list (Sunday-indexed seconds-into-day)
// augmented with this week's absolute and relative resolutions.
type DeviceSurvey struct {
	ObjectID   string          `json:"_id"`
	Content    json.RawMessage `json:"content"`
	Settings   json.RawMessage `json:"settings"`
	SurveyType string          `json:"survey_type"`
	Timings    [7][]int        `json:"timings"`
	Name       string          `json:"name"`
}

// SurveyService resolves the per-participant survey list devices poll
// for.
type SurveyService struct {
	surveys   *repository.SurveyRepository
	schedules *repository.ScheduleRepository
	clk       clock.Clock
}

func NewSurveyService(
	surveys *repository.SurveyRepository,
	schedules *repository.ScheduleRepository,
	clk clock.Clock,
) *SurveyService {
	return &SurveyService{
		surveys:   surveys,
		schedules: schedules,
		clk:       clk,
	}
}

// LatestSurveys renders every live survey of the participant's study.
// Participant must carry its study.
func (s *SurveyService) LatestSurveys(ctx context.Context, p *model.Participant) ([]*DeviceSurvey, error) {
	surveys, err := s.surveys.ListForStudy(ctx, p.StudyID)
	if err != nil {
		return nil, err
	}

	loc := p.Study.Location()
	weekStart, weekEnd := weekWindow(s.clk.Now(), loc)

	dates, err := s.schedules.InterventionDates(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	dateByIntervention := make(map[int64]time.Time, len(dates))
	for _, d := range dates {
		dateByIntervention[d.InterventionID] = *d.Date
	}

	out := make([]*DeviceSurvey, 0, len(surveys))
	for _, survey := range surveys {
		timings, err := s.schedules.WeeklyTimings(ctx, survey.ID)
		if err != nil {
			return nil, err
		}
		if err := s.addAbsoluteThisWeek(ctx, survey.ID, loc, weekStart, weekEnd, &timings); err != nil {
			return nil, err
		}
		if err := s.addRelativeThisWeek(ctx, survey.ID, loc, weekStart, weekEnd, dateByIntervention, &timings); err != nil {
			return nil, err
		}
		for i := range timings {
			timings[i] = dedupSorted(timings[i])
		}

		out = append(out, &DeviceSurvey{
			ObjectID:   survey.ObjectID,
			Content:    rawOr(survey.Content, "[]"),
			Settings:   rawOr(survey.Settings, "{}"),
			SurveyType: string(survey.SurveyType),
			Timings:    timings,
			Name:       survey.Name,
		})
	}
	return out, nil
}

// addAbsoluteThisWeek folds absolute firings landing inside the current
// study-timezone week into the weekly timing slots.
func (s *SurveyService) addAbsoluteThisWeek(
	ctx context.Context,
	surveyID int64,
	loc *time.Location,
	weekStart, weekEnd time.Time,
	timings *[7][]int,
) error {
	schedules, err := s.schedules.ListAbsolute(ctx, surveyID)
	if err != nil {
		return err
	}
	for _, sched := range schedules {
		addIfThisWeek(timings, sched.Scheduled(loc), loc, weekStart, weekEnd)
	}
	return nil
}

func (s *SurveyService) addRelativeThisWeek(
	ctx context.Context,
	surveyID int64,
	loc *time.Location,
	weekStart, weekEnd time.Time,
	dateByIntervention map[int64]time.Time,
	timings *[7][]int,
) error {
	schedules, err := s.schedules.ListRelative(ctx, surveyID)
	if err != nil {
		return err
	}
	for _, sched := range schedules {
		anchor, ok := dateByIntervention[sched.InterventionID]
		if !ok {
			continue
		}
		addIfThisWeek(timings, sched.Scheduled(anchor, loc), loc, weekStart, weekEnd)
	}
	return nil
}

func addIfThisWeek(timings *[7][]int, at time.Time, loc *time.Location, weekStart, weekEnd time.Time) {
	if at.Before(weekStart) || !at.Before(weekEnd) {
		return
	}
	local := at.In(loc)
	timings[local.Weekday()] = append(timings[local.Weekday()],
		local.Hour()*3600+local.Minute()*60)
}

// weekWindow is the study-timezone civil week containing now, Sunday to
// Sunday, as UTC instants.
func weekWindow(now time.Time, loc *time.Location) (time.Time, time.Time) {
	local := now.In(loc)
	sunday := local.AddDate(0, 0, -int(local.Weekday()))
	start := time.Date(sunday.Year(), sunday.Month(), sunday.Day(), 0, 0, 0, 0, loc)
	return start.UTC(), start.AddDate(0, 0, 7).UTC()
}

func dedupSorted(xs []int) []int {
	if len(xs) < 2 {
		return xs
	}
	sortInts(xs)
	out := xs[:1]
	for _, x := range xs[1:] {
		if x != out[len(out)-1] {
			out = append(out, x)
		}
	}
	return out
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j] < xs[j-1]; j-- {
			xs[j], xs[j-1] = xs[j-1], xs[j]
		}
	}
}

func rawOr(s, fallback string) json.RawMessage {
	if s == "" {
		return json.RawMessage(fallback)
	}
	return json.RawMessage(s)
}
