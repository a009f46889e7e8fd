package repository

import (
	"context"
	"time"

	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/chronica/sensing-gateway/pkg/pg"
)

// ScheduleRepository is the schedule store: CRUD for the three schedule
// kinds plus declarative reconcile operations. Reconciles never touch
// rows that still match the input, so schedule pks stay stable across
// repeated saves of an unchanged timing list.
type ScheduleRepository struct {
	*pg.DB
}

func NewScheduleRepository(db *pg.DB) *ScheduleRepository {
	return &ScheduleRepository{db}
}

/* -------------------------------- weekly --------------------------------- */

// ListWeekly returns the weekly schedules of a survey.
func (r *ScheduleRepository) ListWeekly(ctx context.Context, surveyID int64) ([]*model.WeeklySchedule, error) {
	var out []*model.WeeklySchedule
	err := r.Read(ctx).WithContext(ctx).Where("survey_id = ?", surveyID).Find(&out).Error
	return out, err
}

// WeeklyTimings renders the external representation: a 7-element list of
// sorted seconds-into-day lists, Sunday-indexed.
func (r *ScheduleRepository) WeeklyTimings(ctx context.Context, surveyID int64) ([7][]int, error) {
	var timings [7][]int
	schedules, err := r.ListWeekly(ctx, surveyID)
	if err != nil {
		return timings, err
	}
	for i := range timings {
		timings[i] = []int{}
	}
	for _, s := range schedules {
		timings[s.DayOfWeek] = append(timings[s.DayOfWeek], s.SecondsIntoDay())
	}
	for i := range timings {
		sortInts(timings[i])
	}
	return timings, nil
}

type weeklyKey struct {
	day, hour, minute int
}

// ReconcileWeekly applies a declarative weekly timing list: rows still
// present in the input stay untouched, rows absent are deleted, new
// entries are created, duplicate inputs collapse. A deleted survey
// reconciles to the empty set regardless of input.
func (r *ScheduleRepository) ReconcileWeekly(ctx context.Context, surveyID int64, timings [7][]int) error {
	deleted, err := r.surveyDeleted(ctx, surveyID)
	if err != nil {
		return err
	}

	want := make(map[weeklyKey]bool)
	if !deleted {
		for day, seconds := range timings {
			for _, s := range seconds {
				want[weeklyKey{day, s / 3600, (s % 3600) / 60}] = true
			}
		}
	}

	return r.WithinTransaction(ctx, func(ctx context.Context) error {
		existing, err := r.ListWeekly(ctx, surveyID)
		if err != nil {
			return err
		}

		have := make(map[weeklyKey]bool)
		var staleIDs []int64
		for _, s := range existing {
			k := weeklyKey{s.DayOfWeek, s.Hour, s.Minute}
			if !want[k] || have[k] {
				staleIDs = append(staleIDs, s.ID)
				continue
			}
			have[k] = true
		}

		if len(staleIDs) > 0 {
			if err := r.Write(ctx).WithContext(ctx).Delete(&model.WeeklySchedule{}, staleIDs).Error; err != nil {
				return err
			}
		}

		for k := range want {
			if have[k] {
				continue
			}
			row := &model.WeeklySchedule{SurveyID: surveyID, DayOfWeek: k.day, Hour: k.hour, Minute: k.minute}
			if err := r.Write(ctx).WithContext(ctx).Create(row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

/* ------------------------------- absolute -------------------------------- */

func (r *ScheduleRepository) ListAbsolute(ctx context.Context, surveyID int64) ([]*model.AbsoluteSchedule, error) {
	var out []*model.AbsoluteSchedule
	err := r.Read(ctx).WithContext(ctx).Where("survey_id = ?", surveyID).Find(&out).Error
	return out, err
}

type absoluteKey struct {
	year, month, day, hour, minute int
}

func (r *ScheduleRepository) ReconcileAbsolute(ctx context.Context, surveyID int64, timings []model.AbsoluteTiming) error {
	deleted, err := r.surveyDeleted(ctx, surveyID)
	if err != nil {
		return err
	}

	want := make(map[absoluteKey]bool)
	if !deleted {
		for _, t := range timings {
			want[absoluteKey{t.Year, t.Month, t.Day, t.SecondsIntoDay / 3600, (t.SecondsIntoDay % 3600) / 60}] = true
		}
	}

	return r.WithinTransaction(ctx, func(ctx context.Context) error {
		existing, err := r.ListAbsolute(ctx, surveyID)
		if err != nil {
			return err
		}

		have := make(map[absoluteKey]bool)
		var staleIDs []int64
		for _, s := range existing {
			k := absoluteKey{s.Date.Year(), int(s.Date.Month()), s.Date.Day(), s.Hour, s.Minute}
			if !want[k] || have[k] {
				staleIDs = append(staleIDs, s.ID)
				continue
			}
			have[k] = true
		}

		if len(staleIDs) > 0 {
			if err := r.Write(ctx).WithContext(ctx).Delete(&model.AbsoluteSchedule{}, staleIDs).Error; err != nil {
				return err
			}
		}

		for k := range want {
			if have[k] {
				continue
			}
			row := &model.AbsoluteSchedule{
				SurveyID: surveyID,
				Date:     time.Date(k.year, time.Month(k.month), k.day, 0, 0, 0, 0, time.UTC),
				Hour:     k.hour,
				Minute:   k.minute,
			}
			if err := r.Write(ctx).WithContext(ctx).Create(row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

/* ------------------------------- relative -------------------------------- */

func (r *ScheduleRepository) ListRelative(ctx context.Context, surveyID int64) ([]*model.RelativeSchedule, error) {
	var out []*model.RelativeSchedule
	err := r.Read(ctx).WithContext(ctx).Where("survey_id = ?", surveyID).Find(&out).Error
	return out, err
}

type relativeKey struct {
	interventionID int64
	daysAfter      int
	hour, minute   int
}

func (r *ScheduleRepository) ReconcileRelative(ctx context.Context, surveyID int64, timings []model.RelativeTiming) error {
	deleted, err := r.surveyDeleted(ctx, surveyID)
	if err != nil {
		return err
	}

	want := make(map[relativeKey]bool)
	if !deleted {
		for _, t := range timings {
			want[relativeKey{t.InterventionID, t.DaysAfter, t.SecondsIntoDay / 3600, (t.SecondsIntoDay % 3600) / 60}] = true
		}
	}

	return r.WithinTransaction(ctx, func(ctx context.Context) error {
		existing, err := r.ListRelative(ctx, surveyID)
		if err != nil {
			return err
		}

		have := make(map[relativeKey]bool)
		var staleIDs []int64
		for _, s := range existing {
			k := relativeKey{s.InterventionID, s.DaysAfter, s.Hour, s.Minute}
			if !want[k] || have[k] {
				staleIDs = append(staleIDs, s.ID)
				continue
			}
			have[k] = true
		}

		if len(staleIDs) > 0 {
			if err := r.Write(ctx).WithContext(ctx).Delete(&model.RelativeSchedule{}, staleIDs).Error; err != nil {
				return err
			}
		}

		for k := range want {
			if have[k] {
				continue
			}
			row := &model.RelativeSchedule{
				SurveyID:       surveyID,
				InterventionID: k.interventionID,
				DaysAfter:      k.daysAfter,
				Hour:           k.hour,
				Minute:         k.minute,
			}
			if err := r.Write(ctx).WithContext(ctx).Create(row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

/* ----------------------------- interventions ----------------------------- */

func (r *ScheduleRepository) CreateIntervention(ctx context.Context, iv *model.Intervention) (*model.Intervention, error) {
	if err := r.Write(ctx).WithContext(ctx).Create(iv).Error; err != nil {
		return nil, err
	}
	return iv, nil
}

func (r *ScheduleRepository) GetInterventionByName(ctx context.Context, studyID int64, name string) (*model.Intervention, error) {
	var iv model.Intervention
	err := r.Read(ctx).WithContext(ctx).
		Where("study_id = ? AND name = ?", studyID, name).
		First(&iv).Error
	if err != nil {
		return nil, ErrNotFound
	}
	return &iv, nil
}

func (r *ScheduleRepository) SetInterventionDate(ctx context.Context, participantID, interventionID int64, date *time.Time) error {
	var existing model.InterventionDate
	err := r.Write(ctx).WithContext(ctx).
		Where("participant_id = ? AND intervention_id = ?", participantID, interventionID).
		First(&existing).Error
	if err == nil {
		existing.Date = date
		return r.Write(ctx).WithContext(ctx).Save(&existing).Error
	}
	return r.Write(ctx).WithContext(ctx).Create(&model.InterventionDate{
		ParticipantID:  participantID,
		InterventionID: interventionID,
		Date:           date,
	}).Error
}

// InterventionDates lists the dated intervention rows of a participant.
// Rows with a null date are omitted; they yield no relative events.
func (r *ScheduleRepository) InterventionDates(ctx context.Context, participantID int64) ([]*model.InterventionDate, error) {
	var out []*model.InterventionDate
	err := r.Read(ctx).WithContext(ctx).
		Where("participant_id = ? AND date IS NOT NULL", participantID).
		Find(&out).Error
	return out, err
}

func (r *ScheduleRepository) surveyDeleted(ctx context.Context, surveyID int64) (bool, error) {
	var s model.Survey
	if err := r.Read(ctx).WithContext(ctx).Select("deleted").First(&s, surveyID).Error; err != nil {
		return false, err
	}
	return s.Deleted, nil
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j] < xs[j-1]; j-- {
			xs[j], xs[j-1] = xs[j-1], xs[j]
		}
	}
}
