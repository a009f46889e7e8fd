package dispatch

import (
	"context"
	"time"

	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/chronica/sensing-gateway/internal/repository"
	"github.com/chronica/sensing-gateway/pkg/clock"
	"github.com/chronica/sensing-gateway/pkg/logger"
	"github.com/chronica/sensing-gateway/pkg/prom"
)

type ResendConfig struct {
	MinResendIOSVersion string
	// ActivityWindow bounds how stale a participant's liveness may be
	// before resends stop targeting them.
	ActivityWindow time.Duration
}

// ResendEngine re-activates sent-but-unacknowledged scheduled events.
// It is inert until the resend enablement instant is set.
type ResendEngine struct {
	config       ResendConfig
	events       *repository.EventRepository
	participants *repository.ParticipantRepository
	settings     *repository.SettingsRepository
	clk          clock.Clock
}

func NewResendEngine(
	config ResendConfig,
	events *repository.EventRepository,
	participants *repository.ParticipantRepository,
	settings *repository.SettingsRepository,
	clk clock.Clock,
) *ResendEngine {
	if config.ActivityWindow == 0 {
		config.ActivityWindow = 7 * 24 * time.Hour
	}
	return &ResendEngine{
		config:       config,
		events:       events,
		participants: participants,
		settings:     settings,
		clk:          clk,
	}
}

// Tick runs one pass of the resend loop.
func (r *ResendEngine) Tick(ctx context.Context) error {
	settings, err := r.settings.Get(ctx)
	if err != nil {
		return err
	}
	if settings.PushNotificationResendEnabled == nil {
		return nil
	}
	enabledAfter := *settings.PushNotificationResendEnabled

	// Events with no schedule reference would resend forever.
	if err := r.events.ClearMalformedScheduled(ctx); err != nil {
		return err
	}

	candidates, err := r.candidateParticipants(ctx)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	candidateIDs := make([]int64, 0, len(candidates))
	studies := make(map[int64]*model.Study, len(candidates))
	for _, p := range candidates {
		candidateIDs = append(candidateIDs, p.ID)
		studies[p.ID] = p.Study
	}

	now := r.clk.Now()
	if err := r.applyReports(ctx, candidateIDs, now); err != nil {
		return err
	}

	resendUUIDs, orphanUUIDs, err := r.selectResendable(ctx, enabledAfter, candidateIDs, studies, now)
	if err != nil {
		return err
	}

	if len(resendUUIDs) > 0 {
		if err := r.events.UndeleteScheduledByUUIDs(ctx, resendUUIDs, now); err != nil {
			return err
		}
		if err := r.events.TouchArchivesByUUIDs(ctx, resendUUIDs, now); err != nil {
			return err
		}
		prom.IncResendReactivations(float64(len(resendUUIDs)))
		logger.Info("reactivated unacknowledged notifications", "count", len(resendUUIDs))
	}
	if len(orphanUUIDs) > 0 {
		if err := r.events.ClearArchiveUUIDs(ctx, orphanUUIDs, now); err != nil {
			return err
		}
	}
	return nil
}

// candidateParticipants narrows to recently-active, resend-capable iOS
// participants.
func (r *ResendEngine) candidateParticipants(ctx context.Context) ([]*model.Participant, error) {
	all, err := r.participants.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := r.clk.Now().Add(-r.config.ActivityWindow)

	var out []*model.Participant
	for _, p := range all {
		if p.LastActive().Before(cutoff) {
			continue
		}
		if !p.ResendCapable(r.config.MinResendIOSVersion) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// applyReports consumes pending device receipts, confirming the matching
// archives.
func (r *ResendEngine) applyReports(ctx context.Context, candidateIDs []int64, now time.Time) error {
	reports, err := r.events.UnappliedReports(ctx, candidateIDs)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		return nil
	}

	uuids := make([]string, 0, len(reports))
	ids := make([]int64, 0, len(reports))
	for _, rep := range reports {
		uuids = append(uuids, rep.NotificationUUID)
		ids = append(ids, rep.ID)
	}
	if err := r.events.ConfirmArchivesByUUIDs(ctx, uuids, now); err != nil {
		return err
	}
	return r.events.MarkReportsApplied(ctx, ids)
}

// selectResendable applies the cooldown and the no_resend post-filter,
// splitting survivors into resendable uuids and orphans whose scheduled
// event no longer exists.
func (r *ResendEngine) selectResendable(
	ctx context.Context,
	enabledAfter time.Time,
	candidateIDs []int64,
	studies map[int64]*model.Study,
	now time.Time,
) (resend, orphans []string, err error) {
	archives, err := r.events.ResendCandidateArchives(ctx, enabledAfter, candidateIDs)
	if err != nil {
		return nil, nil, err
	}

	// Seconds are zeroed so sub-minute skew never compounds across ticks.
	cutoffBase := now.Truncate(time.Minute)

	var uuids []string
	for _, a := range archives {
		study := studies[a.ParticipantID]
		if study == nil || study.ResendPeriodMinutes <= 0 {
			continue
		}
		cutoff := cutoffBase.Add(-time.Duration(study.ResendPeriodMinutes) * time.Minute)
		if a.LastUpdated.After(cutoff) {
			continue
		}
		if a.UUID != nil {
			uuids = append(uuids, *a.UUID)
		}
	}
	if len(uuids) == 0 {
		return nil, nil, nil
	}

	events, err := r.events.ScheduledByUUIDs(ctx, uuids)
	if err != nil {
		return nil, nil, err
	}
	byUUID := make(map[string]*model.ScheduledEvent, len(events))
	for _, e := range events {
		if e.UUID != nil {
			byUUID[*e.UUID] = e
		}
	}

	for _, uuid := range uuids {
		e, ok := byUUID[uuid]
		switch {
		case !ok:
			orphans = append(orphans, uuid)
		case e.NoResend:
			// Post-filtered rather than excluded in the query: a
			// no_resend schedule silences only its own uuid.
		default:
			resend = append(resend, uuid)
		}
	}
	return resend, orphans, nil
}
