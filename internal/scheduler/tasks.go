package scheduler

import (
	"context"

	"github.com/chronica/sensing-gateway/internal/dispatch"
	"github.com/chronica/sensing-gateway/internal/purge"
	"github.com/chronica/sensing-gateway/internal/repository"
	"github.com/chronica/sensing-gateway/internal/schedule"
)

// RegisterStandardTasks wires the full tick set in dependency order:
// materialize fresh events first, then dispatch them, then the
// follow-up loops.
func RegisterStandardTasks(
	s *Service,
	studies *repository.StudyRepository,
	materializer *schedule.Materializer,
	selector *dispatch.Selector,
	sender *dispatch.Sender,
	resend *dispatch.ResendEngine,
	heartbeat *dispatch.HeartbeatEngine,
	purger *purge.Engine,
) {
	s.Register("materialize", materializeAll(studies, materializer))
	s.Register("dispatch", dispatchDue(selector, sender))
	s.Register("resend", resend.Tick)
	s.Register("heartbeat", heartbeat.Tick)
	s.Register("purge", purger.Drain)
}

// materializeAll reconciles schedules for every non-deleted study.
// Stopped studies are still visited so their pending events get cleared.
func materializeAll(studies *repository.StudyRepository, m *schedule.Materializer) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		list, err := studies.ListNotDeleted(ctx)
		if err != nil {
			return err
		}
		for _, study := range list {
			if err := m.MaterializeAll(ctx, study, 0); err != nil {
				return err
			}
		}
		return nil
	}
}

func dispatchDue(selector *dispatch.Selector, sender *dispatch.Sender) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		bundles, err := selector.DueBundles(ctx)
		if err != nil {
			return err
		}
		return sender.SendAll(ctx, bundles)
	}
}
