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

const defaultHeartbeatMessage = "Please open the app to keep your data collection running."

// HeartbeatEngine nudges silent devices with a data-only push. It never
// re-notifies inside a study's heartbeat interval.
type HeartbeatEngine struct {
	transport    push.Transport
	participants *repository.ParticipantRepository
	clk          clock.Clock
}

func NewHeartbeatEngine(transport push.Transport, participants *repository.ParticipantRepository, clk clock.Clock) *HeartbeatEngine {
	return &HeartbeatEngine{
		transport:    transport,
		participants: participants,
		clk:          clk,
	}
}

// Tick sends one heartbeat to every eligible (participant, token) pair.
func (h *HeartbeatEngine) Tick(ctx context.Context) error {
	now := h.clk.Now()
	candidates, err := h.participants.ListWithLiveTokens(ctx)
	if err != nil {
		return err
	}

	for _, p := range candidates {
		study := p.Study
		if study == nil || study.Stopped(now) {
			continue
		}
		if !h.eligible(p, study, now) {
			continue
		}

		tokens, err := h.participants.ActiveTokens(ctx, p.ID)
		if err != nil {
			return err
		}
		for _, token := range tokens {
			if err := h.send(ctx, p, study, token.Token, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// eligible applies the silence window: every liveness signal is older
// than the interval (less a one-minute slack so a heartbeat lands on the
// boundary tick) and we have not nudged within the interval.
func (h *HeartbeatEngine) eligible(p *model.Participant, study *model.Study, now time.Time) bool {
	interval := time.Duration(study.HeartbeatIntervalMin) * time.Minute
	cutoff := now.Add(-interval).Add(time.Minute)

	if !p.LastActive().Before(cutoff) {
		return false
	}
	if p.LastHeartbeatNotification != nil && p.LastHeartbeatNotification.After(now.Add(-interval)) {
		return false
	}
	return true
}

func (h *HeartbeatEngine) send(ctx context.Context, p *model.Participant, study *model.Study, token string, now time.Time) error {
	message := study.HeartbeatMessage
	if message == "" {
		message = defaultHeartbeatMessage
	}

	err := h.transport.Send(ctx, token, p.OSType, &push.Payload{
		Type:     push.TypeHeartbeat,
		SentTime: now,
		Message:  message,
	})
	if err == nil {
		prom.IncHeartbeatsSent()
		return h.participants.SetHeartbeatNotification(ctx, p.ID, now)
	}

	var sendErr *push.SendError
	if !errors.As(err, &sendErr) || !sendErr.Classified() {
		return err
	}
	if sendErr.Kind == push.KindUnregistered {
		logger.Info("heartbeat token unregistered", "patient_id", p.PatientID)
		return h.participants.UnregisterToken(ctx, p.ID, token, now)
	}
	// Other classified failures are dropped; the next tick retries.
	logger.Debug("heartbeat send failed", "patient_id", p.PatientID, "status", sendErr.Status())
	return nil
}
