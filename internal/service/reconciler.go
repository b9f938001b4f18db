package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
)

// ReconcileOutcome says what a status callback did to the delivery log.
type ReconcileOutcome string

const (
	OutcomeApplied       ReconcileOutcome = "applied"
	OutcomeNotFound      ReconcileOutcome = "not_found"
	OutcomeStale         ReconcileOutcome = "stale"
	OutcomeTerminal      ReconcileOutcome = "terminal"
	OutcomeDuplicate     ReconcileOutcome = "duplicate"
	OutcomeInvalidStatus ReconcileOutcome = "invalid_status"
)

// Reconciler merges status callbacks into the delivery log. Status only
// moves forward; every callback for a known entry is kept as an event.
type Reconciler struct {
	logs repository.DeliveryLogRepositoryInterface
	log  zerolog.Logger
	now  func() time.Time
}

func NewReconciler(logs repository.DeliveryLogRepositoryInterface, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		logs: logs,
		log:  log.With().Str("component", "reconciler").Logger(),
		now:  time.Now,
	}
}

// Reconcile applies one asynchronous status report to the entry carrying
// providerMessageID. Unknown ids and statuses are reported through the
// outcome, not as errors; the error is reserved for store failures.
func (r *Reconciler) Reconcile(ctx context.Context, providerMessageID, rawStatus string, occurredAt time.Time, payload model.Payload) (ReconcileOutcome, error) {
	log := r.log.With().Str("provider_message_id", providerMessageID).Str("status", rawStatus).Logger()

	status, err := model.ParseDeliveryStatus(rawStatus)
	known := err == nil && status != model.StatusSending
	if strings.TrimSpace(providerMessageID) == "" {
		if !known {
			return OutcomeInvalidStatus, nil
		}
		return OutcomeNotFound, nil
	}

	received := r.now().UTC()
	occurred := occurredAt.UTC()
	if occurredAt.IsZero() {
		occurred = received
	}

	var decision model.AdvanceDecision
	_, err = r.logs.UpdateByProviderMessageID(ctx, providerMessageID, func(e *model.DeliveryLogEntry) error {
		ev := model.DeliveryEvent{
			Status:     status,
			RawStatus:  rawStatus,
			OccurredAt: occurred,
			ReceivedAt: received,
			Payload:    payload,
		}
		if known {
			decision = model.Advance(e.Status, status)
			if decision == model.AdvanceApplied {
				applyStatus(e, status, occurred)
				ev.Applied = true
			}
		} else {
			ev.Status = e.Status
		}
		e.Events = append(e.Events, ev)
		return nil
	})
	if err != nil {
		if appErrors.IsNotFound(err) {
			log.Warn().Msg("callback for unknown message")
			if !known {
				return OutcomeInvalidStatus, nil
			}
			return OutcomeNotFound, nil
		}
		return "", fmt.Errorf("reconcile %s: %w", providerMessageID, err)
	}
	if !known {
		log.Warn().Msg("unrecognized callback status recorded without a status change")
		return OutcomeInvalidStatus, nil
	}

	outcome := outcomeFor(decision)
	log.Info().Str("outcome", string(outcome)).Msg("status callback reconciled")
	return outcome, nil
}

// applyStatus moves e to status and stamps the matching timestamp.
// A read entry is also considered delivered.
func applyStatus(e *model.DeliveryLogEntry, status model.DeliveryStatus, at time.Time) {
	e.Status = status
	switch status {
	case model.StatusDelivered:
		e.DeliveredAt = &at
	case model.StatusRead:
		if e.DeliveredAt == nil {
			delivered := at
			e.DeliveredAt = &delivered
		}
		e.ReadAt = &at
	case model.StatusFailed, model.StatusUndelivered:
		msg := "provider reported " + string(status)
		e.LastError = &msg
	}
}

func outcomeFor(d model.AdvanceDecision) ReconcileOutcome {
	switch d {
	case model.AdvanceApplied:
		return OutcomeApplied
	case model.AdvanceDuplicate:
		return OutcomeDuplicate
	case model.AdvanceTerminal:
		return OutcomeTerminal
	default:
		return OutcomeStale
	}
}
