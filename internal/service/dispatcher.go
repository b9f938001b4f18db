package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/gateway"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
)

const (
	ReasonGatewayUnavailable = "gateway_unavailable"
	ReasonCancelled          = "cancelled"

	defaultSendTimeout  = 5 * time.Second
	recordTimeout       = 5 * time.Second
	invalidPhoneMessage = "invalid phone number"
)

// RateConfig throttles one dispatch run. Sends within a run are strictly
// sequential; the throttle applies between consecutive recipients.
type RateConfig struct {
	// PerSecond caps the request rate; zero or less disables the cap.
	PerSecond float64
	Burst     int
	// Delay is the fixed pause between two recipients.
	Delay       time.Duration
	SendTimeout time.Duration
	// MaxConsecutiveFailures, when positive, re-probes the gateway after
	// that many failed sends in a row and halts the run if it is down.
	MaxConsecutiveFailures int
}

// RecipientResult is the outcome for one distinct recipient.
type RecipientResult struct {
	Phone             string               `json:"phone"`
	State             model.DeliveryStatus `json:"state"`
	EntryID           int64                `json:"entry_id,omitempty"`
	ProviderMessageID string               `json:"provider_message_id,omitempty"`
	Error             string               `json:"error,omitempty"`
}

// DispatchResult summarizes a run. Partial success is a normal outcome.
type DispatchResult struct {
	CampaignID  string `json:"campaign_id"`
	WorkspaceID string `json:"workspace_id"`
	// Aborted is set when the pre-flight probe failed and nothing was sent.
	Aborted bool `json:"aborted"`
	// Halted is set when a mid-run re-probe stopped the remaining sends.
	Halted    bool   `json:"halted"`
	Cancelled bool   `json:"cancelled"`
	Reason    string `json:"reason,omitempty"`

	Total      int `json:"total"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`

	EntryIDs   []int64           `json:"entry_ids"`
	Recipients []RecipientResult `json:"recipients"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// CampaignFinisher records campaign lifecycle markers.
type CampaignFinisher interface {
	UpdateStatus(ctx context.Context, id string, status model.CampaignStatus) error
	MarkFinished(ctx context.Context, id string, status model.CampaignStatus, at time.Time) error
}

// Dispatcher runs campaigns against the gateway. It keeps no per-run state,
// so independent runs may share one Dispatcher concurrently.
type Dispatcher struct {
	gateway   gateway.Client
	logs      repository.DeliveryLogRepositoryInterface
	gate      *HealthGate
	campaigns CampaignFinisher
	log       zerolog.Logger
	now       func() time.Time
}

type DispatcherOption func(*Dispatcher)

// WithCampaignFinisher makes the dispatcher set status and completion
// markers on stored campaigns.
func WithCampaignFinisher(c CampaignFinisher) DispatcherOption {
	return func(d *Dispatcher) { d.campaigns = c }
}

func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(gw gateway.Client, logs repository.DeliveryLogRepositoryInterface, gate *HealthGate, log zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		gateway: gw,
		logs:    logs,
		gate:    gate,
		log:     log.With().Str("component", "dispatcher").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends the campaign to every distinct recipient in input order.
//
// When the pre-flight probe fails the run is aborted: the result has
// Aborted set, no log entries are written and the returned error wraps
// ErrGatewayUnavailable. Otherwise the error is nil and per-recipient
// failures are reported in the result. Cancelling ctx stops the run
// between recipients; an in-flight send is allowed to finish. A ctx that is
// already done reports Cancelled without probing. Halted and cancelled runs
// leave a stored campaign aborted.
func (d *Dispatcher) Dispatch(ctx context.Context, c *model.Campaign, workspaceID string, rc RateConfig) (*DispatchResult, error) {
	if c == nil {
		return nil, errors.New("dispatch: nil campaign")
	}
	if workspaceID == "" {
		workspaceID = c.WorkspaceID
	}
	log := d.log.With().Str("campaign_id", c.ID).Str("workspace_id", workspaceID).Logger()

	targets, dupes, invalid := dedupeRecipients(c.Recipients)
	res := &DispatchResult{
		CampaignID:  c.ID,
		WorkspaceID: workspaceID,
		Total:       len(targets),
		Duplicates:  dupes,
		Skipped:     len(invalid),
		EntryIDs:    []int64{},
		Recipients:  make([]RecipientResult, 0, len(targets)+len(invalid)),
		StartedAt:   d.now().UTC(),
	}
	for _, t := range targets {
		res.Recipients = append(res.Recipients, RecipientResult{Phone: t.Phone, State: model.StatusPending})
	}
	tracked := hasCampaignRecipients(targets)

	if ctx.Err() != nil {
		res.Cancelled = true
		res.Reason = ReasonCancelled
		d.summarize(res, invalid)
		if tracked {
			d.markFinished(ctx, c.ID, model.CampaignAborted, log)
		}
		log.Warn().Msg("dispatch cancelled before start")
		return res, nil
	}

	probe := d.gate.Check(ctx)
	if !probe.Reachable {
		res.Aborted = true
		res.Reason = ReasonGatewayUnavailable
		d.summarize(res, invalid)
		if tracked {
			d.markFinished(ctx, c.ID, model.CampaignAborted, log)
		}
		log.Error().Str("probe_error", probe.Error).Int("recipients", res.Total).Msg("dispatch aborted: gateway unavailable")
		return res, fmt.Errorf("dispatch campaign %s: %w: %s", c.ID, appErrors.ErrGatewayUnavailable, probe.Error)
	}

	if tracked && d.campaigns != nil {
		if err := d.campaigns.UpdateStatus(ctx, c.ID, model.CampaignSending); err != nil && !appErrors.IsNotFound(err) {
			log.Warn().Err(err).Msg("failed to mark campaign sending")
		}
	}
	log.Info().Int("recipients", res.Total).Int("duplicates", dupes).Float64("rate_per_sec", rc.PerSecond).
		Dur("delay", rc.Delay).Msg("dispatch started")

	limiter := newLimiter(rc)
	consecutive := 0
	for i, t := range targets {
		if ctx.Err() != nil {
			res.Cancelled = true
			res.Reason = ReasonCancelled
			break
		}
		if i > 0 {
			if err := throttle(ctx, rc.Delay); err != nil {
				res.Cancelled = true
				res.Reason = ReasonCancelled
				break
			}
		}
		if err := limiter.Wait(ctx); err != nil {
			res.Cancelled = true
			res.Reason = ReasonCancelled
			break
		}

		r := d.sendOne(ctx, c, workspaceID, t, rc, log)
		res.Recipients[i] = r
		if r.EntryID != 0 {
			res.EntryIDs = append(res.EntryIDs, r.EntryID)
		}
		if r.State == model.StatusFailed {
			consecutive++
		} else {
			consecutive = 0
		}

		if rc.MaxConsecutiveFailures > 0 && consecutive >= rc.MaxConsecutiveFailures && i < len(targets)-1 {
			log.Warn().Int("consecutive_failures", consecutive).Msg("sustained send failures, re-probing gateway")
			if !d.gate.Check(ctx).Reachable {
				res.Halted = true
				res.Reason = ReasonGatewayUnavailable
				break
			}
			consecutive = 0
		}
	}
	d.summarize(res, invalid)

	if tracked {
		if res.Halted || res.Cancelled {
			d.markFinished(ctx, c.ID, model.CampaignAborted, log)
		} else {
			d.markFinished(ctx, c.ID, model.CampaignCompleted, log)
		}
	}

	log.Info().Int("sent", res.Sent).Int("failed", res.Failed).Int("pending", res.Pending).
		Int("skipped", res.Skipped).Bool("halted", res.Halted).Bool("cancelled", res.Cancelled).
		Dur("took", res.FinishedAt.Sub(res.StartedAt)).Msg("dispatch finished")
	return res, nil
}

// sendOne drives one recipient through pending → sending → sent|failed and
// records the outcome.
func (d *Dispatcher) sendOne(ctx context.Context, c *model.Campaign, workspaceID string, t model.Recipient, rc RateConfig, log zerolog.Logger) RecipientResult {
	out := RecipientResult{Phone: t.Phone, State: model.StatusPending}
	state, err := model.Transition(out.State, model.StatusSending)
	if err != nil {
		out.Error = err.Error()
		return out
	}

	message := RenderMessage(c.BaseTemplate, t)
	timeout := rc.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	// The send is not interrupted by caller cancellation, only by its timeout.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	sent, sendErr := d.gateway.Send(sendCtx, t.Phone, message)
	cancel()

	entry := &model.DeliveryLogEntry{
		WorkspaceID: workspaceID,
		Phone:       t.Phone,
		Message:     message,
		SentAt:      d.now().UTC(),
	}
	if t.Preview {
		entry.PreviewID = c.ID
	} else {
		entry.CampaignID = c.ID
	}

	if sendErr != nil {
		state, _ = model.Transition(state, model.StatusFailed)
		text, payload := describeSendError(sendErr)
		entry.LastError = &text
		entry.ProviderResponse = payload
		out.Error = text
		log.Warn().Err(sendErr).Str("phone", t.Phone).Msg("send failed")
	} else {
		state, _ = model.Transition(state, model.StatusSent)
		entry.ProviderResponse = sent.Response
		if sent.ProviderMessageID != "" {
			id := sent.ProviderMessageID
			entry.ProviderMessageID = &id
			out.ProviderMessageID = id
		} else {
			log.Warn().Str("phone", t.Phone).Msg("gateway returned no message id; status callbacks cannot be matched")
		}
		log.Debug().Str("phone", t.Phone).Str("provider_message_id", out.ProviderMessageID).Msg("message sent")
	}
	entry.Status = state
	out.State = state

	recordCtx, cancelRecord := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancelRecord()
	id, err := d.logs.Upsert(recordCtx, entry)
	if err != nil {
		log.Error().Err(err).Str("phone", t.Phone).Str("status", string(state)).Msg("failed to record delivery log entry")
		if out.Error == "" {
			out.Error = "record: " + err.Error()
		}
		return out
	}
	out.EntryID = id
	return out
}

func (d *Dispatcher) summarize(res *DispatchResult, invalid []model.Recipient) {
	for _, r := range res.Recipients {
		switch r.State {
		case model.StatusSent:
			res.Sent++
		case model.StatusFailed:
			res.Failed++
		case model.StatusPending:
			res.Pending++
		}
	}
	for _, r := range invalid {
		res.Recipients = append(res.Recipients, RecipientResult{Phone: r.Phone, State: model.StatusPending, Error: invalidPhoneMessage})
	}
	res.FinishedAt = d.now().UTC()
}

func (d *Dispatcher) markFinished(ctx context.Context, id string, status model.CampaignStatus, log zerolog.Logger) {
	if d.campaigns == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := d.campaigns.MarkFinished(ctx, id, status, d.now().UTC()); err != nil && !appErrors.IsNotFound(err) {
		log.Warn().Err(err).Str("status", string(status)).Msg("failed to mark campaign finished")
	}
}

// dedupeRecipients normalizes phones and keeps the first occurrence of each.
// Recipients whose phone normalizes to nothing are returned separately.
func dedupeRecipients(in []model.Recipient) (targets []model.Recipient, duplicates int, invalid []model.Recipient) {
	seen := make(map[string]struct{}, len(in))
	targets = make([]model.Recipient, 0, len(in))
	for _, r := range in {
		phone := model.NormalizePhone(r.Phone)
		if phone == "" {
			invalid = append(invalid, r)
			continue
		}
		if _, ok := seen[phone]; ok {
			duplicates++
			continue
		}
		seen[phone] = struct{}{}
		r.Phone = phone
		targets = append(targets, r)
	}
	return targets, duplicates, invalid
}

func hasCampaignRecipients(targets []model.Recipient) bool {
	for _, t := range targets {
		if !t.Preview {
			return true
		}
	}
	return false
}

func newLimiter(rc RateConfig) *rate.Limiter {
	if rc.PerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := rc.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rc.PerSecond), burst)
}

// throttle waits d or until ctx is done.
func throttle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// describeSendError extracts the error text and provider payload recorded
// on a failed entry.
func describeSendError(err error) (string, model.Payload) {
	var ge *appErrors.GatewayError
	if errors.As(err, &ge) {
		payload := model.Payload{
			"code":        ge.Code,
			"status_code": ge.StatusCode,
			"message":     ge.Message,
		}
		if len(ge.Response) > 0 {
			payload["response"] = ge.Response
		}
		return ge.Message, payload
	}
	return err.Error(), model.Payload{"error": err.Error()}
}
