package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
)

// DispatchJob is the queue message asking for one campaign run.
type DispatchJob struct {
	CampaignID  string    `json:"campaign_id"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// Worker consumes dispatch jobs and runs them through the dispatcher.
type Worker struct {
	CampaignRepo repository.CampaignRepositoryInterface
	Dispatcher   *Dispatcher
	Rate         RateConfig
	Log          zerolog.Logger
}

// Constructor
func NewWorker(repo repository.CampaignRepositoryInterface, d *Dispatcher, rc RateConfig, log zerolog.Logger) *Worker {
	return &Worker{
		CampaignRepo: repo,
		Dispatcher:   d,
		Rate:         rc,
		Log:          log.With().Str("component", "worker").Logger(),
	}
}

// Start subscribes the worker to the dispatch topic. Jobs run under ctx.
func (w *Worker) Start(ctx context.Context, q queue.Queue) error {
	return q.Subscribe(queue.TopicCampaignDispatch, func(body []byte) error {
		return w.Handle(ctx, body)
	})
}

// Handle processes one job. Malformed jobs, unknown campaigns and
// campaigns that are not queued (already running, or finished by an
// earlier delivery of the same job) are dropped. A failed pre-flight probe
// or a store failure is returned so the queue retries the job later; the
// pre-flight abort leaves the campaign aborted, which a retry may claim.
//
// A halted run is acknowledged: some recipients were already sent, and a
// redelivery would send to them again.
func (w *Worker) Handle(ctx context.Context, body []byte) error {
	var job DispatchJob
	if err := json.Unmarshal(body, &job); err != nil || job.CampaignID == "" {
		w.Log.Warn().Err(err).Bytes("body", body).Msg("invalid dispatch job")
		return nil
	}
	log := w.Log.With().Str("campaign_id", job.CampaignID).Logger()

	campaign, err := w.CampaignRepo.ClaimStatus(ctx, job.CampaignID, model.RunnableStatuses, model.CampaignSending)
	if err != nil {
		switch {
		case appErrors.IsNotFound(err):
			log.Warn().Msg("campaign not found, dropping job")
			return nil
		case appErrors.IsValidation(err):
			log.Warn().Err(err).Msg("campaign not runnable, dropping job")
			return nil
		}
		return fmt.Errorf("claim campaign %s: %w", job.CampaignID, err)
	}

	res, err := w.Dispatcher.Dispatch(ctx, campaign, job.WorkspaceID, w.Rate)
	if err != nil {
		if errors.Is(err, appErrors.ErrGatewayUnavailable) {
			log.Warn().Msg("gateway unavailable, job will be retried")
		}
		return err
	}
	if res.Halted {
		log.Error().Int("sent", res.Sent).Int("failed", res.Failed).Int("pending", res.Pending).
			Msg("dispatch halted: gateway went down mid-run, campaign aborted")
		return nil
	}
	log.Info().Int("sent", res.Sent).Int("failed", res.Failed).Msg("dispatch job done")
	return nil
}

// EncodeJob serializes a dispatch job for publishing.
func EncodeJob(job DispatchJob) ([]byte, error) {
	if job.RequestedAt.IsZero() {
		job.RequestedAt = time.Now().UTC()
	}
	return json.Marshal(job)
}
