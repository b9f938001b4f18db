package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

func queuedCampaign(id string, recipients []model.Recipient) *model.Campaign {
	c := newCampaign(id, recipients)
	c.Status = model.CampaignQueued
	return c
}

func TestWorker(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := queuedCampaign("c1", phones("+1000", "+2000"))
	require.NoError(t, f.campaigns.Create(ctx, c))
	w := service.NewWorker(f.campaigns, f.dispatcher, service.RateConfig{}, zerolog.Nop())

	body, err := service.EncodeJob(service.DispatchJob{CampaignID: "c1"})
	require.NoError(t, err)
	require.NoError(t, w.Handle(ctx, body))

	assert.Equal(t, []string{"+1000", "+2000"}, f.gw.Sent())
	stored, err := f.campaigns.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCompleted, stored.Status)
}

func TestWorker_DropsBadJobs(t *testing.T) {
	f := newFixture()
	w := service.NewWorker(f.campaigns, f.dispatcher, service.RateConfig{}, zerolog.Nop())

	assert.NoError(t, w.Handle(context.Background(), []byte("not json")))
	assert.NoError(t, w.Handle(context.Background(), []byte(`{"campaign_id":""}`)))
	assert.NoError(t, w.Handle(context.Background(), []byte(`{"campaign_id":"missing"}`)))
	assert.Empty(t, f.gw.Sent())
}

func TestWorker_RetriesWhenGatewayUnavailable(t *testing.T) {
	f := newFixture()
	f.gw.probes = []bool{false}
	ctx := context.Background()
	require.NoError(t, f.campaigns.Create(ctx, queuedCampaign("c1", phones("+1000"))))
	w := service.NewWorker(f.campaigns, f.dispatcher, service.RateConfig{}, zerolog.Nop())

	err := w.Handle(ctx, []byte(`{"campaign_id":"c1"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrGatewayUnavailable))
}

func TestWorker_QueueRedeliversUntilGatewayRecovers(t *testing.T) {
	f := newFixture()
	f.gw.probes = []bool{false, true}
	ctx := context.Background()
	require.NoError(t, f.campaigns.Create(ctx, queuedCampaign("c1", phones("+1000"))))
	w := service.NewWorker(f.campaigns, f.dispatcher, service.RateConfig{}, zerolog.Nop())

	q := queue.NewInMemoryQueue(queue.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}, zerolog.Nop())
	require.NoError(t, w.Start(ctx, q))
	require.NoError(t, q.Publish(queue.TopicCampaignDispatch, []byte(`{"campaign_id":"c1"}`)))
	q.Wait()

	assert.Equal(t, []string{"+1000"}, f.gw.Sent())
	assert.Equal(t, 2, f.gw.Probed())
}

func TestWorker_DropsJobForCampaignNotQueued(t *testing.T) {
	ctx := context.Background()
	for _, status := range []model.CampaignStatus{model.CampaignSending, model.CampaignCompleted, model.CampaignDraft} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture()
			c := newCampaign("c1", phones("+1000"))
			c.Status = status
			require.NoError(t, f.campaigns.Create(ctx, c))
			w := service.NewWorker(f.campaigns, f.dispatcher, service.RateConfig{}, zerolog.Nop())

			assert.NoError(t, w.Handle(ctx, []byte(`{"campaign_id":"c1"}`)))
			assert.Empty(t, f.gw.Sent())
			stored, err := f.campaigns.GetByID(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, status, stored.Status)
		})
	}
}

func TestWorker_DuplicateJobRunsOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.campaigns.Create(ctx, queuedCampaign("c1", phones("+1000", "+2000"))))
	w := service.NewWorker(f.campaigns, f.dispatcher, service.RateConfig{}, zerolog.Nop())

	q := queue.NewInMemoryQueue(queue.RetryPolicy{}, zerolog.Nop())
	require.NoError(t, w.Start(ctx, q))
	require.NoError(t, q.Publish(queue.TopicCampaignDispatch, []byte(`{"campaign_id":"c1"}`)))
	require.NoError(t, q.Publish(queue.TopicCampaignDispatch, []byte(`{"campaign_id":"c1"}`)))
	q.Wait()

	assert.ElementsMatch(t, []string{"+1000", "+2000"}, f.gw.Sent())
}

func TestWorker_HaltedRunIsNotRedelivered(t *testing.T) {
	f := newFixture()
	f.gw.probes = []bool{true, false, true}
	f.gw.reject["+2000"] = "invalid number"
	f.gw.reject["+3000"] = "invalid number"
	ctx := context.Background()
	require.NoError(t, f.campaigns.Create(ctx, queuedCampaign("c1", phones("+1000", "+2000", "+3000", "+4000"))))
	w := service.NewWorker(f.campaigns, f.dispatcher, service.RateConfig{MaxConsecutiveFailures: 2}, zerolog.Nop())

	q := queue.NewInMemoryQueue(queue.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}, zerolog.Nop())
	require.NoError(t, w.Start(ctx, q))
	require.NoError(t, q.Publish(queue.TopicCampaignDispatch, []byte(`{"campaign_id":"c1"}`)))
	q.Wait()

	assert.Equal(t, []string{"+1000", "+2000", "+3000"}, f.gw.Sent())
	stored, err := f.campaigns.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.CampaignAborted, stored.Status)

	r := service.NewReconciler(f.logs, zerolog.Nop())
	outcome, err := r.Reconcile(ctx, "M1", "delivered", time.Now(), model.Payload{"status": "delivered"})
	require.NoError(t, err)
	assert.Equal(t, service.OutcomeApplied, outcome)

	entry, err := f.logs.FindByProviderMessageID(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, entry.Status)
	assert.NotNil(t, entry.DeliveredAt)
}

func TestWorker_RetryAfterPreflightAbortClaimsAbortedCampaign(t *testing.T) {
	f := newFixture()
	f.gw.probes = []bool{false, true}
	ctx := context.Background()
	require.NoError(t, f.campaigns.Create(ctx, queuedCampaign("c1", phones("+1000"))))
	w := service.NewWorker(f.campaigns, f.dispatcher, service.RateConfig{}, zerolog.Nop())

	require.Error(t, w.Handle(ctx, []byte(`{"campaign_id":"c1"}`)))
	stored, err := f.campaigns.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.CampaignAborted, stored.Status)

	require.NoError(t, w.Handle(ctx, []byte(`{"campaign_id":"c1"}`)))
	assert.Equal(t, []string{"+1000"}, f.gw.Sent())
}
