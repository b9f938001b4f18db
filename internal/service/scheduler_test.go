package service_test

import (
	"context"
	"encoding/json"
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

func scheduledCampaign(id string, at time.Time) *model.Campaign {
	c := newCampaign(id, phones("+1000"))
	c.ScheduledAt = &at
	return c
}

func TestScheduler_TickQueuesDueCampaigns(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.campaigns.Create(ctx, scheduledCampaign("due", now.Add(-time.Minute))))
	require.NoError(t, f.campaigns.Create(ctx, scheduledCampaign("later", now.Add(time.Hour))))
	require.NoError(t, f.campaigns.Create(ctx, newCampaign("draft", phones("+1000"))))

	q := newRecordingQueue()
	s := service.NewScheduler(f.campaigns, q, "@every 1m", zerolog.Nop())

	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs := q.Jobs(queue.TopicCampaignDispatch)
	require.Len(t, jobs, 1)
	var job service.DispatchJob
	require.NoError(t, json.Unmarshal(jobs[0], &job))
	assert.Equal(t, "due", job.CampaignID)
	assert.Equal(t, "ws-1", job.WorkspaceID)

	due, err := f.campaigns.GetByID(ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, model.CampaignQueued, due.Status)

	// a second tick does not queue the same campaign again
	n, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestScheduler_ClaimedCampaignCannotBeSentAgain(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.campaigns.Create(ctx, scheduledCampaign("due", time.Now().Add(-time.Minute))))
	q := newRecordingQueue()

	n, err := service.NewScheduler(f.campaigns, q, "@every 1m", zerolog.Nop()).Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = newCampaignService(f, q).SendCampaign(ctx, "due", "")
	assert.True(t, appErrors.IsValidation(err))
	assert.Len(t, q.Jobs(queue.TopicCampaignDispatch), 1)
}

func TestScheduler_PublishFailureReleasesCampaign(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.campaigns.Create(ctx, scheduledCampaign("due", time.Now().Add(-time.Minute))))

	q := newRecordingQueue()
	q.err = errors.New("broker down")
	s := service.NewScheduler(f.campaigns, q, "@every 1m", zerolog.Nop())

	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	c, err := f.campaigns.GetByID(ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, model.CampaignScheduled, c.Status)
}

func TestScheduler_RejectsBadSpec(t *testing.T) {
	f := newFixture()
	s := service.NewScheduler(f.campaigns, newRecordingQueue(), "every now and then", zerolog.Nop())
	assert.Error(t, s.Start(context.Background()))
}

func TestScheduler_StartStop(t *testing.T) {
	f := newFixture()
	s := service.NewScheduler(f.campaigns, newRecordingQueue(), "@every 1h", zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
