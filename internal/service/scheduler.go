package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
)

const dueBatchSize = 100

// Scheduler periodically queues dispatch jobs for scheduled campaigns whose
// time has come.
type Scheduler struct {
	campaigns repository.CampaignRepositoryInterface
	queue     queue.Queue
	spec      string
	parser    cron.Parser
	log       zerolog.Logger
	now       func() time.Time

	mu sync.Mutex
	c  *cron.Cron
}

func NewScheduler(campaigns repository.CampaignRepositoryInterface, q queue.Queue, spec string, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		campaigns: campaigns,
		queue:     q,
		spec:      spec,
		parser:    cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		log:       log.With().Str("component", "scheduler").Logger(),
		now:       time.Now,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	schedule, err := s.parser.Parse(s.spec)
	if err != nil {
		return fmt.Errorf("parse scheduler spec %q: %w", s.spec, err)
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(time.UTC))
	s.c.Schedule(schedule, cron.FuncJob(func() {
		if _, err := s.Tick(ctx); err != nil {
			s.log.Error().Err(err).Msg("scheduler tick failed")
		}
	}))
	s.c.Start()
	s.log.Info().Str("spec", s.spec).Msg("scheduler started")
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info().Msg("scheduler stopped")
}

// Tick queues every due campaign and returns how many were queued. A
// campaign is claimed as queued before it is published so neither the next
// tick nor a caller-initiated send picks it up again; a failed publish puts
// it back.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	due, err := s.campaigns.ListDue(ctx, s.now().UTC(), dueBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due campaigns: %w", err)
	}
	queued := 0
	for _, c := range due {
		log := s.log.With().Str("campaign_id", c.ID).Logger()
		if _, err := s.campaigns.ClaimStatus(ctx, c.ID, []model.CampaignStatus{model.CampaignScheduled}, model.CampaignQueued); err != nil {
			log.Warn().Err(err).Msg("failed to claim scheduled campaign")
			continue
		}
		body, err := EncodeJob(DispatchJob{CampaignID: c.ID, WorkspaceID: c.WorkspaceID})
		if err == nil {
			err = s.queue.Publish(queue.TopicCampaignDispatch, body)
		}
		if err != nil {
			log.Error().Err(err).Msg("failed to queue scheduled campaign")
			if rbErr := s.campaigns.UpdateStatus(ctx, c.ID, model.CampaignScheduled); rbErr != nil {
				log.Error().Err(rbErr).Msg("failed to release scheduled campaign")
			}
			continue
		}
		queued++
		log.Info().Time("scheduled_at", *c.ScheduledAt).Msg("scheduled campaign queued")
	}
	return queued, nil
}
