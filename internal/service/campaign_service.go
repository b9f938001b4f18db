// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
)

type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	DeliveryRepo repository.DeliveryLogRepositoryInterface
	Dispatcher   *Dispatcher
	Queue        queue.Queue
	Rate         RateConfig
	Log          zerolog.Logger
}

type CreateCampaignInput struct {
	WorkspaceID  string            `json:"workspace_id"`
	Name         string            `json:"name"`
	Channel      string            `json:"channel"`
	BaseTemplate string            `json:"base_template"`
	ScheduledAt  *string           `json:"scheduled_at"`
	Recipients   []model.Recipient `json:"recipients"`
}

// Result struct for SendCampaign
type SendCampaignResult struct {
	CampaignID string `json:"campaign_id"`
	Recipients int    `json:"recipients"`
	Status     string `json:"status"`
}

type CampaignDetails struct {
	ID           string               `json:"id"`
	WorkspaceID  string               `json:"workspace_id"`
	Name         string               `json:"name"`
	Channel      string               `json:"channel"`
	Status       model.CampaignStatus `json:"status"`
	BaseTemplate string               `json:"base_template"`
	Recipients   int                  `json:"recipients"`
	ScheduledAt  *time.Time           `json:"scheduled_at,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    *time.Time           `json:"updated_at"`
	CompletedAt  *time.Time           `json:"completed_at,omitempty"`
	Stats        map[string]int       `json:"stats"`
}

func (s *CampaignService) CreateCampaign(ctx context.Context, in CreateCampaignInput) (*model.Campaign, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, appErrors.NewValidation("name", "is required")
	}
	if in.Channel != "" && !strings.EqualFold(in.Channel, "sms") {
		return nil, appErrors.NewValidation("channel", fmt.Sprintf("unsupported channel %q", in.Channel))
	}
	c := &model.Campaign{
		WorkspaceID:  in.WorkspaceID,
		Name:         in.Name,
		Channel:      strings.ToLower(in.Channel),
		BaseTemplate: in.BaseTemplate,
		Recipients:   in.Recipients,
	}

	if in.ScheduledAt != nil && *in.ScheduledAt != "" {
		// parse scheduledAt string into time.Time
		t, err := time.Parse(time.RFC3339, *in.ScheduledAt)
		if err != nil {
			return nil, appErrors.NewValidation("scheduled_at", "must be RFC3339")
		}
		t = t.UTC()
		c.ScheduledAt = &t
	}

	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, err
	}
	s.Log.Info().Str("campaign_id", c.ID).Str("workspace_id", c.WorkspaceID).
		Int("recipients", len(c.Recipients)).Str("status", string(c.Status)).Msg("campaign created")
	return c, nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, channel, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, channel, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

// GetCampaignDetails fetches a campaign by ID
func (s *CampaignService) GetCampaignDetails(ctx context.Context, id string) (*model.Campaign, error) {
	return s.CampaignRepo.GetByID(ctx, id)
}

func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, campaignID string) (*CampaignDetails, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	counts, err := s.DeliveryRepo.Summarize(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("summarize deliveries of %s: %w", campaignID, err)
	}

	// every persisted status is reported, zero or not
	stats := map[string]int{"total": 0}
	for _, st := range model.AllStatuses {
		if st.Persisted() {
			stats[string(st)] = 0
		}
	}
	for st, n := range counts {
		stats[string(st)] = n
		stats["total"] += n
	}

	return &CampaignDetails{
		ID:           campaign.ID,
		WorkspaceID:  campaign.WorkspaceID,
		Name:         campaign.Name,
		Channel:      campaign.Channel,
		Status:       campaign.Status,
		BaseTemplate: campaign.BaseTemplate,
		Recipients:   len(campaign.Recipients),
		ScheduledAt:  campaign.ScheduledAt,
		CreatedAt:    campaign.CreatedAt,
		UpdatedAt:    campaign.UpdatedAt,
		CompletedAt:  campaign.CompletedAt,
		Stats:        stats,
	}, nil
}

// SendCampaign claims the campaign as queued and publishes a dispatch job.
// A campaign that is already queued or sending is rejected.
func (s *CampaignService) SendCampaign(ctx context.Context, campaignID, workspaceID string) (*SendCampaignResult, error) {
	if s.Queue == nil {
		return nil, fmt.Errorf("send campaign %s: no queue configured", campaignID)
	}
	current, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	campaign, err := s.CampaignRepo.ClaimStatus(ctx, campaignID, model.SendableStatuses, model.CampaignQueued)
	if err != nil {
		return nil, err
	}

	body, err := EncodeJob(DispatchJob{CampaignID: campaign.ID, WorkspaceID: workspaceID})
	if err == nil {
		err = s.Queue.Publish(queue.TopicCampaignDispatch, body)
	}
	if err != nil {
		if rbErr := s.CampaignRepo.UpdateStatus(ctx, campaign.ID, current.Status); rbErr != nil {
			s.Log.Error().Err(rbErr).Str("campaign_id", campaign.ID).Msg("failed to release queued campaign")
		}
		return nil, fmt.Errorf("enqueue campaign %s: %w", campaignID, err)
	}
	s.Log.Info().Str("campaign_id", campaign.ID).Int("recipients", len(campaign.Recipients)).Msg("campaign dispatch queued")

	return &SendCampaignResult{
		CampaignID: campaign.ID,
		Recipients: len(campaign.Recipients),
		Status:     string(model.CampaignQueued),
	}, nil
}

// DispatchNow claims the campaign, runs it synchronously and returns the
// run summary.
func (s *CampaignService) DispatchNow(ctx context.Context, campaignID, workspaceID string) (*DispatchResult, error) {
	campaign, err := s.CampaignRepo.ClaimStatus(ctx, campaignID, model.SendableStatuses, model.CampaignSending)
	if err != nil {
		return nil, err
	}
	return s.Dispatcher.Dispatch(ctx, campaign, workspaceID, s.Rate)
}

// Preview sends the campaign message to test recipients. The sends are
// logged under a fresh preview id and never count towards the campaign.
func (s *CampaignService) Preview(ctx context.Context, campaignID string, recipients []model.Recipient, overrideTemplate *string) (*DispatchResult, error) {
	if len(recipients) == 0 {
		return nil, appErrors.NewValidation("recipients", "at least one preview recipient is required")
	}
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	template, err := pickTemplate(campaign.BaseTemplate, overrideTemplate)
	if err != nil {
		return nil, err
	}

	preview := &model.Campaign{
		ID:           uuid.NewString(),
		WorkspaceID:  campaign.WorkspaceID,
		Name:         campaign.Name,
		Channel:      campaign.Channel,
		Status:       model.CampaignSending,
		BaseTemplate: template,
		Recipients:   make([]model.Recipient, len(recipients)),
	}
	for i, r := range recipients {
		r.Preview = true
		preview.Recipients[i] = r
	}
	s.Log.Info().Str("campaign_id", campaign.ID).Str("preview_id", preview.ID).Int("recipients", len(recipients)).Msg("preview send")
	return s.Dispatcher.Dispatch(ctx, preview, campaign.WorkspaceID, s.Rate)
}

// RenderPreview renders the message one recipient would receive without
// sending anything.
func (s *CampaignService) RenderPreview(ctx context.Context, campaignID string, recipient model.Recipient, overrideTemplate *string) (string, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return "", err
	}
	template, err := pickTemplate(campaign.BaseTemplate, overrideTemplate)
	if err != nil {
		return "", err
	}
	return RenderMessage(template, recipient), nil
}

// ListDeliveries returns the delivery log of a campaign.
func (s *CampaignService) ListDeliveries(ctx context.Context, campaignID string) ([]*model.DeliveryLogEntry, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.DeliveryRepo.ListByCampaign(ctx, campaignID)
}

func pickTemplate(base string, override *string) (string, error) {
	template := base
	if override != nil && strings.TrimSpace(*override) != "" {
		template = *override
	}
	if strings.TrimSpace(template) == "" {
		return "", appErrors.NewValidation("template", "cannot be empty")
	}
	return template, nil
}
