// internal/controller/campaign_controller.go
package controller

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/handler"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

const workspaceHeader = "X-Workspace-ID"

type CampaignController struct {
	CampaignService *service.CampaignService
}

// Routes mounts the campaign endpoints on r.
func (c *CampaignController) Routes(r chi.Router) {
	r.Post("/campaigns", c.CreateCampaign)
	r.Get("/campaigns", c.ListCampaigns)
	r.Get("/campaigns/{id}", c.GetCampaignDetails)
	r.Post("/campaigns/{id}/send", c.SendCampaign)
	r.Post("/campaigns/{id}/preview", c.PreviewSend)
	r.Post("/campaigns/{id}/personalized-preview", c.PersonalizedPreview)
	r.Get("/campaigns/{id}/deliveries", c.ListDeliveries)
}

// PersonalizedPreview renders the message for one recipient without sending.
func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Recipient        model.Recipient `json:"recipient"`
		OverrideTemplate *string         `json:"override_template"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		handler.WriteError(w, appErrors.NewValidation("body", "invalid body"))
		return
	}

	rendered, err := c.CampaignService.RenderPreview(r.Context(), chi.URLParam(r, "id"), body.Recipient, body.OverrideTemplate)
	if err != nil {
		handler.WriteError(w, err)
		return
	}

	handler.WriteJSON(w, http.StatusOK, map[string]any{
		"rendered_message": rendered,
		"used_template":    body.OverrideTemplate,
		"phone":            body.Recipient.Phone,
	})
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CreateCampaignInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		handler.WriteError(w, appErrors.NewValidation("body", "invalid body"))
		return
	}
	if body.WorkspaceID == "" {
		body.WorkspaceID = workspaceID(r)
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), body)
	if err != nil {
		handler.WriteError(w, err)
		return
	}

	handler.WriteJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	// Parse query parameters
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	channel := r.URL.Query().Get("channel")
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), page, pageSize, channel, status)
	if err != nil {
		handler.WriteError(w, err)
		return
	}

	handler.WriteJSON(w, http.StatusOK, map[string]any{
		"data":       campaigns,
		"pagination": pagination, // already contains total_count, total_pages, page, page_size
	})
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	details, err := c.CampaignService.GetCampaignDetailsWithStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handler.WriteError(w, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, details)
}

// SendCampaign queues a dispatch run, or runs it inline with ?sync=true.
func (c *CampaignController) SendCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ws := workspaceID(r)

	if sync, _ := strconv.ParseBool(r.URL.Query().Get("sync")); sync {
		res, err := c.CampaignService.DispatchNow(r.Context(), id, ws)
		if err != nil && res == nil {
			handler.WriteError(w, err)
			return
		}
		status := http.StatusOK
		if res.Aborted {
			status = http.StatusServiceUnavailable
		}
		handler.WriteJSON(w, status, res)
		return
	}

	result, err := c.CampaignService.SendCampaign(r.Context(), id, ws)
	if err != nil {
		handler.WriteError(w, err)
		return
	}
	handler.WriteJSON(w, http.StatusAccepted, result)
}

// PreviewSend sends the campaign to the given test recipients right away.
func (c *CampaignController) PreviewSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Recipients       []model.Recipient `json:"recipients"`
		OverrideTemplate *string           `json:"override_template"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		handler.WriteError(w, appErrors.NewValidation("body", "invalid body"))
		return
	}

	res, err := c.CampaignService.Preview(r.Context(), chi.URLParam(r, "id"), body.Recipients, body.OverrideTemplate)
	if err != nil && res == nil {
		handler.WriteError(w, err)
		return
	}
	status := http.StatusOK
	if res.Aborted {
		status = http.StatusServiceUnavailable
	}
	handler.WriteJSON(w, status, map[string]any{
		"preview_id": res.CampaignID,
		"result":     res,
	})
}

func (c *CampaignController) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	entries, err := c.CampaignService.ListDeliveries(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handler.WriteError(w, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]any{"data": entries})
}

func workspaceID(r *http.Request) string {
	if ws := strings.TrimSpace(r.Header.Get(workspaceHeader)); ws != "" {
		return ws
	}
	return r.URL.Query().Get("workspace_id")
}
