// internal/model/campaign.go
package model

import "time"

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignQueued    CampaignStatus = "queued"
	CampaignSending   CampaignStatus = "sending"
	CampaignCompleted CampaignStatus = "completed"
	CampaignAborted   CampaignStatus = "aborted"
)

type Campaign struct {
	ID           string         `db:"id" json:"id"`
	WorkspaceID  string         `db:"workspace_id" json:"workspace_id"`
	Name         string         `db:"name" json:"name"`
	Channel      string         `db:"channel" json:"channel"`
	Status       CampaignStatus `db:"status" json:"status"`
	BaseTemplate string         `db:"base_template" json:"base_template"`
	Recipients   []Recipient    `db:"recipients" json:"recipients"`
	ScheduledAt  *time.Time     `db:"scheduled_at" json:"scheduled_at,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
	CompletedAt  *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
}

// SendableStatuses may be claimed by a caller-initiated send. Completed
// and aborted campaigns can be re-run; the log is upserted. Queued and
// sending campaigns already have a run in flight.
var SendableStatuses = []CampaignStatus{CampaignDraft, CampaignScheduled, CampaignCompleted, CampaignAborted}

// RunnableStatuses may be claimed by a worker picking up a dispatch job.
// Aborted is accepted so a job retried after a failed pre-flight probe runs.
var RunnableStatuses = []CampaignStatus{CampaignQueued, CampaignAborted}

// Sendable reports whether a caller may start a dispatch run for the campaign.
func (c *Campaign) Sendable() bool {
	return c.Status.In(SendableStatuses...)
}

func (s CampaignStatus) In(set ...CampaignStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
