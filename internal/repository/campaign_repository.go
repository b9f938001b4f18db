package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/smsleopard-dispatch/internal/db"
	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id string) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, channel, status string) ([]*model.Campaign, int, error)
	UpdateStatus(ctx context.Context, id string, status model.CampaignStatus) error
	// ClaimStatus moves the campaign to status only if its current status is
	// one of from, and returns the claimed campaign. A campaign in any other
	// status yields a validation error naming its status.
	ClaimStatus(ctx context.Context, id string, from []model.CampaignStatus, to model.CampaignStatus) (*model.Campaign, error)
	// MarkFinished sets the terminal status and completion time of a run.
	MarkFinished(ctx context.Context, id string, status model.CampaignStatus, at time.Time) error
	// ListDue returns scheduled campaigns whose time has come.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error)
}

type CampaignRepository struct {
	DB *db.DB
}

func NewCampaignRepository(d *db.DB) *CampaignRepository {
	return &CampaignRepository{DB: d}
}

const campaignColumns = `id, workspace_id, name, channel, status, base_template, recipients,
    scheduled_at, created_at, updated_at, completed_at`

// prepareCampaign fills defaults shared by every store.
func prepareCampaign(c *model.Campaign) error {
	if strings.TrimSpace(c.WorkspaceID) == "" {
		return appErrors.NewValidation("workspace_id", "is required")
	}
	if strings.TrimSpace(c.BaseTemplate) == "" {
		return appErrors.NewValidation("base_template", "cannot be empty")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Channel == "" {
		c.Channel = "sms"
	}
	if c.Status == "" {
		c.Status = model.CampaignDraft
		if c.ScheduledAt != nil {
			c.Status = model.CampaignScheduled
		}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Recipients == nil {
		c.Recipients = []model.Recipient{}
	}
	return nil
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if err := prepareCampaign(c); err != nil {
		return err
	}
	recipients, err := json.Marshal(c.Recipients)
	if err != nil {
		return fmt.Errorf("encode recipients: %w", err)
	}
	query := `
        INSERT INTO campaigns (id, workspace_id, name, channel, status, base_template, recipients, scheduled_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `
	_, err = r.DB.ExecContext(ctx, query,
		c.ID, c.WorkspaceID, c.Name, c.Channel, string(c.Status), c.BaseTemplate,
		string(recipients), nullTime(c.ScheduledAt), c.CreatedAt.UTC(),
	)
	return err
}

func (r *CampaignRepository) UpdateStatus(ctx context.Context, id string, status model.CampaignStatus) error {
	query := `UPDATE campaigns SET status=$1, updated_at=$2 WHERE id=$3`
	res, err := r.DB.ExecContext(ctx, query, string(status), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (r *CampaignRepository) ClaimStatus(ctx context.Context, id string, from []model.CampaignStatus, to model.CampaignStatus) (*model.Campaign, error) {
	args := []any{string(to), time.Now().UTC(), id}
	placeholders := make([]string, len(from))
	for i, st := range from {
		args = append(args, string(st))
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}
	if len(from) == 0 {
		placeholders = []string{"NULL"}
	}
	query := `UPDATE campaigns SET status=$1, updated_at=$2 WHERE id=$3 AND status IN (` + strings.Join(placeholders, ", ") + `)`
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	c, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, claimConflict(c)
	}
	return c, nil
}

// claimConflict reports a campaign whose status does not allow the claim.
func claimConflict(c *model.Campaign) error {
	return appErrors.NewValidation("status", fmt.Sprintf("campaign cannot be sent in status: %s", c.Status))
}

func (r *CampaignRepository) MarkFinished(ctx context.Context, id string, status model.CampaignStatus, at time.Time) error {
	query := `UPDATE campaigns SET status=$1, completed_at=$2, updated_at=$2 WHERE id=$3`
	res, err := r.DB.ExecContext(ctx, query, string(status), at.UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	where := ` WHERE 1=1`
	args := []any{}
	argPos := 1

	if channel != "" {
		where += fmt.Sprintf(" AND channel=$%d", argPos)
		args = append(args, channel)
		argPos++
	}
	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)

	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	// Count total
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return campaigns, total, nil
}

func (r *CampaignRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + campaignColumns + ` FROM campaigns
              WHERE status=$1 AND scheduled_at IS NOT NULL AND scheduled_at <= $2
              ORDER BY scheduled_at LIMIT $3`
	rows, err := r.DB.QueryContext(ctx, query, string(model.CampaignScheduled), now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	due := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, c)
	}
	return due, rows.Err()
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	var recipients []byte
	var scheduled, updated, completed sql.NullTime
	err := row.Scan(
		&c.ID, &c.WorkspaceID, &c.Name, &c.Channel, &c.Status, &c.BaseTemplate, &recipients,
		&scheduled, &c.CreatedAt, &updated, &completed,
	)
	if err != nil {
		return nil, err
	}
	if len(recipients) > 0 {
		if err := json.Unmarshal(recipients, &c.Recipients); err != nil {
			return nil, fmt.Errorf("decode recipients of campaign %s: %w", c.ID, err)
		}
	}
	c.ScheduledAt = timePtr(scheduled)
	c.UpdatedAt = timePtr(updated)
	c.CompletedAt = timePtr(completed)
	return &c, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
