package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/unclebandit/smsleopard-dispatch/internal/db"
	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// DeliveryLogRepositoryInterface is the delivery log store used by the
// dispatcher and the reconciler.
type DeliveryLogRepositoryInterface interface {
	// Upsert inserts or overwrites the entry keyed by (scope id, phone) and
	// returns its id.
	Upsert(ctx context.Context, e *model.DeliveryLogEntry) (int64, error)
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*model.DeliveryLogEntry, error)
	// UpdateByProviderMessageID loads the entry, hands it to fn and persists
	// the result atomically. Events appended by fn with a zero ID are
	// inserted. Returns ErrEntryNotFound when nothing matches.
	UpdateByProviderMessageID(ctx context.Context, providerMessageID string, fn func(*model.DeliveryLogEntry) error) (*model.DeliveryLogEntry, error)
	Summarize(ctx context.Context, campaignID string) (map[model.DeliveryStatus]int, error)
	ListByCampaign(ctx context.Context, campaignID string) ([]*model.DeliveryLogEntry, error)
}

type DeliveryLogRepository struct {
	DB *db.DB
}

func NewDeliveryLogRepository(d *db.DB) *DeliveryLogRepository {
	return &DeliveryLogRepository{DB: d}
}

const entryColumns = `id, campaign_id, preview_id, workspace_id, phone, message, status,
    sent_at, delivered_at, read_at, last_error, provider_response, provider_message_id,
    created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// validateEntry enforces the shape every stored entry must have.
func validateEntry(e *model.DeliveryLogEntry) error {
	if e == nil {
		return errors.New("nil delivery log entry")
	}
	if (e.CampaignID == "") == (e.PreviewID == "") {
		return errors.New("exactly one of campaign id and preview id must be set")
	}
	if strings.TrimSpace(e.Phone) == "" {
		return errors.New("phone is required")
	}
	if !e.Status.Persisted() {
		return fmt.Errorf("status %q cannot be stored", e.Status)
	}
	return nil
}

func (r *DeliveryLogRepository) Upsert(ctx context.Context, e *model.DeliveryLogEntry) (int64, error) {
	if err := validateEntry(e); err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	if e.SentAt.IsZero() {
		e.SentAt = now
	}
	query := `
        INSERT INTO delivery_logs
        (campaign_id, preview_id, workspace_id, phone, message, status, sent_at, delivered_at, read_at,
         last_error, provider_response, provider_message_id, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
        ON CONFLICT (campaign_id, preview_id, phone) DO UPDATE SET
            workspace_id = excluded.workspace_id,
            message = excluded.message,
            status = excluded.status,
            sent_at = excluded.sent_at,
            delivered_at = excluded.delivered_at,
            read_at = excluded.read_at,
            last_error = excluded.last_error,
            provider_response = excluded.provider_response,
            provider_message_id = excluded.provider_message_id,
            updated_at = excluded.updated_at
        RETURNING id
    `
	var id int64
	err := r.DB.QueryRowContext(ctx, query,
		e.CampaignID, e.PreviewID, e.WorkspaceID, e.Phone, e.Message, e.Status,
		e.SentAt.UTC(), nullTime(e.DeliveredAt), nullTime(e.ReadAt),
		nullString(e.LastError), e.ProviderResponse, nullString(e.ProviderMessageID),
		now, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert delivery log %s/%s: %w", e.ScopeID(), e.Phone, err)
	}
	e.ID = id
	e.UpdatedAt = now
	return id, nil
}

func (r *DeliveryLogRepository) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*model.DeliveryLogEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM delivery_logs
              WHERE provider_message_id = $1 ORDER BY id DESC LIMIT 1`
	e, err := scanEntry(r.DB.QueryRowContext(ctx, query, providerMessageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewEntryNotFound(providerMessageID)
		}
		return nil, err
	}
	events, err := r.listEvents(ctx, r.DB, e.ID)
	if err != nil {
		return nil, err
	}
	e.Events = events
	return e, nil
}

func (r *DeliveryLogRepository) UpdateByProviderMessageID(ctx context.Context, providerMessageID string, fn func(*model.DeliveryLogEntry) error) (*model.DeliveryLogEntry, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `SELECT ` + entryColumns + ` FROM delivery_logs
              WHERE provider_message_id = $1 ORDER BY id DESC LIMIT 1` + r.DB.Dialect.LockClause()
	e, err := scanEntry(tx.QueryRowContext(ctx, query, providerMessageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewEntryNotFound(providerMessageID)
		}
		return nil, err
	}
	events, err := r.listEvents(ctx, tx, e.ID)
	if err != nil {
		return nil, err
	}
	e.Events = events

	if err := fn(e); err != nil {
		return nil, err
	}
	if err := validateEntry(e); err != nil {
		return nil, err
	}

	e.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
        UPDATE delivery_logs
        SET status=$1, delivered_at=$2, read_at=$3, last_error=$4, updated_at=$5
        WHERE id=$6
    `, e.Status, nullTime(e.DeliveredAt), nullTime(e.ReadAt), nullString(e.LastError), e.UpdatedAt, e.ID)
	if err != nil {
		return nil, fmt.Errorf("update delivery log %d: %w", e.ID, err)
	}

	for i := range e.Events {
		ev := &e.Events[i]
		if ev.ID != 0 {
			continue
		}
		ev.EntryID = e.ID
		err := tx.QueryRowContext(ctx, `
            INSERT INTO delivery_events (entry_id, status, raw_status, applied, occurred_at, received_at, payload)
            VALUES ($1, $2, $3, $4, $5, $6, $7)
            RETURNING id
        `, ev.EntryID, string(ev.Status), ev.RawStatus, ev.Applied, ev.OccurredAt.UTC(), ev.ReceivedAt.UTC(), ev.Payload).Scan(&ev.ID)
		if err != nil {
			return nil, fmt.Errorf("append delivery event for %d: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

func (r *DeliveryLogRepository) Summarize(ctx context.Context, campaignID string) (map[model.DeliveryStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM delivery_logs WHERE campaign_id=$1 GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[model.DeliveryStatus]int{}
	for rows.Next() {
		var status model.DeliveryStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func (r *DeliveryLogRepository) ListByCampaign(ctx context.Context, campaignID string) ([]*model.DeliveryLogEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM delivery_logs
              WHERE campaign_id=$1 OR preview_id=$1 ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []*model.DeliveryLogEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *DeliveryLogRepository) listEvents(ctx context.Context, q querier, entryID int64) ([]model.DeliveryEvent, error) {
	rows, err := q.QueryContext(ctx, `
        SELECT id, entry_id, status, raw_status, applied, occurred_at, received_at, payload
        FROM delivery_events WHERE entry_id=$1 ORDER BY id
    `, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.DeliveryEvent
	for rows.Next() {
		var ev model.DeliveryEvent
		if err := rows.Scan(&ev.ID, &ev.EntryID, &ev.Status, &ev.RawStatus, &ev.Applied, &ev.OccurredAt, &ev.ReceivedAt, &ev.Payload); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEntry(row rowScanner) (*model.DeliveryLogEntry, error) {
	var e model.DeliveryLogEntry
	var delivered, read sql.NullTime
	var lastErr, providerID sql.NullString
	err := row.Scan(
		&e.ID, &e.CampaignID, &e.PreviewID, &e.WorkspaceID, &e.Phone, &e.Message, &e.Status,
		&e.SentAt, &delivered, &read, &lastErr, &e.ProviderResponse, &providerID,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if delivered.Valid {
		t := delivered.Time
		e.DeliveredAt = &t
	}
	if read.Valid {
		t := read.Time
		e.ReadAt = &t
	}
	if lastErr.Valid {
		s := lastErr.String
		e.LastError = &s
	}
	if providerID.Valid {
		s := providerID.String
		e.ProviderMessageID = &s
	}
	return &e, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

var _ DeliveryLogRepositoryInterface = (*DeliveryLogRepository)(nil)
