package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// MemoryDeliveryLogRepository keeps the delivery log in process memory.
// One mutex guards the maps; every read-modify-write runs under it.
type MemoryDeliveryLogRepository struct {
	mu          sync.Mutex
	nextID      int64
	nextEventID int64
	byKey       map[logKey]int64
	byProvider  map[string]int64
	entries     map[int64]*model.DeliveryLogEntry
}

type logKey struct {
	campaignID string
	previewID  string
	phone      string
}

func NewMemoryDeliveryLogRepository() *MemoryDeliveryLogRepository {
	return &MemoryDeliveryLogRepository{
		byKey:      map[logKey]int64{},
		byProvider: map[string]int64{},
		entries:    map[int64]*model.DeliveryLogEntry{},
	}
}

func (r *MemoryDeliveryLogRepository) Upsert(ctx context.Context, e *model.DeliveryLogEntry) (int64, error) {
	if err := validateEntry(e); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if e.SentAt.IsZero() {
		e.SentAt = now
	}
	key := logKey{campaignID: e.CampaignID, previewID: e.PreviewID, phone: e.Phone}
	stored := e.Clone()
	stored.Events = nil
	stored.UpdatedAt = now

	if id, ok := r.byKey[key]; ok {
		prev := r.entries[id]
		if prev.ProviderMessageID != nil && r.byProvider[*prev.ProviderMessageID] == id {
			delete(r.byProvider, *prev.ProviderMessageID)
		}
		stored.ID = id
		stored.CreatedAt = prev.CreatedAt
		stored.Events = prev.Events
	} else {
		r.nextID++
		stored.ID = r.nextID
		stored.CreatedAt = now
		r.byKey[key] = stored.ID
	}
	r.entries[stored.ID] = stored
	if stored.ProviderMessageID != nil && *stored.ProviderMessageID != "" {
		r.byProvider[*stored.ProviderMessageID] = stored.ID
	}

	e.ID = stored.ID
	e.CreatedAt = stored.CreatedAt
	e.UpdatedAt = now
	return stored.ID, nil
}

func (r *MemoryDeliveryLogRepository) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*model.DeliveryLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byProvider[providerMessageID]
	if !ok {
		return nil, appErrors.NewEntryNotFound(providerMessageID)
	}
	return r.entries[id].Clone(), nil
}

func (r *MemoryDeliveryLogRepository) UpdateByProviderMessageID(ctx context.Context, providerMessageID string, fn func(*model.DeliveryLogEntry) error) (*model.DeliveryLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byProvider[providerMessageID]
	if !ok {
		return nil, appErrors.NewEntryNotFound(providerMessageID)
	}
	working := r.entries[id].Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	if err := validateEntry(working); err != nil {
		return nil, err
	}
	for i := range working.Events {
		if working.Events[i].ID == 0 {
			r.nextEventID++
			working.Events[i].ID = r.nextEventID
			working.Events[i].EntryID = id
		}
	}
	working.UpdatedAt = time.Now().UTC()
	r.entries[id] = working
	return working.Clone(), nil
}

func (r *MemoryDeliveryLogRepository) Summarize(ctx context.Context, campaignID string) (map[model.DeliveryStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := map[model.DeliveryStatus]int{}
	for _, e := range r.entries {
		if e.CampaignID == campaignID {
			stats[e.Status]++
		}
	}
	return stats, nil
}

func (r *MemoryDeliveryLogRepository) ListByCampaign(ctx context.Context, campaignID string) ([]*model.DeliveryLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := []*model.DeliveryLogEntry{}
	for _, e := range r.entries {
		if e.CampaignID == campaignID || e.PreviewID == campaignID {
			entries = append(entries, e.Clone())
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// Len returns the number of stored entries.
func (r *MemoryDeliveryLogRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// MemoryCampaignRepository is the in-process campaign store.
type MemoryCampaignRepository struct {
	mu        sync.Mutex
	campaigns map[string]*model.Campaign
}

func NewMemoryCampaignRepository() *MemoryCampaignRepository {
	return &MemoryCampaignRepository{campaigns: map[string]*model.Campaign{}}
}

func (r *MemoryCampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if err := prepareCampaign(c); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[c.ID] = cloneCampaign(c)
	return nil
}

func (r *MemoryCampaignRepository) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return cloneCampaign(c), nil
}

func (r *MemoryCampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := []*model.Campaign{}
	for _, c := range r.campaigns {
		if channel != "" && !strings.EqualFold(c.Channel, channel) {
			continue
		}
		if status != "" && string(c.Status) != status {
			continue
		}
		matched = append(matched, c)
	}
	// Newest first, like the SQL store.
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	if offset >= total {
		return []*model.Campaign{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := make([]*model.Campaign, 0, end-offset)
	for _, c := range matched[offset:end] {
		page = append(page, cloneCampaign(c))
	}
	return page, total, nil
}

func (r *MemoryCampaignRepository) UpdateStatus(ctx context.Context, id string, status model.CampaignStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	now := time.Now().UTC()
	c.Status = status
	c.UpdatedAt = &now
	return nil
}

func (r *MemoryCampaignRepository) ClaimStatus(ctx context.Context, id string, from []model.CampaignStatus, to model.CampaignStatus) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	if !c.Status.In(from...) {
		return nil, claimConflict(c)
	}
	now := time.Now().UTC()
	c.Status = to
	c.UpdatedAt = &now
	return cloneCampaign(c), nil
}

func (r *MemoryCampaignRepository) MarkFinished(ctx context.Context, id string, status model.CampaignStatus, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	at = at.UTC()
	c.Status = status
	c.CompletedAt = &at
	c.UpdatedAt = &at
	return nil
}

func (r *MemoryCampaignRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	due := []*model.Campaign{}
	for _, c := range r.campaigns {
		if c.Status == model.CampaignScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			due = append(due, cloneCampaign(c))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(*due[j].ScheduledAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func cloneCampaign(c *model.Campaign) *model.Campaign {
	cp := *c
	cp.Recipients = make([]model.Recipient, len(c.Recipients))
	copy(cp.Recipients, c.Recipients)
	cp.ScheduledAt = copyTime(c.ScheduledAt)
	cp.UpdatedAt = copyTime(c.UpdatedAt)
	cp.CompletedAt = copyTime(c.CompletedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var (
	_ DeliveryLogRepositoryInterface = (*MemoryDeliveryLogRepository)(nil)
	_ CampaignRepositoryInterface    = (*MemoryCampaignRepository)(nil)
)
