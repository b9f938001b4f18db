// internal/model/delivery_log.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Payload is an opaque provider document kept verbatim for audit.
type Payload map[string]any

func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p *Payload) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*p = Payload{}
		return nil
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return fmt.Errorf("cannot scan %T into Payload", src)
	}
	out := Payload{}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &out); err != nil {
			return err
		}
	}
	*p = out
	return nil
}

// DeliveryLogEntry records one recipient's send attempt and its evolving
// status. Exactly one of CampaignID and PreviewID is set.
type DeliveryLogEntry struct {
	ID                int64          `db:"id" json:"id"`
	CampaignID        string         `db:"campaign_id" json:"campaign_id,omitempty"`
	PreviewID         string         `db:"preview_id" json:"preview_id,omitempty"`
	WorkspaceID       string         `db:"workspace_id" json:"workspace_id"`
	Phone             string         `db:"phone" json:"phone"`
	Message           string         `db:"message" json:"message"`
	Status            DeliveryStatus `db:"status" json:"status"`
	SentAt            time.Time      `db:"sent_at" json:"sent_at"`
	DeliveredAt       *time.Time     `db:"delivered_at" json:"delivered_at,omitempty"`
	ReadAt            *time.Time     `db:"read_at" json:"read_at,omitempty"`
	LastError         *string        `db:"last_error" json:"last_error,omitempty"`
	ProviderResponse  Payload        `db:"provider_response" json:"provider_response,omitempty"`
	ProviderMessageID *string        `db:"provider_message_id" json:"provider_message_id,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`

	Events []DeliveryEvent `json:"events,omitempty"`
}

// ScopeID is the campaign or preview id the entry is keyed under.
func (e *DeliveryLogEntry) ScopeID() string {
	if e.PreviewID != "" {
		return e.PreviewID
	}
	return e.CampaignID
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (e *DeliveryLogEntry) Clone() *DeliveryLogEntry {
	if e == nil {
		return nil
	}
	cp := *e
	cp.DeliveredAt = cloneTime(e.DeliveredAt)
	cp.ReadAt = cloneTime(e.ReadAt)
	cp.LastError = cloneString(e.LastError)
	cp.ProviderMessageID = cloneString(e.ProviderMessageID)
	cp.ProviderResponse = clonePayload(e.ProviderResponse)
	if e.Events != nil {
		cp.Events = make([]DeliveryEvent, len(e.Events))
		for i, ev := range e.Events {
			ev.Payload = clonePayload(ev.Payload)
			cp.Events[i] = ev
		}
	}
	return &cp
}

// DeliveryEvent is one status callback received for an entry. Events are
// appended whether or not the callback changed the entry's status.
// RawStatus is the status text as the provider sent it. When it is not a
// status we recognize, Status holds the entry's status at receipt.
type DeliveryEvent struct {
	ID         int64          `db:"id" json:"id"`
	EntryID    int64          `db:"entry_id" json:"entry_id"`
	Status     DeliveryStatus `db:"status" json:"status"`
	RawStatus  string         `db:"raw_status" json:"raw_status,omitempty"`
	Applied    bool           `db:"applied" json:"applied"`
	OccurredAt time.Time      `db:"occurred_at" json:"occurred_at"`
	ReceivedAt time.Time      `db:"received_at" json:"received_at"`
	Payload    Payload        `db:"payload" json:"payload,omitempty"`
}

// ProbeResult is the transient outcome of a gateway health probe.
type ProbeResult struct {
	Reachable bool
	Latency   time.Duration
	Error     string
	CheckedAt time.Time
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func clonePayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
