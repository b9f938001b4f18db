// internal/model/status.go
package model

import (
	"database/sql/driver"
	"fmt"
	"strings"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
)

// DeliveryStatus is the lifecycle state of one recipient's message.
//
// pending and sending only exist while a dispatch run is in progress; the
// remaining values are what gets recorded on a delivery log entry.
type DeliveryStatus string

const (
	StatusPending     DeliveryStatus = "pending"
	StatusSending     DeliveryStatus = "sending"
	StatusSent        DeliveryStatus = "sent"
	StatusDelivered   DeliveryStatus = "delivered"
	StatusRead        DeliveryStatus = "read"
	StatusFailed      DeliveryStatus = "failed"
	StatusUndelivered DeliveryStatus = "undelivered"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []DeliveryStatus{
	StatusPending, StatusSending, StatusSent, StatusDelivered,
	StatusRead, StatusFailed, StatusUndelivered,
}

// transitions is the full edge set of the recipient state machine.
var transitions = map[DeliveryStatus][]DeliveryStatus{
	StatusPending:   {StatusSending},
	StatusSending:   {StatusSent, StatusFailed, StatusUndelivered},
	StatusSent:      {StatusDelivered, StatusRead, StatusFailed, StatusUndelivered},
	StatusDelivered: {StatusRead},
}

// providerAliases maps the status vocabulary used by gateways onto ours.
var providerAliases = map[string]DeliveryStatus{
	"queued":        StatusPending,
	"accepted":      StatusSent,
	"submitted":     StatusSent,
	"enroute":       StatusSent,
	"delivrd":       StatusDelivered,
	"seen":          StatusRead,
	"opened":        StatusRead,
	"rejected":      StatusFailed,
	"error":         StatusFailed,
	"expired":       StatusUndelivered,
	"undeliverable": StatusUndelivered,
	"undeliv":       StatusUndelivered,
}

// ParseDeliveryStatus accepts our own status names and common provider aliases.
func ParseDeliveryStatus(raw string) (DeliveryStatus, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if st := DeliveryStatus(s); st.Valid() {
		return st, nil
	}
	if st, ok := providerAliases[s]; ok {
		return st, nil
	}
	return "", fmt.Errorf("unknown delivery status %q", raw)
}

func (s DeliveryStatus) String() string { return string(s) }

func (s DeliveryStatus) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Persisted reports whether the status may be stored on a log entry.
func (s DeliveryStatus) Persisted() bool {
	return s.Valid() && s != StatusSending
}

// Terminal statuses are never overridden by a later callback.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusFailed || s == StatusUndelivered
}

// Rank orders the success path: sent(1) < delivered(2) < read(3).
// Every other status ranks 0.
func (s DeliveryStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to DeliveryStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from → to and returns the new status.
func Transition(from, to DeliveryStatus) (DeliveryStatus, error) {
	if !CanTransition(from, to) {
		return from, appErrors.NewInvalidTransition(string(from), string(to))
	}
	return to, nil
}

// AdvanceDecision is the outcome of offering a callback status to an entry.
type AdvanceDecision string

const (
	AdvanceApplied   AdvanceDecision = "applied"
	AdvanceDuplicate AdvanceDecision = "duplicate"
	AdvanceStale     AdvanceDecision = "stale"
	AdvanceTerminal  AdvanceDecision = "terminal"
)

// Advance applies the only-advance-never-retreat rule to a stored status.
// Terminal entries never change. On the success path a status applies only
// when it outranks the stored one; failed and undelivered apply only to an
// entry that is still just sent.
func Advance(current, next DeliveryStatus) AdvanceDecision {
	switch {
	case current.Terminal():
		return AdvanceTerminal
	case current == next:
		return AdvanceDuplicate
	case current.Rank() == 0:
		return AdvanceStale
	case next.Terminal():
		if current == StatusSent {
			return AdvanceApplied
		}
		return AdvanceStale
	case next.Rank() > current.Rank():
		return AdvanceApplied
	default:
		return AdvanceStale
	}
}

// Value implements driver.Valuer.
func (s DeliveryStatus) Value() (driver.Value, error) {
	if !s.Persisted() {
		return nil, fmt.Errorf("status %q cannot be persisted", s)
	}
	return string(s), nil
}

// Scan implements sql.Scanner.
func (s *DeliveryStatus) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into DeliveryStatus", src)
	}
	st := DeliveryStatus(raw)
	if !st.Valid() {
		return fmt.Errorf("invalid stored status %q", raw)
	}
	*s = st
	return nil
}
