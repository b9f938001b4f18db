// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// ErrGatewayUnavailable is returned when the pre-flight probe fails and a
// dispatch run is aborted before anything is sent.
var ErrGatewayUnavailable = errors.New("gateway unavailable")

// ErrCampaignNotFound is returned when a campaign lookup misses.
type ErrCampaignNotFound struct {
	CampaignID string
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %s not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id string) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrEntryNotFound is returned when no delivery log entry carries the
// given provider message id.
type ErrEntryNotFound struct {
	ProviderMessageID string
}

func (e *ErrEntryNotFound) Error() string {
	return fmt.Sprintf("delivery log entry for provider message %q not found", e.ProviderMessageID)
}

func NewEntryNotFound(providerMessageID string) error {
	return &ErrEntryNotFound{ProviderMessageID: providerMessageID}
}

// ErrInvalidTransition reports a status change the state machine forbids.
type ErrInvalidTransition struct {
	From string
	To   string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func NewInvalidTransition(from, to string) error {
	return &ErrInvalidTransition{From: from, To: to}
}

// GatewayError is a provider-side rejection of a single send.
type GatewayError struct {
	Code       string
	StatusCode int
	Message    string
	Response   map[string]any
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway rejected message (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("gateway rejected message: %s", e.Message)
}

// ErrValidation reports bad caller input.
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidation(field, message string) error {
	return &ErrValidation{Field: field, Message: message}
}

// IsValidation reports whether err is an ErrValidation.
func IsValidation(err error) bool {
	var v *ErrValidation
	return errors.As(err, &v)
}

// IsNotFound reports whether err is any of the not-found errors above.
func IsNotFound(err error) bool {
	var campaign *ErrCampaignNotFound
	var entry *ErrEntryNotFound
	return errors.As(err, &campaign) || errors.As(err, &entry)
}
