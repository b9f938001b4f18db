// Package gateway talks to the third-party messaging provider.
//
// The dispatch engine only sees the Client interface: one call to submit a
// message and one lightweight liveness probe. URL and auth formatting,
// transport retries and per-call logging live here.
package gateway

import (
	"context"

	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// SendResult is the provider's acceptance of one message.
type SendResult struct {
	ProviderMessageID string
	StatusCode        int
	Response          model.Payload
}

// Client is the narrow gateway surface the dispatcher depends on.
//
// Send returns *appErrors.GatewayError when the provider rejects the
// message and a wrapped transport error when it could not be reached.
type Client interface {
	Send(ctx context.Context, phone, message string) (*SendResult, error)
	Probe(ctx context.Context) model.ProbeResult
}
