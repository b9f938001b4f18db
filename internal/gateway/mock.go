package gateway

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// MockClient simulates a gateway for local runs. Each send fails with
// probability FailureRate; numbers listed in Reject always fail.
type MockClient struct {
	FailureRate float64
	Unreachable bool
	Reject      map[string]string

	mu   sync.Mutex
	sent []MockSend
}

type MockSend struct {
	Phone             string
	Message           string
	ProviderMessageID string
	At                time.Time
}

func NewMockClient(failureRate float64) *MockClient {
	return &MockClient{FailureRate: failureRate, Reject: map[string]string{}}
}

func (m *MockClient) Send(ctx context.Context, phone, message string) (*SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if reason, ok := m.Reject[phone]; ok {
		return nil, &appErrors.GatewayError{Code: "rejected", StatusCode: 400, Message: reason}
	}
	if m.FailureRate > 0 && rand.Float64() < m.FailureRate {
		return nil, &appErrors.GatewayError{Code: "mock_failure", StatusCode: 503, Message: "mock sending failed"}
	}
	id := uuid.NewString()
	m.mu.Lock()
	m.sent = append(m.sent, MockSend{Phone: phone, Message: message, ProviderMessageID: id, At: time.Now().UTC()})
	m.mu.Unlock()
	return &SendResult{
		ProviderMessageID: id,
		StatusCode:        202,
		Response:          model.Payload{"id": id, "status": "accepted"},
	}, nil
}

func (m *MockClient) Probe(ctx context.Context) model.ProbeResult {
	res := model.ProbeResult{Reachable: !m.Unreachable, CheckedAt: time.Now().UTC()}
	if m.Unreachable {
		res.Error = "mock gateway unreachable"
	}
	return res
}

// Sent returns a copy of every accepted message.
func (m *MockClient) Sent() []MockSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockSend(nil), m.sent...)
}

var _ Client = (*MockClient)(nil)
