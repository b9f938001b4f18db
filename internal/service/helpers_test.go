package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/gateway"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

// fakeGateway is a scripted gateway. Probe results are taken from probes
// in order; the last one repeats.
type fakeGateway struct {
	mu      sync.Mutex
	probes  []bool
	probed  int
	reject  map[string]string
	fail    map[string]error
	sent    []string
	nextID  int
	onSend  func(phone string)
	failAll bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{probes: []bool{true}, reject: map[string]string{}, fail: map[string]error{}}
}

func (g *fakeGateway) Send(ctx context.Context, phone, message string) (*gateway.SendResult, error) {
	g.mu.Lock()
	g.sent = append(g.sent, phone)
	reason, rejected := g.reject[phone]
	failErr, failed := g.fail[phone]
	failAll := g.failAll
	var id string
	if !rejected && !failed && !failAll {
		g.nextID++
		id = fmt.Sprintf("M%d", g.nextID)
	}
	onSend := g.onSend
	g.mu.Unlock()

	if onSend != nil {
		onSend(phone)
	}
	switch {
	case rejected:
		return nil, &appErrors.GatewayError{Code: "rejected", StatusCode: 400, Message: reason, Response: map[string]any{"detail": reason}}
	case failed:
		return nil, failErr
	case failAll:
		return nil, errors.New("connection refused")
	}
	return &gateway.SendResult{ProviderMessageID: id, StatusCode: 202, Response: model.Payload{"id": id}}, nil
}

func (g *fakeGateway) Probe(ctx context.Context) model.ProbeResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.probed
	if i >= len(g.probes) {
		i = len(g.probes) - 1
	}
	g.probed++
	if g.probes[i] {
		return model.ProbeResult{Reachable: true, Latency: time.Millisecond}
	}
	return model.ProbeResult{Error: "connection refused"}
}

func (g *fakeGateway) Sent() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.sent...)
}

func (g *fakeGateway) Probed() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.probed
}

type fixture struct {
	gw         *fakeGateway
	logs       *repository.MemoryDeliveryLogRepository
	campaigns  *repository.MemoryCampaignRepository
	dispatcher *service.Dispatcher
}

func newFixture() *fixture {
	f := &fixture{
		gw:        newFakeGateway(),
		logs:      repository.NewMemoryDeliveryLogRepository(),
		campaigns: repository.NewMemoryCampaignRepository(),
	}
	log := zerolog.Nop()
	gate := service.NewHealthGate(f.gw, time.Second, log)
	f.dispatcher = service.NewDispatcher(f.gw, f.logs, gate, log, service.WithCampaignFinisher(f.campaigns))
	return f
}

func phones(list ...string) []model.Recipient {
	out := make([]model.Recipient, len(list))
	for i, p := range list {
		out[i] = model.Recipient{Phone: p}
	}
	return out
}

func newCampaign(id string, recipients []model.Recipient) *model.Campaign {
	return &model.Campaign{
		ID:           id,
		WorkspaceID:  "ws-1",
		Name:         "test",
		BaseTemplate: "Hello {first_name}",
		Recipients:   recipients,
	}
}

// recordingQueue captures published jobs without delivering them.
type recordingQueue struct {
	mu        sync.Mutex
	published map[string][][]byte
	err       error
}

func newRecordingQueue() *recordingQueue {
	return &recordingQueue{published: map[string][][]byte{}}
}

func (q *recordingQueue) Publish(topic string, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.published[topic] = append(q.published[topic], body)
	return nil
}

func (q *recordingQueue) Subscribe(topic string, handler queue.Handler) error { return nil }
func (q *recordingQueue) Close() error                                      { return nil }

func (q *recordingQueue) Jobs(topic string) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([][]byte(nil), q.published[topic]...)
}
