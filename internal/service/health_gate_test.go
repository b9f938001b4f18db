package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

type stuckProber struct{ release chan struct{} }

func (p stuckProber) Probe(ctx context.Context) model.ProbeResult {
	<-p.release
	return model.ProbeResult{Reachable: true}
}

func TestHealthGate_TimeoutCountsAsUnreachable(t *testing.T) {
	p := stuckProber{release: make(chan struct{})}
	defer close(p.release)
	gate := service.NewHealthGate(p, 20*time.Millisecond, zerolog.Nop())

	res := gate.Check(context.Background())
	assert.False(t, res.Reachable)
	assert.Contains(t, res.Error, "timed out")
	assert.False(t, res.CheckedAt.IsZero())
}

func TestHealthGate_PassesProbeResult(t *testing.T) {
	gw := newFakeGateway()
	gate := service.NewHealthGate(gw, 0, zerolog.Nop())
	assert.True(t, gate.Check(context.Background()).Reachable)

	gw.probes = []bool{false}
	res := gate.Check(context.Background())
	assert.False(t, res.Reachable)
	assert.Equal(t, "connection refused", res.Error)
}

func TestRenderTemplate(t *testing.T) {
	got := service.RenderTemplate("Hi {first_name}, {tier} member {first_name}", map[string]string{
		"first_name": "Alice",
		"tier":       "",
	})
	assert.Equal(t, "Hi Alice, {tier} member Alice", got)

	msg := service.RenderMessage("{code} for {phone}", model.Recipient{Phone: "+1000", Fields: map[string]string{"code": "X1"}})
	assert.Equal(t, "X1 for +1000", msg)
}
