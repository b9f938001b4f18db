package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// DefaultProbeTimeout bounds a single gateway health probe.
const DefaultProbeTimeout = 8 * time.Second

// Prober is the part of the gateway client the health gate needs.
type Prober interface {
	Probe(ctx context.Context) model.ProbeResult
}

// HealthGate decides go/no-go for a batch from a single probe. It does not
// retry.
type HealthGate struct {
	prober  Prober
	timeout time.Duration
	log     zerolog.Logger
}

func NewHealthGate(prober Prober, timeout time.Duration, log zerolog.Logger) *HealthGate {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &HealthGate{
		prober:  prober,
		timeout: timeout,
		log:     log.With().Str("component", "health_gate").Logger(),
	}
}

// Check probes the gateway under the gate's timeout. A probe that outlives
// the timeout counts as unreachable even if the prober ignores ctx.
func (g *HealthGate) Check(ctx context.Context) model.ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan model.ProbeResult, 1)
	go func() { done <- g.prober.Probe(ctx) }()

	var res model.ProbeResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = model.ProbeResult{
			Latency:   time.Since(start),
			Error:     "probe timed out: " + ctx.Err().Error(),
			CheckedAt: start.UTC(),
		}
	}
	if res.CheckedAt.IsZero() {
		res.CheckedAt = start.UTC()
	}

	if res.Reachable {
		g.log.Debug().Dur("latency", res.Latency).Msg("gateway reachable")
	} else {
		g.log.Warn().Str("reason", res.Error).Dur("latency", res.Latency).Msg("gateway unreachable")
	}
	return res
}
