package connectivity

import (
	"context"
	"log/slog"
	"time"

	"github.com/alexjbarnes/list-sync/internal/clock"
)

const (
	defaultProbeInterval = 15 * time.Second

	// probeTimeout bounds a single probe.
	probeTimeout = 5 * time.Second

	// suspendFactor is how many intervals may elapse between ticks before
	// the gap is treated as a host suspend.
	suspendFactor = 3
)

// Pinger checks server reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober feeds a Monitor from periodic reachability probes.
type Prober struct {
	pinger   Pinger
	monitor  *Monitor
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger

	lastTick time.Time
}

// NewProber creates a Prober. A non-positive interval uses the default.
func NewProber(p Pinger, m *Monitor, c clock.Clock, interval time.Duration, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = defaultProbeInterval
	}

	return &Prober{
		pinger:   p,
		monitor:  m,
		clock:    c,
		interval: interval,
		logger:   logger.With(slog.String("component", "prober")),
	}
}

// Run probes immediately and then on every interval until ctx is done.
// Ticks are scheduled on the prober's clock, one at a time, so a slow
// probe delays the next tick rather than stacking them.
func (p *Prober) Run(ctx context.Context) error {
	p.lastTick = p.clock.Now()
	p.probe(ctx)

	ticks := make(chan struct{}, 1)
	arm := func() clock.Timer {
		return p.clock.AfterFunc(p.interval, func() {
			select {
			case ticks <- struct{}{}:
			default:
			}
		})
	}

	timer := arm()
	defer func() { timer.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticks:
			p.tick(ctx)
			timer = arm()
		}
	}
}

func (p *Prober) tick(ctx context.Context) {
	now := p.clock.Now()
	gap := now.Sub(p.lastTick)
	p.lastTick = now

	p.probe(ctx)

	if gap > suspendFactor*p.interval {
		p.logger.Info("resumed after suspend", slog.Duration("gap", gap))
		p.monitor.Wake()
	}
}

func (p *Prober) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := p.pinger.Ping(pctx)
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		if p.monitor.SetOnline(false) {
			p.logger.Warn("server unreachable", slog.String("error", err.Error()))
		}

		return
	}

	if p.monitor.SetOnline(true) {
		p.logger.Info("server reachable")
	}
}
