// Package monitor polls the generation server for the dashboard: which
// pipeline is loaded and how busy the machine is.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/richinsley/maskstudio/alerts"
	"github.com/richinsley/maskstudio/backend"
	"github.com/richinsley/maskstudio/config"
)

// Source is the part of backend.Client the poller needs.
type Source interface {
	PipelineState(ctx context.Context) (*backend.PipelineState, error)
	Stats(ctx context.Context) (*backend.Stats, error)
}

// Poller runs the two polling loops. The On* callbacks are optional and are
// called from the loop goroutines.
type Poller struct {
	source           Source
	alerts           *alerts.List
	pipelineInterval time.Duration
	statsInterval    time.Duration

	OnPipeline func(*backend.PipelineState)
	OnStats    func(*backend.Stats)

	mu       sync.RWMutex
	pipeline *backend.PipelineState
	stats    *backend.Stats
	// consecutive failures per loop; only the first of a run is alerted
	failing map[string]bool
}

// NewPoller builds a poller with the intervals from cfg. A nil alert list
// only logs failures.
func NewPoller(source Source, cfg config.Monitor, list *alerts.List) *Poller {
	p := &Poller{
		source:           source,
		alerts:           list,
		pipelineInterval: cfg.PipelineInterval.Duration,
		statsInterval:    cfg.StatsInterval.Duration,
		failing:          make(map[string]bool),
	}
	if p.pipelineInterval <= 0 {
		p.pipelineInterval = 5 * time.Second
	}
	if p.statsInterval <= 0 {
		p.statsInterval = 2 * time.Second
	}
	return p
}

// Run polls immediately and then on every tick until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop(ctx, p.pipelineInterval, p.PollPipeline)
	})
	g.Go(func() error {
		return loop(ctx, p.statsInterval, p.PollStats)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func loop(ctx context.Context, interval time.Duration, poll func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		poll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollPipeline fetches the pipeline state once.
func (p *Poller) PollPipeline(ctx context.Context) {
	st, err := p.source.PipelineState(ctx)
	if !p.check(ctx, "pipeline", err) {
		return
	}
	p.mu.Lock()
	p.pipeline = st
	p.mu.Unlock()
	if p.OnPipeline != nil {
		p.OnPipeline(st)
	}
}

// PollStats fetches the system stats once.
func (p *Poller) PollStats(ctx context.Context) {
	st, err := p.source.Stats(ctx)
	if !p.check(ctx, "stats", err) {
		return
	}
	p.mu.Lock()
	p.stats = st
	p.mu.Unlock()
	if p.OnStats != nil {
		p.OnStats(st)
	}
}

// check reports a failed poll as a warning and returns whether the result
// can be used.
func (p *Poller) check(ctx context.Context, what string, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		if p.failing[what] {
			slog.Info("Polling recovered", "poll", what)
		}
		p.failing[what] = false
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	if !p.failing[what] {
		slog.Warn("Polling failed", "poll", what, "error", err)
		if p.alerts != nil {
			p.alerts.Warnf("failed to fetch %s: %v", what, err)
		}
	}
	p.failing[what] = true
	return false
}

// Pipeline returns the last pipeline state, or nil before the first
// successful poll.
func (p *Poller) Pipeline() *backend.PipelineState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pipeline
}

// Stats returns the last system stats, or nil before the first successful
// poll.
func (p *Poller) Stats() *backend.Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}
