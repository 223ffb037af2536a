// Package supervise runs the periodic loops that keep invokers healthy and
// reclaim idle resources. Both loops only read registry snapshots and act
// through the orchestrator.
package supervise

import (
	"context"
	"time"

	"github.com/dkeye/Interpreter/internal/app"
	"github.com/dkeye/Interpreter/internal/domain"
	"github.com/dkeye/Interpreter/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

type CallLister interface {
	ListActiveCalls() []app.CallSnapshot
}

type InvokerStarter interface {
	StartInvoker(ctx context.Context, callID domain.CallID) error
	TickSegmenters()
}

type SupervisorConfig struct {
	Interval    time.Duration
	MaxParallel int
}

// Supervisor restarts missing or crashed invokers for connected calls that
// have a listener. Failed restarts are retried on the next tick, forever.
type Supervisor struct {
	calls   CallLister
	starter InvokerStarter
	cfg     SupervisorConfig
	metrics *metrics.Metrics
}

func NewSupervisor(calls CallLister, starter InvokerStarter, cfg SupervisorConfig, m *metrics.Metrics) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 8
	}
	return &Supervisor{calls: calls, starter: starter, cfg: cfg, metrics: m}
}

func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	log.Info().Str("module", "supervise.invokers").Dur("interval", s.cfg.Interval).Msg("supervisor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "supervise.invokers").Msg("supervisor stopped")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one tick and returns the number of restart attempts.
func (s *Supervisor) Sweep(ctx context.Context) int {
	s.starter.TickSegmenters()

	p := pool.New().WithMaxGoroutines(s.cfg.MaxParallel)
	attempts := 0
	for _, call := range s.calls.ListActiveCalls() {
		if !needsInvoker(call) {
			continue
		}
		attempts++
		id := call.ID
		crashed := call.HasInvoker
		p.Go(func() {
			if s.metrics != nil {
				s.metrics.IncInvokerRestarts()
			}
			if err := s.starter.StartInvoker(ctx, id); err != nil {
				log.Warn().Err(err).Str("module", "supervise.invokers").Str("call_id", string(id)).Msg("invoker restart failed")
				return
			}
			log.Info().Str("module", "supervise.invokers").Str("call_id", string(id)).Bool("after_crash", crashed).Msg("invoker restarted")
		})
	}
	p.Wait()
	return attempts
}

func needsInvoker(c app.CallSnapshot) bool {
	if c.State != domain.CallConnected || c.SessionID == "" {
		return false
	}
	return !c.HasInvoker || !c.InvokerAlive
}
