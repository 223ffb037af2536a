package supervise

import (
	"context"
	"time"

	"github.com/dkeye/Interpreter/internal/app"
	"github.com/dkeye/Interpreter/internal/domain"
	"github.com/dkeye/Interpreter/internal/metrics"
	"github.com/rs/zerolog/log"
)

type Source interface {
	ListActiveCalls() []app.CallSnapshot
	ListSessions() []app.SessionSnapshot
}

type Target interface {
	ReclaimCall(ctx context.Context, callID domain.CallID) error
	ReclaimOrphanCall(ctx context.Context, callID domain.CallID) error
	ReclaimSession(ctx context.Context, sid domain.SessionID) error
}

type ReclaimerConfig struct {
	Interval    time.Duration
	IdleTimeout time.Duration
	// OrphanTimeout of zero leaves unbound calls alone.
	OrphanTimeout time.Duration
}

// Reclaimer tears down calls whose client has been silent longer than
// IdleTimeout, plus unbound calls and sessions that outlived their welcome.
type Reclaimer struct {
	source  Source
	target  Target
	cfg     ReclaimerConfig
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewReclaimer(source Source, target Target, cfg ReclaimerConfig, m *metrics.Metrics) *Reclaimer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	return &Reclaimer{source: source, target: target, cfg: cfg, metrics: m, now: time.Now}
}

// WithClock replaces time.Now, for tests.
func (r *Reclaimer) WithClock(now func() time.Time) *Reclaimer {
	r.now = now
	return r
}

func (r *Reclaimer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	log.Info().Str("module", "supervise.reclaimer").Dur("interval", r.cfg.Interval).Dur("idle", r.cfg.IdleTimeout).Msg("reclaimer started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "supervise.reclaimer").Msg("reclaimer stopped")
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one pass and returns how many resources it reclaimed.
// One failing teardown never stops the rest of the pass.
func (r *Reclaimer) Sweep(ctx context.Context) int {
	now := r.now()
	reclaimed := 0

	for _, call := range r.source.ListActiveCalls() {
		switch {
		case call.SessionID != "":
			if now.Sub(call.LastActivity) <= r.cfg.IdleTimeout {
				continue
			}
			if err := r.target.ReclaimCall(ctx, call.ID); err != nil {
				log.Error().Err(err).Str("module", "supervise.reclaimer").Str("call_id", string(call.ID)).Msg("reclaim finished with errors")
			}
			if r.metrics != nil {
				r.metrics.IncCallsReclaimed()
			}
			reclaimed++
		case r.cfg.OrphanTimeout > 0 && now.Sub(call.UpdatedAt) > r.cfg.OrphanTimeout:
			if err := r.target.ReclaimOrphanCall(ctx, call.ID); err != nil {
				log.Error().Err(err).Str("module", "supervise.reclaimer").Str("call_id", string(call.ID)).Msg("orphan reclaim finished with errors")
			}
			if r.metrics != nil {
				r.metrics.IncCallsReclaimed()
			}
			reclaimed++
		}
	}

	for _, sess := range r.source.ListSessions() {
		if sess.CallID != "" || now.Sub(sess.LastActivity) <= r.cfg.IdleTimeout {
			continue
		}
		if err := r.target.ReclaimSession(ctx, sess.ID); err != nil {
			log.Warn().Err(err).Str("module", "supervise.reclaimer").Str("sid", string(sess.ID)).Msg("session reclaim skipped")
			continue
		}
		if r.metrics != nil {
			r.metrics.IncSessionsReclaimed()
		}
		reclaimed++
	}

	if reclaimed > 0 {
		log.Info().Str("module", "supervise.reclaimer").Int("reclaimed", reclaimed).Msg("sweep done")
	}
	return reclaimed
}
