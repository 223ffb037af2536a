package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Interpreter/internal/core"
	"github.com/dkeye/Interpreter/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
)

type InvokerState int32

const (
	InvokerCreated InvokerState = iota
	InvokerStarting
	InvokerStreaming
	InvokerStopped
	InvokerCrashed
)

func (s InvokerState) String() string {
	switch s {
	case InvokerCreated:
		return "created"
	case InvokerStarting:
		return "starting"
	case InvokerStreaming:
		return "streaming"
	case InvokerStopped:
		return "stopped"
	case InvokerCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// DeltaPublisher receives engine output for fan-out to the call's listeners.
type DeltaPublisher interface {
	PublishDelta(callID domain.CallID, ev core.EngineEvent)
}

type InvokerConfig struct {
	QueueSize int
	StopGrace time.Duration
}

func DefaultInvokerConfig() InvokerConfig {
	return InvokerConfig{QueueSize: 16, StopGrace: 2 * time.Second}
}

// InvokerHooks report events that never surface as errors to the feeder.
type InvokerHooks struct {
	OnDropped func(seg domain.Segment)
	OnCrash   func(err error)
}

// Invoker owns one engine stream for one call. Segments are sent in FIFO
// order by a single goroutine; deltas are published in arrival order by
// another. An invoker never restarts itself.
type Invoker struct {
	callID domain.CallID
	langs  domain.Languages
	engine core.TranslationEngine
	pub    DeltaPublisher
	cfg    InvokerConfig
	hooks  InvokerHooks
	logger zerolog.Logger

	state atomic.Int32

	qmu    sync.Mutex
	queue  []domain.Segment
	notify chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	smu          sync.Mutex
	stream       core.EngineStream
	streamClosed bool

	loops    sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

func NewInvoker(
	callID domain.CallID,
	langs domain.Languages,
	engine core.TranslationEngine,
	pub DeltaPublisher,
	cfg InvokerConfig,
	hooks InvokerHooks,
) *Invoker {
	def := DefaultInvokerConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = def.StopGrace
	}
	inv := &Invoker{
		callID: callID,
		langs:  langs,
		engine: engine,
		pub:    pub,
		cfg:    cfg,
		hooks:  hooks,
		logger: log.With().Str("module", "app.invoker").Str("call_id", string(callID)).Logger(),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	inv.ctx, inv.cancel = context.WithCancel(context.Background())
	return inv
}

func (i *Invoker) State() InvokerState { return InvokerState(i.state.Load()) }

func (i *Invoker) Alive() bool {
	switch i.State() {
	case InvokerCreated, InvokerStarting, InvokerStreaming:
		return true
	default:
		return false
	}
}

func (i *Invoker) CallID() domain.CallID       { return i.callID }
func (i *Invoker) Languages() domain.Languages { return i.langs }

// Start opens the engine stream and launches the send and receive loops.
// A failed open leaves the invoker Crashed; callers decide about retries.
func (i *Invoker) Start(ctx context.Context) error {
	if !i.state.CompareAndSwap(int32(InvokerCreated), int32(InvokerStarting)) {
		return fmt.Errorf("start in state %s: %w", i.State(), domain.ErrInvokerStopped)
	}

	openCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(i.ctx, cancel)
	defer stop()

	stream, err := i.engine.OpenStream(openCtx, i.callID, i.langs)
	if err != nil {
		i.state.CompareAndSwap(int32(InvokerStarting), int32(InvokerCrashed))
		i.cancel()
		close(i.done)
		i.logger.Warn().Err(err).Msg("engine stream open failed")
		return fmt.Errorf("open stream for %s: %w: %w", i.callID, domain.ErrEngineUnavailable, err)
	}

	i.smu.Lock()
	i.stream = stream
	i.smu.Unlock()
	if !i.state.CompareAndSwap(int32(InvokerStarting), int32(InvokerStreaming)) {
		i.shutdownStream()
		close(i.done)
		return fmt.Errorf("stopped while starting: %w", domain.ErrInvokerStopped)
	}

	i.loops.Add(2)
	go i.run(func() { i.sendLoop(stream) })
	go i.run(func() { i.recvLoop(stream) })
	go func() {
		i.loops.Wait()
		close(i.done)
	}()
	i.logger.Info().Str("source", i.langs.Source).Str("target", i.langs.Target).Msg("invoker streaming")
	return nil
}

func (i *Invoker) run(loop func()) {
	defer i.loops.Done()
	var pc panics.Catcher
	pc.Try(loop)
	if r := pc.Recovered(); r != nil {
		i.crash(r.AsError())
	}
}

// Feed queues a segment without blocking. When the queue is full the oldest
// unsent segment is dropped and reported through OnDropped.
func (i *Invoker) Feed(seg domain.Segment) error {
	if !i.Alive() {
		return domain.ErrInvokerStopped
	}
	var (
		dropped domain.Segment
		didDrop bool
	)
	i.qmu.Lock()
	if len(i.queue) >= i.cfg.QueueSize {
		dropped, didDrop = i.queue[0], true
		i.queue = i.queue[1:]
	}
	i.queue = append(i.queue, seg)
	i.qmu.Unlock()

	select {
	case i.notify <- struct{}{}:
	default:
	}

	if didDrop {
		i.logger.Warn().Uint64("seq", dropped.Seq).Err(domain.ErrSegmentDropped).Msg("queue full, dropped oldest segment")
		if i.hooks.OnDropped != nil {
			i.hooks.OnDropped(dropped)
		}
	}
	return nil
}

// Pending reports how many segments wait to be sent.
func (i *Invoker) Pending() int {
	i.qmu.Lock()
	defer i.qmu.Unlock()
	return len(i.queue)
}

func (i *Invoker) dequeue() (domain.Segment, bool) {
	i.qmu.Lock()
	defer i.qmu.Unlock()
	if len(i.queue) == 0 {
		return domain.Segment{}, false
	}
	seg := i.queue[0]
	i.queue[0] = domain.Segment{}
	i.queue = i.queue[1:]
	return seg, true
}

func (i *Invoker) sendLoop(stream core.EngineStream) {
	for {
		seg, ok := i.dequeue()
		if !ok {
			select {
			case <-i.ctx.Done():
				return
			case <-i.notify:
				continue
			}
		}
		if err := stream.Send(i.ctx, seg); err != nil {
			if i.ctx.Err() != nil {
				return
			}
			i.crash(fmt.Errorf("send segment %d: %w", seg.Seq, err))
			return
		}
	}
}

func (i *Invoker) recvLoop(stream core.EngineStream) {
	events := stream.Events()
	for {
		select {
		case <-i.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				i.crash(errors.New("event stream ended"))
				return
			}
			if ev.Kind == core.StreamClosed {
				i.crash(fmt.Errorf("stream closed: %s", ev.Reason))
				return
			}
			if i.pub != nil {
				i.pub.PublishDelta(i.callID, ev)
			}
		}
	}
}

// crash marks an unexpected end. It loses any race with Stop.
func (i *Invoker) crash(cause error) {
	if !i.state.CompareAndSwap(int32(InvokerStreaming), int32(InvokerCrashed)) {
		return
	}
	i.cancel()
	i.shutdownStream()
	err := fmt.Errorf("%w: %w", domain.ErrEngineStreamCrashed, cause)
	i.logger.Error().Err(err).Msg("invoker crashed")
	if i.hooks.OnCrash != nil {
		i.hooks.OnCrash(err)
	}
}

// shutdownStream closes the stream once. Before the stream exists it is a
// no-op, so a later call still closes a stream that opens late.
func (i *Invoker) shutdownStream() {
	i.smu.Lock()
	stream := i.stream
	if stream == nil || i.streamClosed {
		i.smu.Unlock()
		return
	}
	i.streamClosed = true
	i.smu.Unlock()
	if err := stream.Close(); err != nil {
		i.logger.Debug().Err(err).Msg("engine stream close")
	}
}

// Stop ends the invoker. Alive reports false before Stop returns; the loops
// get at most StopGrace to wind down. Safe to call more than once.
func (i *Invoker) Stop() {
	i.stopOnce.Do(func() {
		for {
			cur := i.state.Load()
			if InvokerState(cur) == InvokerCrashed || InvokerState(cur) == InvokerStopped {
				break
			}
			if i.state.CompareAndSwap(cur, int32(InvokerStopped)) {
				if InvokerState(cur) == InvokerCreated {
					close(i.done)
				}
				break
			}
		}
		i.cancel()
		i.shutdownStream()

		select {
		case <-i.done:
		case <-time.After(i.cfg.StopGrace):
			i.logger.Warn().Dur("grace", i.cfg.StopGrace).Msg("invoker loops did not finish in time")
		}
		i.logger.Info().Str("state", i.State().String()).Msg("invoker stopped")
	})
}
