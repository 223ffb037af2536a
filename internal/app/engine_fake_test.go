package app

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Interpreter/internal/core"
	"github.com/dkeye/Interpreter/internal/domain"
)

type fakeStream struct {
	mu       sync.Mutex
	sent     []domain.Segment
	events   chan core.EngineEvent
	block    chan struct{}
	sendErr  error
	closed   bool
	closeErr error
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan core.EngineEvent, 16)}
}

func (s *fakeStream) Send(ctx context.Context, seg domain.Segment) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, seg)
	return nil
}

func (s *fakeStream) Events() <-chan core.EngineEvent { return s.events }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.closeErr
}

func (s *fakeStream) Sent() []domain.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Segment(nil), s.sent...)
}

func (s *fakeStream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeEngine struct {
	mu      sync.Mutex
	streams []*fakeStream
	openErr error
	prepare func(*fakeStream)
	// When set, OpenStream signals opening and then waits for release,
	// ignoring ctx, like a dial that completes after cancellation.
	opening chan struct{}
	release chan struct{}
}

func (e *fakeEngine) OpenStream(ctx context.Context, _ domain.CallID, _ domain.Languages) (core.EngineStream, error) {
	if e.release != nil {
		close(e.opening)
		<-e.release
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openErr != nil {
		return nil, e.openErr
	}
	s := newFakeStream()
	if e.prepare != nil {
		e.prepare(s)
	}
	e.streams = append(e.streams, s)
	return s, nil
}

func (e *fakeEngine) Opened() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streams)
}

func (e *fakeEngine) Last() *fakeStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.streams) == 0 {
		return nil
	}
	return e.streams[len(e.streams)-1]
}

var errEngineDown = errors.New("engine down")

type recordingPublisher struct {
	mu     sync.Mutex
	events []core.EngineEvent
}

func (p *recordingPublisher) PublishDelta(_ domain.CallID, ev core.EngineEvent) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) Events() []core.EngineEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.EngineEvent(nil), p.events...)
}
