package orch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/dkeye/Interpreter/internal/app"
	"github.com/dkeye/Interpreter/internal/core"
	"github.com/dkeye/Interpreter/internal/core/mocks"
	"github.com/dkeye/Interpreter/internal/domain"
	"github.com/dkeye/Interpreter/internal/metrics"
	"go.uber.org/mock/gomock"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
	full   bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnectionClosed
	}
	if c.full {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Messages returns the "type" of every text frame received so far.
func (c *fakeConn) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.frames {
		if f.Kind != core.TextFrame {
			continue
		}
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(f.Data, &env)
		out = append(out, env.Type)
	}
	return out
}

func (c *fakeConn) Binary() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, f := range c.frames {
		if f.Kind == core.BinaryFrame {
			out = append(out, f.Data)
		}
	}
	return out
}

type fakeStream struct {
	mu     sync.Mutex
	langs  domain.Languages
	sent   []domain.Segment
	events chan core.EngineEvent
	closed bool
}

func (s *fakeStream) Send(_ context.Context, seg domain.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, seg)
	return nil
}

func (s *fakeStream) Events() <-chan core.EngineEvent { return s.events }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeStream) Sent() []domain.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Segment(nil), s.sent...)
}

type fakeEngine struct {
	mu      sync.Mutex
	streams []*fakeStream
	openErr error
}

func (e *fakeEngine) OpenStream(_ context.Context, _ domain.CallID, langs domain.Languages) (core.EngineStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openErr != nil {
		return nil, e.openErr
	}
	s := &fakeStream{langs: langs, events: make(chan core.EngineEvent, 16)}
	e.streams = append(e.streams, s)
	return s, nil
}

func (e *fakeEngine) Opened() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streams)
}

func (e *fakeEngine) Stream(i int) *fakeStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streams[i]
}

func (e *fakeEngine) SetOpenErr(err error) {
	e.mu.Lock()
	e.openErr = err
	e.mu.Unlock()
}

type harness struct {
	orch   *Orchestrator
	reg    *app.SessionRegistry
	engine *fakeEngine
	calls  *mocks.MockCallAutomation
}

func newHarness(t *testing.T, opts ...func(*Options)) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	calls := mocks.NewMockCallAutomation(ctrl)
	reg := app.NewSessionRegistry()
	engine := &fakeEngine{}

	seg := app.DefaultSegmenterConfig()
	seg.MaxBytes = 3200
	o := Options{
		Segmenter:        seg,
		Invoker:          app.DefaultInvokerConfig(),
		DefaultLanguages: domain.Languages{Source: "en", Target: "zh"},
	}
	for _, fn := range opts {
		fn(&o)
	}
	return &harness{
		orch:   New(reg, engine, calls, app.SimplePolicy{Action: app.DropFrame}, metrics.New(), o),
		reg:    reg,
		engine: engine,
		calls:  calls,
	}
}

// connectedCall drives a call through incoming, answered and connected.
func (h *harness) connectedCall(t *testing.T, room domain.RoomID, connID domain.CallID) {
	t.Helper()
	h.calls.EXPECT().AnswerCall(gomock.Any(), gomock.Any()).Return(connID, nil)
	got, err := h.orch.OnIncomingCall(context.Background(), IncomingCall{RoomID: room})
	if err != nil || got != connID {
		t.Fatalf("OnIncomingCall = %q, %v", got, err)
	}
	if err := h.orch.OnCallConnected(context.Background(), connID); err != nil {
		t.Fatalf("OnCallConnected: %v", err)
	}
}
