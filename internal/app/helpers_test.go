package app

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Interpreter/internal/core"
	"github.com/dkeye/Interpreter/internal/domain"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnectionClosed
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

type fakeHandle struct {
	alive   atomic.Bool
	stopped atomic.Int32
}

func newFakeHandle() *fakeHandle {
	h := &fakeHandle{}
	h.alive.Store(true)
	return h
}

func (h *fakeHandle) Alive() bool               { return h.alive.Load() }
func (h *fakeHandle) Feed(domain.Segment) error { return nil }
func (h *fakeHandle) Stop() {
	h.stopped.Add(1)
	h.alive.Store(false)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
