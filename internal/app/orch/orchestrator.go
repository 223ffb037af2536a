package orch

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/dkeye/Interpreter/internal/app"
	"github.com/dkeye/Interpreter/internal/core"
	"github.com/dkeye/Interpreter/internal/domain"
	"github.com/dkeye/Interpreter/internal/metrics"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Segmenter        app.SegmenterConfig
	Invoker          app.InvokerConfig
	DefaultLanguages domain.Languages
	// Bot is added to every connected call when RawID is set.
	Bot         core.ParticipantRef
	CallbackURI string
	MediaURI    string
	// HangUpTimeout bounds call-automation requests issued from teardown paths.
	HangUpTimeout time.Duration
}

// Orchestrator is the call lifecycle bridge. It reacts to call-automation
// events and client traffic, drives invokers through the registry, and fans
// engine output out to every listener in a call's room.
type Orchestrator struct {
	Registry *app.SessionRegistry
	Engine   core.TranslationEngine
	Calls    core.CallAutomation
	Policy   app.Policy
	Metrics  *metrics.Metrics

	opts Options
	now  func() time.Time

	pipesMu sync.Mutex
	pipes   map[domain.CallID]*audioPipe
}

// audioPipe serialises push, tick and feed for one call so segments reach
// the invoker in sequence order.
type audioPipe struct {
	mu  sync.Mutex
	seg *app.Segmenter
}

func New(
	reg *app.SessionRegistry,
	engine core.TranslationEngine,
	calls core.CallAutomation,
	policy app.Policy,
	m *metrics.Metrics,
	opts Options,
) *Orchestrator {
	if policy == nil {
		policy = app.SimplePolicy{Action: app.DropFrame}
	}
	if m == nil {
		m = metrics.New()
	}
	if opts.HangUpTimeout <= 0 {
		opts.HangUpTimeout = 10 * time.Second
	}
	return &Orchestrator{
		Registry: reg,
		Engine:   engine,
		Calls:    calls,
		Policy:   policy,
		Metrics:  m,
		opts:     opts,
		now:      time.Now,
		pipes:    make(map[domain.CallID]*audioPipe),
	}
}

// Outbound messages sent to clients as JSON text frames.

type TranscriptMsg struct {
	Type   string        `json:"type"`
	CallID domain.CallID `json:"call_id"`
	Text   string        `json:"text"`
}

type CallEndedMsg struct {
	Type   string        `json:"type"`
	CallID domain.CallID `json:"call_id"`
	Reason string        `json:"reason"`
}

type SessionEndedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type ErrorMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Publish sends one JSON message to one session. Unknown sessions and full
// queues are logged and dropped.
func (o *Orchestrator) Publish(sid domain.SessionID, v any) {
	conn, ok := o.Registry.Connection(sid)
	if !ok {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("publish marshal")
		return
	}
	if err := conn.TrySend(core.Text(b)); err != nil {
		o.Metrics.IncFramesDropped()
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("publish dropped")
	}
}

// PublishDelta fans one engine delta out to every connection in the call's
// room. Sends happen outside the registry lock.
func (o *Orchestrator) PublishDelta(callID domain.CallID, ev core.EngineEvent) {
	var frame core.Frame
	switch ev.Kind {
	case core.TranscriptDelta:
		b, err := json.Marshal(TranscriptMsg{Type: "transcript", CallID: callID, Text: ev.Text})
		if err != nil {
			return
		}
		frame = core.Text(b)
	case core.TranslatedAudioDelta:
		frame = core.Binary(ev.Audio)
	default:
		return
	}

	snap, ok := o.Registry.Call(callID)
	if !ok {
		return
	}
	for _, c := range o.Registry.ConnectionsForCall(callID) {
		if err := c.Conn.TrySend(frame); err != nil {
			o.onBackPressure(snap.RoomID, c)
		}
	}
}

func (o *Orchestrator) onBackPressure(roomID domain.RoomID, c app.ConnSnap) {
	action := o.Policy.OnBackPressure(roomID, c.SID)
	switch action {
	case app.KickMember:
		log.Warn().Str("module", "orch").Str("sid", string(c.SID)).Msg("slow listener kicked")
		// Detaching may stop the invoker that is publishing right now.
		go func() {
			o.DetachClient(c.SID)
			c.Conn.Close()
		}()
	case app.MarkSlow, app.DropFrame, app.NoAction:
		o.Metrics.IncFramesDropped()
		log.Debug().Str("module", "orch").Str("sid", string(c.SID)).Str("action", action.String()).Msg("frame dropped")
	}
}

func (o *Orchestrator) pipe(callID domain.CallID) *audioPipe {
	o.pipesMu.Lock()
	defer o.pipesMu.Unlock()
	p, ok := o.pipes[callID]
	if !ok {
		p = &audioPipe{seg: app.NewSegmenter(callID, o.opts.Segmenter, app.WithSegmenterClock(o.clock))}
		o.pipes[callID] = p
	}
	return p
}

func (o *Orchestrator) clock() time.Time { return o.now() }

// dropPipe discards any partial buffer for the call.
func (o *Orchestrator) dropPipe(callID domain.CallID) {
	o.pipesMu.Lock()
	p, ok := o.pipes[callID]
	delete(o.pipes, callID)
	o.pipesMu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	n := p.seg.Discard()
	p.mu.Unlock()
	if n > 0 {
		o.Metrics.IncSegmentsDropped("teardown")
		log.Debug().Str("module", "orch").Str("call_id", string(callID)).Int("bytes", n).Msg("partial segment discarded")
	}
}

// TickSegmenters applies the time ceiling to calls whose audio went quiet.
func (o *Orchestrator) TickSegmenters() {
	o.pipesMu.Lock()
	ids := make([]domain.CallID, 0, len(o.pipes))
	for id := range o.pipes {
		ids = append(ids, id)
	}
	o.pipesMu.Unlock()

	for _, id := range ids {
		o.pipesMu.Lock()
		p, ok := o.pipes[id]
		o.pipesMu.Unlock()
		if !ok {
			continue
		}
		p.mu.Lock()
		o.feed(id, p.seg.Tick())
		p.mu.Unlock()
	}
}

// feed hands segments to the call's live invoker. Callers hold the pipe lock.
func (o *Orchestrator) feed(callID domain.CallID, segs []domain.Segment) {
	if len(segs) == 0 {
		return
	}
	inv := o.Registry.InvokerFor(callID)
	for _, s := range segs {
		o.Metrics.ObserveSegment(string(s.Reason), len(s.PCM))
		if inv == nil || !inv.Alive() {
			o.Metrics.IncSegmentsDropped("no_invoker")
			log.Debug().Str("module", "orch").Str("call_id", string(callID)).Uint64("seq", s.Seq).Msg("no live invoker, segment dropped")
			continue
		}
		if err := inv.Feed(s); err != nil {
			o.Metrics.IncSegmentsDropped("no_invoker")
		}
	}
}
