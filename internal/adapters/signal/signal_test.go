package signal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Interpreter/internal/app"
	"github.com/dkeye/Interpreter/internal/app/orch"
	"github.com/dkeye/Interpreter/internal/core"
	"github.com/dkeye/Interpreter/internal/core/mocks"
	"github.com/dkeye/Interpreter/internal/domain"
	"github.com/dkeye/Interpreter/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const waitFor = 2 * time.Second

type fakeStream struct {
	mu     sync.Mutex
	sent   []domain.Segment
	events chan core.EngineEvent
	once   sync.Once
}

func (s *fakeStream) Send(_ context.Context, seg domain.Segment) error {
	s.mu.Lock()
	s.sent = append(s.sent, seg)
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Events() <-chan core.EngineEvent { return s.events }

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

func (s *fakeStream) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fakeEngine struct {
	mu      sync.Mutex
	streams []*fakeStream
}

func (e *fakeEngine) OpenStream(context.Context, domain.CallID, domain.Languages) (core.EngineStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &fakeStream{events: make(chan core.EngineEvent, 8)}
	e.streams = append(e.streams, s)
	return s, nil
}

func (e *fakeEngine) sent() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, s := range e.streams {
		n += s.Sent()
	}
	return n
}

type fakeMedia struct {
	mu      sync.Mutex
	onAudio func([]byte)
	onICE   func(webrtc.ICECandidateInit)
	offer   string
	cands   []string
	closed  bool
}

func (m *fakeMedia) Start(context.Context) error { return nil }
func (m *fakeMedia) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}
func (m *fakeMedia) AddICECandidate(c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	m.cands = append(m.cands, c.Candidate)
	m.mu.Unlock()
	return nil
}
func (m *fakeMedia) ApplyOfferAndCreateAnswer(o webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	m.mu.Lock()
	m.offer = o.SDP
	ice := m.onICE
	m.mu.Unlock()
	if ice != nil {
		ice(webrtc.ICECandidateInit{Candidate: "candidate:1"})
	}
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}
func (m *fakeMedia) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	m.mu.Lock()
	m.onICE = fn
	m.mu.Unlock()
}
func (m *fakeMedia) OnAudio(fn func([]byte)) {
	m.mu.Lock()
	m.onAudio = fn
	m.mu.Unlock()
}
func (m *fakeMedia) OnClosed(func()) {}

func (m *fakeMedia) feed(pcm []byte) {
	m.mu.Lock()
	fn := m.onAudio
	m.mu.Unlock()
	fn(pcm)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type env struct {
	clock  *testClock
	srv    *httptest.Server
	orch   *orch.Orchestrator
	reg    *app.SessionRegistry
	engine *fakeEngine
	calls  *mocks.MockCallAutomation
	media  *fakeMedia
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctrl := gomock.NewController(t)
	clk := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	e := &env{
		clock:  clk,
		reg:    app.NewSessionRegistry(app.WithClock(clk.Now)),
		engine: &fakeEngine{},
		calls:  mocks.NewMockCallAutomation(ctrl),
		media:  &fakeMedia{},
	}
	seg := app.DefaultSegmenterConfig()
	seg.MaxBytes = 4
	e.orch = orch.New(e.reg, e.engine, e.calls, app.SimplePolicy{Action: app.DropFrame}, metrics.New(), orch.Options{
		Segmenter:        seg,
		Invoker:          app.DefaultInvokerConfig(),
		DefaultLanguages: domain.Languages{Source: "en", Target: "zh"},
	})
	opts = append([]Option{WithMediaFactory(func(domain.SessionID) (core.MediaConnection, error) {
		return e.media, nil
	})}, opts...)
	ctl := NewClientWSController(e.orch, opts...)

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set("client_token", c.GetHeader("X-Sid"))
		ctl.HandleClient(context.Background(), c)
	})
	e.srv = httptest.NewServer(r)
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) connectedCall(t *testing.T, room domain.RoomID, id domain.CallID) {
	t.Helper()
	e.calls.EXPECT().AnswerCall(gomock.Any(), gomock.Any()).Return(id, nil)
	_, err := e.orch.OnIncomingCall(context.Background(), orch.IncomingCall{RoomID: room})
	require.NoError(t, err)
	require.NoError(t, e.orch.OnCallConnected(context.Background(), id))
}

func (e *env) dial(t *testing.T, sid, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?" + query
	ws, resp, err := websocket.DefaultDialer.Dial(u, http.Header{"X-Sid": []string{sid}})
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitFor)))
	kind, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

// readType skips frames until one of the given type arrives.
func readType(t *testing.T, ws *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		if m := readJSON(t, ws); m["type"] == typ {
			return m
		}
	}
	t.Fatalf("no %q frame", typ)
	return nil
}

func TestPingAndWhoAmI(t *testing.T) {
	e := newEnv(t)
	ws := e.dial(t, "s1", "room=room-1&source=EN&target=de")

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readJSON(t, ws)["type"])

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "whoami"}))
	m := readJSON(t, ws)
	assert.Equal(t, "whoami", m["type"])
	assert.Equal(t, "s1", m["sid"])
	assert.Equal(t, "room-1", m["room"])
	assert.Equal(t, "en", m["source"])
	assert.Equal(t, "de", m["target"])
}

func TestEveryTextFrameRecordsActivity(t *testing.T) {
	e := newEnv(t)
	ws := e.dial(t, "s1", "room=room-1")
	lastActivity := func() time.Time {
		s, _ := e.reg.Session("s1")
		return s.LastActivity
	}
	require.Eventually(t, func() bool { _, ok := e.reg.Session("s1"); return ok }, waitFor, 5*time.Millisecond)

	e.clock.Advance(time.Minute)
	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))
	readType(t, ws, "pong")
	assert.Equal(t, e.clock.Now(), lastActivity())

	e.clock.Advance(time.Minute)
	require.NoError(t, ws.WriteJSON(map[string]string{"kind": "DtmfData"}))
	require.Eventually(t, func() bool { return lastActivity().Equal(e.clock.Now()) }, waitFor, 5*time.Millisecond)
}

func TestUnknownControlFrame(t *testing.T) {
	e := newEnv(t)
	ws := e.dial(t, "s1", "room=room-1")

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "dance"}))
	m := readJSON(t, ws)
	assert.Equal(t, "error", m["type"])
	assert.Equal(t, "unknown_type", m["error"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{nope")))
	assert.Equal(t, "bad_payload", readJSON(t, ws)["error"])
}

func TestBinaryAudioReachesEngine(t *testing.T) {
	e := newEnv(t)
	e.connectedCall(t, "room-1", "conn-1")
	ws := e.dial(t, "s1", "room=room-1")

	require.Eventually(t, func() bool {
		c, _ := e.reg.Call("conn-1")
		return c.InvokerAlive
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}))
	require.Eventually(t, func() bool { return e.engine.sent() == 1 }, waitFor, 10*time.Millisecond)
}

func TestMediaStreamingFormat(t *testing.T) {
	e := newEnv(t)
	e.connectedCall(t, "room-1", "conn-1")
	ws := e.dial(t, "acs-1", "call=conn-1&format=acs")

	require.Eventually(t, func() bool {
		c, _ := e.reg.Call("conn-1")
		return c.SessionID == "acs-1" && c.InvokerAlive
	}, waitFor, 10*time.Millisecond)

	in := map[string]any{
		"kind":      "AudioData",
		"audioData": map[string]any{"data": base64.StdEncoding.EncodeToString([]byte{5, 6, 7, 8})},
	}
	require.NoError(t, ws.WriteJSON(in))
	require.NoError(t, ws.WriteJSON(map[string]any{"kind": "AudioMetadata"}))
	require.Eventually(t, func() bool { return e.engine.sent() == 1 }, waitFor, 10*time.Millisecond)

	e.orch.PublishDelta("conn-1", core.EngineEvent{Kind: core.TranslatedAudioDelta, Audio: []byte{9, 9}})
	m := readJSON(t, ws)
	assert.Equal(t, "AudioData", m["Kind"])
	data := m["AudioData"].(map[string]any)["data"]
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{9, 9}), data)
}

func TestLeaveDetaches(t *testing.T) {
	e := newEnv(t)
	ws := e.dial(t, "s1", "room=room-1")
	require.Eventually(t, func() bool {
		_, ok := e.reg.Session("s1")
		return ok
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "leave"}))
	assert.Equal(t, "left", readJSON(t, ws)["type"])

	require.Eventually(t, func() bool {
		_, ok := e.reg.Session("s1")
		return !ok
	}, waitFor, 10*time.Millisecond)

	_ = ws.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestDuplicateSessionRejected(t *testing.T) {
	e := newEnv(t)
	e.dial(t, "s1", "room=room-1")
	require.Eventually(t, func() bool {
		_, ok := e.reg.Session("s1")
		return ok
	}, waitFor, 10*time.Millisecond)

	second := e.dial(t, "s1", "room=room-1")
	m := readJSON(t, second)
	assert.Equal(t, "error", m["type"])
	assert.Equal(t, "duplicate_session", m["error"])
}

func TestMissingRoomIsBadRequest(t *testing.T) {
	e := newEnv(t)
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(u, http.Header{"X-Sid": []string{"s1"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOfferNegotiatesMedia(t *testing.T) {
	e := newEnv(t)
	e.connectedCall(t, "room-1", "conn-1")
	ws := e.dial(t, "s1", "room=room-1")

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "offer", "sdp": "offer-sdp"}))
	cand := readType(t, ws, "candidate")
	assert.Equal(t, "candidate:1", cand["candidate"])
	answer := readType(t, ws, "answer")
	assert.Equal(t, "answer-sdp", answer["sdp"])

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "candidate", "candidate": "candidate:2", "sdpMid": "0", "sdpMLineIndex": 0}))
	require.Eventually(t, func() bool {
		e.media.mu.Lock()
		defer e.media.mu.Unlock()
		return len(e.media.cands) == 1 && e.media.cands[0] == "candidate:2"
	}, waitFor, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		c, _ := e.reg.Call("conn-1")
		return c.InvokerAlive
	}, waitFor, 10*time.Millisecond)
	e.media.feed([]byte{1, 1, 1, 1})
	require.Eventually(t, func() bool { return e.engine.sent() == 1 }, waitFor, 10*time.Millisecond)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		e.media.mu.Lock()
		defer e.media.mu.Unlock()
		return e.media.closed
	}, waitFor, 10*time.Millisecond)
}

func TestControlFramesRateLimited(t *testing.T) {
	e := newEnv(t, WithLimiter(NewControlRateLimiter(1, time.Hour)))
	ws := e.dial(t, "s1", "room=room-1")

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "whoami"}))
	assert.Equal(t, "whoami", readJSON(t, ws)["type"])
	require.NoError(t, ws.WriteJSON(map[string]string{"type": "whoami"}))
	assert.Equal(t, "rate_limited", readJSON(t, ws)["error"])
	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readJSON(t, ws)["type"])
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewControlRateLimiter(2, time.Second)
	now := time.Unix(0, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("s"))
	assert.True(t, rl.Allow("s"))
	assert.False(t, rl.Allow("s"))
	assert.True(t, rl.Allow("other"))

	now = now.Add(1100 * time.Millisecond)
	assert.True(t, rl.Allow("s"))

	rl.Forget("s")
	assert.True(t, rl.Allow("s"))
	assert.True(t, rl.Allow("s"))
}

func TestLanguagesFromQuery(t *testing.T) {
	l, err := languagesFromQuery("", "")
	require.NoError(t, err)
	assert.Equal(t, domain.Languages{}, l)

	l, err = languagesFromQuery("", "FR")
	require.NoError(t, err)
	assert.Equal(t, domain.Languages{Target: "fr"}, l)

	_, err = languagesFromQuery(strings.Repeat("x", domain.MaxLanguageLen+1), "")
	assert.ErrorIs(t, err, domain.ErrLanguageTooLong)
}
