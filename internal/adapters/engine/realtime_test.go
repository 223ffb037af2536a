package engine

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Interpreter/internal/core"
	"github.com/dkeye/Interpreter/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	*httptest.Server
	got    chan map[string]any
	header chan http.Header
	query  chan string
}

// newFakeServer answers every response.create with a transcript delta and an
// audio delta, and hangs up after hangupAfter client messages when non-zero.
func newFakeServer(t *testing.T, hangupAfter int) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		got:    make(chan map[string]any, 32),
		header: make(chan http.Header, 1),
		query:  make(chan string, 1),
	}
	up := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.header <- r.Header.Clone()
		fs.query <- r.URL.RawQuery
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		n := 0
		for {
			var m map[string]any
			if err := ws.ReadJSON(&m); err != nil {
				return
			}
			fs.got <- m
			n++
			if m["type"] == "response.create" {
				_ = ws.WriteJSON(map[string]any{"type": "response.audio_transcript.delta", "delta": "你好"})
				_ = ws.WriteJSON(map[string]any{"type": "error", "error": map[string]any{"message": "ignored"}})
				_ = ws.WriteJSON(map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})})
			}
			if hangupAfter > 0 && n >= hangupAfter {
				return
			}
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m := <-fs.got:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no client message")
		return nil
	}
}

func nextEvent(t *testing.T, s core.EngineStream) (core.EngineEvent, bool) {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		return ev, ok
	case <-time.After(2 * time.Second):
		t.Fatal("no engine event")
		return core.EngineEvent{}, false
	}
}

func open(t *testing.T, fs *fakeServer) core.EngineStream {
	t.Helper()
	r := NewRealtime(Config{URL: fs.URL, APIKey: "k", Deployment: "dep", Voice: "alloy"})
	s, err := r.OpenStream(context.Background(), "call-1", domain.Languages{Source: "en", Target: "zh"})
	require.NoError(t, err)
	return s
}

func TestOpenStreamConfiguresSession(t *testing.T) {
	fs := newFakeServer(t, 0)
	s := open(t, fs)
	defer s.Close()

	assert.Equal(t, "k", (<-fs.header).Get("api-key"))
	q := <-fs.query
	assert.Contains(t, q, "deployment=dep")
	assert.Contains(t, q, "api-version="+DefaultAPIVersion)

	m := fs.next(t)
	require.Equal(t, "session.update", m["type"])
	sess := m["session"].(map[string]any)
	assert.Nil(t, sess["turn_detection"])
	assert.Contains(t, sess, "turn_detection")
	assert.Equal(t, "alloy", sess["voice"])
	assert.Equal(t, "pcm16", sess["input_audio_format"])
	assert.Contains(t, sess["instructions"], "speaks in en, translate it to zh")
}

func TestSendCommitsAndMapsDeltas(t *testing.T) {
	fs := newFakeServer(t, 0)
	s := open(t, fs)
	defer s.Close()
	fs.next(t) // session.update

	require.NoError(t, s.Send(context.Background(), domain.Segment{CallID: "call-1", Seq: 1, PCM: []byte{9, 9}}))

	m := fs.next(t)
	assert.Equal(t, "input_audio_buffer.append", m["type"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{9, 9}), m["audio"])
	assert.Equal(t, "input_audio_buffer.commit", fs.next(t)["type"])
	assert.Equal(t, "response.create", fs.next(t)["type"])

	ev, ok := nextEvent(t, s)
	require.True(t, ok)
	assert.Equal(t, core.TranscriptDelta, ev.Kind)
	assert.Equal(t, "你好", ev.Text)

	ev, ok = nextEvent(t, s)
	require.True(t, ok)
	assert.Equal(t, core.TranslatedAudioDelta, ev.Kind)
	assert.Equal(t, []byte{1, 2, 3, 4}, ev.Audio)
}

func TestServerHangupEmitsStreamClosed(t *testing.T) {
	fs := newFakeServer(t, 1)
	s := open(t, fs)
	defer s.Close()

	ev, ok := nextEvent(t, s)
	require.True(t, ok)
	assert.Equal(t, core.StreamClosed, ev.Kind)

	_, ok = nextEvent(t, s)
	assert.False(t, ok)
}

func TestCloseIsIdempotentAndStopsSend(t *testing.T) {
	fs := newFakeServer(t, 0)
	s := open(t, fs)

	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.Send(context.Background(), domain.Segment{PCM: []byte{1}}), ErrStreamClosed)

	_, ok := nextEvent(t, s)
	assert.False(t, ok)
}

func TestOpenStreamDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	r := NewRealtime(Config{URL: srv.URL, DialTimeout: time.Second})
	_, err := r.OpenStream(context.Background(), "c", domain.Languages{Source: "en", Target: "zh"})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "dial realtime"))
}
