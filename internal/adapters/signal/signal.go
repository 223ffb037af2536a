package signal

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Interpreter/internal/adapters/rtc"
	"github.com/dkeye/Interpreter/internal/app/orch"
	"github.com/dkeye/Interpreter/internal/core"
	"github.com/dkeye/Interpreter/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ClientWSController serves the client stream endpoint: browsers and
// media-streaming sockets both connect here.
type ClientWSController struct {
	Orch       *orch.Orchestrator
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
	Limiter    *ControlRateLimiter

	newMedia func(sid domain.SessionID) (core.MediaConnection, error)
}

type Option func(*ClientWSController)

func WithReadLimit(n int64) Option             { return func(c *ClientWSController) { c.ReadLimit = n } }
func WithPingPeriod(d time.Duration) Option    { return func(c *ClientWSController) { c.PingPeriod = d } }
func WithLimiter(l *ControlRateLimiter) Option { return func(c *ClientWSController) { c.Limiter = l } }

// WithMediaFactory replaces the WebRTC connection constructor.
func WithMediaFactory(fn func(domain.SessionID) (core.MediaConnection, error)) Option {
	return func(c *ClientWSController) { c.newMedia = fn }
}

func NewClientWSController(o *orch.Orchestrator, opts ...Option) *ClientWSController {
	ctl := &ClientWSController{
		Orch:       o,
		ReadLimit:  1 << 20,
		PingPeriod: 54 * time.Second,
		SendBuffer: 64,
		Limiter:    NewControlRateLimiter(20, time.Second),
		newMedia: func(sid domain.SessionID) (core.MediaConnection, error) {
			return rtc.NewWebRTCConnection(rtc.DefaultWebRTCConfig(), sid)
		},
	}
	for _, opt := range opts {
		opt(ctl)
	}
	return ctl
}

type wsClientConn struct {
	conn *websocket.Conn
	send chan core.Frame
	// acs wraps outbound audio in AudioData JSON for media-streaming sockets.
	acs bool

	mu     sync.RWMutex
	closed bool
	media  core.MediaConnection
}

func (c *wsClientConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnectionClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// Close stops accepting frames. The write pump drains what is queued, sends
// a close message and releases the socket.
func (c *wsClientConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	media := c.media
	c.media = nil
	c.mu.Unlock()
	if media != nil {
		media.Close()
	}
}

// setMedia swaps in a new peer connection and closes the previous one.
func (c *wsClientConn) setMedia(mc core.MediaConnection) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	prev := c.media
	c.media = mc
	c.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return true
}

func (c *wsClientConn) Media() core.MediaConnection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.media
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func languagesFromQuery(source, target string) (domain.Languages, error) {
	var langs domain.Languages
	if source == "" && target == "" {
		return langs, nil
	}
	if source != "" {
		l, err := domain.NewLanguages(source, source)
		if err != nil {
			return langs, err
		}
		langs.Source = l.Source
	}
	if target != "" {
		l, err := domain.NewLanguages(target, target)
		if err != nil {
			return langs, err
		}
		langs.Target = l.Target
	}
	return langs, nil
}

// HandleClient upgrades the request and attaches the connection to the
// orchestrator. Query: room, call, source, target, format=acs.
func (ctl *ClientWSController) HandleClient(ctx context.Context, c *gin.Context) {
	sid := domain.SessionID(c.GetString("client_token"))
	roomID := domain.RoomID(c.Query("room"))
	callHint := domain.CallID(c.Query("call"))
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room", string(roomID)).Str("call_id", string(callHint)).Msg("new WS connection")

	langs, err := languagesFromQuery(c.Query("source"), c.Query("target"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if roomID == "" && callHint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": orch.ErrRoomRequired.Error()})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &wsClientConn{
		conn: ws,
		send: make(chan core.Frame, ctl.SendBuffer),
		acs:  strings.EqualFold(c.Query("format"), "acs"),
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := ctl.Orch.AttachClient(ctx, sid, roomID, conn, langs, callHint); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("attach rejected")
		cancel()
		_ = ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = ws.WriteJSON(orch.ErrorMsg{Type: "error", Error: attachError(err)})
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, attachError(err)))
		_ = ws.Close()
		return
	}

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sid, conn)
}

func attachError(err error) string {
	switch {
	case errors.Is(err, domain.ErrDuplicateSession):
		return "duplicate_session"
	case errors.Is(err, domain.ErrUnknownCall):
		return "unknown_call"
	case errors.Is(err, domain.ErrCallBound):
		return "call_bound"
	case errors.Is(err, domain.ErrRoomMismatch):
		return "room_mismatch"
	default:
		return "attach_failed"
	}
}
