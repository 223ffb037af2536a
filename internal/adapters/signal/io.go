package signal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/Interpreter/internal/app/orch"
	"github.com/dkeye/Interpreter/internal/core"
	"github.com/dkeye/Interpreter/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

// audioDataMsg is the media-streaming audio envelope. Field matching is
// case-insensitive, so both inbound and outbound spellings decode.
type audioDataMsg struct {
	Kind      string `json:"Kind"`
	AudioData struct {
		Data   string `json:"data"`
		Silent bool   `json:"silent,omitempty"`
	} `json:"AudioData"`
}

func (ctl *ClientWSController) writePump(ctx context.Context, c *wsClientConn) {
	ticker := time.NewTicker(ctl.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case f, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := ctl.writeFrame(c, f); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *ClientWSController) writeFrame(c *wsClientConn, f core.Frame) error {
	if f.Kind == core.TextFrame {
		return c.conn.WriteMessage(websocket.TextMessage, f.Data)
	}
	if !c.acs {
		return c.conn.WriteMessage(websocket.BinaryMessage, f.Data)
	}
	var m audioDataMsg
	m.Kind = "AudioData"
	m.AudioData.Data = base64.StdEncoding.EncodeToString(f.Data)
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (ctl *ClientWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid domain.SessionID, c *wsClientConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		// A reconnect may already own sid.
		if cur, ok := ctl.Orch.Registry.Connection(sid); ok && cur == core.ClientConnection(c) {
			ctl.Orch.DetachClient(sid)
		}
		ctl.Limiter.Forget(sid)
		c.Close()
		cancel()
	}()

	pongWait := ctl.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if ctx.Err() != nil {
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		}
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind == websocket.BinaryMessage {
			ctl.Orch.OnAudioChunk(sid, data)
			continue
		}
		if leave := ctl.handleText(ctx, sid, c, data); leave {
			return
		}
	}
}

// handleText dispatches one JSON text frame and reports whether the client
// asked to leave.
func (ctl *ClientWSController) handleText(ctx context.Context, sid domain.SessionID, c *wsClientConn, data []byte) bool {
	_ = ctl.Orch.Registry.RecordActivity(sid)
	var env struct {
		Type string `json:"type"`
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(c, "bad_payload")
		return false
	}

	if env.Kind != "" {
		ctl.handleMediaStreaming(sid, env.Kind, data)
		return false
	}

	switch env.Type {
	case "ping":
		ctl.handlePing(c)
		return false
	case "leave":
		ctl.handleLeave(sid, c)
		return true
	}

	if !ctl.Limiter.Allow(sid) {
		ctl.sendError(c, "rate_limited")
		return false
	}
	switch env.Type {
	case "offer":
		ctl.handleOffer(ctx, sid, c, data)
	case "candidate":
		ctl.handleCandidate(sid, c, data)
	default:
		if err := ctl.Orch.OnControlFrame(ctx, sid, data); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("type", env.Type).Msg("control frame rejected")
			ctl.sendError(c, controlError(err))
		}
	}
	return false
}

func controlError(err error) string {
	switch {
	case errors.Is(err, orch.ErrUnknownControl):
		return "unknown_type"
	case errors.Is(err, domain.ErrLanguageEmpty), errors.Is(err, domain.ErrLanguageTooLong):
		return "invalid_language"
	case errors.Is(err, domain.ErrUnknownSession):
		return "unknown_session"
	default:
		return "bad_payload"
	}
}

func (ctl *ClientWSController) handleMediaStreaming(sid domain.SessionID, kind string, data []byte) {
	if kind != "AudioData" {
		log.Debug().Str("module", "signal").Str("sid", string(sid)).Str("kind", kind).Msg("media streaming frame")
		return
	}
	var m audioDataMsg
	if err := json.Unmarshal(data, &m); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad audio data")
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(m.AudioData.Data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad audio base64")
		return
	}
	ctl.Orch.OnAudioChunk(sid, pcm)
}

func (ctl *ClientWSController) sendError(c *wsClientConn, reason string) {
	ctl.sendJSON(c, orch.ErrorMsg{Type: "error", Error: reason})
}

func (ctl *ClientWSController) sendJSON(c *wsClientConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(core.Text(b))
}
