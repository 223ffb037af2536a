package signal

import (
	"github.com/dkeye/Interpreter/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *ClientWSController) handlePing(conn *wsClientConn) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}
	ctl.sendJSON(conn, resp)
}

// handleLeave acknowledges the leave; the read pump then detaches and closes.
func (ctl *ClientWSController) handleLeave(sid domain.SessionID, conn *wsClientConn) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("leave")
	ctl.sendJSON(conn, map[string]any{
		"type": "left",
	})
}
