package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Interpreter/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// candidateMsg is an ICE candidate tagged for the control channel.
type candidateMsg struct {
	Type string `json:"type"`
	webrtc.ICECandidateInit
}

// handleOffer negotiates a receive-only audio peer whose decoded audio is
// fed into the session's pipeline.
func (ctl *ClientWSController) handleOffer(ctx context.Context, sid domain.SessionID, conn *wsClientConn, data []byte) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(data, &offer); err != nil || offer.SDP == "" {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("offer rejected")
		ctl.sendError(conn, "bad_payload")
		return
	}

	mc, err := ctl.newMedia(sid)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("peer connection")
		ctl.sendError(conn, "webrtc_failed")
		return
	}
	fail := func(step string, err error) {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg(step)
		mc.Close()
		ctl.sendError(conn, "webrtc_failed")
	}

	mc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		ctl.sendJSON(conn, candidateMsg{Type: "candidate", ICECandidateInit: ci})
	})
	ctl.Orch.BindMediaHandlers(mc, sid)

	if err = mc.Start(ctx); err != nil {
		fail("media start", err)
		return
	}
	answer, err := mc.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP})
	if err != nil {
		fail("apply offer", err)
		return
	}
	if !conn.setMedia(mc) {
		mc.Close()
		return
	}
	ctl.sendJSON(conn, answer)
}

func (ctl *ClientWSController) handleCandidate(sid domain.SessionID, conn *wsClientConn, data []byte) {
	var msg candidateMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.Candidate == "" {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("candidate rejected")
		ctl.sendError(conn, "bad_payload")
		return
	}
	mc := conn.Media()
	if mc == nil {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("candidate before offer")
		return
	}
	if err := mc.AddICECandidate(msg.ICECandidateInit); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("add ice candidate")
	}
}
