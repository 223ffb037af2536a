package rtc

import (
	"context"
	"sync"

	"github.com/dkeye/Interpreter/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WebRTCConnection is a receive-only audio peer. Inbound PCMU is decoded to
// 16 kHz PCM16 and handed to the audio sink.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	sid    domain.SessionID
	onICE  func(webrtc.ICECandidateInit)
	cancel context.CancelFunc
	logger zerolog.Logger

	mu        sync.RWMutex
	onAudio   func(pcm []byte)
	onClosed  func()
	closeOnce sync.Once
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// newAPI restricts negotiation to G.711 mu-law so the decoder always applies.
func newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 1},
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio)
	if err != nil {
		return nil, err
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m)), nil
}

func NewWebRTCConnection(cfg webrtc.Configuration, sid domain.SessionID) (*WebRTCConnection, error) {
	api, err := newAPI()
	if err != nil {
		return nil, err
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &WebRTCConnection{
		pc:     pc,
		sid:    sid,
		logger: log.With().Str("module", "webrtc").Str("sid", string(sid)).Logger(),
	}, nil
}

func (c *WebRTCConnection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateDisconnected ||
			s == webrtc.ICEConnectionStateFailed ||
			s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			c.fireClosed()
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && c.onICE != nil {
			c.onICE(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("codec", track.Codec().MimeType).
			Str("track_id", track.ID()).
			Msg("OnTrack received")
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		go c.readLoop(ctx, track)
	})

	return nil
}

// readLoop reads RTP packets from the remote track until ctx ends or the
// track fails.
func (c *WebRTCConnection) readLoop(ctx context.Context, track *webrtc.TrackRemote) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("track reader ctx done")
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			c.logger.Info().Err(err).Msg("track read RTP stopped")
			return
		}
		c.handlePacket(pkt)
	}
}

func (c *WebRTCConnection) handlePacket(pkt *rtp.Packet) {
	if len(pkt.Payload) == 0 {
		return
	}
	c.mu.RLock()
	sink := c.onAudio
	c.mu.RUnlock()
	if sink == nil {
		return
	}
	sink(Upsample2x(DecodeULaw(pkt.Payload)))
}

func (c *WebRTCConnection) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete

	return c.pc.LocalDescription(), nil
}

func (c *WebRTCConnection) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			c.logger.Error().Err(err).Msg("close error")
		} else {
			c.logger.Info().Msg("closed")
		}
	}
	c.fireClosed()
}

func (c *WebRTCConnection) fireClosed() {
	c.closeOnce.Do(func() {
		c.mu.RLock()
		fn := c.onClosed
		c.mu.RUnlock()
		if fn != nil {
			fn()
		}
	})
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.onICE = fn
}

// OnAudio sets the sink for decoded audio.
func (c *WebRTCConnection) OnAudio(fn func(pcm []byte)) {
	c.mu.Lock()
	c.onAudio = fn
	c.mu.Unlock()
}

// OnClosed sets application-level callback for cleanup
func (c *WebRTCConnection) OnClosed(fn func()) {
	c.mu.Lock()
	c.onClosed = fn
	c.mu.Unlock()
}
