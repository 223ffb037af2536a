package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Interpreter/internal/core"
	"github.com/dkeye/Interpreter/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultAPIVersion = "2024-10-01-preview"

var ErrStreamClosed = errors.New("engine stream closed")

type Config struct {
	URL         string
	APIKey      string
	APIVersion  string
	Deployment  string
	Voice       string
	DialTimeout time.Duration
}

// Realtime opens one realtime websocket session per call. Segmentation is
// done locally, so server-side turn detection is disabled and every segment
// is committed explicitly.
type Realtime struct {
	cfg    Config
	dialer *websocket.Dialer
}

func NewRealtime(cfg Config) *Realtime {
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Voice == "" {
		cfg.Voice = "shimmer"
	}
	return &Realtime{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
		},
	}
}

func (r *Realtime) endpoint() (string, error) {
	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("engine url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("api-version", r.cfg.APIVersion)
	if r.cfg.Deployment != "" {
		q.Set("deployment", r.cfg.Deployment)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *Realtime) OpenStream(ctx context.Context, callID domain.CallID, langs domain.Languages) (core.EngineStream, error) {
	endpoint, err := r.endpoint()
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
	defer cancel()

	header := http.Header{}
	if r.cfg.APIKey != "" {
		header.Set("api-key", r.cfg.APIKey)
	}
	ws, resp, err := r.dialer.DialContext(dialCtx, endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	s := &stream{
		callID: callID,
		ws:     ws,
		events: make(chan core.EngineEvent, 64),
		closed: make(chan struct{}),
		logger: log.With().Str("module", "engine").Str("call_id", string(callID)).Logger(),
	}
	if err := s.write(sessionUpdate(langs, r.cfg.Voice)); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("session update: %w", err)
	}
	go s.readLoop()
	s.logger.Info().Str("source", langs.Source).Str("target", langs.Target).Msg("realtime session opened")
	return s, nil
}

type clientEvent struct {
	Type    string         `json:"type"`
	Audio   string         `json:"audio,omitempty"`
	Session *sessionConfig `json:"session,omitempty"`
}

type sessionConfig struct {
	Modalities              []string         `json:"modalities"`
	Instructions            string           `json:"instructions"`
	Voice                   string           `json:"voice"`
	InputAudioFormat        string           `json:"input_audio_format"`
	OutputAudioFormat       string           `json:"output_audio_format"`
	InputAudioTranscription *transcriptionID `json:"input_audio_transcription,omitempty"`
	TurnDetection           *struct{}        `json:"turn_detection"`
}

type transcriptionID struct {
	Model string `json:"model"`
}

func sessionUpdate(langs domain.Languages, voice string) clientEvent {
	return clientEvent{
		Type: "session.update",
		Session: &sessionConfig{
			Modalities:              []string{"text", "audio"},
			Instructions:            Instructions(langs),
			Voice:                   voice,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: &transcriptionID{Model: "whisper-1"},
		},
	}
}

// Instructions is the interpreter prompt for a language pair.
func Instructions(langs domain.Languages) string {
	var b strings.Builder
	b.WriteString("You are an interpreter. Your sole function is to translate the input from the user accurately ")
	b.WriteString("and with proper grammar, keeping the original meaning and tone.\n")
	fmt.Fprintf(&b, "Whenever the user speaks in %s, translate it to %s.\n", langs.Source, langs.Target)
	b.WriteString("Do not add, omit or alter any information. Do not answer questions or add explanations. ")
	b.WriteString("Handle technical terms literally if no equivalent exists. ")
	b.WriteString("In cases of unclear audio, indicate uncertainty: \"[unclear: possible interpretation]\". ")
	b.WriteString("Only respond with the translated text.")
	return b.String()
}

type serverEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type stream struct {
	callID domain.CallID
	ws     *websocket.Conn
	logger zerolog.Logger

	writeMu   sync.Mutex
	events    chan core.EngineEvent
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *stream) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.TextMessage, b)
}

// Send appends a segment to the input buffer, commits it and asks for a
// response.
func (s *stream) Send(ctx context.Context, seg domain.Segment) error {
	select {
	case <-s.closed:
		return ErrStreamClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msgs := []clientEvent{
		{Type: "input_audio_buffer.append", Audio: base64.StdEncoding.EncodeToString(seg.PCM)},
		{Type: "input_audio_buffer.commit"},
		{Type: "response.create"},
	}
	for _, m := range msgs {
		if err := s.write(m); err != nil {
			return fmt.Errorf("%s: %w", m.Type, err)
		}
	}
	s.logger.Debug().Uint64("seq", seg.Seq).Int("bytes", len(seg.PCM)).Msg("segment sent")
	return nil
}

func (s *stream) Events() <-chan core.EngineEvent { return s.events }

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		_ = s.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()
		err = s.ws.Close()
	})
	return err
}

func (s *stream) emit(ev core.EngineEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.closed:
		return false
	}
}

func (s *stream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				s.logger.Info().Msg("realtime session closed")
			default:
				s.logger.Error().Err(err).Msg("realtime read error")
				s.emit(core.EngineEvent{Kind: core.StreamClosed, Reason: err.Error()})
			}
			return
		}
		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn().Err(err).Msg("bad server event")
			continue
		}
		switch ev.Type {
		case "response.audio.delta":
			pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
			if err != nil {
				s.logger.Warn().Err(err).Msg("bad audio delta")
				continue
			}
			if !s.emit(core.EngineEvent{Kind: core.TranslatedAudioDelta, Audio: pcm}) {
				return
			}
		case "response.audio_transcript.delta", "response.text.delta":
			if !s.emit(core.EngineEvent{Kind: core.TranscriptDelta, Text: ev.Delta}) {
				return
			}
		case "error":
			if ev.Error != nil {
				s.logger.Error().Str("code", ev.Error.Code).Str("type", ev.Error.Type).Msg(ev.Error.Message)
			}
		default:
			s.logger.Trace().Str("type", ev.Type).Msg("server event")
		}
	}
}
