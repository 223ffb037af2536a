package core

import (
	"context"

	"github.com/dkeye/Interpreter/internal/domain"
)

type EngineEventKind uint8

const (
	TranscriptDelta EngineEventKind = iota + 1
	TranslatedAudioDelta
	StreamClosed
)

func (k EngineEventKind) String() string {
	switch k {
	case TranscriptDelta:
		return "transcript_delta"
	case TranslatedAudioDelta:
		return "audio_delta"
	case StreamClosed:
		return "stream_closed"
	default:
		return "unknown"
	}
}

// EngineEvent is one incremental output of a translation stream.
// Text is set for TranscriptDelta, Audio for TranslatedAudioDelta and
// Reason for StreamClosed.
type EngineEvent struct {
	Kind   EngineEventKind
	Text   string
	Audio  []byte
	Reason string
}

// TranslationEngine opens bidirectional translation streams. ctx bounds the
// open handshake only; the stream lives until Close.
type TranslationEngine interface {
	OpenStream(ctx context.Context, callID domain.CallID, langs domain.Languages) (EngineStream, error)
}

// EngineStream is a single open engine session. Send is never called
// concurrently by the owner. Events is closed when the stream ends.
type EngineStream interface {
	Send(ctx context.Context, seg domain.Segment) error
	Events() <-chan EngineEvent
	Close() error
}
