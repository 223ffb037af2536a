package app

import (
	"time"

	"github.com/dkeye/Interpreter/internal/domain"
)

type SegmenterConfig struct {
	MaxBytes         int
	MaxDuration      time.Duration
	SilenceHold      time.Duration
	SilenceThreshold float64
	SampleRate       int
	BytesPerSample   int
}

func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		MaxBytes:         1 << 20,
		MaxDuration:      3 * time.Second,
		SilenceHold:      500 * time.Millisecond,
		SilenceThreshold: 0.01,
		SampleRate:       16000,
		BytesPerSample:   2,
	}
}

func (c SegmenterConfig) bytesPerSecond() int {
	return c.SampleRate * c.BytesPerSample
}

// audioDuration converts a byte count of PCM into playback time.
func (c SegmenterConfig) audioDuration(n int) time.Duration {
	bps := c.bytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// Segmenter turns a call's raw audio chunks into utterance-sized segments.
// It flushes when the buffer reaches MaxBytes, when the buffer is older than
// MaxDuration, or after SilenceHold of quiet audio that follows speech.
// The concatenation of every emitted segment plus the pending buffer always
// equals the input in order. Not safe for concurrent use.
type Segmenter struct {
	cfg      SegmenterConfig
	callID   domain.CallID
	detector SilenceDetector
	now      func() time.Time

	buf       []byte
	startedAt time.Time
	silent    int
	voiced    bool
	seq       uint64
}

type SegmenterOption func(*Segmenter)

func WithSegmenterClock(now func() time.Time) SegmenterOption {
	return func(s *Segmenter) { s.now = now }
}

func NewSegmenter(callID domain.CallID, cfg SegmenterConfig, opts ...SegmenterOption) *Segmenter {
	s := &Segmenter{
		cfg:      cfg,
		callID:   callID,
		detector: SilenceDetector{Threshold: cfg.SilenceThreshold},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Push appends chunk and returns the segments that became ready, in order.
func (s *Segmenter) Push(chunk []byte) []domain.Segment {
	if len(chunk) == 0 {
		return s.Tick()
	}
	if len(s.buf) == 0 {
		s.startedAt = s.now()
	}
	s.buf = append(s.buf, chunk...)
	if s.detector.Silent(chunk) {
		s.silent += len(chunk)
	} else {
		s.silent = 0
		s.voiced = true
	}

	var out []domain.Segment
	for len(s.buf) >= s.cfg.MaxBytes {
		out = append(out, s.cut(s.cfg.MaxBytes, domain.FlushSize))
	}
	if len(s.buf) == 0 {
		return out
	}
	if s.voiced && s.cfg.audioDuration(s.silent) >= s.cfg.SilenceHold {
		return append(out, s.cut(len(s.buf), domain.FlushSilence))
	}
	return append(out, s.Tick()...)
}

// Tick enforces the time ceiling for a buffer that stopped receiving audio.
func (s *Segmenter) Tick() []domain.Segment {
	if len(s.buf) == 0 {
		return nil
	}
	if s.now().Sub(s.startedAt) >= s.cfg.MaxDuration {
		return []domain.Segment{s.cut(len(s.buf), domain.FlushDuration)}
	}
	return nil
}

// Flush emits whatever is buffered. It is a no-op on an empty buffer.
func (s *Segmenter) Flush() (domain.Segment, bool) {
	if len(s.buf) == 0 {
		return domain.Segment{}, false
	}
	return s.cut(len(s.buf), domain.FlushManual), true
}

// Discard drops the pending buffer and returns how many bytes were lost.
func (s *Segmenter) Discard() int {
	n := len(s.buf)
	s.buf = nil
	s.silent = 0
	s.voiced = false
	return n
}

func (s *Segmenter) Buffered() int { return len(s.buf) }

func (s *Segmenter) cut(n int, reason domain.FlushReason) domain.Segment {
	pcm := make([]byte, n)
	copy(pcm, s.buf[:n])

	rest := len(s.buf) - n
	if rest > 0 {
		remaining := make([]byte, rest)
		copy(remaining, s.buf[n:])
		s.buf = remaining
		s.startedAt = s.now()
		s.silent = min(s.silent, rest)
	} else {
		s.buf = nil
		s.silent = 0
		s.voiced = false
	}

	s.seq++
	return domain.Segment{
		CallID:   s.callID,
		Seq:      s.seq,
		PCM:      pcm,
		Reason:   reason,
		Duration: s.cfg.audioDuration(n),
	}
}
