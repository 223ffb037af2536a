package domain

import "time"

type FlushReason string

const (
	FlushSize     FlushReason = "size"
	FlushDuration FlushReason = "duration"
	FlushSilence  FlushReason = "silence"
	FlushManual   FlushReason = "manual"
)

// Segment is an utterance-sized slice of call audio. PCM is owned by the
// segment and must not be modified after emission.
type Segment struct {
	CallID   CallID
	Seq      uint64
	PCM      []byte
	Reason   FlushReason
	Duration time.Duration
}
