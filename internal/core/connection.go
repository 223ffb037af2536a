package core

import "errors"

var (
	ErrBackpressure     = errors.New("backpressure")
	ErrConnectionClosed = errors.New("connection closed")
)

type FrameKind uint8

const (
	TextFrame FrameKind = iota
	BinaryFrame
)

// Frame is one outbound message for a client transport.
type Frame struct {
	Kind FrameKind
	Data []byte
}

func Text(b []byte) Frame   { return Frame{Kind: TextFrame, Data: b} }
func Binary(b []byte) Frame { return Frame{Kind: BinaryFrame, Data: b} }

// ClientConnection abstracts the client-facing streaming transport.
// Owned by the adapter; TrySend must never block.
type ClientConnection interface {
	TrySend(Frame) error
	Close()
}
