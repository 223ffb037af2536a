package domain

import "errors"

var (
	ErrDuplicateSession      = errors.New("session already registered")
	ErrUnknownSession        = errors.New("unknown session")
	ErrUnknownCall           = errors.New("unknown call")
	ErrCallEnded             = errors.New("call ended")
	ErrUnknownRoom           = errors.New("unknown room")
	ErrCallBound             = errors.New("call or session already bound")
	ErrRoomMismatch          = errors.New("call and session belong to different rooms")
	ErrInvokerAlive          = errors.New("call already has a live invoker")
	ErrInvokerStopped        = errors.New("invoker stopped")
	ErrEngineUnavailable     = errors.New("translation engine unavailable")
	ErrEngineStreamCrashed   = errors.New("translation engine stream crashed")
	ErrSegmentDropped        = errors.New("segment dropped")
	ErrCallAutomationFailure = errors.New("call automation failure")
)
