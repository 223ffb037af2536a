package domain

type CallState int32

const (
	CallRinging CallState = iota
	CallAnswered
	CallConnected
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallRinging:
		return "ringing"
	case CallAnswered:
		return "answered"
	case CallConnected:
		return "connected"
	case CallEnded:
		return "ended"
	default:
		return "unknown"
	}
}

func (s CallState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
