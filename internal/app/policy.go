package app

import "github.com/dkeye/Interpreter/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

func (a BackpressureAction) String() string {
	switch a {
	case MarkSlow:
		return "mark_slow"
	case KickMember:
		return "kick"
	case DropFrame:
		return "drop"
	default:
		return "none"
	}
}

// Policy decides what happens to a listener whose outbound queue is full.
type Policy interface {
	OnBackPressure(room domain.RoomID, sid domain.SessionID) BackpressureAction
}

type SimplePolicy struct {
	Action BackpressureAction
}

func (p SimplePolicy) OnBackPressure(domain.RoomID, domain.SessionID) BackpressureAction {
	return p.Action
}

// PolicyFromName maps the backpressure.policy config value to a Policy.
func PolicyFromName(name string) Policy {
	if name == "kick" {
		return SimplePolicy{Action: KickMember}
	}
	return SimplePolicy{Action: DropFrame}
}
