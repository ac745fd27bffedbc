package app

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropEvent
	FailCall
)

// Policy decides what to do when a participant's signal channel refuses a
// frame. Candidate loss is survivable; losing a lifecycle event is not.
type Policy interface {
	OnBackPressure(eventType string) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(eventType string) BackpressureAction {
	if eventType == "webrtc:ice-candidate" {
		return DropEvent
	}
	return FailCall
}
