package common

type EventType uint32

const (
	// EventTypeOther covers every kernel event kind outside this module's
	// scope (fork, UID change, comm change, coredump, ...).
	EventTypeOther EventType = iota
	EventTypeExec
	EventTypeExit
)

// LifecycleEvent is a decoded process lifecycle transition as delivered by
// the kernel. Events of type EventTypeOther are dropped before any
// resolution work is done.
type LifecycleEvent struct {
	Type EventType
	PID  int
}

func (et EventType) String() string {
	switch et {
	case EventTypeExec:
		return "exec"
	case EventTypeExit:
		return "exit"
	default:
		return "other"
	}
}
