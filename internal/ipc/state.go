package ipc

// State of a Conn or Listener.
type State int32

const (
	StateCreated State = iota
	StateResumed
	StateActive
	StateInterrupted
	StateListening
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateResumed:
		return "resumed"
	case StateActive:
		return "active"
	case StateInterrupted:
		return "interrupted"
	case StateListening:
		return "listening"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}
