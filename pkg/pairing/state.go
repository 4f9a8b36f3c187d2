package pairing

import "fmt"

// State is the position of a Session in the handshake.
type State uint8

// Session states. Done and Error are terminal.
const (
	AwaitingGenM7 State = iota
	AwaitingVerifyM8
	Done
	Error
)

func (s State) String() string {
	switch s {
	case AwaitingGenM7:
		return "AwaitingGenM7"
	case AwaitingVerifyM8:
		return "AwaitingVerifyM8"
	case Done:
		return "Done"
	case Error:
		return "Error"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Terminal reports whether no further calls are accepted in s.
func (s State) Terminal() bool {
	return s == Done || s == Error
}
