package twophase

import "fmt"

// State is the global state of a distributed transaction.
type State uint8

const (
	NotStarted State = iota
	Active
	Prepared
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Active:
		return "active"
	case Prepared:
		return "prepared"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// IsTerminal reports whether no further operation is legal in the state.
func (s State) IsTerminal() bool {
	return s == Committed || s == Aborted
}

// ParticipantStatus is the status of one participant of a distributed transaction.
type ParticipantStatus uint8

const (
	StatusActive ParticipantStatus = iota
	StatusPrepared
	StatusCommitted
	StatusAborted
)

func (s ParticipantStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPrepared:
		return "prepared"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	default:
		return fmt.Sprintf("ParticipantStatus(%d)", uint8(s))
	}
}

// Participant is a database alias enlisted in a distributed transaction.
type Participant struct {
	Alias  string
	Status ParticipantStatus
}

func (p Participant) IsPrepared() bool {
	return p.Status == StatusPrepared
}
