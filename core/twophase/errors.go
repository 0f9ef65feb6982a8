package twophase

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrNoParticipants       = errors.New("no participants")
	ErrDuplicateParticipant = errors.New("duplicate participant")
	ErrPrepareFailed        = errors.New("prepare failed")
	ErrCommitFailed         = errors.New("commit failed")
	ErrRollbackFailed       = errors.New("rollback failed")
)

// ParticipantError is the failure of one participant during a phase.
// It matches its Kind (ErrPrepareFailed, ErrCommitFailed or ErrRollbackFailed)
// with errors.Is.
type ParticipantError struct {
	Kind        error
	Participant string
	Reason      error
}

func (e *ParticipantError) Error() string {
	return fmt.Sprintf("%s: participant %q: %v", e.Kind, e.Participant, e.Reason)
}

func (e *ParticipantError) Is(target error) bool {
	return target == e.Kind
}

func (e *ParticipantError) Unwrap() error {
	return e.Reason
}

func participantError(kind error, alias string, reason error) error {
	return errors.WithStack(&ParticipantError{Kind: kind, Participant: alias, Reason: reason})
}
