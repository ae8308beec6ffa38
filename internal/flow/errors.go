package flow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSessionEnded is returned by every mutating session operation once the session reached ENDED.
var ErrSessionEnded = errors.New("session has ended")

// ErrSessionNotStarted is returned by the transition operations until Start has entered the first stage.
var ErrSessionNotStarted = errors.New("session has not started")

// UnknownStageError reports a reference to a stage id that is not in the stage graph.
// The session is left in its last good state.
type UnknownStageError struct {
	StageID string
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("unknown stage %q", e.StageID)
}

// InvalidTransitionError reports a requested target that the current stage does not declare.
// The session is left in its last good state.
type InvalidTransitionError struct {
	From  string
	To    string
	Valid []string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %q to %q (valid targets: %s)", e.From, e.To, strings.Join(e.Valid, ", "))
}

// IsRecoverable reports whether err is a runtime stage error that leaves the session usable.
func IsRecoverable(err error) bool {
	var unknown *UnknownStageError
	var invalid *InvalidTransitionError
	return errors.As(err, &unknown) || errors.As(err, &invalid) || errors.Is(err, ErrSessionNotStarted)
}
