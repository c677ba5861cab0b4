package task

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of one evaluation task. The string values
// are exposed verbatim to API consumers, so they must not change.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusCompiling      Status = "compiling"
	StatusCompiled       Status = "compiled"
	StatusCompiledFailed Status = "compile_failed"
	StatusRunning        Status = "running"
	StatusFinished       Status = "finished"
	StatusError          Status = "error"
	StatusNotQueued      Status = "not_queued"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// validTransitions is the single source of truth for legal status changes.
// ERROR and NOT_QUEUED are terminal. FINISHED may still fall to ERROR when
// post-processing (rank update, graph conversion) fails after the run.
var validTransitions = map[Status][]Status{
	StatusQueued:         {StatusCompiling, StatusError, StatusCompiled},
	StatusCompiling:      {StatusCompiled, StatusError, StatusCompiledFailed},
	StatusCompiled:       {StatusRunning, StatusError},
	StatusRunning:        {StatusFinished, StatusError},
	StatusFinished:       {StatusError},
	StatusCompiledFailed: {StatusError},
	StatusError:          {},
	StatusNotQueued:      {},
}

// statusPriority orders statuses for upload-level aggregation. Lower number
// dominates when tasks of one upload are folded into a single summary.
var statusPriority = map[Status]int{
	StatusCompiledFailed: 0,
	StatusError:          1,
	StatusNotQueued:      2,
	StatusCompiled:       3,
	StatusCompiling:      4,
	StatusRunning:        5,
	StatusQueued:         6,
	StatusFinished:       7,
}

func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// CanTransitionTo reports whether s -> next is in the legal-transition table.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition (wrapped with both states)
// when s -> next is not legal.
func CheckTransition(from, to Status) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Priority returns the aggregation rank of the status. Lower dominates.
func (s Status) Priority() int {
	p, ok := statusPriority[s]
	if !ok {
		return len(statusPriority)
	}
	return p
}

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	return len(validTransitions[s]) == 0
}
