// Copyright 2026, Square, Inc.

package proto

// Job phases as named by UWS 1.1.
const (
	PHASE_PENDING   = "PENDING"   // created, not started
	PHASE_QUEUED    = "QUEUED"    // submitted to the backend
	PHASE_EXECUTING = "EXECUTING" // running
	PHASE_COMPLETED = "COMPLETED" // finished successfully
	PHASE_ERROR     = "ERROR"     // failed
	PHASE_ABORTED   = "ABORTED"   // aborted by the owner
	PHASE_UNKNOWN   = "UNKNOWN"
	PHASE_HELD      = "HELD"
	PHASE_SUSPENDED = "SUSPENDED" // stopped by the backend, may resume
	PHASE_ARCHIVED  = "ARCHIVED"  // past destruction, results removed
)

// Phase values accepted in a POST to .../phase.
const (
	PHASE_ACTION_RUN   = "RUN"
	PHASE_ACTION_ABORT = "ABORT"
)

var AllPhases = []string{
	PHASE_PENDING,
	PHASE_QUEUED,
	PHASE_EXECUTING,
	PHASE_COMPLETED,
	PHASE_ERROR,
	PHASE_ABORTED,
	PHASE_UNKNOWN,
	PHASE_HELD,
	PHASE_SUSPENDED,
	PHASE_ARCHIVED,
}

// ActivePhases are phases in which the job is expected to evolve. Blocking
// GETs only wait on jobs in these phases.
var ActivePhases = map[string]bool{
	PHASE_PENDING:   true,
	PHASE_QUEUED:    true,
	PHASE_EXECUTING: true,
}

// TerminalPhases are phases in which no further evolution is expected.
var TerminalPhases = map[string]bool{
	PHASE_COMPLETED: true,
	PHASE_ERROR:     true,
	PHASE_ABORTED:   true,
	PHASE_HELD:      true,
	PHASE_ARCHIVED:  true,
}

// ResultPhases are the phases on entry to which results are collected and
// end_time is set.
var ResultPhases = map[string]bool{
	PHASE_COMPLETED: true,
	PHASE_ERROR:     true,
	PHASE_ABORTED:   true,
}

// ChangeSourcePhases are the phases a job may leave through a status change.
var ChangeSourcePhases = map[string]bool{
	PHASE_PENDING:   true,
	PHASE_QUEUED:    true,
	PHASE_EXECUTING: true,
	PHASE_HELD:      true,
	PHASE_SUSPENDED: true,
	PHASE_ERROR:     true,
}

// ChangeTargetPhases are the phases a job may enter through a status change.
var ChangeTargetPhases = map[string]bool{
	PHASE_QUEUED:    true,
	PHASE_HELD:      true,
	PHASE_SUSPENDED: true,
	PHASE_EXECUTING: true,
	PHASE_COMPLETED: true,
	PHASE_ABORTED:   true,
	PHASE_ERROR:     true,
}

// AbortablePhases are the phases from which the owner can abort a job.
var AbortablePhases = map[string]bool{
	PHASE_PENDING:   true,
	PHASE_QUEUED:    true,
	PHASE_HELD:      true,
	PHASE_SUSPENDED: true,
	PHASE_EXECUTING: true,
}

// PollPhases are the phases in which the backend is asked for the real
// status of a job.
var PollPhases = map[string]bool{
	PHASE_QUEUED:    true,
	PHASE_EXECUTING: true,
	PHASE_SUSPENDED: true,
	PHASE_UNKNOWN:   true,
}

// IsPhase returns true if p is one of AllPhases.
func IsPhase(p string) bool {
	for _, phase := range AllPhases {
		if p == phase {
			return true
		}
	}
	return false
}

// Names of the results added for every job that has them.
const (
	RESULT_STDOUT     = "stdout"
	RESULT_STDERR     = "stderr"
	RESULT_PROVENANCE = "provjson"
)

// Form keys with a meaning to the server. They are never stored as job
// parameters.
var ControlParameters = map[string]bool{
	"PHASE":              true,
	"EXECUTION_DURATION": true,
	"EXECUTIONDURATION":  true,
	"QUOTE":              true,
	"DESTRUCTION":        true,
	"RUNID":              true,
	"ACTION":             true,
}
