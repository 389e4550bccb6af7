// Copyright 2026, Square, Inc.

// Package errors provides errors reported to the user. The API maps each type
// to an HTTP status and sends the message as a plain-text body. Messages are
// terse because they are reported in context: JobNotFound makes sense in
// response to "GET /rest/test_/abc123" when "abc123" does not exist.
package errors

import (
	"fmt"
)

var _ error = JobNotFound{}

type JobNotFound struct {
	JobId string
}

func (e JobNotFound) Error() string {
	return fmt.Sprintf("job %s not found", e.JobId)
}

// --------------------------------------------------------------------------

var _ error = ParameterNotFound{}

type ParameterNotFound struct {
	JobId string
	Name  string
}

func (e ParameterNotFound) Error() string {
	return fmt.Sprintf("parameter %s not found in job %s", e.Name, e.JobId)
}

// --------------------------------------------------------------------------

var _ error = ResultNotFound{}

type ResultNotFound struct {
	JobId string
	Name  string
}

func (e ResultNotFound) Error() string {
	return fmt.Sprintf("result %s not found in job %s", e.Name, e.JobId)
}

// --------------------------------------------------------------------------

var _ error = JDLNotFound{}

// JDLNotFound is returned when a jobname has no job description.
type JDLNotFound struct {
	Jobname string
}

func (e JDLNotFound) Error() string {
	return fmt.Sprintf("no job description for %s", e.Jobname)
}

// --------------------------------------------------------------------------

var _ error = Forbidden{}

// Forbidden is returned when the caller does not own the job or the source
// address is not trusted.
type Forbidden struct {
	Message string
}

func (e Forbidden) Error() string {
	return e.Message
}

// --------------------------------------------------------------------------

var _ error = ValidationError{}

// ValidationError is returned for bad input: a missing required form key, an
// unparseable value, an unknown PHASE.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string {
	return e.Message
}

// --------------------------------------------------------------------------

var _ error = ErrInvalidState{}

// ErrInvalidState is returned when an operation is not legal in the current
// phase of the job.
type ErrInvalidState struct {
	JobId       string
	Operation   string
	ActualPhase string
}

func NewErrInvalidState(jobId, op, actualPhase string) ErrInvalidState {
	return ErrInvalidState{
		JobId:       jobId,
		Operation:   op,
		ActualPhase: actualPhase,
	}
}

func (e ErrInvalidState) Error() string {
	return fmt.Sprintf("cannot %s job %s in phase %s", e.Operation, e.JobId, e.ActualPhase)
}

// --------------------------------------------------------------------------

var _ error = BackendError{}

// BackendError is returned when the job manager fails: a non-zero exit, a bad
// pid. Output is the captured backend output, reported only in debug mode.
type BackendError struct {
	Message string
	Output  string
}

func (e BackendError) Error() string {
	return e.Message
}

// --------------------------------------------------------------------------

var _ error = DbError{}

// DbError represents a generic database error. It lets the API distinguish
// database failures from other internal errors.
type DbError struct {
	err   error
	query string
}

func NewDbError(err error, query string) DbError {
	return DbError{err: err, query: query}
}

func (e DbError) Error() string {
	return fmt.Sprintf("database error: %s (%s)", e.err, e.query)
}

func (e DbError) Unwrap() error {
	return e.err
}
