// Copyright 2026, Square, Inc.

// Package proto provides the job model shared by the engine, store, managers,
// and API, and the UWS documents rendered from it.
package proto

import (
	"fmt"
	"strings"
	"time"
)

// TIME_FORMAT is the ISO-8601 format (UTC, seconds) used for all job times.
const TIME_FORMAT = "2006-01-02T15:04:05"

// Job is one execution request tracked through its lifecycle. Jobs are
// identified by Id which is assigned by the server.
type Job struct {
	Id                string     // unique id
	Jobname           string     // JDL used to create the job
	Phase             string     // PHASE_* const
	Owner             string     // creator name
	OwnerPid          string     // creator credential
	RunId             string     // client-supplied tag
	CreationTime      time.Time  // when the job was created
	StartTime         *time.Time // when the job entered QUEUED
	EndTime           *time.Time // when the job entered a result phase
	DestructionTime   time.Time  // when the job is deleted or archived
	ExecutionDuration int        // seconds, 0 = unbounded
	Quote             *int       // estimated duration, seconds
	Error             string     // accumulated error messages
	Pid               int        // backend process id, 0 = not started

	Parameters []Parameter
	Results    []Result
}

// Parameter is one input of a job. ByRef marks values that refer to a file
// staged on the server or to a URL.
type Parameter struct {
	Name  string
	Value string
	ByRef bool
}

// Result is one output of a job. Url is served by the REST API.
type Result struct {
	Name        string
	Url         string
	ContentType string
}

// Parameter returns the named parameter and true, or false if the job has no
// such parameter.
func (j Job) Parameter(name string) (Parameter, bool) {
	for _, p := range j.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// Result returns the named result and true, or false if the job has no such
// result.
func (j Job) Result(name string) (Result, bool) {
	for _, r := range j.Results {
		if r.Name == name {
			return r, true
		}
	}
	return Result{}, false
}

// AppendError appends msg to the job error using ". " as delimiter.
func (j *Job) AppendError(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	if j.Error == "" {
		j.Error = msg
		return
	}
	j.Error = strings.TrimSuffix(j.Error, ".") + ". " + msg
}

// User is the identity presented with a request: HTTP Basic user:pid.
type User struct {
	Name  string
	Pid   string
	Admin bool
}

func (u User) String() string {
	if u.Admin {
		return u.Name + " (admin)"
	}
	return u.Name
}

// CanAccess returns true if the user owns the job or is an admin.
func (u User) CanAccess(job Job) bool {
	if u.Admin {
		return true
	}
	return job.Owner == u.Name && job.OwnerPid == u.Pid
}

// Event is published when a job changes phase.
type Event struct {
	JobId string `json:"jobid"`
	Phase string `json:"phase"`
}

func (e Event) String() string {
	return fmt.Sprintf("%s:%s", e.JobId, e.Phase)
}

// FormatTime returns t as a job time string in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TIME_FORMAT)
}

// ParseTime parses a job time string. Trailing sub-second fragments and a
// zone suffix are ignored: "2016-01-01T00:00:00.55555" parses as
// "2016-01-01T00:00:00".
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) > len(TIME_FORMAT) {
		s = s[:len(TIME_FORMAT)]
	}
	t, err := time.Parse(TIME_FORMAT, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q, expected format %s", s, TIME_FORMAT)
	}
	return t, nil
}

// Now returns the current UTC time truncated to seconds.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
