// Copyright 2026, Square, Inc.

// Package manager runs jobs on a backend: a child process on the server
// (Local) or a SLURM cluster reached over SSH (SSHBatch). The engine treats
// both through the Manager interface.
package manager

import (
	"context"
	"errors"
	"strings"

	"github.com/square/uws/config"
	"github.com/square/uws/jdl"
	"github.com/square/uws/proto"
)

var (
	// ErrNoSuchProcess is returned by Abort and Delete when the backend has no
	// process for the job. Callers treat it as success.
	ErrNoSuchProcess = errors.New("no such process")
)

// A Manager starts, aborts, deletes, and polls the backend workload of jobs.
type Manager interface {
	// Start stages the inputs of job, builds and submits its batch script,
	// and returns the backend process id as reported by the backend. The
	// caller validates it.
	Start(ctx context.Context, job proto.Job, desc *jdl.Job) (string, error)

	// Abort cancels the workload of job. It returns ErrNoSuchProcess if there
	// is none.
	Abort(ctx context.Context, job proto.Job) error

	// Delete cancels the workload of job and removes its backend files. It
	// returns ErrNoSuchProcess if there is no workload; files are removed
	// anyway.
	Delete(ctx context.Context, job proto.Job) error

	// Status returns the current phase of job according to the backend.
	Status(ctx context.Context, job proto.Job) (Status, error)

	// FetchJobdata copies the jobdata and results of job from the backend to
	// the server directories.
	FetchJobdata(ctx context.Context, job proto.Job) error

	// CopyScript makes the user script of jobname available to the backend.
	CopyScript(ctx context.Context, jobname string) error
}

// Status is the backend view of a job. Msg is appended to the job error when
// Phase is ERROR.
type Status struct {
	Phase string
	Msg   string
}

// A Notifier receives phase changes detected by a manager outside of the job
// script callbacks (ex: the Local watcher). The engine implements it.
type Notifier interface {
	Notify(ctx context.Context, jobId string, pid int, phase, msg string) error
}

// Translate maps a raw backend phase through the translation table. UWS phase
// names are returned unchanged. The first word of raw is used, so
// "CANCELLED by 1000" maps like "CANCELLED". ok is false for unknown phases.
func Translate(table map[string]config.PhaseConvert, raw string) (Status, bool) {
	fields := strings.Fields(strings.ToUpper(raw))
	if len(fields) == 0 {
		return Status{}, false
	}
	state := strings.TrimSuffix(fields[0], "+")
	if conv, ok := table[state]; ok {
		return Status{Phase: conv.Phase, Msg: conv.Msg}, true
	}
	if proto.IsPhase(state) {
		return Status{Phase: state}, true
	}
	return Status{}, false
}
