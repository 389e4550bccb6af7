// Copyright 2026, Square, Inc.

package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/square/uws/batch"
	serr "github.com/square/uws/errors"
	"github.com/square/uws/jdl"
	"github.com/square/uws/manager"
	"github.com/square/uws/proto"
	"github.com/square/uws/retry"
	"github.com/square/uws/store"
)

const (
	// A job script can call back before Start has saved its pid. Callbacks
	// that only carry the pid are retried this many times.
	PID_LOOKUP_TRIES = 5
	PID_LOOKUP_WAIT  = 200 * time.Millisecond
)

// logFiles maps the log results to their file in the jobdata directory.
var logFiles = map[string]string{
	proto.RESULT_STDOUT: batch.STDOUT_FILE,
	proto.RESULT_STDERR: batch.STDERR_FILE,
}

func (e *engine) ChangeStatus(ctx context.Context, jobId, phase, msg string) (proto.Job, error) {
	unlock := e.lock(jobId)
	defer unlock()
	job, err := e.store.Read(ctx, jobId, store.ALL)
	if err != nil {
		return proto.Job{}, err
	}
	if err := e.changeStatus(ctx, &job, phase, msg); err != nil {
		return job, err
	}
	return job, nil
}

// changeStatus moves job to phase, saves it, then publishes the change. The
// caller holds the job lock and read the job with all its parts.
func (e *engine) changeStatus(ctx context.Context, job *proto.Job, phase, msg string) error {
	logger := e.jobLogger(*job).WithField("new_phase", phase)

	// The owner aborted the job: a backend ERROR racing the abort does not
	// override it.
	if phase == proto.PHASE_ERROR && job.Phase == proto.PHASE_ABORTED {
		logger.Infof("job already aborted, keeping ABORTED: %s", msg)
		job.AppendError(msg)
		return e.store.Save(ctx, *job, store.ATTRIBUTES)
	}
	if !proto.ChangeSourcePhases[job.Phase] || !proto.ChangeTargetPhases[phase] {
		return serr.NewErrInvalidState(job.Id, "set phase "+phase+" of", job.Phase)
	}

	what := store.ATTRIBUTES
	now := proto.Now()
	if phase == proto.PHASE_QUEUED && job.StartTime == nil {
		job.StartTime = &now
	}
	if phase == proto.PHASE_ERROR {
		job.AppendError(msg)
	}
	if proto.ResultPhases[phase] {
		if job.StartTime == nil {
			job.StartTime = &now
		}
		job.EndTime = &now
		job.Phase = phase
		e.collectResults(ctx, job)
		what |= store.RESULTS
	}
	job.Phase = phase

	if err := e.store.Save(ctx, *job, what); err != nil {
		return err
	}
	logger.Info("phase changed")
	e.publish(ctx, *job)
	return nil
}

func (e *engine) publish(ctx context.Context, job proto.Job) {
	if e.broker == nil {
		return
	}
	event := proto.Event{JobId: job.Id, Phase: job.Phase}
	if err := e.broker.Publish(ctx, event); err != nil {
		e.jobLogger(job).Warnf("cannot publish %s: %s", event, err)
	}
}

// collectResults sets the results of a job entering a result phase: the
// declared results with an existing file, the logs, and the provenance.
// Missing files are logged.
func (e *engine) collectResults(ctx context.Context, job *proto.Job) {
	logger := e.jobLogger(*job)
	if job.Pid > 0 {
		if err := e.manager.FetchJobdata(ctx, *job); err != nil {
			logger.Warnf("cannot fetch jobdata: %s", err)
		}
	}
	desc, err := e.jdl.Get(job.Jobname)
	if err != nil {
		logger.Warnf("no job description, only logs are collected: %s", err)
		desc = &jdl.Job{Name: job.Jobname}
	}

	results := []proto.Result{}
	rs := e.paths.ResultsDir(job.Id)
	for _, rf := range batch.ResultFiles(*job, desc) {
		if !exists(filepath.Join(rs, rf.File)) {
			logger.WithField("result", rf.Name).Warnf("result file %s not found", rf.File)
			continue
		}
		results = append(results, proto.Result{Name: rf.Name, Url: e.resultURL(job.Id, rf.Name), ContentType: rf.ContentType})
	}
	jd := e.paths.JobdataDir(job.Id)
	for _, name := range []string{proto.RESULT_STDOUT, proto.RESULT_STDERR} {
		if exists(filepath.Join(jd, logFiles[name])) {
			results = append(results, proto.Result{Name: name, Url: e.resultURL(job.Id, name), ContentType: "text/plain"})
		}
	}
	job.Results = results

	if e.prov == nil {
		return
	}
	if err := os.MkdirAll(rs, 0755); err != nil {
		logger.Warnf("cannot write provenance: %s", err)
		return
	}
	if _, err := e.prov.Write(*job, desc, rs); err != nil {
		logger.Warnf("cannot write provenance: %s", err)
		return
	}
	job.Results = append(job.Results, proto.Result{
		Name:        proto.RESULT_PROVENANCE,
		Url:         e.resultURL(job.Id, proto.RESULT_PROVENANCE),
		ContentType: e.prov.ContentType(),
	})
}

func (e *engine) resultURL(jobId, rname string) string {
	return fmt.Sprintf("%s/get_result_file/%s/%s", strings.TrimSuffix(e.baseURL, "/"), jobId, rname)
}

// --------------------------------------------------------------------------

func (e *engine) JobEvent(ctx context.Context, event JobEvent) (proto.Job, error) {
	pid, err := strconv.Atoi(strings.TrimSpace(event.Pid))
	if err != nil || pid <= 0 {
		return proto.Job{}, serr.ValidationError{Message: fmt.Sprintf("invalid jobid: %q", event.Pid)}
	}
	phase := strings.ToUpper(strings.TrimSpace(event.Phase))
	msg := event.Msg
	if !proto.IsPhase(phase) {
		status, ok := manager.Translate(e.phases, phase)
		if !ok {
			return proto.Job{}, serr.ValidationError{Message: fmt.Sprintf("unknown phase: %q", event.Phase)}
		}
		phase = status.Phase
		if msg == "" {
			msg = status.Msg
		}
	}

	jobId := event.JobId
	if jobId == "" {
		err := retry.DoContext(ctx, PID_LOOKUP_TRIES, PID_LOOKUP_WAIT,
			func() error {
				job, err := e.store.ReadByPid(ctx, pid, store.ATTRIBUTES)
				if err != nil {
					return err
				}
				jobId = job.Id
				return nil
			},
			nil,
		)
		if err != nil {
			return proto.Job{}, err
		}
	}

	unlock := e.lock(jobId)
	defer unlock()
	job, err := e.store.Read(ctx, jobId, store.ALL)
	if err != nil {
		return proto.Job{}, err
	}
	if job.Pid != pid {
		return proto.Job{}, serr.Forbidden{Message: fmt.Sprintf("jobid %d does not match job %s", pid, jobId)}
	}

	logger := e.jobLogger(job).WithFields(log.Fields{"pid": pid, "event": phase})
	if phase == job.Phase {
		if phase == proto.PHASE_ERROR && msg != "" {
			job.AppendError(msg)
			return job, e.store.Save(ctx, job, store.ATTRIBUTES)
		}
		logger.Debug("repeated job event ignored")
		return job, nil
	}
	logger.Info("job event")
	if err := e.changeStatus(ctx, &job, phase, msg); err != nil {
		return job, err
	}
	return job, nil
}

func (e *engine) Notify(ctx context.Context, jobId string, pid int, phase, msg string) error {
	_, err := e.JobEvent(ctx, JobEvent{
		Pid:   strconv.Itoa(pid),
		JobId: jobId,
		Phase: phase,
		Msg:   msg,
	})
	return err
}

func (e *engine) GetStatus(ctx context.Context, jobId string) (proto.Job, error) {
	unlock := e.lock(jobId)
	defer unlock()
	job, err := e.store.Read(ctx, jobId, store.ALL)
	if err != nil {
		return proto.Job{}, err
	}
	if !proto.PollPhases[job.Phase] || job.Pid <= 0 {
		return job, nil
	}
	status, err := e.manager.Status(ctx, job)
	if err != nil {
		return job, serr.BackendError{Message: fmt.Sprintf("cannot get status of job %s", jobId), Output: err.Error()}
	}
	if status.Phase == job.Phase {
		return job, nil
	}
	e.jobLogger(job).Infof("backend reports %s", status.Phase)
	if err := e.changeStatus(ctx, &job, status.Phase, status.Msg); err != nil {
		return job, err
	}
	return job, nil
}

func exists(file string) bool {
	_, err := os.Stat(file)
	return err == nil
}
