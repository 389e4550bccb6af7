// Copyright 2026, Square, Inc.

package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/square/uws/batch"
	serr "github.com/square/uws/errors"
	"github.com/square/uws/manager"
	"github.com/square/uws/proto"
	"github.com/square/uws/prov"
	"github.com/square/uws/store"
)

func (e *engine) Get(ctx context.Context, jobname, jobId string, user proto.User) (proto.Job, error) {
	return e.load(ctx, jobname, jobId, user, store.ALL)
}

func (e *engine) List(ctx context.Context, jobname string, user proto.User, filter store.Filter) ([]proto.Job, error) {
	filter.Jobname = jobname
	if !user.Admin {
		filter.Owner = user.Name
		filter.OwnerPid = user.Pid
	}
	return e.store.List(ctx, filter)
}

func (e *engine) Start(ctx context.Context, jobname, jobId string, user proto.User) error {
	unlock := e.lock(jobId)
	defer unlock()
	job, err := e.load(ctx, jobname, jobId, user, store.ALL)
	if err != nil {
		return err
	}
	if job.Phase != proto.PHASE_PENDING {
		return serr.NewErrInvalidState(jobId, "start", job.Phase)
	}
	desc, err := e.jdl.Get(job.Jobname)
	if err != nil {
		return err
	}
	logger := e.jobLogger(job)

	if err := e.manager.CopyScript(ctx, job.Jobname); err != nil {
		return serr.BackendError{Message: "cannot copy job script", Output: err.Error()}
	}
	raw, err := e.manager.Start(ctx, job, desc)
	if err != nil {
		logger.Errorf("cannot start job: %s", err)
		return serr.BackendError{Message: "cannot start job", Output: err.Error()}
	}
	pid, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || pid <= 0 {
		logger.Errorf("invalid pid from manager: %q", raw)
		return serr.BackendError{Message: fmt.Sprintf("invalid pid returned by the job manager: %q", strings.TrimSpace(raw)), Output: raw}
	}
	job.Pid = pid
	return e.changeStatus(ctx, &job, proto.PHASE_QUEUED, "")
}

func (e *engine) Abort(ctx context.Context, jobname, jobId string, user proto.User) error {
	unlock := e.lock(jobId)
	defer unlock()
	job, err := e.load(ctx, jobname, jobId, user, store.ALL)
	if err != nil {
		return err
	}
	if !proto.AbortablePhases[job.Phase] {
		return serr.NewErrInvalidState(jobId, "abort", job.Phase)
	}
	if job.Phase != proto.PHASE_PENDING {
		if err := e.manager.Abort(ctx, job); err != nil {
			if err != manager.ErrNoSuchProcess {
				return serr.BackendError{Message: "cannot abort job", Output: err.Error()}
			}
			e.jobLogger(job).Info("no backend process to abort")
		}
	}
	job.AppendError("Job aborted by user " + user.Name)
	return e.changeStatus(ctx, &job, proto.PHASE_ABORTED, "")
}

func (e *engine) Delete(ctx context.Context, jobname, jobId string, user proto.User) error {
	unlock := e.lock(jobId)
	defer unlock()
	job, err := e.load(ctx, jobname, jobId, user, store.ATTRIBUTES)
	if err != nil {
		return err
	}
	if err := e.removeBackend(ctx, job); err != nil {
		return err
	}
	e.removeFiles(job)
	if err := e.store.Delete(ctx, jobId); err != nil {
		return err
	}
	e.jobLogger(job).WithField("user", user.String()).Info("job deleted")
	return nil
}

// removeBackend deletes the backend workload and files of a started job.
func (e *engine) removeBackend(ctx context.Context, job proto.Job) error {
	if job.Phase == proto.PHASE_PENDING || job.Pid <= 0 {
		return nil
	}
	if err := e.manager.Delete(ctx, job); err != nil {
		if err != manager.ErrNoSuchProcess {
			return serr.BackendError{Message: "cannot delete job on the backend", Output: err.Error()}
		}
		e.jobLogger(job).Debug("no backend process to delete")
	}
	return nil
}

// removeFiles removes the server directories of the job.
func (e *engine) removeFiles(job proto.Job) {
	dirs := []string{
		e.paths.UploadDir(job.Id),
		e.paths.WorkDir(job.Id),
		e.paths.ResultsDir(job.Id),
		e.paths.JobdataDir(job.Id),
	}
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			e.jobLogger(job).Warnf("cannot remove %s: %s", dir, err)
		}
	}
}

func (e *engine) SetParameter(ctx context.Context, jobname, jobId string, user proto.User, name, value string) error {
	unlock := e.lock(jobId)
	defer unlock()
	job, err := e.load(ctx, jobname, jobId, user, store.ALL)
	if err != nil {
		return err
	}
	if job.Phase != proto.PHASE_PENDING {
		return serr.NewErrInvalidState(jobId, "set parameter "+name+" of", job.Phase)
	}
	byRef := false
	if desc, err := e.jdl.Get(job.Jobname); err == nil {
		if in, ok := desc.Input(name); ok {
			byRef = in.ByRef
		} else if _, ok := job.Parameter(name); !ok {
			return serr.ParameterNotFound{JobId: jobId, Name: name}
		}
	}
	found := false
	for i, p := range job.Parameters {
		if p.Name == name {
			job.Parameters[i].Value = value
			found = true
		}
	}
	if !found {
		job.Parameters = append(job.Parameters, proto.Parameter{Name: name, Value: value, ByRef: byRef})
	}
	if err := e.store.Save(ctx, job, store.PARAMETERS); err != nil {
		return err
	}
	e.jobLogger(job).WithField("param", name).Info("parameter set")
	return nil
}

func (e *engine) SetExecutionDuration(ctx context.Context, jobname, jobId string, user proto.User, value string) error {
	unlock := e.lock(jobId)
	defer unlock()
	job, err := e.load(ctx, jobname, jobId, user, store.ATTRIBUTES)
	if err != nil {
		return err
	}
	if job.Phase != proto.PHASE_PENDING {
		return serr.NewErrInvalidState(jobId, "set execution duration of", job.Phase)
	}
	d, err := parseDuration(value)
	if err != nil {
		return err
	}
	desc, _ := e.jdl.Get(job.Jobname)
	job.ExecutionDuration = e.clamp(d, desc)
	return e.store.Save(ctx, job, store.ATTRIBUTES)
}

func (e *engine) SetDestruction(ctx context.Context, jobname, jobId string, user proto.User, value string) error {
	t, err := proto.ParseTime(value)
	if err != nil {
		return serr.ValidationError{Message: err.Error()}
	}
	unlock := e.lock(jobId)
	defer unlock()
	job, err := e.load(ctx, jobname, jobId, user, store.ATTRIBUTES)
	if err != nil {
		return err
	}
	job.DestructionTime = t
	return e.store.Save(ctx, job, store.ATTRIBUTES)
}

// --------------------------------------------------------------------------

func (e *engine) Archive(ctx context.Context, jobId string) error {
	unlock := e.lock(jobId)
	defer unlock()
	job, err := e.store.Read(ctx, jobId, store.ALL)
	if err != nil {
		return err
	}
	if !proto.ResultPhases[job.Phase] {
		return serr.NewErrInvalidState(jobId, "archive", job.Phase)
	}
	logger := e.jobLogger(job)

	if e.archiver == nil {
		job.Results = nil
	} else {
		for i, r := range job.Results {
			file, err := e.resultPath(job, r.Name)
			if err != nil {
				logger.Warnf("result %s not archived: %s", r.Name, err)
				continue
			}
			url, err := e.archiver.Put(ctx, job.Id, filepath.Base(file), file, r.ContentType)
			if err != nil {
				return serr.BackendError{Message: "cannot archive result " + r.Name, Output: err.Error()}
			}
			job.Results[i].Url = url
		}
	}

	if err := e.removeBackend(ctx, job); err != nil {
		return err
	}
	e.removeFiles(job)
	job.Phase = proto.PHASE_ARCHIVED
	if err := e.store.Save(ctx, job, store.ATTRIBUTES|store.RESULTS); err != nil {
		return err
	}
	logger.WithField("results", len(job.Results)).Info("job archived")
	e.publish(ctx, job)
	return nil
}

func (e *engine) ResultFile(ctx context.Context, jobId, rname string, user proto.User) (ResultFile, error) {
	job, err := e.load(ctx, "", jobId, user, store.ALL)
	if err != nil {
		return ResultFile{}, err
	}
	r, ok := job.Result(rname)
	if !ok {
		return ResultFile{}, serr.ResultNotFound{JobId: jobId, Name: rname}
	}
	if job.Phase == proto.PHASE_ARCHIVED {
		return ResultFile{Url: r.Url, ContentType: r.ContentType}, nil
	}
	file, err := e.resultPath(job, rname)
	if err != nil {
		return ResultFile{}, err
	}
	if !exists(file) {
		return ResultFile{}, serr.ResultNotFound{JobId: jobId, Name: rname}
	}
	return ResultFile{Path: file, Url: r.Url, ContentType: r.ContentType}, nil
}

// resultPath returns the server file of a result.
func (e *engine) resultPath(job proto.Job, rname string) (string, error) {
	if file, ok := logFiles[rname]; ok {
		return filepath.Join(e.paths.JobdataDir(job.Id), file), nil
	}
	if rname == proto.RESULT_PROVENANCE {
		return filepath.Join(e.paths.ResultsDir(job.Id), prov.FILE), nil
	}
	desc, err := e.jdl.Get(job.Jobname)
	if err != nil {
		return "", err
	}
	for _, rf := range batch.ResultFiles(job, desc) {
		if rf.Name == rname {
			return filepath.Join(e.paths.ResultsDir(job.Id), rf.File), nil
		}
	}
	return "", serr.ResultNotFound{JobId: job.Id, Name: rname}
}

func (e *engine) LogFile(ctx context.Context, jobname, jobId string, user proto.User, which string) (string, error) {
	name, ok := logFiles[which]
	if !ok {
		return "", serr.ResultNotFound{JobId: jobId, Name: which}
	}
	job, err := e.load(ctx, jobname, jobId, user, store.ATTRIBUTES)
	if err != nil {
		return "", err
	}
	file := filepath.Join(e.paths.JobdataDir(job.Id), name)
	if !exists(file) {
		e.logger.WithFields(log.Fields{"jobid": jobId, "log": which}).Debug("log file not found")
		return "", serr.ResultNotFound{JobId: jobId, Name: which}
	}
	return file, nil
}
