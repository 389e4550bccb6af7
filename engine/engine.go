// Copyright 2026, Square, Inc.

// Package engine provides the job engine: the per-job state machine and the
// lifecycle operations driven by the REST API, the job-event endpoint, and
// the maintenance loop. Every phase write goes through ChangeStatus.
package engine

import (
	"context"
	"io"
	"sync"

	"github.com/orcaman/concurrent-map"
	log "github.com/sirupsen/logrus"

	"github.com/square/uws/archive"
	"github.com/square/uws/broker"
	"github.com/square/uws/config"
	serr "github.com/square/uws/errors"
	"github.com/square/uws/id"
	"github.com/square/uws/jdl"
	"github.com/square/uws/manager"
	"github.com/square/uws/proto"
	"github.com/square/uws/prov"
	"github.com/square/uws/store"
)

// An Engine creates jobs and moves them through their lifecycle. Operations
// that take a user return errors.Forbidden if the user cannot access the job.
// Operations that take a jobname return errors.JobNotFound if the job exists
// under another jobname.
type Engine interface {
	// Create creates a PENDING job from the posted form and uploads.
	Create(ctx context.Context, params CreateParams) (proto.Job, error)

	// Get returns the job with its parameters and results.
	Get(ctx context.Context, jobname, jobId string, user proto.User) (proto.Job, error)

	// List returns the jobs of jobname visible to user that match the filter.
	List(ctx context.Context, jobname string, user proto.User, filter store.Filter) ([]proto.Job, error)

	// Start submits a PENDING job to the manager and moves it to QUEUED.
	Start(ctx context.Context, jobname, jobId string, user proto.User) error

	// Abort aborts the job on the backend and moves it to ABORTED.
	Abort(ctx context.Context, jobname, jobId string, user proto.User) error

	// Delete removes the job from the backend, the server, and the store.
	Delete(ctx context.Context, jobname, jobId string, user proto.User) error

	// SetParameter sets the value of a parameter of a PENDING job.
	SetParameter(ctx context.Context, jobname, jobId string, user proto.User, name, value string) error

	// SetExecutionDuration sets the execution duration (seconds) of a PENDING job.
	SetExecutionDuration(ctx context.Context, jobname, jobId string, user proto.User, value string) error

	// SetDestruction sets the destruction time of the job.
	SetDestruction(ctx context.Context, jobname, jobId string, user proto.User, value string) error

	// ChangeStatus moves the job to phase. msg is appended to the job error
	// when phase is ERROR.
	ChangeStatus(ctx context.Context, jobId, phase, msg string) (proto.Job, error)

	// JobEvent applies a phase reported by a running job script.
	JobEvent(ctx context.Context, event JobEvent) (proto.Job, error)

	// GetStatus asks the manager for the phase of a job that is in the
	// backend, applies it if it changed, and returns the job.
	GetStatus(ctx context.Context, jobId string) (proto.Job, error)

	// Archive moves a job in a result phase to ARCHIVED, moving its result
	// files to the archive if there is one.
	Archive(ctx context.Context, jobId string) error

	// ResultFile returns where the content of a result is.
	ResultFile(ctx context.Context, jobId, rname string, user proto.User) (ResultFile, error)

	// LogFile returns the path of the stdout or stderr log of the job.
	LogFile(ctx context.Context, jobname, jobId string, user proto.User, which string) (string, error)

	// Notify implements manager.Notifier.
	Notify(ctx context.Context, jobId string, pid int, phase, msg string) error
}

// CreateParams are the inputs of Create.
type CreateParams struct {
	Jobname string
	User    proto.User
	Form    map[string][]string // posted fields, control parameters included
	Uploads []Upload
}

// Upload is one uploaded file for an input.
type Upload struct {
	Param    string
	Filename string
	Content  io.Reader
}

// JobEvent is a callback from a job script. Pid is the backend process id as
// posted. JobId is optional; if set, the job is resolved by it and Pid must
// match.
type JobEvent struct {
	Pid   string
	JobId string
	Phase string
	Msg   string
}

// ResultFile locates the content of a result. If Path is empty the result
// is served from Url.
type ResultFile struct {
	Path        string
	Url         string
	ContentType string
}

// Config configures an engine.
type Config struct {
	Store      store.Store
	Manager    manager.Manager
	Broker     broker.Broker
	JDL        jdl.Registry
	IdGen      id.Generator
	Paths      config.Paths
	Jobs       config.Jobs
	PhaseTable map[string]config.PhaseConvert
	BaseURL    string           // result URLs are BaseURL/get_result_file/<jobid>/<rname>
	Prov       prov.Writer      // optional
	Archive    archive.Archiver // optional
}

type engine struct {
	store    store.Store
	manager  manager.Manager
	broker   broker.Broker
	jdl      jdl.Registry
	idgen    id.Generator
	paths    config.Paths
	jobs     config.Jobs
	phases   map[string]config.PhaseConvert
	baseURL  string
	prov     prov.Writer
	archiver archive.Archiver
	locks    cmap.ConcurrentMap // jobId => *jobLock
	logger   *log.Entry
}

// NewEngine returns an Engine.
func NewEngine(cfg Config) Engine {
	if cfg.PhaseTable == nil {
		cfg.PhaseTable = config.DefaultPhaseConvert
	}
	if cfg.IdGen == nil {
		cfg.IdGen = id.NewGenerator(cfg.Jobs.IdLength, 5)
	}
	return &engine{
		store:    cfg.Store,
		manager:  cfg.Manager,
		broker:   cfg.Broker,
		jdl:      cfg.JDL,
		idgen:    cfg.IdGen,
		paths:    cfg.Paths,
		jobs:     cfg.Jobs,
		phases:   cfg.PhaseTable,
		baseURL:  cfg.BaseURL,
		prov:     cfg.Prov,
		archiver: cfg.Archive,
		locks:    cmap.New(),
		logger:   log.WithFields(log.Fields{"module": "engine"}),
	}
}

// --------------------------------------------------------------------------

// jobLock is the critical section of one job. refs counts the goroutines
// holding or waiting for it; the entry is evicted when it drops to zero.
type jobLock struct {
	sync.Mutex
	refs int
}

// lock locks the job and returns the func that unlocks it.
func (e *engine) lock(jobId string) func() {
	v := e.locks.Upsert(jobId, nil, func(exists bool, inMap, newV interface{}) interface{} {
		if exists {
			l := inMap.(*jobLock)
			l.refs++
			return l
		}
		return &jobLock{refs: 1}
	})
	l := v.(*jobLock)
	l.Lock()
	return func() {
		l.Unlock()
		e.locks.RemoveCb(jobId, func(key string, v interface{}, exists bool) bool {
			if !exists {
				return false
			}
			l := v.(*jobLock)
			l.refs--
			return l.refs == 0
		})
	}
}

// load reads the job and checks that it is a job of jobname (if set) that the
// user can access.
func (e *engine) load(ctx context.Context, jobname, jobId string, user proto.User, what store.Part) (proto.Job, error) {
	job, err := e.store.Read(ctx, jobId, what)
	if err != nil {
		return proto.Job{}, err
	}
	if jobname != "" && job.Jobname != jobname {
		return proto.Job{}, serr.JobNotFound{JobId: jobId}
	}
	if !user.CanAccess(job) {
		return proto.Job{}, serr.Forbidden{Message: "user " + user.Name + " cannot access job " + jobId}
	}
	return job, nil
}

func (e *engine) jobLogger(job proto.Job) *log.Entry {
	return e.logger.WithFields(log.Fields{"jobid": job.Id, "jobname": job.Jobname, "phase": job.Phase})
}
