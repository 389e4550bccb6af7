// Copyright 2026, Square, Inc.

// Package maintenance reconciles jobs with the backend and destroys jobs past
// their destruction time. It runs periodically and on demand through the
// maintenance endpoint.
package maintenance

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/square/uws/auth"
	"github.com/square/uws/engine"
	"github.com/square/uws/jdl"
	"github.com/square/uws/proto"
	"github.com/square/uws/store"
)

// ALL_JOBNAMES selects every jobname of the JDL registry in Check.
const ALL_JOBNAMES = "__all__"

// A Maintainer checks the jobs of one jobname, or of all jobnames, and
// returns a report of what it found and did.
type Maintainer interface {
	// Check runs one pass over the jobs of jobname (or ALL_JOBNAMES).
	Check(ctx context.Context, jobname string) ([]string, error)

	// Run calls Check for all jobnames every interval until shutdownChan is
	// closed.
	Run()
}

type Config struct {
	Engine           engine.Engine
	Store            store.Store
	JDL              jdl.Registry
	UseArchivedPhase bool
	Interval         time.Duration
	ShutdownChan     chan struct{}
}

type maintainer struct {
	engine       engine.Engine
	store        store.Store
	jdl          jdl.Registry
	archive      bool
	interval     time.Duration
	shutdownChan chan struct{}
	logger       *log.Entry
}

func NewMaintainer(cfg Config) Maintainer {
	return &maintainer{
		engine:       cfg.Engine,
		store:        cfg.Store,
		jdl:          cfg.JDL,
		archive:      cfg.UseArchivedPhase,
		interval:     cfg.Interval,
		shutdownChan: cfg.ShutdownChan,
		logger:       log.WithFields(log.Fields{"module": "maintenance"}),
	}
}

func (m *maintainer) Run() {
	if m.interval <= 0 {
		m.logger.Info("periodic maintenance disabled")
		return
	}
	for {
		select {
		case <-m.shutdownChan:
			return
		case <-time.After(m.interval):
			ctx, cancel := context.WithTimeout(context.Background(), m.interval)
			report, err := m.Check(ctx, ALL_JOBNAMES)
			cancel()
			if err != nil {
				m.logger.Errorf("maintenance failed: %s", err)
				continue
			}
			m.logger.WithField("lines", len(report)).Debug("maintenance done")
		}
	}
}

func (m *maintainer) Check(ctx context.Context, jobname string) ([]string, error) {
	jobnames := []string{jobname}
	if jobname == ALL_JOBNAMES {
		var err error
		if jobnames, err = m.jdl.Jobnames(); err != nil {
			return nil, err
		}
	}
	report := []string{}
	for _, name := range jobnames {
		report = append(report, fmt.Sprintf("Maintenance checks for %s...", name))
		jobs, err := m.store.List(ctx, store.Filter{Jobname: name})
		if err != nil {
			return report, err
		}
		for _, job := range jobs {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			default:
			}
			report = append(report, m.checkJob(ctx, job)...)
		}
	}
	report = append(report, "Done")
	return report, nil
}

// checkJob reconciles one job and returns its report lines. Errors are
// reported, not returned, so that one bad job does not stop the pass.
func (m *maintainer) checkJob(ctx context.Context, job proto.Job) []string {
	logger := m.logger.WithFields(log.Fields{"jobid": job.Id, "jobname": job.Jobname, "phase": job.Phase})
	report := []string{fmt.Sprintf("[%s %s %s %s]", job.Jobname, job.Id, proto.FormatTime(job.CreationTime), job.Phase)}
	for _, problem := range Inconsistencies(job) {
		logger.Warn(problem)
		report = append(report, "  "+problem)
	}

	if proto.PollPhases[job.Phase] {
		updated, err := m.engine.GetStatus(ctx, job.Id)
		if err != nil {
			logger.Warnf("cannot get status: %s", err)
			report = append(report, "  Cannot get status: "+err.Error())
		} else if updated.Phase != job.Phase {
			report = append(report, fmt.Sprintf("  Status has been updated: %s --> %s", job.Phase, updated.Phase))
			job = updated
		}
	}

	if !job.DestructionTime.Before(proto.Now()) {
		return report
	}
	switch {
	case job.Phase == proto.PHASE_ARCHIVED:
		// Archived jobs are kept.
	case m.archive && proto.ResultPhases[job.Phase]:
		if err := m.engine.Archive(ctx, job.Id); err != nil {
			logger.Warnf("cannot archive: %s", err)
			report = append(report, "  Cannot archive job: "+err.Error())
			break
		}
		report = append(report, fmt.Sprintf("  Job has been archived (destruction_time=%s)", proto.FormatTime(job.DestructionTime)))
	default:
		if err := m.engine.Delete(ctx, job.Jobname, job.Id, auth.Internal); err != nil {
			logger.Warnf("cannot delete: %s", err)
			report = append(report, "  Cannot delete job: "+err.Error())
			break
		}
		report = append(report, fmt.Sprintf("  Job has been deleted (destruction_time=%s)", proto.FormatTime(job.DestructionTime)))
	}
	return report
}

// Inconsistencies returns the problems found in the dates and phase of a job.
// Dates must be ordered creation, start, end, destruction.
func Inconsistencies(job proto.Job) []string {
	problems := []string{}
	if !proto.IsPhase(job.Phase) {
		problems = append(problems, "Unknown phase "+job.Phase)
	}
	if job.StartTime != nil && job.StartTime.Before(job.CreationTime) {
		problems = append(problems, "creation_time > start_time")
	}
	if job.StartTime != nil && job.EndTime != nil && job.EndTime.Before(*job.StartTime) {
		problems = append(problems, "start_time > end_time")
	}
	if job.EndTime != nil && job.DestructionTime.Before(*job.EndTime) {
		problems = append(problems, "end_time > destruction_time")
	}
	if job.StartTime == nil && job.Phase != proto.PHASE_PENDING && job.Phase != proto.PHASE_QUEUED {
		problems = append(problems, "Start time not set")
	}
	if job.EndTime == nil && proto.ResultPhases[job.Phase] {
		problems = append(problems, "End time not set")
	}
	return problems
}
