// Copyright 2026, Square, Inc.

// Package store persists jobs, their parameters, and their results in a SQL
// database. MySQL and SQLite are supported; times are stored as fixed-width
// ISO-8601 strings so both drivers sort and compare them the same way.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	serr "github.com/square/uws/errors"
	"github.com/square/uws/proto"
)

// Part selects which parts of a job are saved or read.
type Part uint8

const (
	ATTRIBUTES Part = 1 << iota
	PARAMETERS
	RESULTS

	ALL = ATTRIBUTES | PARAMETERS | RESULTS
)

const (
	jobColumns = "jobid, jobname, phase, quote, execution_duration, `error`, creation_time, start_time, " +
		"end_time, destruction_time, owner, owner_pid, run_id, pid"

	replaceJob = "REPLACE INTO jobs (" + jobColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	selectJob  = "SELECT " + jobColumns + " FROM jobs WHERE jobid = ?"
	selectPid  = "SELECT jobid FROM jobs WHERE pid = ? ORDER BY creation_time DESC LIMIT 1"
	existsJob  = "SELECT COUNT(*) FROM jobs WHERE jobid = ?"
	deleteJob  = "DELETE FROM jobs WHERE jobid = ?"

	deleteParameters = "DELETE FROM job_parameters WHERE jobid = ?"
	insertParameter  = "INSERT INTO job_parameters (jobid, name, value, by_ref) VALUES (?, ?, ?, ?)"
	selectParameters = "SELECT name, value, by_ref FROM job_parameters WHERE jobid = ? ORDER BY name"

	deleteResults = "DELETE FROM job_results WHERE jobid = ?"
	insertResult  = "INSERT INTO job_results (jobid, name, url, content_type) VALUES (?, ?, ?, ?)"
	selectResults = "SELECT name, url, content_type FROM job_results WHERE jobid = ? ORDER BY name"
)

// Filter selects jobs in List. Zero values match all jobs.
type Filter struct {
	Jobname  string
	Owner    string // with OwnerPid, only jobs of this identity
	OwnerPid string
	Phases   []string
	After    *time.Time // created strictly after
	Last     int        // the Last most recent jobs
}

// A Store persists jobs.
type Store interface {
	// Save saves the selected parts of job. Saving parameters or results
	// replaces all stored ones.
	Save(ctx context.Context, job proto.Job, what Part) error

	// Read reads the job with the selected parts. It returns
	// errors.JobNotFound if there is no such job.
	Read(ctx context.Context, jobId string, what Part) (proto.Job, error)

	// ReadByPid reads the most recent job with the backend process id.
	ReadByPid(ctx context.Context, pid int, what Part) (proto.Job, error)

	// Exists returns true if a job with the id is stored.
	Exists(ctx context.Context, jobId string) (bool, error)

	// Delete deletes the job and all its parameters and results. It returns
	// errors.JobNotFound if there is no such job.
	Delete(ctx context.Context, jobId string) error

	// List returns the attributes of the jobs matching the filter, ordered by
	// destruction time, or by creation time (most recent first) if
	// filter.Last is set.
	List(ctx context.Context, filter Filter) ([]proto.Job, error)
}

type sqlStore struct {
	db *sql.DB
}

// NewStore returns a Store using db. The schema must exist; see Migrate.
func NewStore(db *sql.DB) Store {
	return &sqlStore{
		db: db,
	}
}

func (s *sqlStore) Save(ctx context.Context, job proto.Job, what Part) error {
	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return serr.NewDbError(err, "BEGIN")
	}
	defer txn.Rollback()

	if what&ATTRIBUTES != 0 {
		var quote, pid sql.NullInt64
		if job.Quote != nil {
			quote = sql.NullInt64{Int64: int64(*job.Quote), Valid: true}
		}
		if job.Pid != 0 {
			pid = sql.NullInt64{Int64: int64(job.Pid), Valid: true}
		}
		if _, err := txn.ExecContext(ctx, replaceJob,
			job.Id,
			job.Jobname,
			job.Phase,
			quote,
			job.ExecutionDuration,
			job.Error,
			proto.FormatTime(job.CreationTime),
			nullTime(job.StartTime),
			nullTime(job.EndTime),
			proto.FormatTime(job.DestructionTime),
			job.Owner,
			job.OwnerPid,
			job.RunId,
			pid,
		); err != nil {
			return serr.NewDbError(err, replaceJob)
		}
	}

	if what&PARAMETERS != 0 {
		if _, err := txn.ExecContext(ctx, deleteParameters, job.Id); err != nil {
			return serr.NewDbError(err, deleteParameters)
		}
		for _, p := range job.Parameters {
			if _, err := txn.ExecContext(ctx, insertParameter, job.Id, p.Name, p.Value, p.ByRef); err != nil {
				return serr.NewDbError(err, insertParameter)
			}
		}
	}

	if what&RESULTS != 0 {
		if _, err := txn.ExecContext(ctx, deleteResults, job.Id); err != nil {
			return serr.NewDbError(err, deleteResults)
		}
		for _, r := range job.Results {
			if _, err := txn.ExecContext(ctx, insertResult, job.Id, r.Name, r.Url, r.ContentType); err != nil {
				return serr.NewDbError(err, insertResult)
			}
		}
	}

	if err := txn.Commit(); err != nil {
		return serr.NewDbError(err, "COMMIT")
	}
	return nil
}

func (s *sqlStore) Read(ctx context.Context, jobId string, what Part) (proto.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, selectJob, jobId))
	if err != nil {
		if err == sql.ErrNoRows {
			return job, serr.JobNotFound{JobId: jobId}
		}
		return job, serr.NewDbError(err, selectJob)
	}

	if what&PARAMETERS != 0 {
		rows, err := s.db.QueryContext(ctx, selectParameters, jobId)
		if err != nil {
			return job, serr.NewDbError(err, selectParameters)
		}
		defer rows.Close()
		for rows.Next() {
			var p proto.Parameter
			if err := rows.Scan(&p.Name, &p.Value, &p.ByRef); err != nil {
				return job, serr.NewDbError(err, selectParameters)
			}
			job.Parameters = append(job.Parameters, p)
		}
		if err := rows.Err(); err != nil {
			return job, serr.NewDbError(err, selectParameters)
		}
	}

	if what&RESULTS != 0 {
		rows, err := s.db.QueryContext(ctx, selectResults, jobId)
		if err != nil {
			return job, serr.NewDbError(err, selectResults)
		}
		defer rows.Close()
		for rows.Next() {
			var r proto.Result
			if err := rows.Scan(&r.Name, &r.Url, &r.ContentType); err != nil {
				return job, serr.NewDbError(err, selectResults)
			}
			job.Results = append(job.Results, r)
		}
		if err := rows.Err(); err != nil {
			return job, serr.NewDbError(err, selectResults)
		}
	}

	return job, nil
}

func (s *sqlStore) ReadByPid(ctx context.Context, pid int, what Part) (proto.Job, error) {
	var jobId string
	if err := s.db.QueryRowContext(ctx, selectPid, pid).Scan(&jobId); err != nil {
		if err == sql.ErrNoRows {
			return proto.Job{}, serr.JobNotFound{JobId: fmt.Sprintf("with pid %d", pid)}
		}
		return proto.Job{}, serr.NewDbError(err, selectPid)
	}
	return s.Read(ctx, jobId, what)
}

func (s *sqlStore) Exists(ctx context.Context, jobId string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, existsJob, jobId).Scan(&n); err != nil {
		return false, serr.NewDbError(err, existsJob)
	}
	return n > 0, nil
}

func (s *sqlStore) Delete(ctx context.Context, jobId string) error {
	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return serr.NewDbError(err, "BEGIN")
	}
	defer txn.Rollback()

	if _, err := txn.ExecContext(ctx, deleteParameters, jobId); err != nil {
		return serr.NewDbError(err, deleteParameters)
	}
	if _, err := txn.ExecContext(ctx, deleteResults, jobId); err != nil {
		return serr.NewDbError(err, deleteResults)
	}
	res, err := txn.ExecContext(ctx, deleteJob, jobId)
	if err != nil {
		return serr.NewDbError(err, deleteJob)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return serr.NewDbError(err, deleteJob)
	}
	if n == 0 {
		return serr.JobNotFound{JobId: jobId}
	}

	if err := txn.Commit(); err != nil {
		return serr.NewDbError(err, "COMMIT")
	}
	return nil
}

func (s *sqlStore) List(ctx context.Context, f Filter) ([]proto.Job, error) {
	where := []string{}
	args := []interface{}{}
	if f.Jobname != "" {
		where = append(where, "jobname = ?")
		args = append(args, f.Jobname)
	}
	if f.Owner != "" {
		where = append(where, "owner = ? AND owner_pid = ?")
		args = append(args, f.Owner, f.OwnerPid)
	}
	if len(f.Phases) > 0 {
		where = append(where, "phase IN (?"+strings.Repeat(", ?", len(f.Phases)-1)+")")
		for _, p := range f.Phases {
			args = append(args, p)
		}
	}
	if f.After != nil {
		where = append(where, "creation_time > ?")
		args = append(args, proto.FormatTime(*f.After))
	}

	q := "SELECT " + jobColumns + " FROM jobs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Last > 0 {
		q += fmt.Sprintf(" ORDER BY creation_time DESC, jobid LIMIT %d", f.Last)
	} else {
		q += " ORDER BY destruction_time ASC, jobid"
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, serr.NewDbError(err, q)
	}
	defer rows.Close()

	jobs := []proto.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, serr.NewDbError(err, q)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, serr.NewDbError(err, q)
	}
	return jobs, nil
}

// ------------------------------------------------------------------------- //

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (proto.Job, error) {
	var job proto.Job
	var (
		quote, pid            sql.NullInt64
		jobErr, runId         sql.NullString
		creation, destruction string
		startTime, endTime    sql.NullString
	)
	if err := row.Scan(
		&job.Id,
		&job.Jobname,
		&job.Phase,
		&quote,
		&job.ExecutionDuration,
		&jobErr,
		&creation,
		&startTime,
		&endTime,
		&destruction,
		&job.Owner,
		&job.OwnerPid,
		&runId,
		&pid,
	); err != nil {
		return job, err
	}

	var err error
	if job.CreationTime, err = proto.ParseTime(creation); err != nil {
		return job, err
	}
	if job.DestructionTime, err = proto.ParseTime(destruction); err != nil {
		return job, err
	}
	if job.StartTime, err = parseNullTime(startTime); err != nil {
		return job, err
	}
	if job.EndTime, err = parseNullTime(endTime); err != nil {
		return job, err
	}
	if quote.Valid {
		q := int(quote.Int64)
		job.Quote = &q
	}
	if pid.Valid {
		job.Pid = int(pid.Int64)
	}
	job.Error = jobErr.String
	job.RunId = runId.String
	return job, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: proto.FormatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := proto.ParseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
