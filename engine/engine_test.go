// Copyright 2026, Square, Inc.

package engine_test

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-test/deep"

	"github.com/square/uws/config"
	"github.com/square/uws/engine"
	serr "github.com/square/uws/errors"
	"github.com/square/uws/jdl"
	"github.com/square/uws/manager"
	"github.com/square/uws/proto"
	"github.com/square/uws/prov"
	"github.com/square/uws/store"
	"github.com/square/uws/test"
	"github.com/square/uws/test/mock"
)

var (
	alice = proto.User{Name: "alice", Pid: "secret"}
	bob   = proto.User{Name: "bob", Pid: "other"}
	admin = proto.User{Name: "admin", Pid: "token", Admin: true}

	ctx = context.Background()
)

var defaultJobs = config.Jobs{
	DestructionInterval:      30,
	ExecutionDurationDefault: 120,
	ExecutionDurationMax:     3600,
}

type fixture struct {
	e       engine.Engine
	store   store.Store
	manager *mock.Manager
	broker  *mock.Broker
	paths   config.Paths
}

func setup(t *testing.T, jobs config.Jobs, withProv bool) (fixture, func()) {
	s, closeStore := test.Store(t)
	paths, removePaths := test.Paths(t)
	m := &mock.Manager{
		StartFunc: func(context.Context, proto.Job, *jdl.Job) (string, error) {
			return "1234", nil
		},
	}
	b := mock.NewBroker()
	cfg := engine.Config{
		Store:   s,
		Manager: m,
		Broker:  b,
		JDL:     test.JDL,
		Paths:   paths,
		Jobs:    jobs,
		BaseURL: "http://uws.test",
	}
	if withProv {
		cfg.Prov = prov.NewJSONWriter(cfg.BaseURL)
	}
	f := fixture{
		e:       engine.NewEngine(cfg),
		store:   s,
		manager: m,
		broker:  b,
		paths:   paths,
	}
	return f, func() {
		closeStore()
		removePaths()
	}
}

func (f fixture) create(t *testing.T, input string) proto.Job {
	job, err := f.e.Create(ctx, engine.CreateParams{
		Jobname: "test_",
		User:    alice,
		Form:    map[string][]string{"input": {input}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return job
}

// started returns a job moved to phase through the engine.
func (f fixture) started(t *testing.T, phase string) proto.Job {
	job := f.create(t, "test_")
	if err := f.e.Start(ctx, "test_", job.Id, alice); err != nil {
		t.Fatal(err)
	}
	if phase != proto.PHASE_QUEUED {
		if _, err := f.e.ChangeStatus(ctx, job.Id, phase, ""); err != nil {
			t.Fatal(err)
		}
	}
	job, err := f.store.Read(ctx, job.Id, store.ALL)
	if err != nil {
		t.Fatal(err)
	}
	if job.Phase != phase {
		t.Fatalf("phase = %s, expected %s", job.Phase, phase)
	}
	return job
}

func (f fixture) phase(t *testing.T, jobId string) string {
	job, err := f.store.Read(ctx, jobId, store.ATTRIBUTES)
	if err != nil {
		t.Fatal(err)
	}
	return job.Phase
}

// --------------------------------------------------------------------------

func TestCreate(t *testing.T) {
	f, cleanup := setup(t, defaultJobs, false)
	defer cleanup()

	job, err := f.e.Create(ctx, engine.CreateParams{
		Jobname: "test_",
		User:    alice,
		Form: map[string][]string{
			"input":   {"test_"},
			"runId":   {"run-1"},
			"QUOTE":   {"45"},
			"unknown": {"x"},
		},
		Uploads: []engine.Upload{{Param: "image", Filename: "../m31.fits", Content: bytes.NewBufferString("FITS")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.Phase != proto.PHASE_PENDING || job.Pid != 0 {
		t.Errorf("phase/pid = %s/%d, expected PENDING/0", job.Phase, job.Pid)
	}
	if job.Owner != "alice" || job.OwnerPid != "secret" || job.RunId != "run-1" {
		t.Errorf("owner/pid/runid = %s/%s/%s", job.Owner, job.OwnerPid, job.RunId)
	}
	if job.ExecutionDuration != 60 {
		t.Errorf("execution duration = %d, expected JDL value 60", job.ExecutionDuration)
	}
	if job.Quote == nil || *job.Quote != 45 {
		t.Errorf("quote = %v, expected 45", job.Quote)
	}
	if d := job.DestructionTime.Sub(job.CreationTime); d != 30*24*time.Hour {
		t.Errorf("destruction - creation = %s, expected 30 days", d)
	}

	got, err := f.e.Get(ctx, "test_", job.Id, alice)
	if err != nil {
		t.Fatal(err)
	}
	expect := []proto.Parameter{
		{Name: "image", Value: "file://m31.fits", ByRef: true},
		{Name: "input", Value: "test_"},
		{Name: "scale", Value: "1.0"},
	}
	if diff := deep.Equal(got.Parameters, expect); diff != nil {
		t.Error(diff)
	}
	content, err := ioutil.ReadFile(filepath.Join(f.paths.UploadDir(job.Id), "m31.fits"))
	if err != nil || string(content) != "FITS" {
		t.Errorf("uploaded file = %q, %v; expected FITS", content, err)
	}
}

func TestCreateIdGenerator(t *testing.T) {
	s, closeStore := test.Store(t)
	defer closeStore()
	paths, removePaths := test.Paths(t)
	defer removePaths()

	var checked []string
	idgen := mock.IDGenerator{
		UIDFunc: func(taken func(string) (bool, error)) (string, error) {
			checked = append(checked, "job-1")
			if _, err := taken("job-1"); err != nil {
				return "", err
			}
			return "job-1", nil
		},
	}
	e := engine.NewEngine(engine.Config{
		Store:   s,
		Manager: &mock.Manager{},
		Broker:  mock.NewBroker(),
		JDL:     test.JDL,
		IdGen:   idgen,
		Paths:   paths,
		Jobs:    defaultJobs,
	})
	params := engine.CreateParams{Jobname: "test_", User: alice, Form: map[string][]string{"input": {"x"}}}
	job, err := e.Create(ctx, params)
	if err != nil {
		t.Fatal(err)
	}
	if job.Id != "job-1" || len(checked) != 1 {
		t.Errorf("job id = %s (checked %v), expected job-1", job.Id, checked)
	}

	idgen.UIDFunc = func(func(string) (bool, error)) (string, error) {
		return "", mock.ErrIdGenerator
	}
	e = engine.NewEngine(engine.Config{
		Store:   s,
		Manager: &mock.Manager{},
		Broker:  mock.NewBroker(),
		JDL:     test.JDL,
		IdGen:   idgen,
		Paths:   paths,
		Jobs:    defaultJobs,
	})
	if _, err := e.Create(ctx, params); err != mock.ErrIdGenerator {
		t.Errorf("err = %v, expected %v", err, mock.ErrIdGenerator)
	}
	jobs, err := s.List(ctx, store.Filter{Jobname: "test_"})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Errorf("%d jobs stored, expected 1", len(jobs))
	}
}

func TestCreateValidation(t *testing.T) {
	f, cleanup := setup(t, defaultJobs, false)
	defer cleanup()

	forms := []map[string][]string{
		{}, // missing required input
		{"input": {"x"}, "EXECUTION_DURATION": {"-1"}}, // negative duration
		{"input": {"x"}, "EXECUTIONDURATION": {"ten"}}, // not an integer
		{"input": {"x"}, "QUOTE": {"soon"}},
		{"input": {"x"}, "DESTRUCTION": {"2016-01-01 00:00:00"}},
	}
	for _, form := range forms {
		_, err := f.e.Create(ctx, engine.CreateParams{Jobname: "test_", User: alice, Form: form})
		if _, ok := err.(serr.ValidationError); !ok {
			t.Errorf("form %v: err = %v, expected a ValidationError", form, err)
		}
	}

	_, err := f.e.Create(ctx, engine.CreateParams{Jobname: "nope", User: alice})
	if _, ok := err.(serr.JDLNotFound); !ok {
		t.Errorf("err = %v, expected JDLNotFound", err)
	}

	jobs, err := f.store.List(ctx, store.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Errorf("%d jobs stored after failed creates, expected 0", len(jobs))
	}
}

func TestCreateExecutionDuration(t *testing.T) {
	no := false
	tests := []struct {
		jobs   config.Jobs
		posted string
		expect int
	}{
		{defaultJobs, "100", 100},
		{defaultJobs, "7200", 3600},
		{defaultJobs, "0", 3600},
		{config.Jobs{ExecutionDurationMax: 3600, ClampExecutionDuration: &no}, "7200", 7200},
		{config.Jobs{ExecutionDurationMax: 3600, ClampExecutionDuration: &no}, "0", 0},
	}
	for _, tt := range tests {
		f, cleanup := setup(t, tt.jobs, false)
		job, err := f.e.Create(ctx, engine.CreateParams{
			Jobname: "test_",
			User:    alice,
			Form:    map[string][]string{"input": {"x"}, "EXECUTION_DURATION": {tt.posted}},
		})
		cleanup()
		if err != nil {
			t.Error(err)
			continue
		}
		if job.ExecutionDuration != tt.expect {
			t.Errorf("posted %s: execution duration = %d, expected %d", tt.posted, job.ExecutionDuration, tt.expect)
		}
	}
}

func TestAccess(t *testing.T) {
	f, cleanup := setup(t, defaultJobs, false)
	defer cleanup()
	job := f.create(t, "test_")

	if _, err := f.e.Get(ctx, "test_", job.Id, bob); err == nil {
		t.Error("bob can read the job of alice")
	} else if _, ok := err.(serr.Forbidden); !ok {
		t.Errorf("err = %v, expected Forbidden", err)
	}
	wrongPid := proto.User{Name: "alice", Pid: "guess"}
	if _, err := f.e.Get(ctx, "test_", job.Id, wrongPid); err == nil {
		t.Error("alice with a wrong pid can read the job")
	}
	if err := f.e.Abort(ctx, "test_", job.Id, bob); err == nil {
		t.Error("bob can abort the job of alice")
	}
	if f.phase(t, job.Id) != proto.PHASE_PENDING {
		t.Error("rejected abort changed the job")
	}
	if _, err := f.e.Get(ctx, "test_", job.Id, admin); err != nil {
		t.Errorf("admin cannot read the job: %s", err)
	}
	if _, err := f.e.Get(ctx, "other", job.Id, alice); err == nil {
		t.Error("job found under another jobname")
	} else if _, ok := err.(serr.JobNotFound); !ok {
		t.Errorf("err = %v, expected JobNotFound", err)
	}

	jobs, err := f.e.List(ctx, "test_", bob, store.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Errorf("bob lists %d jobs, expected 0", len(jobs))
	}
	jobs, err = f.e.List(ctx, "test_", admin, store.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Errorf("admin lists %d jobs, expected 1", len(jobs))
	}
}

func TestStart(t *testing.T) {
	f, cleanup := setup(t, defaultJobs, false)
	defer cleanup()
	job := f.create(t, "test_")

	var gotJob proto.Job
	var gotDesc *jdl.Job
	f.manager.StartFunc = func(ctx context.Context, job proto.Job, desc *jdl.Job) (string, error) {
		gotJob, gotDesc = job, desc
		return "1234\n", nil
	}
	if err := f.e.Start(ctx, "test_", job.Id, alice); err != nil {
		t.Fatal(err)
	}
	if gotJob.Id != job.Id || len(gotJob.Parameters) == 0 || gotDesc == nil || gotDesc.Name != "test_" {
		t.Errorf("manager started job %+v with %+v", gotJob, gotDesc)
	}
	got, err := f.store.Read(ctx, job.Id, store.ALL)
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != proto.PHASE_QUEUED || got.Pid != 1234 || got.StartTime == nil {
		t.Errorf("phase/pid/start = %s/%d/%v, expected QUEUED/1234/set", got.Phase, got.Pid, got.StartTime)
	}
	if diff := deep.Equal(f.broker.Published(), []proto.Event{{JobId: job.Id, Phase: proto.PHASE_QUEUED}}); diff != nil {
		t.Error(diff)
	}

	// Double RUN
	err = f.e.Start(ctx, "test_", job.Id, alice)
	if _, ok := err.(serr.ErrInvalidState); !ok {
		t.Errorf("err = %v, expected ErrInvalidState", err)
	}
}

func TestStartBackendErrors(t *testing.T) {
	f, cleanup := setup(t, defaultJobs, false)
	defer cleanup()

	for _, raw := range []string{"abc", "0", "-4", ""} {
		job := f.create(t, "test_")
		pid := raw
		f.manager.StartFunc = func(context.Context, proto.Job, *jdl.Job) (string, error) {
			return pid, nil
		}
		err := f.e.Start(ctx, "test_", job.Id, alice)
		if _, ok := err.(serr.BackendError); !ok {
			t.Errorf("pid %q: err = %v, expected BackendError", raw, err)
		}
		got, _ := f.store.Read(ctx, job.Id, store.ATTRIBUTES)
		if got.Phase != proto.PHASE_PENDING || got.Pid != 0 {
			t.Errorf("pid %q: phase/pid = %s/%d, expected PENDING/0", raw, got.Phase, got.Pid)
		}
	}

	job := f.create(t, "test_")
	f.manager.StartFunc = func(context.Context, proto.Job, *jdl.Job) (string, error) {
		return "", mock.ErrManager
	}
	err := f.e.Start(ctx, "test_", job.Id, alice)
	if be, ok := err.(serr.BackendError); !ok || be.Output != mock.ErrManager.Error() {
		t.Errorf("err = %v, expected BackendError with manager output", err)
	}
	if len(f.broker.Published()) != 0 {
		t.Errorf("events published for failed starts: %v", f.broker.Published())
	}
}

// Abort by phase
func TestAbort(t *testing.T) {
	f, cleanup := setup(t, defaultJobs, false)
	defer cleanup()

	aborted := []string{}
	f.manager.AbortFunc = func(ctx context.Context, job proto.Job) error {
		aborted = append(aborted, job.Id)
		return manager.ErrNoSuchProcess
	}

	pending := f.create(t, "test_")
	if err := f.e.Abort(ctx, "test_", pending.Id, alice); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.Read(ctx, pending.Id, store.ALL)
	if got.Phase != proto.PHASE_ABORTED || got.EndTime == nil {
		t.Errorf("phase/end = %s/%v, expected ABORTED/set", got.Phase, got.EndTime)
	}
	if got.Error != "Job aborted by user alice" {
		t.Errorf("error = %q", got.Error)
	}
	if len(aborted) != 0 {
		t.Errorf("manager aborted a PENDING job: %v", aborted)
	}

	executing := f.started(t, proto.PHASE_EXECUTING)
	if err := f.e.Abort(ctx, "test_", executing.Id, alice); err != nil {
		t.Fatal(err)
	}
	if f.phase(t, executing.Id) != proto.PHASE_ABORTED {
		t.Error("EXECUTING job not aborted")
	}
	if diff := deep.Equal(aborted, []string{executing.Id}); diff != nil {
		t.Error(diff)
	}

	completed := f.started(t, proto.PHASE_COMPLETED)
	err := f.e.Abort(ctx, "test_", completed.Id, alice)
	if _, ok := err.(serr.ErrInvalidState); !ok {
		t.Errorf("err = %v, expected ErrInvalidState", err)
	}
	if f.phase(t, completed.Id) != proto.PHASE_COMPLETED {
		t.Error("COMPLETED job changed by abort")
	}

	// Backend failures other than "no such process" leave the job alone.
	queued := f.started(t, proto.PHASE_QUEUED)
	f.manager.AbortFunc = func(context.Context, proto.Job) error { return mock.ErrManager }
	if _, ok := f.e.Abort(ctx, "test_", queued.Id, alice).(serr.BackendError); !ok {
		t.Error("expected a BackendError")
	}
	if f.phase(t, queued.Id) != proto.PHASE_QUEUED {
		t.Error("job aborted although the manager failed")
	}
}

func TestChangeStatusRules(t *testing.T) {
	f, cleanup := setup(t, defaultJobs, false)
	defer cleanup()

	for _, src := range []string{proto.PHASE_QUEUED, proto.PHASE_EXECUTING, proto.PHASE_SUSPENDED, proto.PHASE_HELD, proto.PHASE_ERROR} {
		for _, dst := range proto.AllPhases {
			if src == dst {
				continue
			}
			job := f.started(t, proto.PHASE_QUEUED)
			if src != proto.PHASE_QUEUED {
				if _, err := f.e.ChangeStatus(ctx, job.Id, src, ""); err != nil {
					t.Fatal(err)
				}
			}
			_, err := f.e.ChangeStatus(ctx, job.Id, dst, "")
			expectOk := proto.ChangeTargetPhases[dst]
			if (err == nil) != expectOk {
				t.Errorf("%s -> %s: err = %v, expected ok = %t", src, dst, err, expectOk)
			}
			if err != nil && f.phase(t, job.Id) != src {
				t.Errorf("%s -> %s refused but phase changed to %s", src, dst, f.phase(t, job.Id))
			}
		}
	}

	// Terminal phases other than ERROR cannot be left.
	for _, src := range []string{proto.PHASE_COMPLETED, proto.PHASE_ABORTED} {
		job := f.started(t, src)
		if _, err := f.e.ChangeStatus(ctx, job.Id, proto.PHASE_EXECUTING, ""); err == nil {
			t.Errorf("%s -> EXECUTING allowed", src)
		}
	}
}

func TestErrorOnAbortedKeepsAborted(t *testing.T) {
	f, cleanup := setup(t, defaultJobs, false)
	defer cleanup()

	job := f.started(t, proto.PHASE_EXECUTING)
	if err := f.e.Abort(ctx, "test_", job.Id, alice); err != nil {
		t.Fatal(err)
	}
	events := len(f.broker.Published())

	got, err := f.e.ChangeStatus(ctx, job.Id, proto.PHASE_ERROR, "Job terminated by signal SIGTERM")
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != proto.PHASE_ABORTED {
		t.Errorf("phase = %s, expected ABORTED", got.Phase)
	}
	stored, _ := f.store.Read(ctx, job.Id, store.ATTRIBUTES)
	if stored.Error != "Job aborted by user alice. Job terminated by signal SIGTERM" {
		t.Errorf("error = %q", stored.Error)
	}
	if len(f.broker.Published()) != events {
		t.Error("event published without a phase change")
	}
}

func TestErrorsAccumulate(t *testing.T) {
	f, cleanup := setup(t, defaultJobs, false)
	defer cleanup()

	job := f.started(t, proto.PHASE_EXECUTING)
	if _, err := f.e.ChangeStatus(ctx, job.Id, proto.PHASE_ERROR, "Error in line 3."); err != nil {
		t.Fatal(err)
	}
	if _, err := f.e.JobEvent(ctx, engine.JobEvent{Pid: "1234", Phase: "ERROR", Msg: "Job terminated by signal SIGHUP"}); err != nil {
		t.Fatal(err)
	}
	stored, _ := f.store.Read(ctx, job.Id, store.ATTRIBUTES)
	if stored.Error != "Error in line 3. Job terminated by signal SIGHUP" {
		t.Errorf("error = %q", stored.Error)
	}
}

func TestResultsCollected(t *testing.T) {
	f, cleanup := setup(t, defaultJobs, true)
	defer cleanup()

	job := f.started(t, proto.PHASE_EXECUTING)
	fetched := 0
	f.manager.FetchJobdataFunc = func(ctx context.Context, j proto.Job) error {
		fetched++
		rs := f.paths.ResultsDir(j.Id)
		os.MkdirAll(rs, 0755)
		ioutil.WriteFile(filepath.Join(rs, "out.txt"), []byte("42"), 0644)
		ioutil.WriteFile(filepath.Join(f.paths.JobdataDir(j.Id), "stdout.log"), []byte("hello"), 0644)
		return nil
	}
	os.MkdirAll(f.paths.JobdataDir(job.Id), 0755)

	got, err := f.e.ChangeStatus(ctx, job.Id, proto.PHASE_COMPLETED, "")
	if err != nil {
		t.Fatal(err)
	}
	if fetched != 1 {
		t.Errorf("jobdata fetched %d times, expected 1", fetched)
	}
	if got.EndTime == nil {
		t.Error("end time not set")
	}
	stored, _ := f.store.Read(ctx, job.Id, store.RESULTS)
	expect := []proto.Result{
		{Name: "out", Url: "http://uws.test/get_result_file/" + job.Id + "/out", ContentType: "text/plain"},
		{Name: "provjson", Url: "http://uws.test/get_result_file/" + job.Id + "/provjson", ContentType: prov.CONTENT_TYPE},
		{Name: "stdout", Url: "http://uws.test/get_result_file/" + job.Id + "/stdout", ContentType: "text/plain"},
	}
	if diff := deep.Equal(stored.Results, expect); diff != nil {
		t.Error(diff)
	}

	rf, err := f.e.ResultFile(ctx, job.Id, "out", alice)
	if err != nil {
		t.Fatal(err)
	}
	if rf.Path != filepath.Join(f.paths.ResultsDir(job.Id), "out.txt") || rf.ContentType != "text/plain" {
		t.Errorf("result file = %+v", rf)
	}
	if _, err := f.e.ResultFile(ctx, job.Id, "out", bob); err == nil {
		t.Error("bob can read the results of alice")
	}
	if _, err := f.e.ResultFile(ctx, job.Id, "nope", alice); err == nil {
		t.Error("no error for an unknown result")
	}
	logFile, err := f.e.LogFile(ctx, "test_", job.Id, alice, "stdout")
	if err != nil || !strings.HasSuffix(logFile, "stdout.log") {
		t.Errorf("stdout log = %s, %v", logFile, err)
	}
	if _, err := f.e.LogFile(ctx, "test_", job.Id, alice, "stderr"); err == nil {
		t.Error("no error for a missing stderr log")
	}
}

func TestResultsOnlyOnResultPhases(t *testing.T) {
	f, cleanup := setup(t, defaultJobs, false)
	defer cleanup()

	job := f.started(t, proto.PHASE_QUEUED)
	f.manager.FetchJobdataFunc = func(context.Context, proto.Job) error {
		t.Error("jobdata fetched on a non-result phase")
		return nil
	}
	for _, phase := range []string{proto.PHASE_EXECUTING, proto.PHASE_SUSPENDED, proto.PHASE_EXECUTING} {
		if _, err := f.e.ChangeStatus(ctx, job.Id, phase, ""); err != nil {
			t.Fatal(err)
		}
	}
	stored, _ := f.store.Read(ctx, job.Id, store.ALL)
	if len(stored.Results) != 0 || stored.EndTime != nil {
		t.Errorf("results/end = %v/%v, expected none", stored.Results, stored.EndTime)
	}
}

func TestJobEvent(t *testing.T) {
	f, cleanup := setup(t, defaultJobs, false)
	defer cleanup()

	job := f.started(t, proto.PHASE_QUEUED)
	published := func() int { return len(f.broker.Published()) }
	n := published()

	// Resolved by pid
	got, err := f.e.JobEvent(ctx, engine.JobEvent{Pid: "1234", Phase: "EXECUTING"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != proto.PHASE_EXECUTING || published() != n+1 {
		t.Errorf("phase = %s, events = %d; expected EXECUTING, %d", got.Phase, published(), n+1)
	}

	// Repeated delivery is a no-op.
	if _, err := f.e.JobEvent(ctx, engine.JobEvent{Pid: "1234", Phase: "EXECUTING"}); err != nil {
		t.Fatal(err)
	}
	if published() != n+1 {
		t.Errorf("repeated event published")
	}

	// Backend phase names are translated.
	if _, err := f.e.JobEvent(ctx, engine.JobEvent{Pid: "1234", JobId: job.Id, Phase: "suspended"}); err != nil {
		t.Fatal(err)
	}
	if f.phase(t, job.Id) != proto.PHASE_SUSPENDED {
		t.Errorf("phase = %s, expected SUSPENDED", f.phase(t, job.Id))
	}
	got, err = f.e.JobEvent(ctx, engine.JobEvent{Pid: "1234", JobId: job.Id, Phase: "TIMEOUT"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != proto.PHASE_ERROR || got.Error != "Job timed out" {
		t.Errorf("phase/error = %s/%q, expected ERROR/Job timed out", got.Phase, got.Error)
	}

	// Bad events
	bad := []engine.JobEvent{
		{Pid: "abc", Phase: "EXECUTING"},
		{Pid: "1234", Phase: "DANCING"},
	}
	for _, ev := range bad {
		if _, err := f.e.JobEvent(ctx, ev); err == nil {
			t.Errorf("event %+v: no error", ev)
		} else if _, ok := err.(serr.ValidationError); !ok {
			t.Errorf("event %+v: err = %v, expected ValidationError", ev, err)
		}
	}
	_, err = f.e.JobEvent(ctx, engine.JobEvent{Pid: "999", JobId: job.Id, Phase: "COMPLETED"})
	if _, ok := err.(serr.Forbidden); !ok {
		t.Errorf("err = %v, expected Forbidden for a pid mismatch", err)
	}
	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := f.e.JobEvent(cctx, engine.JobEvent{Pid: "999", Phase: "COMPLETED"}); err == nil {
		t.Error("no error for an unknown pid")
	}
}

func TestNotify(t *testing.T) {
	f, cleanup := setup(t, defaultJobs, false)
	defer cleanup()

	job := f.started(t, proto.PHASE_EXECUTING)
	if err := f.e.Notify(ctx, job.Id, 1234, proto.PHASE_ERROR, "Process killed"); err != nil {
		t.Fatal(err)
	}
	stored, _ := f.store.Read(ctx, job.Id, store.ATTRIBUTES)
	if stored.Phase != proto.PHASE_ERROR || stored.Error != "Process killed" {
		t.Errorf("phase/error = %s/%q", stored.Phase, stored.Error)
	}
}

func TestGetStatus(t *testing.T) {
	f, cleanup := setup(t, defaultJobs, false)
	defer cleanup()

	job := f.started(t, proto.PHASE_EXECUTING)
	f.manager.StatusFunc = func(context.Context, proto.Job) (manager.Status, error) {
		return manager.Status{Phase: proto.PHASE_ERROR, Msg: "Node failure"}, nil
	}
	got, err := f.e.GetStatus(ctx, job.Id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != proto.PHASE_ERROR || got.Error != "Node failure" {
		t.Errorf("phase/error = %s/%q", got.Phase, got.Error)
	}

	// Not polled outside of the backend phases.
	f.manager.StatusFunc = func(context.Context, proto.Job) (manager.Status, error) {
		t.Error("manager polled for a PENDING job")
		return manager.Status{}, nil
	}
	pending := f.create(t, "x")
	if got, err := f.e.GetStatus(ctx, pending.Id); err != nil || got.Phase != proto.PHASE_PENDING {
		t.Errorf("phase = %s, %v; expected PENDING", got.Phase, err)
	}
}

// Parameter mutation rules
func TestSetParameter(t *testing.T) {
	f, cleanup := setup(t, defaultJobs, false)
	defer cleanup()

	job := f.create(t, "test_")
	if err := f.e.SetParameter(ctx, "test_", job.Id, alice, "input", "test_updated"); err != nil {
		t.Fatal(err)
	}
	got, _ := f.e.Get(ctx, "test_", job.Id, alice)
	if p, _ := got.Parameter("input"); p.Value != "test_updated" {
		t.Errorf("input = %s, expected test_updated", p.Value)
	}
	if err := f.e.SetParameter(ctx, "test_", job.Id, alice, "image", "http://example.com/m31.fits"); err != nil {
		t.Fatal(err)
	}
	got, _ = f.e.Get(ctx, "test_", job.Id, alice)
	if p, _ := got.Parameter("image"); !p.ByRef {
		t.Error("image is not by reference")
	}
	if _, ok := f.e.SetParameter(ctx, "test_", job.Id, alice, "nope", "x").(serr.ParameterNotFound); !ok {
		t.Error("expected ParameterNotFound for an undeclared parameter")
	}

	if err := f.e.Start(ctx, "test_", job.Id, alice); err != nil {
		t.Fatal(err)
	}
	if _, err := f.e.ChangeStatus(ctx, job.Id, proto.PHASE_COMPLETED, ""); err != nil {
		t.Fatal(err)
	}
	err := f.e.SetParameter(ctx, "test_", job.Id, alice, "input", "test_completed")
	if _, ok := err.(serr.ErrInvalidState); !ok {
		t.Errorf("err = %v, expected ErrInvalidState", err)
	}
	got, _ = f.e.Get(ctx, "test_", job.Id, alice)
	if p, _ := got.Parameter("input"); p.Value != "test_updated" {
		t.Errorf("input = %s, expected test_updated", p.Value)
	}
}

func TestSetExecutionDuration(t *testing.T) {
	f, cleanup := setup(t, defaultJobs, false)
	defer cleanup()

	job := f.create(t, "test_")
	if err := f.e.SetExecutionDuration(ctx, "test_", job.Id, alice, "600"); err != nil {
		t.Fatal(err)
	}
	if err := f.e.SetExecutionDuration(ctx, "test_", job.Id, alice, "1.5"); err == nil {
		t.Error("no error for a non-integer duration")
	}
	if err := f.e.SetExecutionDuration(ctx, "test_", job.Id, alice, "99999"); err != nil {
		t.Fatal(err)
	}
	got, _ := f.e.Get(ctx, "test_", job.Id, alice)
	if got.ExecutionDuration != 3600 {
		t.Errorf("execution duration = %d, expected clamped 3600", got.ExecutionDuration)
	}
}

// Destruction time parsing
func TestSetDestruction(t *testing.T) {
	f, cleanup := setup(t, defaultJobs, false)
	defer cleanup()

	job := f.create(t, "test_")
	if err := f.e.SetDestruction(ctx, "test_", job.Id, alice, "2016-01-01T00:00:00.55555"); err != nil {
		t.Fatal(err)
	}
	got, _ := f.e.Get(ctx, "test_", job.Id, alice)
	if s := proto.FormatTime(got.DestructionTime); s != "2016-01-01T00:00:00" {
		t.Errorf("destruction = %s, expected 2016-01-01T00:00:00", s)
	}
	err := f.e.SetDestruction(ctx, "test_", job.Id, alice, "2016-01-02 00:00:00")
	if _, ok := err.(serr.ValidationError); !ok {
		t.Errorf("err = %v, expected ValidationError", err)
	}
	got, _ = f.e.Get(ctx, "test_", job.Id, alice)
	if s := proto.FormatTime(got.DestructionTime); s != "2016-01-01T00:00:00" {
		t.Errorf("destruction = %s, expected previous value", s)
	}
}

func TestDelete(t *testing.T) {
	f, cleanup := setup(t, defaultJobs, false)
	defer cleanup()

	deleted := 0
	f.manager.DeleteFunc = func(context.Context, proto.Job) error {
		deleted++
		return manager.ErrNoSuchProcess
	}

	job := f.started(t, proto.PHASE_EXECUTING)
	for _, dir := range []string{f.paths.UploadDir(job.Id), f.paths.ResultsDir(job.Id)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.e.Delete(ctx, "test_", job.Id, alice); err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("manager delete called %d times, expected 1", deleted)
	}
	for _, dir := range []string{f.paths.UploadDir(job.Id), f.paths.JobdataDir(job.Id)} {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("%s not removed", dir)
		}
	}
	err := f.e.Delete(ctx, "test_", job.Id, alice)
	if _, ok := err.(serr.JobNotFound); !ok {
		t.Errorf("err = %v, expected JobNotFound on second delete", err)
	}

	// PENDING jobs have nothing on the backend.
	pending := f.create(t, "test_")
	if err := f.e.Delete(ctx, "test_", pending.Id, alice); err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("manager delete called for a PENDING job")
	}
}

type fakeArchiver struct {
	put []string
}

func (a *fakeArchiver) Put(ctx context.Context, jobId, name, file, contentType string) (string, error) {
	a.put = append(a.put, name)
	return "https://archive.test/" + jobId + "/" + name, nil
}

func TestArchive(t *testing.T) {
	s, closeStore := test.Store(t)
	defer closeStore()
	paths, removePaths := test.Paths(t)
	defer removePaths()
	a := &fakeArchiver{}
	e := engine.NewEngine(engine.Config{
		Store:   s,
		Manager: &mock.Manager{StartFunc: func(context.Context, proto.Job, *jdl.Job) (string, error) { return "7", nil }},
		Broker:  mock.NewBroker(),
		JDL:     test.JDL,
		Paths:   paths,
		Jobs:    defaultJobs,
		BaseURL: "http://uws.test",
		Archive: a,
	})

	job, err := e.Create(ctx, engine.CreateParams{Jobname: "test_", User: alice, Form: map[string][]string{"input": {"x"}}})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Archive(ctx, job.Id); err == nil {
		t.Error("PENDING job archived")
	}
	if err := e.Start(ctx, "test_", job.Id, alice); err != nil {
		t.Fatal(err)
	}
	rs := paths.ResultsDir(job.Id)
	os.MkdirAll(rs, 0755)
	ioutil.WriteFile(filepath.Join(rs, "out.txt"), []byte("42"), 0644)
	if _, err := e.ChangeStatus(ctx, job.Id, proto.PHASE_COMPLETED, ""); err != nil {
		t.Fatal(err)
	}

	if err := e.Archive(ctx, job.Id); err != nil {
		t.Fatal(err)
	}
	got, err := e.Get(ctx, "test_", job.Id, alice)
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != proto.PHASE_ARCHIVED {
		t.Errorf("phase = %s, expected ARCHIVED", got.Phase)
	}
	if diff := deep.Equal(a.put, []string{"out.txt"}); diff != nil {
		t.Error(diff)
	}
	if r, _ := got.Result("out"); r.Url != "https://archive.test/"+job.Id+"/out.txt" {
		t.Errorf("url = %s", r.Url)
	}
	if _, err := os.Stat(rs); !os.IsNotExist(err) {
		t.Error("results dir not removed")
	}
	rf, err := e.ResultFile(ctx, job.Id, "out", alice)
	if err != nil || rf.Path != "" || rf.Url != "https://archive.test/"+job.Id+"/out.txt" {
		t.Errorf("result file = %+v, %v; expected the archive url", rf, err)
	}
}
