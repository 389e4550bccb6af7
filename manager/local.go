// Copyright 2026, Square, Inc.

package manager

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/orcaman/concurrent-map"
	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"

	"github.com/square/uws/batch"
	"github.com/square/uws/config"
	"github.com/square/uws/jdl"
	"github.com/square/uws/proto"
)

const (
	BATCH_FILE = "job.batch"

	// DEFAULT_POLL_INTERVAL is how often the watcher polls a child process.
	DEFAULT_POLL_INTERVAL = 4 * time.Second

	// How long to wait for a stopped child to resume after SIGCONT.
	resumeWait = 200 * time.Millisecond
)

// LocalConfig configures a Local manager.
type LocalConfig struct {
	Paths        config.Paths
	CallbackURL  string        // job-event endpoint
	PollInterval time.Duration // default DEFAULT_POLL_INTERVAL
	HTTPClient   *http.Client  // downloads URL inputs, default http.DefaultClient
}

// Local runs jobs as child processes of the server. Each child runs in its
// own process group so that Abort kills the whole job.
type Local struct {
	paths        config.Paths
	callbackURL  string
	pollInterval time.Duration
	client       *http.Client
	notifier     Notifier
	children     cmap.ConcurrentMap // jobId => *child
	stopChan     chan struct{}
	logger       *log.Entry
}

type child struct {
	pid  int
	done chan struct{}
}

var _ Manager = &Local{}

// NewLocal returns a Local manager. Call SetNotifier before starting jobs.
func NewLocal(cfg LocalConfig) *Local {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DEFAULT_POLL_INTERVAL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Local{
		paths:        cfg.Paths,
		callbackURL:  cfg.CallbackURL,
		pollInterval: cfg.PollInterval,
		client:       cfg.HTTPClient,
		children:     cmap.New(),
		stopChan:     make(chan struct{}),
		logger:       log.WithFields(log.Fields{"manager": "local"}),
	}
}

// SetNotifier sets the receiver of phase changes detected by the watcher.
func (m *Local) SetNotifier(n Notifier) {
	m.notifier = n
}

// Stop stops all watchers. Children keep running; their own callbacks still
// reach the server.
func (m *Local) Stop() {
	close(m.stopChan)
}

func (m *Local) Start(ctx context.Context, job proto.Job, desc *jdl.Job) (string, error) {
	jd := m.paths.JobdataDir(job.Id)
	inputDir := filepath.Join(jd, batch.INPUTS_DIR)
	for _, dir := range []string{inputDir, m.paths.ResultsDir(job.Id)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", err
		}
	}

	// Stage inputs
	inputs, err := Inputs(job)
	if err != nil {
		return "", err
	}
	for _, in := range inputs {
		dst := filepath.Join(inputDir, in.File)
		if in.URL != "" {
			err = download(ctx, m.client, in.URL, dst)
		} else {
			err = copyFile(filepath.Join(m.paths.UploadDir(job.Id), in.File), dst)
		}
		if err != nil {
			return "", fmt.Errorf("staging input %s: %s", in.Param, err)
		}
	}

	// Parameters and batch script
	params, err := batch.Parameters(job)
	if err != nil {
		return "", err
	}
	if err := ioutil.WriteFile(filepath.Join(jd, batch.PARAMETERS_FILE), []byte(params), 0644); err != nil {
		return "", err
	}
	script, err := batch.Script(job, desc, batch.Options{
		JobIdVar:    batch.LOCAL_JOBID_VAR,
		CallbackURL: m.callbackURL,
		JobdataDir:  jd,
		WorkDir:     m.paths.WorkDir(job.Id),
		ResultsDir:  m.paths.ResultsDir(job.Id),
		ScriptsDir:  m.paths.Scripts,
		Inputs:      InputNames(inputs),
	})
	if err != nil {
		return "", err
	}
	batchFile := filepath.Join(jd, BATCH_FILE)
	if err := ioutil.WriteFile(batchFile, []byte(script), 0755); err != nil {
		return "", err
	}

	// Spawn
	stdout, err := os.Create(filepath.Join(jd, batch.STDOUT_FILE))
	if err != nil {
		return "", err
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(jd, batch.STDERR_FILE))
	if err != nil {
		return "", err
	}
	defer stderr.Close()

	cmd := exec.Command("/bin/bash", batchFile)
	cmd.Dir = jd
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return "", err
	}

	c := &child{pid: cmd.Process.Pid, done: make(chan struct{})}
	m.children.Set(job.Id, c)
	go m.watch(job.Id, cmd, c)

	m.logger.WithFields(log.Fields{"jobid": job.Id, "pid": c.pid}).Info("job started")
	return strconv.Itoa(c.pid), nil
}

// watch polls the child until it exits. A stopped child is sent SIGCONT; if
// it stays stopped the job is SUSPENDED until it runs again. A child killed by
// SIGKILL is an ERROR; other exits are reported by the job script itself.
func (m *Local) watch(jobId string, cmd *exec.Cmd, c *child) {
	logger := m.logger.WithFields(log.Fields{"jobid": jobId, "pid": c.pid})
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	suspended := false
	for {
		select {
		case <-exited:
			m.children.Remove(jobId)
			close(c.done)
			if killed(cmd.ProcessState) {
				logger.Warn("process killed")
				m.notify(jobId, c.pid, proto.PHASE_ERROR, "Process killed")
			} else {
				logger.Infof("process exited: %s", cmd.ProcessState)
			}
			return
		case <-ticker.C:
			if !stopped(c.pid) {
				if suspended {
					suspended = false
					logger.Info("process resumed")
					m.notify(jobId, c.pid, proto.PHASE_EXECUTING, "")
				}
				continue
			}
			syscall.Kill(-c.pid, syscall.SIGCONT)
			time.Sleep(resumeWait)
			if stopped(c.pid) && !suspended {
				suspended = true
				logger.Warn("process stopped")
				m.notify(jobId, c.pid, proto.PHASE_SUSPENDED, "")
			}
		case <-m.stopChan:
			return
		}
	}
}

func (m *Local) notify(jobId string, pid int, phase, msg string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(context.Background(), jobId, pid, phase, msg); err != nil {
		m.logger.WithFields(log.Fields{"jobid": jobId, "pid": pid, "phase": phase}).Warnf("notify: %s", err)
	}
}

func killed(ps *os.ProcessState) bool {
	if ps == nil {
		return false
	}
	ws, ok := ps.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled() && ws.Signal() == syscall.SIGKILL
}

func stopped(pid int) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	status, err := p.Status()
	if err != nil {
		return false
	}
	for _, s := range status {
		if s == process.Stop {
			return true
		}
	}
	return false
}

// owns returns true if pid is the batch process of the job. After a server
// restart a stored pid may belong to another process.
func (m *Local) owns(job proto.Job) bool {
	if v, ok := m.children.Get(job.Id); ok {
		return v.(*child).pid == job.Pid
	}
	p, err := process.NewProcess(int32(job.Pid))
	if err != nil {
		return false
	}
	cmdline, err := p.Cmdline()
	if err != nil {
		return false
	}
	return strings.Contains(cmdline, filepath.Join(m.paths.JobdataDir(job.Id), BATCH_FILE))
}

func (m *Local) Abort(ctx context.Context, job proto.Job) error {
	if job.Pid <= 0 || !m.owns(job) {
		return ErrNoSuchProcess
	}
	if err := syscall.Kill(-job.Pid, syscall.SIGKILL); err != nil {
		if err == syscall.ESRCH {
			return ErrNoSuchProcess
		}
		return err
	}
	m.logger.WithFields(log.Fields{"jobid": job.Id, "pid": job.Pid}).Info("job killed")
	return nil
}

func (m *Local) Delete(ctx context.Context, job proto.Job) error {
	err := m.Abort(ctx, job)
	if v, ok := m.children.Get(job.Id); ok && err == nil {
		// Wait for the child to be reaped before its files are removed.
		select {
		case <-v.(*child).done:
		case <-time.After(m.pollInterval):
		case <-ctx.Done():
		}
	}
	return err
}

func (m *Local) Status(ctx context.Context, job proto.Job) (Status, error) {
	if job.Pid > 0 && m.owns(job) {
		return Status{Phase: job.Phase}, nil
	}
	// The process is gone. Its markers tell how it ended if its callback
	// never arrived.
	jd := m.paths.JobdataDir(job.Id)
	if exists(filepath.Join(jd, batch.DONE_MARKER)) {
		return Status{Phase: proto.PHASE_COMPLETED}, nil
	}
	if exists(filepath.Join(jd, batch.ERROR_MARKER)) {
		return Status{Phase: proto.PHASE_ERROR, Msg: "Job failed, see stderr"}, nil
	}
	return Status{Phase: proto.PHASE_ERROR, Msg: "Process not found"}, nil
}

// FetchJobdata is a no-op: jobdata is already on the server.
func (m *Local) FetchJobdata(ctx context.Context, job proto.Job) error {
	return nil
}

// CopyScript checks that the user script exists; it is copied by the job
// script itself.
func (m *Local) CopyScript(ctx context.Context, jobname string) error {
	file := filepath.Join(m.paths.Scripts, jobname+".sh")
	if _, err := os.Stat(file); err != nil {
		return fmt.Errorf("job script for %s: %s", jobname, err)
	}
	return nil
}

func exists(file string) bool {
	_, err := os.Stat(file)
	return err == nil
}
