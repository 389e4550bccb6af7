// Copyright 2026, Square, Inc.

package manager

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/square/uws/batch"
	"github.com/square/uws/config"
	"github.com/square/uws/jdl"
	"github.com/square/uws/proto"
)

const submitPrefix = "Submitted batch job"

// SSHBatchConfig configures an SSHBatch manager.
type SSHBatchConfig struct {
	Runner      Runner
	Local       config.Paths // server paths
	SSH         config.SSH   // remote paths and batch commands
	CallbackURL string
	PhaseTable  map[string]config.PhaseConvert
}

// SSHBatch runs jobs on a SLURM cluster over SSH.
type SSHBatch struct {
	run         Runner
	local       config.Paths
	remote      config.Paths
	ssh         config.SSH
	callbackURL string
	phases      map[string]config.PhaseConvert
	logger      *log.Entry
}

var _ Manager = &SSHBatch{}

// NewSSHBatch returns an SSHBatch manager.
func NewSSHBatch(cfg SSHBatchConfig) *SSHBatch {
	if cfg.PhaseTable == nil {
		cfg.PhaseTable = config.DefaultPhaseConvert
	}
	return &SSHBatch{
		run:         cfg.Runner,
		local:       cfg.Local,
		remote:      cfg.SSH.RemotePaths(),
		ssh:         cfg.SSH,
		callbackURL: cfg.CallbackURL,
		phases:      cfg.PhaseTable,
		logger:      log.WithFields(log.Fields{"manager": "ssh-batch", "host": cfg.SSH.Host}),
	}
}

func (m *SSHBatch) put(ctx context.Context, content io.Reader, file string) error {
	return m.run.Run(ctx, "cat > "+batch.Quote(file), content, nil)
}

func (m *SSHBatch) Start(ctx context.Context, job proto.Job, desc *jdl.Job) (string, error) {
	jd := m.remote.JobdataDir(job.Id)
	inputDir := filepath.Join(jd, batch.INPUTS_DIR)
	mkdir := fmt.Sprintf("mkdir -p %s %s", batch.Quote(inputDir), batch.Quote(m.remote.ResultsDir(job.Id)))
	if err := m.run.Run(ctx, mkdir, nil, nil); err != nil {
		return "", err
	}

	// Stage inputs
	inputs, err := Inputs(job)
	if err != nil {
		return "", err
	}
	for _, in := range inputs {
		dst := filepath.Join(inputDir, in.File)
		if in.URL != "" {
			cmd := fmt.Sprintf("curl -fsSL -o %s %s", batch.Quote(dst), batch.Quote(in.URL))
			err = m.run.Run(ctx, cmd, nil, nil)
		} else {
			var f *os.File
			if f, err = os.Open(filepath.Join(m.local.UploadDir(job.Id), in.File)); err == nil {
				err = m.put(ctx, f, dst)
				f.Close()
			}
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
	if err := m.put(ctx, strings.NewReader(params), filepath.Join(jd, batch.PARAMETERS_FILE)); err != nil {
		return "", err
	}
	script, err := batch.Script(job, desc, batch.Options{
		Header:      batch.SbatchHeader(job, jd, m.ssh.SbatchDefaults),
		JobIdVar:    batch.SLURM_JOBID_VAR,
		CallbackURL: m.callbackURL,
		JobdataDir:  jd,
		WorkDir:     m.remote.WorkDir(job.Id),
		ResultsDir:  m.remote.ResultsDir(job.Id),
		ScriptsDir:  m.remote.Scripts,
		Inputs:      InputNames(inputs),
	})
	if err != nil {
		return "", err
	}
	batchFile := filepath.Join(jd, BATCH_FILE)
	if err := m.put(ctx, strings.NewReader(script), batchFile); err != nil {
		return "", err
	}

	// Submit
	var out bytes.Buffer
	submit := fmt.Sprintf("cd %s && %s %s", batch.Quote(jd), m.ssh.SubmitCmd, batch.Quote(batchFile))
	if err := m.run.Run(ctx, submit, nil, &out); err != nil {
		return "", err
	}
	pid := ParseSubmitted(out.String())
	m.logger.WithFields(log.Fields{"jobid": job.Id, "pid": pid}).Info("job submitted")
	return pid, nil
}

// ParseSubmitted returns the allocation id from the sbatch output
// "Submitted batch job <id>", or the raw trimmed output if it does not match.
func ParseSubmitted(out string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, submitPrefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, submitPrefix))
		}
	}
	return strings.TrimSpace(out)
}

func (m *SSHBatch) Abort(ctx context.Context, job proto.Job) error {
	if job.Pid <= 0 {
		return ErrNoSuchProcess
	}
	err := m.run.Run(ctx, fmt.Sprintf("%s %d", m.ssh.CancelCmd, job.Pid), nil, nil)
	if err != nil {
		if re, ok := err.(*RunError); ok && strings.Contains(re.Stderr, "Invalid job id") {
			return ErrNoSuchProcess
		}
		return err
	}
	m.logger.WithFields(log.Fields{"jobid": job.Id, "pid": job.Pid}).Info("job cancelled")
	return nil
}

func (m *SSHBatch) Delete(ctx context.Context, job proto.Job) error {
	var cancelErr error
	if !proto.ResultPhases[job.Phase] {
		cancelErr = m.Abort(ctx, job)
		if cancelErr != nil && cancelErr != ErrNoSuchProcess {
			return cancelErr
		}
	}
	rm := fmt.Sprintf("rm -rf %s %s %s",
		batch.Quote(m.remote.WorkDir(job.Id)),
		batch.Quote(m.remote.JobdataDir(job.Id)),
		batch.Quote(m.remote.ResultsDir(job.Id)))
	if err := m.run.Run(ctx, rm, nil, nil); err != nil {
		return err
	}
	return cancelErr
}

func (m *SSHBatch) Status(ctx context.Context, job proto.Job) (Status, error) {
	if job.Pid <= 0 {
		return Status{Phase: job.Phase}, nil
	}
	var out bytes.Buffer
	cmd := fmt.Sprintf("%s -j %d -o state -P -n", m.ssh.StatusCmd, job.Pid)
	if err := m.run.Run(ctx, cmd, nil, &out); err != nil {
		return Status{}, err
	}
	raw := strings.TrimSpace(strings.SplitN(out.String(), "\n", 2)[0])
	if raw == "" {
		// sacct does not know the job yet.
		return Status{Phase: job.Phase}, nil
	}
	status, ok := Translate(m.phases, raw)
	if !ok {
		return Status{}, fmt.Errorf("unknown backend state %q for job %s", raw, job.Id)
	}
	return status, nil
}

func (m *SSHBatch) FetchJobdata(ctx context.Context, job proto.Job) error {
	jd := m.remote.JobdataDir(job.Id)
	cmd := fmt.Sprintf("tar -C %s -cf - --exclude=./%s --exclude=./workdir --exclude=./results .",
		batch.Quote(jd), batch.INPUTS_DIR)
	if err := m.fetch(ctx, cmd, m.local.JobdataDir(job.Id)); err != nil {
		return fmt.Errorf("fetching jobdata: %s", err)
	}
	rs := m.remote.ResultsDir(job.Id)
	cmd = fmt.Sprintf("test -d %s && tar -C %s -cf - . || true", batch.Quote(rs), batch.Quote(rs))
	if err := m.fetch(ctx, cmd, m.local.ResultsDir(job.Id)); err != nil {
		return fmt.Errorf("fetching results: %s", err)
	}
	return nil
}

func (m *SSHBatch) fetch(ctx context.Context, cmd, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	var out bytes.Buffer
	if err := m.run.Run(ctx, cmd, nil, &out); err != nil {
		return err
	}
	if out.Len() == 0 {
		return nil
	}
	return Untar(&out, dir)
}

// Untar extracts the regular files and directories of a tar stream into dir.
// Entries that would land outside dir are skipped.
func Untar(r io.Reader, dir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		name := filepath.Clean(hdr.Name)
		if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			continue
		}
		dst := filepath.Join(dir, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}

func (m *SSHBatch) CopyScript(ctx context.Context, jobname string) error {
	f, err := os.Open(filepath.Join(m.local.Scripts, jobname+".sh"))
	if err != nil {
		return fmt.Errorf("job script for %s: %s", jobname, err)
	}
	defer f.Close()
	mkdir := "mkdir -p " + batch.Quote(m.remote.Scripts)
	if err := m.run.Run(ctx, mkdir, nil, nil); err != nil {
		return err
	}
	return m.put(ctx, f, filepath.Join(m.remote.Scripts, jobname+".sh"))
}
