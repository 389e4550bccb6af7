// Copyright 2026, Square, Inc.

package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/square/uws/batch"
	serr "github.com/square/uws/errors"
	"github.com/square/uws/jdl"
	"github.com/square/uws/proto"
	"github.com/square/uws/store"
)

func (e *engine) Create(ctx context.Context, params CreateParams) (proto.Job, error) {
	desc, err := e.jdl.Get(params.Jobname)
	if err != nil {
		return proto.Job{}, err
	}

	// Control parameters are matched case-insensitively.
	control := map[string]string{}
	form := map[string][]string{}
	for k, v := range params.Form {
		if len(v) == 0 {
			continue
		}
		if proto.ControlParameters[strings.ToUpper(k)] {
			control[strings.ToUpper(k)] = v[0]
			continue
		}
		form[k] = v
	}

	jobId, err := e.idgen.UID(func(id string) (bool, error) {
		return e.store.Exists(ctx, id)
	})
	if err != nil {
		return proto.Job{}, err
	}

	now := proto.Now()
	job := proto.Job{
		Id:           jobId,
		Jobname:      params.Jobname,
		Phase:        proto.PHASE_PENDING,
		Owner:        params.User.Name,
		OwnerPid:     params.User.Pid,
		RunId:        control["RUNID"],
		CreationTime: now,
	}

	// Execution duration: posted, else JDL, else default; then clamped.
	job.ExecutionDuration = e.jobs.ExecutionDurationDefault
	if desc.ExecutionDuration > 0 {
		job.ExecutionDuration = desc.ExecutionDuration
	}
	if v, ok := control["EXECUTION_DURATION"]; ok {
		control["EXECUTIONDURATION"] = v
	}
	if v, ok := control["EXECUTIONDURATION"]; ok {
		if job.ExecutionDuration, err = parseDuration(v); err != nil {
			return proto.Job{}, err
		}
	}
	job.ExecutionDuration = e.clamp(job.ExecutionDuration, desc)

	job.Quote = desc.Quote
	if v, ok := control["QUOTE"]; ok {
		q, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || q < 0 {
			return proto.Job{}, serr.ValidationError{Message: fmt.Sprintf("invalid QUOTE: %q", v)}
		}
		job.Quote = &q
	}

	job.DestructionTime = now.Add(time.Duration(e.jobs.DestructionInterval) * 24 * time.Hour)
	if v, ok := control["DESTRUCTION"]; ok {
		t, err := proto.ParseTime(v)
		if err != nil {
			return proto.Job{}, serr.ValidationError{Message: err.Error()}
		}
		job.DestructionTime = t
	}

	// Inputs: uploaded file, posted value, JDL default.
	uploads := map[string][]Upload{}
	for _, u := range params.Uploads {
		uploads[u.Param] = append(uploads[u.Param], u)
	}
	for name := range uploads {
		if _, ok := desc.Input(name); !ok {
			return proto.Job{}, serr.ValidationError{Message: fmt.Sprintf("file uploaded for undeclared input %s", name)}
		}
	}
	for _, in := range desc.Inputs() {
		p, ok, err := e.resolveInput(job.Id, in, uploads[in.Name], form[in.Name])
		if err != nil {
			os.RemoveAll(e.paths.UploadDir(job.Id))
			return proto.Job{}, err
		}
		if !ok {
			continue
		}
		job.Parameters = append(job.Parameters, p)
	}
	for k := range form {
		if _, ok := desc.Input(k); !ok {
			e.logger.WithFields(log.Fields{"jobname": job.Jobname, "param": k}).Debug("ignoring undeclared parameter")
		}
	}

	if err := e.store.Save(ctx, job, store.ALL); err != nil {
		os.RemoveAll(e.paths.UploadDir(job.Id))
		return proto.Job{}, err
	}
	e.jobLogger(job).WithField("owner", job.Owner).Info("job created")
	return job, nil
}

// resolveInput returns the parameter for one declared input, or false if the
// input has no value and is not required.
func (e *engine) resolveInput(jobId string, in jdl.Input, uploads []Upload, posted []string) (proto.Parameter, bool, error) {
	sep := in.Separator
	if sep == "" {
		sep = " "
	}

	if len(uploads) > 0 {
		if len(uploads) > 1 && !in.Multiple {
			return proto.Parameter{}, false, serr.ValidationError{Message: fmt.Sprintf("input %s takes one file", in.Name)}
		}
		values := make([]string, 0, len(uploads))
		for _, u := range uploads {
			name, err := e.saveUpload(jobId, u)
			if err != nil {
				return proto.Parameter{}, false, err
			}
			values = append(values, batch.FILE_SCHEME+name)
		}
		return proto.Parameter{Name: in.Name, Value: strings.Join(values, sep), ByRef: true}, true, nil
	}

	values := []string{}
	for _, v := range posted {
		if v != "" {
			values = append(values, v)
		}
	}
	if len(values) > 0 {
		if !in.Multiple {
			values = values[:1]
		}
		return proto.Parameter{Name: in.Name, Value: strings.Join(values, sep), ByRef: in.ByRef}, true, nil
	}

	if in.Default != "" {
		return proto.Parameter{Name: in.Name, Value: in.Default, ByRef: in.ByRef}, true, nil
	}
	if in.Required {
		return proto.Parameter{}, false, serr.ValidationError{Message: fmt.Sprintf("missing required input %s", in.Name)}
	}
	return proto.Parameter{}, false, nil
}

// saveUpload writes an uploaded file to the upload directory of the job and
// returns its base name.
func (e *engine) saveUpload(jobId string, u Upload) (string, error) {
	name := filepath.Base(u.Filename)
	if name == "." || name == "/" || name == "" {
		return "", serr.ValidationError{Message: fmt.Sprintf("invalid file name %q for input %s", u.Filename, u.Param)}
	}
	dir := e.paths.UploadDir(jobId)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, u.Content); err != nil {
		f.Close()
		return "", err
	}
	return name, f.Close()
}

func parseDuration(v string) (int, error) {
	d, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || d < 0 {
		return 0, serr.ValidationError{Message: fmt.Sprintf("invalid EXECUTION_DURATION: %q (expected a non-negative integer)", v)}
	}
	return d, nil
}

// clamp returns d limited to the lower of the JDL and configured maximums.
// Unbounded (0) durations are clamped too.
func (e *engine) clamp(d int, desc *jdl.Job) int {
	if !e.jobs.Clamp() {
		return d
	}
	max := e.jobs.ExecutionDurationMax
	if desc != nil && desc.ExecutionDurationMax > 0 && (max <= 0 || desc.ExecutionDurationMax < max) {
		max = desc.ExecutionDurationMax
	}
	if max > 0 && (d == 0 || d > max) {
		return max
	}
	return d
}
