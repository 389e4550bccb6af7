// Copyright 2026, Square, Inc.

// Package batch renders the shell scripts that run jobs. The functions in
// this package are pure: they never read or write files.
//
// A job script reports its phase to the job-event endpoint of the server:
// EXECUTING just before the user script runs, COMPLETED on normal exit, and
// ERROR from its ERR and signal traps. The user script is sourced, so the
// traps cover every command it runs.
package batch

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/square/uws/jdl"
	"github.com/square/uws/proto"
)

const (
	SHEBANG          = "#!/bin/bash -l"
	PARAMETERS_FILE  = "parameters.sh"
	RESULTS_FILE     = "results.yml"
	INPUTS_DIR       = "inputs"
	ERROR_MARKER     = "error"
	START_MARKER     = "start"
	DONE_MARKER      = "done"
	STDOUT_FILE      = "stdout.log"
	STDERR_FILE      = "stderr.log"
	LOCAL_JOBID_VAR  = "$$"
	SLURM_JOBID_VAR  = "${SLURM_JOB_ID}"
	FILE_SCHEME      = "file://"
	CALLBACK_HANDLER = "/handler/job_event"
)

var trapSignals = []string{"SIGHUP", "SIGINT", "SIGQUIT", "SIGTERM"}

var shellName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Options are the backend-specific parts of a job script.
type Options struct {
	// Header lines written after the shebang (ex: #SBATCH directives).
	Header []string

	// Shell expression of the backend process id, sent as jobid in
	// callbacks: LOCAL_JOBID_VAR or SLURM_JOBID_VAR.
	JobIdVar string

	// URL of the job-event endpoint.
	CallbackURL string

	// Directories on the host that runs the script.
	JobdataDir string
	WorkDir    string
	ResultsDir string
	ScriptsDir string

	// File names staged in JobdataDir/inputs, copied into WorkDir.
	Inputs []string
}

// ResultFile is a declared result and the file that holds it.
type ResultFile struct {
	Name        string
	File        string
	ContentType string
}

// ResultFiles returns the result files of job. If a result has the name of a
// job parameter, the parameter value names the file, else the JDL default
// does. Results without a file name are skipped.
func ResultFiles(job proto.Job, desc *jdl.Job) []ResultFile {
	files := []ResultFile{}
	for _, g := range desc.Generated {
		name := g.Default
		if p, ok := job.Parameter(g.Name); ok && p.Value != "" {
			name = p.Value
		}
		name = filepath.Base(strings.TrimPrefix(name, FILE_SCHEME))
		if name == "" || name == "." || name == "/" {
			continue
		}
		files = append(files, ResultFile{
			Name:        g.Name,
			File:        name,
			ContentType: g.ContentType,
		})
	}
	return files
}

// Quote returns s quoted for bash.
func Quote(s string) string {
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}

// Parameters renders parameters.sh: one shell variable per job parameter.
// By-reference values with the file scheme are reduced to the file name,
// which is staged in the working directory.
func Parameters(job proto.Job) (string, error) {
	params := make([]proto.Parameter, len(job.Parameters))
	copy(params, job.Parameters)
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })

	var b strings.Builder
	fmt.Fprintf(&b, "# Parameters of job %s\n", job.Id)
	for _, p := range params {
		if !shellName.MatchString(p.Name) {
			return "", fmt.Errorf("parameter name %q is not a valid shell variable name", p.Name)
		}
		v := p.Value
		if p.ByRef && strings.HasPrefix(v, FILE_SCHEME) {
			v = filepath.Base(strings.TrimPrefix(v, FILE_SCHEME))
		}
		fmt.Fprintf(&b, "%s=%s\n", p.Name, Quote(v))
	}
	return b.String(), nil
}

// Script renders the job script of job.
func Script(job proto.Job, desc *jdl.Job, opts Options) (string, error) {
	if opts.CallbackURL == "" {
		return "", fmt.Errorf("no callback URL")
	}
	if opts.JobdataDir == "" || opts.WorkDir == "" || opts.ResultsDir == "" || opts.ScriptsDir == "" {
		return "", fmt.Errorf("jobdata, work, results, and scripts directories are required")
	}
	if opts.JobIdVar == "" {
		opts.JobIdVar = LOCAL_JOBID_VAR
	}
	jobScript := job.Jobname + ".sh"

	var b strings.Builder
	w := func(format string, args ...interface{}) {
		fmt.Fprintf(&b, format+"\n", args...)
	}

	w(SHEBANG)
	for _, line := range opts.Header {
		w(line)
	}
	w("")
	w("### INIT")
	w("set -E")
	w("JOBID=%s", opts.JobIdVar)
	w("UWS_JOBID=%s", Quote(job.Id))
	w("jd=%s", Quote(opts.JobdataDir))
	w("wd=%s", Quote(opts.WorkDir))
	w("rs=%s", Quote(opts.ResultsDir))
	w("")
	w(`timestamp() {`)
	w(`    date +"%%Y-%%m-%%dT%%H:%%M:%%S"`)
	w(`}`)
	w(`job_event() {`)
	w(`    if [ -z "$2" ]; then`)
	w(`        curl -k -s -o "$jd/curl_$1_signal.log" -d "jobid=$JOBID" -d "uws_jobid=$UWS_JOBID" -d "phase=$1" %s \`, Quote(opts.CallbackURL))
	w(`            || echo "[$(timestamp)] job_event $1 failed" >&2`)
	w(`    else`)
	w(`        curl -k -s -o "$jd/curl_$1_signal.log" -d "jobid=$JOBID" -d "uws_jobid=$UWS_JOBID" -d "phase=$1" --data-urlencode "error_msg=$2" %s \`, Quote(opts.CallbackURL))
	w(`            || echo "[$(timestamp)] job_event $1 failed" >&2`)
	w(`    fi`)
	w(`}`)
	w(`copy_results() {`)
	w(`    mkdir -p "$rs"`)
	w(`    : > "$jd/%s"`, RESULTS_FILE)
	for _, r := range ResultFiles(job, desc) {
		f := Quote(r.File)
		w(`    if [ -f "$wd"/%s ]; then`, f)
		w(`        cp "$wd"/%s "$rs"/ && echo "%s: %s" >> "$jd/%s"`, f, r.Name, r.File, RESULTS_FILE)
		w(`        echo "[$(timestamp)] result %s: found %s"`, r.Name, r.File)
		w(`    else`)
		w(`        echo "[$(timestamp)] result %s: missing %s"`, r.Name, r.File)
		w(`    fi`)
	}
	w(`}`)
	w(`clear_traps() {`)
	w(`    trap - %s ERR`, strings.Join(trapSignals, " "))
	w(`}`)
	w(`error_handler() {`)
	w(`    clear_traps`)
	w(`    touch "$jd/%s"`, ERROR_MARKER)
	w(`    msg="Error in line $2 running command: $1"`)
	w(`    echo "[$(timestamp)] $msg" >&2`)
	w(`    copy_results`)
	w(`    job_event "ERROR" "$msg"`)
	w(`    exit 1`)
	w(`}`)
	w(`term_handler() {`)
	w(`    clear_traps`)
	w(`    touch "$jd/%s"`, ERROR_MARKER)
	w(`    msg="Job terminated by signal $1"`)
	w(`    echo "[$(timestamp)] $msg" >&2`)
	w(`    copy_results`)
	w(`    job_event "ERROR" "$msg"`)
	w(`    exit 1`)
	w(`}`)
	for _, sig := range trapSignals {
		w(`trap "term_handler %s" %s`, sig, sig)
	}
	w(`trap 'error_handler "$BASH_COMMAND" "$LINENO"' ERR`)
	w("")
	w("### PREPARE")
	w(`mkdir -p "$wd" "$rs"`)
	w(`cp %s "$jd"/`, Quote(filepath.Join(opts.ScriptsDir, jobScript)))
	for _, in := range opts.Inputs {
		w(`cp "$jd"/%s "$wd"/`, Quote(filepath.Join(INPUTS_DIR, filepath.Base(in))))
	}
	w(`cd "$wd"`)
	w("")
	w("### EXECUTION")
	w(`echo "[$(timestamp)] Job $UWS_JOBID ($JOBID) executing on $(hostname)"`)
	w(`touch "$jd/%s"`, START_MARKER)
	w(`job_event "EXECUTING"`)
	w(`. "$jd/%s"`, PARAMETERS_FILE)
	w(`. "$jd"/%s`, Quote(jobScript))
	w("")
	w("### COPY RESULTS")
	w(`cd "$jd"`)
	w(`copy_results`)
	w(`rm -rf "$wd"`)
	w(`touch "$jd/%s"`, DONE_MARKER)
	w(`echo "[$(timestamp)] Job $UWS_JOBID ($JOBID) completed"`)
	w(`clear_traps`)
	w(`job_event "COMPLETED"`)
	w(`exit 0`)
	return b.String(), nil
}

// SbatchHeader returns the #SBATCH directives of a SLURM job script. Options
// in defaults are added in key order after the ones derived from the job.
func SbatchHeader(job proto.Job, jobdataDir string, defaults map[string]string) []string {
	lines := []string{
		fmt.Sprintf("#SBATCH --job-name=%s", job.Jobname),
		fmt.Sprintf("#SBATCH --output=%s", filepath.Join(jobdataDir, STDOUT_FILE)),
		fmt.Sprintf("#SBATCH --error=%s", filepath.Join(jobdataDir, STDERR_FILE)),
	}
	if job.ExecutionDuration > 0 {
		minutes := (job.ExecutionDuration + 59) / 60
		lines = append(lines, fmt.Sprintf("#SBATCH --time=%d", minutes))
	}
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		if k == "job-name" || k == "output" || k == "error" || k == "time" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("#SBATCH --%s=%s", k, defaults[k]))
	}
	return lines
}
