// Copyright 2026, Square, Inc.

// Package jdl loads job descriptions: one YAML file per jobname naming the
// inputs, results, and defaults of the job. Only the fields below are read;
// unknown fields are ignored with a warning.
package jdl

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	serr "github.com/square/uws/errors"
)

const FILE_EXT = ".yaml"

// Datatypes with values that refer to a file or URL.
var refTypes = map[string]bool{
	"file":      true,
	"anyURI":    true,
	"xs:anyURI": true,
}

// Job is the description of one jobname.
type Job struct {
	Name                 string      `yaml:"name"`
	Annotation           string      `yaml:"annotation"`
	ExecutionDuration    int         `yaml:"execution_duration"`
	ExecutionDurationMax int         `yaml:"execution_duration_max"`
	Quote                *int        `yaml:"quote"`
	Parameters           []Parameter `yaml:"parameters"`
	Used                 []Used      `yaml:"used"`
	Generated            []Generated `yaml:"generated"`
}

// Parameter is a scalar input.
type Parameter struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
	Default  string `yaml:"default"`
}

// Used is a file input: uploaded, given as URL, or a default.
type Used struct {
	Name         string `yaml:"name"`
	ContentType  string `yaml:"content_type"`
	Required     bool   `yaml:"required"`
	Default      string `yaml:"default"`
	Multiplicity string `yaml:"multiplicity"` // "1" (default) or "*"
	Separator    string `yaml:"separator"`    // joins multiple values, default " "
}

// Generated is a declared result.
type Generated struct {
	Name        string `yaml:"name"`
	Default     string `yaml:"default"` // file name in the results directory
	ContentType string `yaml:"content_type"`
}

// Input is a declared input of either kind.
type Input struct {
	Name        string
	Required    bool
	Default     string
	ContentType string
	Multiple    bool
	Separator   string
	ByRef       bool // value refers to a file or URL
	File        bool // declared as a used file
}

// Inputs returns the declared inputs: parameters then used files.
func (j *Job) Inputs() []Input {
	inputs := make([]Input, 0, len(j.Parameters)+len(j.Used))
	for _, p := range j.Parameters {
		inputs = append(inputs, Input{
			Name:     p.Name,
			Required: p.Required,
			Default:  p.Default,
			ByRef:    refTypes[p.Type],
		})
	}
	for _, u := range j.Used {
		sep := u.Separator
		if sep == "" {
			sep = " "
		}
		inputs = append(inputs, Input{
			Name:        u.Name,
			Required:    u.Required,
			Default:     u.Default,
			ContentType: u.ContentType,
			Multiple:    u.Multiplicity == "*",
			Separator:   sep,
			ByRef:       true,
			File:        true,
		})
	}
	return inputs
}

// Input returns the named declared input.
func (j *Job) Input(name string) (Input, bool) {
	for _, in := range j.Inputs() {
		if in.Name == name {
			return in, true
		}
	}
	return Input{}, false
}

// Result returns the named declared result.
func (j *Job) Result(name string) (Generated, bool) {
	for _, g := range j.Generated {
		if g.Name == name {
			return g, true
		}
	}
	return Generated{}, false
}

// Parse reads a single job description file. logFunc is a Printf-like
// function used to log warnings. Errors are returned, not logged.
func Parse(file string, logFunc func(string, ...interface{})) (*Job, error) {
	data, err := ioutil.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var job Job
	if err := yaml.UnmarshalStrict(data, &job); err != nil {
		logFunc("%s: %s", file, err)
		job = Job{}
		if err := yaml.Unmarshal(data, &job); err != nil {
			return nil, err
		}
	}
	if job.Name == "" {
		job.Name = strings.TrimSuffix(filepath.Base(file), FILE_EXT)
	}
	if err := job.validate(); err != nil {
		return nil, fmt.Errorf("%s: %s", file, err)
	}
	return &job, nil
}

func (j *Job) validate() error {
	seen := map[string]bool{}
	for _, in := range j.Inputs() {
		if in.Name == "" {
			return fmt.Errorf("input without a name")
		}
		if seen[in.Name] {
			return fmt.Errorf("input %s declared twice", in.Name)
		}
		seen[in.Name] = true
	}
	for _, g := range j.Generated {
		if g.Name == "" {
			return fmt.Errorf("result without a name")
		}
	}
	if j.ExecutionDuration < 0 || j.ExecutionDurationMax < 0 {
		return fmt.Errorf("negative execution duration")
	}
	return nil
}

// Registry returns job descriptions by jobname. It is read-only to its
// callers.
type Registry interface {
	// Get returns the description of jobname, or errors.JDLNotFound.
	Get(jobname string) (*Job, error)

	// Jobnames returns all jobnames with a description, sorted.
	Jobnames() ([]string, error)
}

type cached struct {
	job     *Job
	modTime time.Time
}

// dirRegistry implements Registry with one file per jobname in a directory.
// Files are re-read when they change.
type dirRegistry struct {
	dir   string
	cache map[string]cached
	*sync.Mutex
}

// NewRegistry returns a Registry reading dir/<jobname>.yaml files.
func NewRegistry(dir string) Registry {
	return &dirRegistry{
		dir:   dir,
		cache: map[string]cached{},
		Mutex: &sync.Mutex{},
	}
}

func (r *dirRegistry) Get(jobname string) (*Job, error) {
	if jobname == "" || strings.ContainsAny(jobname, `/\`) || strings.HasPrefix(jobname, ".") {
		return nil, serr.JDLNotFound{Jobname: jobname}
	}
	file := filepath.Join(r.dir, jobname+FILE_EXT)
	info, err := os.Stat(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, serr.JDLNotFound{Jobname: jobname}
		}
		return nil, err
	}

	r.Lock()
	defer r.Unlock()
	if c, ok := r.cache[jobname]; ok && c.modTime.Equal(info.ModTime()) {
		return c.job, nil
	}
	job, err := Parse(file, log.Warnf)
	if err != nil {
		return nil, err
	}
	job.Name = jobname
	r.cache[jobname] = cached{job: job, modTime: info.ModTime()}
	return job, nil
}

func (r *dirRegistry) Jobnames() ([]string, error) {
	files, err := ioutil.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), FILE_EXT) {
			continue
		}
		names = append(names, strings.TrimSuffix(f.Name(), FILE_EXT))
	}
	sort.Strings(names)
	return names, nil
}

// Static is a Registry backed by a map. It is used by tests and by
// deployments that build descriptions in code.
type Static map[string]*Job

func (s Static) Get(jobname string) (*Job, error) {
	job, ok := s[jobname]
	if !ok {
		return nil, serr.JDLNotFound{Jobname: jobname}
	}
	return job, nil
}

func (s Static) Jobnames() ([]string, error) {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
