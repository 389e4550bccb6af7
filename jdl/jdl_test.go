// Copyright 2026, Square, Inc.

package jdl_test

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"
	serr "github.com/square/uws/errors"
	"github.com/square/uws/jdl"
)

const testJDL = `
name: ignored_for_filename
annotation: Test job
execution_duration: 60
quote: 30
unknown_field: is ignored
parameters:
  - name: input
    type: xs:string
    required: true
  - name: catalog
    type: anyURI
    default: http://example.com/cat.fits
used:
  - name: images
    content_type: image/fits
    multiplicity: "*"
    separator: ","
generated:
  - name: output
    default: output.txt
    content_type: text/plain
`

func writeJDL(t *testing.T, dir, jobname, content string) {
	if err := ioutil.WriteFile(filepath.Join(dir, jobname+jdl.FILE_EXT), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestRegistryGet(t *testing.T) {
	dir, err := ioutil.TempDir("", "jdl")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	writeJDL(t, dir, "test_", testJDL)

	r := jdl.NewRegistry(dir)
	job, err := r.Get("test_")
	if err != nil {
		t.Fatalf("err = %s, expected nil", err)
	}
	if job.Name != "test_" {
		t.Errorf("name = %s, expected test_", job.Name)
	}
	if job.ExecutionDuration != 60 || job.Quote == nil || *job.Quote != 30 {
		t.Errorf("execution duration/quote = %d/%v, expected 60/30", job.ExecutionDuration, job.Quote)
	}

	expect := []jdl.Input{
		{Name: "input", Required: true},
		{Name: "catalog", Default: "http://example.com/cat.fits", ByRef: true},
		{Name: "images", ContentType: "image/fits", Multiple: true, Separator: ",", ByRef: true, File: true},
	}
	if diff := deep.Equal(job.Inputs(), expect); diff != nil {
		t.Error(diff)
	}

	res, ok := job.Result("output")
	if !ok || res.Default != "output.txt" {
		t.Errorf("result output = %+v (%t), expected output.txt", res, ok)
	}

	names, err := r.Jobnames()
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(names, []string{"test_"}); diff != nil {
		t.Error(diff)
	}
}

func TestRegistryNotFound(t *testing.T) {
	dir, err := ioutil.TempDir("", "jdl")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	r := jdl.NewRegistry(dir)
	for _, name := range []string{"missing", "../etc/passwd", ".hidden", ""} {
		_, err := r.Get(name)
		if _, ok := err.(serr.JDLNotFound); !ok {
			t.Errorf("%q: err = %v, expected JDLNotFound", name, err)
		}
	}
}

func TestParseDuplicateInput(t *testing.T) {
	dir, err := ioutil.TempDir("", "jdl")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	writeJDL(t, dir, "dup", `
parameters:
  - name: x
used:
  - name: x
`)
	if _, err := jdl.NewRegistry(dir).Get("dup"); err == nil {
		t.Error("no error, expected one for duplicate input")
	}
}
