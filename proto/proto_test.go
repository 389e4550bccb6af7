// Copyright 2026, Square, Inc.

package proto_test

import (
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/square/uws/proto"
)

func TestParseTime(t *testing.T) {
	expect := time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, s := range []string{"2016-01-01T00:00:00", "2016-01-01T00:00:00.55555", "2016-01-01T00:00:00Z"} {
		got, err := proto.ParseTime(s)
		if err != nil {
			t.Errorf("%s: err = %s, expected nil", s, err)
			continue
		}
		if !got.Equal(expect) {
			t.Errorf("%s: got %s, expected %s", s, got, expect)
		}
	}

	for _, s := range []string{"2016-01-01 00:00:00", "2016-01-01", "", "tomorrow"} {
		if _, err := proto.ParseTime(s); err == nil {
			t.Errorf("%s: no error, expected one", s)
		}
	}
}

func TestAppendError(t *testing.T) {
	job := proto.Job{}
	job.AppendError("")
	if job.Error != "" {
		t.Errorf("error = %q, expected empty", job.Error)
	}
	job.AppendError("first failure")
	job.AppendError("second failure.")
	job.AppendError("third")
	expect := "first failure. second failure. third"
	if job.Error != expect {
		t.Errorf("error = %q, expected %q", job.Error, expect)
	}
}

func TestUserCanAccess(t *testing.T) {
	job := proto.Job{Owner: "alice", OwnerPid: "secret"}
	tests := []struct {
		user   proto.User
		expect bool
	}{
		{proto.User{Name: "alice", Pid: "secret"}, true},
		{proto.User{Name: "alice", Pid: "guess"}, false},
		{proto.User{Name: "bob", Pid: "secret"}, false},
		{proto.User{Name: "root", Admin: true}, true},
	}
	for _, tt := range tests {
		if got := tt.user.CanAccess(job); got != tt.expect {
			t.Errorf("%+v: got %t, expected %t", tt.user, got, tt.expect)
		}
	}
}

func TestPhaseSets(t *testing.T) {
	for p := range proto.ActivePhases {
		if proto.TerminalPhases[p] {
			t.Errorf("%s is both active and terminal", p)
		}
	}
	for p := range proto.ResultPhases {
		if !proto.TerminalPhases[p] {
			t.Errorf("result phase %s is not terminal", p)
		}
	}
	if proto.IsPhase("RUNNING") {
		t.Error("RUNNING is a phase, expected it not to be")
	}
	if !proto.IsPhase(proto.PHASE_ARCHIVED) {
		t.Error("ARCHIVED is not a phase, expected it to be")
	}
}

func TestUWSJobXML(t *testing.T) {
	start := time.Date(2020, 5, 1, 10, 0, 0, 0, time.UTC)
	quote := 60
	job := proto.Job{
		Id:                "abc",
		Jobname:           "test_",
		Phase:             proto.PHASE_EXECUTING,
		Owner:             "alice",
		CreationTime:      start.Add(-time.Minute),
		StartTime:         &start,
		DestructionTime:   start.Add(24 * time.Hour),
		ExecutionDuration: 120,
		Quote:             &quote,
		Parameters: []proto.Parameter{
			{Name: "input", Value: "test_"},
			{Name: "file", Value: "file://data.txt", ByRef: true},
		},
	}

	b, err := xml.Marshal(proto.NewUWSJob(job))
	if err != nil {
		t.Fatal(err)
	}
	doc := string(b)
	for _, expect := range []string{
		`<uws:job xmlns:uws="http://www.ivoa.net/xml/UWS/v1.0"`,
		`<uws:jobId>abc</uws:jobId>`,
		`<uws:runId xsi:nil="true"></uws:runId>`,
		`<uws:ownerId>alice</uws:ownerId>`,
		`<uws:phase>EXECUTING</uws:phase>`,
		`<uws:quote>60</uws:quote>`,
		`<uws:startTime>2020-05-01T10:00:00</uws:startTime>`,
		`<uws:endTime xsi:nil="true"></uws:endTime>`,
		`<uws:executionDuration>120</uws:executionDuration>`,
		`<uws:destruction>2020-05-02T10:00:00</uws:destruction>`,
		`<uws:parameter id="input" byReference="false">test_</uws:parameter>`,
		`<uws:parameter id="file" byReference="true">file://data.txt</uws:parameter>`,
	} {
		if !strings.Contains(doc, expect) {
			t.Errorf("document does not contain %s: %s", expect, doc)
		}
	}
	if strings.Contains(doc, "errorSummary") {
		t.Errorf("document has an errorSummary, expected none: %s", doc)
	}
}

func TestUWSJobs(t *testing.T) {
	jobs := []proto.Job{
		{Id: "a", Phase: proto.PHASE_PENDING, Owner: "alice"},
		{Id: "b", Phase: proto.PHASE_COMPLETED, Owner: "alice", RunId: "run1"},
	}
	doc := proto.NewUWSJobs(jobs, "http://localhost/rest/test_")
	got := []string{}
	for _, ref := range doc.Jobs {
		got = append(got, ref.Href+" "+ref.Phase)
	}
	expect := []string{
		"http://localhost/rest/test_/a PENDING",
		"http://localhost/rest/test_/b COMPLETED",
	}
	if diff := deep.Equal(got, expect); diff != nil {
		t.Error(diff)
	}
}
