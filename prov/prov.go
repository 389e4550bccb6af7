// Copyright 2026, Square, Inc.

// Package prov describes how the results of a job were produced, following
// the W3C PROV data model: the job is an activity associated with its owner,
// which used the job inputs and generated the job results.
package prov

import (
	"encoding/json"
	"io/ioutil"
	"path/filepath"

	"github.com/square/uws/jdl"
	"github.com/square/uws/proto"
)

const (
	FILE         = "provenance.json"
	CONTENT_TYPE = "application/json"

	NS_PROV   = "http://www.w3.org/ns/prov#"
	NS_VOPROV = "http://www.ivoa.net/documents/dm/provdm/voprov#"
)

// A Writer writes the provenance record of a terminal job.
type Writer interface {
	// Write writes the record of job to dir and returns the file name
	// relative to dir.
	Write(job proto.Job, desc *jdl.Job, dir string) (string, error)

	// ContentType is the MIME type of the written record.
	ContentType() string
}

// Document is a PROV-JSON document.
type Document struct {
	Prefix            map[string]string            `json:"prefix"`
	Activity          map[string]map[string]string `json:"activity"`
	Agent             map[string]map[string]string `json:"agent"`
	Entity            map[string]map[string]string `json:"entity,omitempty"`
	Used              map[string]map[string]string `json:"used,omitempty"`
	WasGeneratedBy    map[string]map[string]string `json:"wasGeneratedBy,omitempty"`
	WasAssociatedWith map[string]map[string]string `json:"wasAssociatedWith"`
}

// Build returns the provenance document of job. baseURL is the public URL of
// the server; it scopes the names of the document.
func Build(job proto.Job, desc *jdl.Job, baseURL string) Document {
	ns := job.Jobname
	act := ns + ":" + job.Id
	agent := "uws:" + job.Owner
	doc := Document{
		Prefix: map[string]string{
			"prov":   NS_PROV,
			"voprov": NS_VOPROV,
			"uws":    baseURL + "/user/",
			ns:       baseURL + "/jdl/" + job.Jobname + "#",
		},
		Activity: map[string]map[string]string{
			act: {"prov:label": job.Jobname},
		},
		Agent: map[string]map[string]string{
			agent: {"prov:label": job.Owner},
		},
		Entity:         map[string]map[string]string{},
		Used:           map[string]map[string]string{},
		WasGeneratedBy: map[string]map[string]string{},
		WasAssociatedWith: map[string]map[string]string{
			"_:assoc": {"prov:activity": act, "prov:agent": agent},
		},
	}
	if job.StartTime != nil {
		doc.Activity[act]["prov:startTime"] = proto.FormatTime(*job.StartTime)
	}
	if job.EndTime != nil {
		doc.Activity[act]["prov:endTime"] = proto.FormatTime(*job.EndTime)
	}

	// By-reference inputs are used entities, scalars are activity attributes.
	for _, in := range desc.Inputs() {
		value := in.Default
		if p, ok := job.Parameter(in.Name); ok {
			value = p.Value
		}
		qn := ns + ":" + in.Name
		if !in.ByRef {
			doc.Activity[act][qn] = value
			continue
		}
		doc.Entity[qn] = map[string]string{
			"prov:label": in.Name,
			"prov:value": value,
		}
		if in.ContentType != "" {
			doc.Entity[qn]["prov:type"] = in.ContentType
		}
		doc.Used["_:used_"+in.Name] = map[string]string{"prov:activity": act, "prov:entity": qn}
	}

	for _, r := range job.Results {
		g, ok := desc.Result(r.Name)
		if !ok {
			continue // logs and provenance itself
		}
		qn := ns + ":" + r.Name
		doc.Entity[qn] = map[string]string{
			"prov:label":    r.Name,
			"prov:location": r.Url,
		}
		if g.ContentType != "" {
			doc.Entity[qn]["prov:type"] = g.ContentType
		}
		doc.WasGeneratedBy["_:gen_"+r.Name] = map[string]string{"prov:activity": act, "prov:entity": qn}
	}
	return doc
}

type jsonWriter struct {
	baseURL string
}

// NewJSONWriter returns a Writer of PROV-JSON documents.
func NewJSONWriter(baseURL string) Writer {
	return jsonWriter{baseURL: baseURL}
}

func (w jsonWriter) Write(job proto.Job, desc *jdl.Job, dir string) (string, error) {
	bytes, err := json.MarshalIndent(Build(job, desc, w.baseURL), "", "  ")
	if err != nil {
		return "", err
	}
	if err := ioutil.WriteFile(filepath.Join(dir, FILE), bytes, 0644); err != nil {
		return "", err
	}
	return FILE, nil
}

func (w jsonWriter) ContentType() string {
	return CONTENT_TYPE
}
