// Copyright 2026, Square, Inc.

package proto

import (
	"encoding/xml"
	"strconv"
)

// XML namespaces of UWS documents.
const (
	NS_UWS   = "http://www.ivoa.net/xml/UWS/v1.0"
	NS_XLINK = "http://www.w3.org/1999/xlink"
	NS_XSI   = "http://www.w3.org/2001/XMLSchema-instance"
)

// Nillable is an element that renders xsi:nil="true" when it has no value.
type Nillable struct {
	Nil   string `xml:"xsi:nil,attr,omitempty"`
	Value string `xml:",chardata"`
}

func value(s string) Nillable {
	if s == "" {
		return Nillable{Nil: "true"}
	}
	return Nillable{Value: s}
}

// UWSJob is the <uws:job> document.
type UWSJob struct {
	XMLName           xml.Name       `xml:"uws:job"`
	NsUWS             string         `xml:"xmlns:uws,attr"`
	NsXlink           string         `xml:"xmlns:xlink,attr"`
	NsXsi             string         `xml:"xmlns:xsi,attr"`
	JobId             string         `xml:"uws:jobId"`
	RunId             Nillable       `xml:"uws:runId"`
	OwnerId           Nillable       `xml:"uws:ownerId"`
	Phase             string         `xml:"uws:phase"`
	Quote             Nillable       `xml:"uws:quote"`
	CreationTime      string         `xml:"uws:creationTime"`
	StartTime         Nillable       `xml:"uws:startTime"`
	EndTime           Nillable       `xml:"uws:endTime"`
	ExecutionDuration int            `xml:"uws:executionDuration"`
	Destruction       string         `xml:"uws:destruction"`
	Parameters        UWSParameters  `xml:"uws:parameters"`
	Results           UWSResults     `xml:"uws:results"`
	ErrorSummary      *UWSErrSummary `xml:"uws:errorSummary,omitempty"`
}

// UWSParameters is the <uws:parameters> document.
type UWSParameters struct {
	XMLName    xml.Name       `xml:"uws:parameters"`
	NsUWS      string         `xml:"xmlns:uws,attr,omitempty"`
	NsXsi      string         `xml:"xmlns:xsi,attr,omitempty"`
	Parameters []UWSParameter `xml:"uws:parameter"`
}

type UWSParameter struct {
	Id          string `xml:"id,attr"`
	ByReference bool   `xml:"byReference,attr"`
	Value       string `xml:",chardata"`
}

// UWSResults is the <uws:results> document.
type UWSResults struct {
	XMLName xml.Name    `xml:"uws:results"`
	NsUWS   string      `xml:"xmlns:uws,attr,omitempty"`
	NsXlink string      `xml:"xmlns:xlink,attr,omitempty"`
	NsXsi   string      `xml:"xmlns:xsi,attr,omitempty"`
	Results []UWSResult `xml:"uws:result"`
}

type UWSResult struct {
	Id       string `xml:"id,attr"`
	Href     string `xml:"xlink:href,attr"`
	MimeType string `xml:"mime-type,attr,omitempty"`
}

type UWSErrSummary struct {
	Type      string `xml:"type,attr"`
	HasDetail bool   `xml:"hasDetail,attr"`
	Message   string `xml:"uws:message"`
}

// UWSJobs is the <uws:jobs> list document.
type UWSJobs struct {
	XMLName xml.Name    `xml:"uws:jobs"`
	NsUWS   string      `xml:"xmlns:uws,attr"`
	NsXlink string      `xml:"xmlns:xlink,attr"`
	NsXsi   string      `xml:"xmlns:xsi,attr"`
	Jobs    []UWSJobRef `xml:"uws:jobref"`
}

type UWSJobRef struct {
	Id           string   `xml:"id,attr"`
	Href         string   `xml:"xlink:href,attr"`
	Phase        string   `xml:"uws:phase"`
	RunId        Nillable `xml:"uws:runId"`
	OwnerId      Nillable `xml:"uws:ownerId"`
	CreationTime string   `xml:"uws:creationTime"`
}

// NewUWSJob makes the <uws:job> document for job.
func NewUWSJob(job Job) UWSJob {
	doc := UWSJob{
		NsUWS:             NS_UWS,
		NsXlink:           NS_XLINK,
		NsXsi:             NS_XSI,
		JobId:             job.Id,
		RunId:             value(job.RunId),
		OwnerId:           value(job.Owner),
		Phase:             job.Phase,
		Quote:             Nillable{Nil: "true"},
		CreationTime:      FormatTime(job.CreationTime),
		StartTime:         Nillable{Nil: "true"},
		EndTime:           Nillable{Nil: "true"},
		ExecutionDuration: job.ExecutionDuration,
		Destruction:       FormatTime(job.DestructionTime),
		Parameters:        NewUWSParameters(job, false),
		Results:           NewUWSResults(job, false),
	}
	if job.Quote != nil {
		doc.Quote = value(strconv.Itoa(*job.Quote))
	}
	if job.StartTime != nil {
		doc.StartTime = value(FormatTime(*job.StartTime))
	}
	if job.EndTime != nil {
		doc.EndTime = value(FormatTime(*job.EndTime))
	}
	if job.Error != "" {
		doc.ErrorSummary = &UWSErrSummary{
			Type:    "fatal",
			Message: job.Error,
		}
	}
	return doc
}

// NewUWSParameters makes the <uws:parameters> document. If root is true, the
// namespaces are declared on the element.
func NewUWSParameters(job Job, root bool) UWSParameters {
	doc := UWSParameters{
		Parameters: make([]UWSParameter, len(job.Parameters)),
	}
	if root {
		doc.NsUWS = NS_UWS
		doc.NsXsi = NS_XSI
	}
	for i, p := range job.Parameters {
		doc.Parameters[i] = UWSParameter{
			Id:          p.Name,
			ByReference: p.ByRef,
			Value:       p.Value,
		}
	}
	return doc
}

// NewUWSResults makes the <uws:results> document. If root is true, the
// namespaces are declared on the element.
func NewUWSResults(job Job, root bool) UWSResults {
	doc := UWSResults{
		Results: make([]UWSResult, len(job.Results)),
	}
	if root {
		doc.NsUWS = NS_UWS
		doc.NsXlink = NS_XLINK
		doc.NsXsi = NS_XSI
	}
	for i, r := range job.Results {
		doc.Results[i] = UWSResult{
			Id:       r.Name,
			Href:     r.Url,
			MimeType: r.ContentType,
		}
	}
	return doc
}

// NewUWSJobs makes the <uws:jobs> document. jobsURL is the URL of the job
// list; job references are jobsURL/<jobid>.
func NewUWSJobs(jobs []Job, jobsURL string) UWSJobs {
	doc := UWSJobs{
		NsUWS:   NS_UWS,
		NsXlink: NS_XLINK,
		NsXsi:   NS_XSI,
		Jobs:    make([]UWSJobRef, len(jobs)),
	}
	for i, job := range jobs {
		doc.Jobs[i] = UWSJobRef{
			Id:           job.Id,
			Href:         jobsURL + "/" + job.Id,
			Phase:        job.Phase,
			RunId:        value(job.RunId),
			OwnerId:      value(job.Owner),
			CreationTime: FormatTime(job.CreationTime),
		}
	}
	return doc
}
