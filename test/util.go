// Copyright 2026, Square, Inc.

// Package test provides helper functions for tests.
package test

import (
	"context"
	"io/ioutil"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/square/uws/config"
	"github.com/square/uws/jdl"
	"github.com/square/uws/store"
)

// JDL describes the jobnames used in tests. test_ has one required input
// and one declared result, out.txt.
var JDL = jdl.Static{
	"test_": &jdl.Job{
		Name:              "test_",
		ExecutionDuration: 60,
		Parameters: []jdl.Parameter{
			{Name: "input", Type: "string", Required: true},
			{Name: "scale", Type: "float", Default: "1.0"},
		},
		Used: []jdl.Used{
			{Name: "image", ContentType: "image/fits"},
		},
		Generated: []jdl.Generated{
			{Name: "out", Default: "out.txt", ContentType: "text/plain"},
		},
	},
}

// Paths returns server paths under a new temp dir, and a func that removes it.
func Paths(t *testing.T) (config.Paths, func()) {
	dir, err := ioutil.TempDir("", "uws-test")
	if err != nil {
		t.Fatal(err)
	}
	paths := config.Paths{
		Upload:  filepath.Join(dir, "uploads"),
		Jobdata: filepath.Join(dir, "jobdata"),
		Scripts: filepath.Join(dir, "scripts"),
		JDL:     filepath.Join(dir, "jdl"),
	}
	return paths, func() { os.RemoveAll(dir) }
}

// Store returns a store on a new SQLite database, and a func that closes and
// removes it.
func Store(t *testing.T) (store.Store, func()) {
	dir, err := ioutil.TempDir("", "uws-db")
	if err != nil {
		t.Fatal(err)
	}
	db, err := store.OpenSQLite(context.Background(), filepath.Join(dir, "uws.db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatal(err)
	}
	return store.NewStore(db), func() {
		db.Close()
		os.RemoveAll(dir)
	}
}

// Response is the response to MakeHTTPRequest.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       string
}

// MakeHTTPRequest makes an http request without following redirects. If form
// is not nil it is sent url-encoded. If user is not empty it is sent as HTTP
// Basic credentials "user:pid".
func MakeHTTPRequest(method, rawURL string, form url.Values, user, pid string) (Response, error) {
	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}
	req, err := http.NewRequest(method, rawURL, body)
	if err != nil {
		return Response{}, err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if user != "" {
		req.SetBasicAuth(user, pid)
	}
	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	res, err := client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer res.Body.Close()
	bytes, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return Response{}, err
	}
	return Response{StatusCode: res.StatusCode, Header: res.Header, Body: string(bytes)}, nil
}
