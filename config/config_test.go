// Copyright 2026, Square, Inc.

package config_test

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"
	"github.com/square/uws/config"
)

func createTempFile(t *testing.T, content []byte) string {
	tmpfile, err := ioutil.TempFile("", "for_test")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := tmpfile.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	return tmpfile.Name()
}

func TestLoadConfigFileNotExist(t *testing.T) {
	// Config file doesn't exist.
	err := config.Load("nonexistant_file.txt", nil)
	if !os.IsNotExist(err) {
		t.Errorf("expected a 'file does not exist' error, did not get one")
	}
}

func TestLoadConfigBadContent(t *testing.T) {
	// Config file exists, but contains bad content.
	content := []byte("%%---invalid_yaml")
	fileName := createTempFile(t, content)
	defer os.Remove(fileName)

	var actualConfig config.UWS
	err := config.Load(fileName, &actualConfig)
	if err == nil {
		t.Error("expected an error, did not get one")
	}
}

func TestLoadConfigOverDefaults(t *testing.T) {
	content := []byte(`
---
server:
  listen_address: ":8888"
  base_url: "https://uws.example.com"
db:
  type: mysql
  dsn: "uws:pw@tcp(localhost:3306)/uws"
jobs:
  execution_duration_max: 60
  clamp_execution_duration: false
auth:
  allow_anonymous: false
  trusted_job_servers: ["10.0."]
manager:
  type: ssh-batch
  phase_convert:
    RUNNING:
      phase: QUEUED
      msg: still warming up
  ssh:
    host: cluster:22
    sbatch_defaults:
      partition: debug
`)
	fileName := createTempFile(t, content)
	defer os.Remove(fileName)

	cfg := config.Defaults()
	if err := config.Load(fileName, &cfg); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.ListenAddress != ":8888" {
		t.Errorf("listen address = %s, expected :8888", cfg.Server.ListenAddress)
	}
	if cfg.Server.BasePath != "/rest" {
		t.Errorf("base path = %s, expected default /rest", cfg.Server.BasePath)
	}
	if cfg.Jobs.ExecutionDurationMax != 60 || cfg.Jobs.ExecutionDurationDefault != 120 {
		t.Errorf("execution duration def/max = %d/%d, expected 120/60", cfg.Jobs.ExecutionDurationDefault, cfg.Jobs.ExecutionDurationMax)
	}
	if cfg.Jobs.Clamp() {
		t.Error("clamp = true, expected false")
	}
	if cfg.Auth.Anonymous() {
		t.Error("anonymous = true, expected false")
	}
	if diff := deep.Equal(cfg.Auth.TrustedJobServers, []string{"10.0."}); diff != nil {
		t.Error(diff)
	}
	if cfg.Manager.SSH.SubmitCmd != "sbatch" {
		t.Errorf("submit cmd = %s, expected default sbatch", cfg.Manager.SSH.SubmitCmd)
	}
	if diff := deep.Equal(cfg.Manager.SSH.SbatchDefaults, map[string]string{"partition": "debug"}); diff != nil {
		t.Error(diff)
	}

	table := cfg.Manager.PhaseTable()
	expect := config.PhaseConvert{Phase: "QUEUED", Msg: "still warming up"}
	if diff := deep.Equal(table["RUNNING"], expect); diff != nil {
		t.Error(diff)
	}
	if table["CANCELLED"].Phase != "ABORTED" {
		t.Errorf("CANCELLED -> %s, expected ABORTED", table["CANCELLED"].Phase)
	}
}

func TestDefaults(t *testing.T) {
	cfg := config.Defaults()
	if !cfg.Jobs.Clamp() {
		t.Error("clamp = false, expected true by default")
	}
	if !cfg.Auth.Anonymous() {
		t.Error("anonymous = false, expected true by default")
	}
	if cfg.Jobs.DestructionInterval != 30 || cfg.Jobs.WaitTimeMax != 600 {
		t.Errorf("destruction interval/wait max = %d/%d, expected 30/600", cfg.Jobs.DestructionInterval, cfg.Jobs.WaitTimeMax)
	}
}

func TestEnv(t *testing.T) {
	os.Setenv("UWS_TEST_ENV", "set")
	defer os.Unsetenv("UWS_TEST_ENV")
	if got := config.Env("UWS_TEST_ENV", "def"); got != "set" {
		t.Errorf("got %s, expected set", got)
	}
	if got := config.Env("UWS_TEST_ENV_UNSET", "def"); got != "def" {
		t.Errorf("got %s, expected def", got)
	}
}

func TestPathsAbs(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	paths, err := config.Paths{Upload: "/data/uploads", Scripts: "dev/scripts"}.Abs()
	if err != nil {
		t.Fatal(err)
	}
	expect := config.Paths{Upload: "/data/uploads", Scripts: filepath.Join(wd, "dev/scripts")}
	if diff := deep.Equal(paths, expect); diff != nil {
		t.Error(diff)
	}
}
