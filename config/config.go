// Copyright 2026, Square, Inc.

package config

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

///////////////////////////////////////////////////////////////////////////////
// High-Level Config Struct
///////////////////////////////////////////////////////////////////////////////

// The config used by the UWS server. This is read from in bin/main.go.
type UWS struct {
	// The config that the web server will run with.
	Server Server `yaml:"server"`

	// The config used to connect to the job database.
	Db SQLDb `yaml:"db"`

	// Filesystem locations of uploads, jobdata, scripts, and JDL files.
	Paths Paths `yaml:"paths"`

	// Job defaults and limits.
	Jobs Jobs `yaml:"jobs"`

	// Authentication and source-IP trust.
	Auth Auth `yaml:"auth"`

	// The backend that runs jobs.
	Manager Manager `yaml:"manager"`

	// The event broker used by blocking GETs.
	Broker Broker `yaml:"broker"`

	// Optional object store for archived results.
	Archive Archive `yaml:"archive"`

	// The periodic maintenance loop.
	Maintenance Maintenance `yaml:"maintenance"`

	// Logging.
	Log Log `yaml:"log"`
}

///////////////////////////////////////////////////////////////////////////////
// Config Components
///////////////////////////////////////////////////////////////////////////////

// Configuration for the web server.
type Server struct {
	// The address the server will listen on (ex: "127.0.0.1:8080").
	ListenAddress string `yaml:"listen_address"`

	// The public URL of the server (ex: "https://uws.example.com"). Result
	// URLs and job-event callbacks are built from it.
	BaseURL string `yaml:"base_url"`

	// The path under which the UWS job resources are served (ex: "/rest").
	BasePath string `yaml:"base_path"`

	// Debug adds backend output and internal error details to error responses.
	Debug bool `yaml:"debug"`

	// The TLS config used by the server.
	TLS TLS `yaml:"tls_config"`
}

// Configuration for a SQL database.
type SQLDb struct {
	// The driver: "mysql" or "sqlite".
	Type string `yaml:"type"`

	// The Data Source Name of the database. For MySQL, "parseTime=true" is
	// always appended. For SQLite, this is the database file path.
	DSN string `yaml:"dsn"`

	// The TLS config used to connect to MySQL.
	TLS TLS `yaml:"tls_config"`
}

// Filesystem paths on the server.
type Paths struct {
	// Uploaded input files are saved under UPLOAD_PATH/<jobid>.
	Upload string `yaml:"upload_path"`

	// Job scripts, logs, and (by default) results are under JOBDATA_PATH/<jobid>.
	Jobdata string `yaml:"jobdata_path"`

	// If set, results are under RESULTS_PATH/<jobid> instead of
	// JOBDATA_PATH/<jobid>/results.
	Results string `yaml:"results_path"`

	// Job scripts are SCRIPTS_PATH/<jobname>.sh.
	Scripts string `yaml:"scripts_path"`

	// Working directories are under WORKDIR_PATH/<jobid>. Defaults to
	// JOBDATA_PATH/<jobid>/workdir.
	Workdir string `yaml:"workdir_path"`

	// Job descriptions are JDL_PATH/<jobname>.yaml.
	JDL string `yaml:"jdl_path"`
}

// Abs returns the paths made absolute relative to the working directory.
// Job scripts run in other directories.
func (p Paths) Abs() (Paths, error) {
	for _, path := range []*string{&p.Upload, &p.Jobdata, &p.Results, &p.Scripts, &p.Workdir, &p.JDL} {
		if *path == "" || filepath.IsAbs(*path) {
			continue
		}
		abs, err := filepath.Abs(*path)
		if err != nil {
			return p, err
		}
		*path = abs
	}
	return p, nil
}

// UploadDir returns the directory of the uploaded inputs of the job.
func (p Paths) UploadDir(jobId string) string {
	return filepath.Join(p.Upload, jobId)
}

// JobdataDir returns the directory of the script, logs, and markers of the job.
func (p Paths) JobdataDir(jobId string) string {
	return filepath.Join(p.Jobdata, jobId)
}

// ResultsDir returns the directory of the results of the job.
func (p Paths) ResultsDir(jobId string) string {
	if p.Results != "" {
		return filepath.Join(p.Results, jobId)
	}
	return filepath.Join(p.Jobdata, jobId, "results")
}

// WorkDir returns the working directory of the job.
func (p Paths) WorkDir(jobId string) string {
	if p.Workdir != "" {
		return filepath.Join(p.Workdir, jobId)
	}
	return filepath.Join(p.Jobdata, jobId, "workdir")
}

// Job defaults and limits.
type Jobs struct {
	// Days between creation and destruction of a job.
	DestructionInterval int `yaml:"destruction_interval"`

	// Execution duration (seconds) when neither the client nor the JDL gives one.
	ExecutionDurationDefault int `yaml:"execution_duration_def"`

	// Maximum execution duration (seconds).
	ExecutionDurationMax int `yaml:"execution_duration_max"`

	// ClampExecutionDuration clamps posted execution durations to the
	// maximum. If false, posted values are accepted as given.
	ClampExecutionDuration *bool `yaml:"clamp_execution_duration"`

	// Maximum blocking GET wait (seconds).
	WaitTimeMax int `yaml:"wait_time_max"`

	// Number of characters in a job id. 0 means a full 32-character id.
	IdLength int `yaml:"id_length"`

	// UseArchivedPhase archives terminal jobs past their destruction time
	// instead of deleting them.
	UseArchivedPhase bool `yaml:"use_archived_phase"`

	// GenerateProvenance writes a provenance record for terminal jobs.
	GenerateProvenance bool `yaml:"generate_provenance"`
}

// Clamp returns the effective ClampExecutionDuration, which defaults to true.
func (j Jobs) Clamp() bool {
	if j.ClampExecutionDuration == nil {
		return true
	}
	return *j.ClampExecutionDuration
}

// Auth configuration.
type Auth struct {
	// AllowAnonymous allows job creation without HTTP Basic credentials.
	// Requests without credentials are always made as anonymous/anonymous.
	AllowAnonymous *bool `yaml:"allow_anonymous"`

	// The admin identity (HTTP Basic user:pid) bypasses ownership checks.
	AdminName  string `yaml:"admin_name"`
	AdminToken string `yaml:"admin_token"`

	// Address prefixes allowed to call the job-event and maintenance
	// endpoints (ex: "127.0.0.1", "::1", "10.0.").
	TrustedJobServers []string `yaml:"trusted_job_servers"`
}

// Anonymous returns the effective AllowAnonymous, which defaults to true.
func (a Auth) Anonymous() bool {
	if a.AllowAnonymous == nil {
		return true
	}
	return *a.AllowAnonymous
}

// Manager configuration.
type Manager struct {
	// The backend: "local" or "ssh-batch".
	Type string `yaml:"type"`

	// Seconds between polls of local child processes.
	PollInterval int `yaml:"poll_interval"`

	// Backend phase names mapped to UWS phases. Entries are merged over
	// DefaultPhaseConvert.
	PhaseConvert map[string]PhaseConvert `yaml:"phase_convert"`

	// SSH endpoint details for the "ssh-batch" manager.
	SSH SSH `yaml:"ssh"`
}

// PhaseConvert maps one backend phase to a UWS phase with a message that is
// appended to the job error on ERROR.
type PhaseConvert struct {
	Phase string `yaml:"phase"`
	Msg   string `yaml:"msg"`
}

// SSH configuration for the batch cluster.
type SSH struct {
	// The login host (ex: "cluster.example.com:22").
	Host string `yaml:"host"`

	// The remote user.
	User string `yaml:"user"`

	// Private key used to authenticate.
	KeyFile string `yaml:"key_file"`

	// known_hosts file used to verify the host. If empty, the host key is
	// not verified.
	KnownHostsFile string `yaml:"known_hosts_file"`

	// Remote paths, same meaning as Paths.
	JobdataPath string `yaml:"jobdata_path"`
	WorkdirPath string `yaml:"workdir_path"`
	ResultsPath string `yaml:"results_path"`
	ScriptsPath string `yaml:"scripts_path"`

	// Batch commands (defaults: sbatch, sacct, scancel).
	SubmitCmd string `yaml:"submit_cmd"`
	StatusCmd string `yaml:"status_cmd"`
	CancelCmd string `yaml:"cancel_cmd"`

	// #SBATCH options added to every job script (ex: partition: "debug").
	SbatchDefaults map[string]string `yaml:"sbatch_defaults"`

	// Connection attempts before giving up.
	DialTries int `yaml:"dial_tries"`
}

// RemotePaths returns the paths on the cluster. Uploads are never read
// remotely.
func (s SSH) RemotePaths() Paths {
	return Paths{
		Jobdata: s.JobdataPath,
		Workdir: s.WorkdirPath,
		Results: s.ResultsPath,
		Scripts: s.ScriptsPath,
	}
}

// Broker configuration.
type Broker struct {
	// "memory" (default) or "redis".
	Type string `yaml:"type"`

	// Redis connection, used if Type is "redis".
	Redis RedisDb `yaml:"redis"`
}

// Configuration for a Redis database.
type RedisDb struct {
	// The address for the redis server (ex: "localhost:6379").
	Address string `yaml:"address"`

	Password string `yaml:"password"`

	DB int `yaml:"db"`

	// The prefix used for redis channels.
	Prefix string `yaml:"prefix"`
}

// Archive configuration.
type Archive struct {
	// "" (no archive) or "s3".
	Type string `yaml:"type"`

	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`

	// Archived result URLs are URLPrefix/<jobid>/<file>.
	URLPrefix string `yaml:"url_prefix"`
}

// Maintenance configuration.
type Maintenance struct {
	// Seconds between passes. 0 disables the periodic loop; the maintenance
	// endpoint still works.
	Interval int `yaml:"interval"`
}

// Log configuration.
type Log struct {
	// logrus level name (ex: "info", "debug").
	Level string `yaml:"level"`

	// "text" (default) or "json".
	Format string `yaml:"format"`
}

// TLS configuration.
type TLS struct {
	// The certificate file to use.
	CertFile string `yaml:"cert_file"`

	// The key file to use.
	KeyFile string `yaml:"key_file"`

	// The CA file to use.
	CAFile string `yaml:"ca_file"`
}

///////////////////////////////////////////////////////////////////////////////
// Defaults
///////////////////////////////////////////////////////////////////////////////

// DefaultPhaseConvert maps SLURM job states to UWS phases.
var DefaultPhaseConvert = map[string]PhaseConvert{
	"PENDING":       {Phase: "QUEUED", Msg: "Job pending"},
	"CONFIGURING":   {Phase: "QUEUED", Msg: "Job configuring"},
	"RUNNING":       {Phase: "EXECUTING", Msg: "Job running"},
	"COMPLETING":    {Phase: "EXECUTING", Msg: "Job completing"},
	"COMPLETED":     {Phase: "COMPLETED", Msg: "Job completed"},
	"SUSPENDED":     {Phase: "SUSPENDED", Msg: "Job suspended"},
	"CANCELLED":     {Phase: "ABORTED", Msg: "Job cancelled"},
	"FAILED":        {Phase: "ERROR", Msg: "Job failed"},
	"NODE_FAIL":     {Phase: "ERROR", Msg: "Node failure"},
	"TIMEOUT":       {Phase: "ERROR", Msg: "Job timed out"},
	"PREEMPTED":     {Phase: "ERROR", Msg: "Job preempted"},
	"BOOT_FAIL":     {Phase: "ERROR", Msg: "Node boot failure"},
	"OUT_OF_MEMORY": {Phase: "ERROR", Msg: "Job out of memory"},
	"DEADLINE":      {Phase: "ERROR", Msg: "Job reached its deadline"},
}

// Defaults returns the config used when a field is not set.
func Defaults() UWS {
	return UWS{
		Server: Server{
			ListenAddress: "127.0.0.1:8080",
			BaseURL:       "http://localhost:8080",
			BasePath:      "/rest",
		},
		Db: SQLDb{
			Type: "sqlite",
			DSN:  "/var/lib/uws/uws.db",
		},
		Paths: Paths{
			Upload:  "/var/lib/uws/uploads",
			Jobdata: "/var/lib/uws/jobdata",
			Scripts: "/var/lib/uws/scripts",
			JDL:     "/var/lib/uws/jdl",
		},
		Jobs: Jobs{
			DestructionInterval:      30,
			ExecutionDurationDefault: 120,
			ExecutionDurationMax:     3600,
			WaitTimeMax:              600,
		},
		Auth: Auth{
			TrustedJobServers: []string{"127.0.0.1", "::1"},
		},
		Manager: Manager{
			Type:         "local",
			PollInterval: 4,
			SSH: SSH{
				SubmitCmd: "sbatch",
				StatusCmd: "sacct",
				CancelCmd: "scancel",
				DialTries: 3,
			},
		},
		Broker: Broker{
			Type: "memory",
			Redis: RedisDb{
				Address: "localhost:6379",
				Prefix:  "uws:",
			},
		},
		Maintenance: Maintenance{
			Interval: 600,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// PhaseTable returns DefaultPhaseConvert with the configured entries merged
// over it.
func (m Manager) PhaseTable() map[string]PhaseConvert {
	table := make(map[string]PhaseConvert, len(DefaultPhaseConvert)+len(m.PhaseConvert))
	for k, v := range DefaultPhaseConvert {
		table[k] = v
	}
	for k, v := range m.PhaseConvert {
		table[k] = v
	}
	return table
}

///////////////////////////////////////////////////////////////////////////////
// Loading Config
///////////////////////////////////////////////////////////////////////////////

// Load loads a configuration file into the struct pointed to by the
// configStruct argument. Fields not in the file keep their current values,
// so load into Defaults() to get defaults.
func Load(configFile string, configStruct interface{}) error {
	// Make sure the file exists.
	_, err := os.Stat(configFile)
	if err != nil {
		return err
	}

	// Read the file.
	data, err := ioutil.ReadFile(configFile)
	if err != nil {
		return err
	}

	// Unmarshal the contents of the file into the provided struct.
	return yaml.Unmarshal(data, configStruct)
}

// Env returns the value of the environment variable or def if it is not set.
func Env(varName, def string) string {
	val := os.Getenv(varName)
	if val != "" {
		return val
	}
	return def
}
