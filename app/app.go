// Copyright 2026, Square, Inc.

// Package app provides app-wide data structs and functions: the context that
// holds the config and the core service objects, and the default factories
// that make them. Hooks, factories, and plugins can be replaced before
// server.Boot to customize the server.
package app

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"fmt"
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/square/uws/archive"
	"github.com/square/uws/auth"
	"github.com/square/uws/broker"
	"github.com/square/uws/config"
	"github.com/square/uws/engine"
	"github.com/square/uws/jdl"
	"github.com/square/uws/maintenance"
	"github.com/square/uws/manager"
	"github.com/square/uws/store"
)

// Context represents the config, core service singletons, and 3rd-party
// extensions. There is one immutable context shared by all packages, created
// in bin/main.go and completed by server.Boot.
type Context struct {
	Hooks     Hooks
	Factories Factories
	Plugins   Plugins

	Options Options
	Config  config.UWS

	// Core service singletons, set by server.Boot
	Store        store.Store
	Engine       engine.Engine
	Broker       broker.Broker
	JDL          jdl.Registry
	Maintainer   maintenance.Maintainer
	ShutdownChan chan struct{}
}

// Options represents the command line options. Options override the config
// file.
type Options struct {
	Config  string `arg:"env:UWS_CONFIG" help:"config file (default: config/<ENVIRONMENT>.yaml)"`
	Addr    string `arg:"env:UWS_SERVER_ADDR" help:"listen address, overrides server.listen_address"`
	Debug   bool   `help:"debug logging and error responses"`
	Version bool   `help:"print version and exit"`
}

// Factories make the core service objects from the config.
type Factories struct {
	MakeDbConnPool func(Context) (*sql.DB, error)
	MakeJDL        func(Context) (jdl.Registry, error)
	MakeBroker     func(Context) (broker.Broker, error)
	MakeManager    func(Context) (manager.Manager, error)
	MakeArchiver   func(Context) (archive.Archiver, error) // nil Archiver = no archive
}

// Hooks allow users to modify system behavior at certain points.
type Hooks struct {
	// LoadConfig loads the config. The default is LoadConfig.
	LoadConfig func(Context) (config.UWS, error)
}

// Plugins allow users to provide their own implementations of various
// interfaces.
type Plugins struct {
	// Auth authenticates REST callers. The default is auth.Basic.
	Auth auth.Auth
}

// Defaults returns a Context with the default hooks and factories. The Auth
// plugin is set from the config by server.Boot if it is nil.
func Defaults() Context {
	return Context{
		Factories: Factories{
			MakeDbConnPool: MakeDbConnPool,
			MakeJDL:        MakeJDL,
			MakeBroker:     MakeBroker,
			MakeManager:    MakeManager,
			MakeArchiver:   MakeArchiver,
		},
		Hooks: Hooks{
			LoadConfig: LoadConfig,
		},
		ShutdownChan: make(chan struct{}),
	}
}

// LoadConfig loads the config file given by --config, else the file selected
// by the ENVIRONMENT env var, over config.Defaults. A missing default file is
// not an error.
func LoadConfig(ctx Context) (config.UWS, error) {
	cfg := config.Defaults()
	cfgFile := ctx.Options.Config
	explicit := cfgFile != ""
	if !explicit {
		switch os.Getenv("ENVIRONMENT") {
		case "staging":
			cfgFile = "config/staging.yaml"
		case "production":
			cfgFile = "config/production.yaml"
		default:
			cfgFile = "config/development.yaml"
		}
	}
	if err := config.Load(cfgFile, &cfg); err != nil {
		if explicit || !os.IsNotExist(err) {
			return cfg, fmt.Errorf("error loading %s: %s", cfgFile, err)
		}
		log.Infof("config file %s not found, using defaults", cfgFile)
	}

	// Env vars, then command line options
	cfg.Server.ListenAddress = config.Env("UWS_SERVER_ADDR", cfg.Server.ListenAddress)
	cfg.Server.BaseURL = config.Env("UWS_BASE_URL", cfg.Server.BaseURL)
	cfg.Db.DSN = config.Env("UWS_DB_DSN", cfg.Db.DSN)
	if ctx.Options.Addr != "" {
		cfg.Server.ListenAddress = ctx.Options.Addr
	}
	if ctx.Options.Debug {
		cfg.Server.Debug = true
		cfg.Log.Level = "debug"
	}
	paths, err := cfg.Paths.Abs()
	if err != nil {
		return cfg, fmt.Errorf("invalid paths: %s", err)
	}
	cfg.Paths = paths
	return cfg, nil
}

// SetupLogging configures the standard logrus logger.
func SetupLogging(cfg config.Log) error {
	level := log.InfoLevel
	if cfg.Level != "" {
		var err error
		if level, err = log.ParseLevel(cfg.Level); err != nil {
			return err
		}
	}
	log.SetLevel(level)
	switch cfg.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log.format: %s (expected text or json)", cfg.Format)
	}
	return nil
}

func MakeDbConnPool(ctx Context) (*sql.DB, error) {
	dbcfg := ctx.Config.Db
	bg, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch dbcfg.Type {
	case store.SQLITE:
		return store.OpenSQLite(bg, dbcfg.DSN)
	case store.MYSQL:
	default:
		return nil, fmt.Errorf("invalid db.type: %s (expected %s or %s)", dbcfg.Type, store.MYSQL, store.SQLITE)
	}

	dsn := dbcfg.DSN
	if strings.Contains(dsn, "?") {
		dsn += "&parseTime=true"
	} else {
		dsn += "?parseTime=true" // always needs to be set
	}
	if dbcfg.TLS.CAFile != "" && dbcfg.TLS.CertFile != "" && dbcfg.TLS.KeyFile != "" {
		tlsConfig, err := NewTLSConfig(dbcfg.TLS.CAFile, dbcfg.TLS.CertFile, dbcfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("error loading database TLS config: %s", err)
		}
		if err := mysql.RegisterTLSConfig("custom", tlsConfig); err != nil {
			return nil, err
		}
		dsn += "&tls=custom"
	}
	db, err := sql.Open(store.MYSQL, dsn)
	if err != nil {
		return nil, fmt.Errorf("error creating sql.DB: %s", err)
	}
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(100)
	db.SetConnMaxLifetime(12 * time.Hour)
	if err := store.Migrate(bg, db, store.MYSQL); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func MakeJDL(ctx Context) (jdl.Registry, error) {
	if _, err := os.Stat(ctx.Config.Paths.JDL); err != nil {
		return nil, fmt.Errorf("paths.jdl_path: %s", err)
	}
	return jdl.NewRegistry(ctx.Config.Paths.JDL), nil
}

func MakeBroker(ctx Context) (broker.Broker, error) {
	bcfg := ctx.Config.Broker
	switch bcfg.Type {
	case "", "memory":
		return broker.NewMemory(), nil
	case "redis":
	default:
		return nil, fmt.Errorf("invalid broker.type: %s (expected memory or redis)", bcfg.Type)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     bcfg.Redis.Address,
		Password: bcfg.Redis.Password,
		DB:       bcfg.Redis.DB,
	})
	bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(bg).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cannot connect to redis at %s: %s", bcfg.Redis.Address, err)
	}
	return broker.NewRedis(client, bcfg.Redis.Prefix), nil
}

// MakeManager makes the configured manager. Job scripts call back
// <base_url>/handler/job_event.
func MakeManager(ctx Context) (manager.Manager, error) {
	mcfg := ctx.Config.Manager
	callbackURL := strings.TrimSuffix(ctx.Config.Server.BaseURL, "/") + "/handler/job_event"
	switch mcfg.Type {
	case "", "local":
		return manager.NewLocal(manager.LocalConfig{
			Paths:        ctx.Config.Paths,
			CallbackURL:  callbackURL,
			PollInterval: time.Duration(mcfg.PollInterval) * time.Second,
		}), nil
	case "ssh-batch":
		runner, err := manager.NewSSHRunner(mcfg.SSH)
		if err != nil {
			return nil, err
		}
		return manager.NewSSHBatch(manager.SSHBatchConfig{
			Runner:      runner,
			Local:       ctx.Config.Paths,
			SSH:         mcfg.SSH,
			CallbackURL: callbackURL,
			PhaseTable:  mcfg.PhaseTable(),
		}), nil
	default:
		return nil, fmt.Errorf("invalid manager.type: %s (expected local or ssh-batch)", mcfg.Type)
	}
}

func MakeArchiver(ctx Context) (archive.Archiver, error) {
	bg, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return archive.NewFromConfig(bg, ctx.Config.Archive)
}

// NewTLSConfig takes a cert, key, and ca file and creates a *tls.Config.
func NewTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tls.LoadX509KeyPair: %s", err)
	}
	caCert, err := ioutil.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("no certificates in %s", caFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caCertPool,
	}, nil
}
