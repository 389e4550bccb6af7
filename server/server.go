// Copyright 2026, Square, Inc.

// Package server bootstraps and runs the UWS server.
package server

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/square/uws/api"
	"github.com/square/uws/app"
	"github.com/square/uws/auth"
	"github.com/square/uws/engine"
	"github.com/square/uws/maintenance"
	"github.com/square/uws/manager"
	"github.com/square/uws/prov"
	"github.com/square/uws/store"
)

type Server struct {
	appCtx  app.Context
	api     *api.API
	manager manager.Manager

	apiStopped chan struct{}
	stopMux    sync.Mutex
	stopped    bool
}

func NewServer(appCtx app.Context) *Server {
	if appCtx.ShutdownChan == nil {
		appCtx.ShutdownChan = make(chan struct{})
	}
	return &Server{
		appCtx:     appCtx,
		stopMux:    sync.Mutex{},
		apiStopped: make(chan struct{}),
	}
}

// Boot sets up the server. It must be called before calling Run.
func (s *Server) Boot() error {
	// Only run Boot once.
	if s.api != nil {
		return nil
	}

	// Load config file
	cfg, err := s.appCtx.Hooks.LoadConfig(s.appCtx)
	if err != nil {
		return fmt.Errorf("error loading config: %s", err)
	}
	s.appCtx.Config = cfg
	if err := app.SetupLogging(cfg.Log); err != nil {
		return fmt.Errorf("error setting up logging: %s", err)
	}

	// Db connection pool and job store
	db, err := s.appCtx.Factories.MakeDbConnPool(s.appCtx)
	if err != nil {
		return fmt.Errorf("MakeDbConnPool: %s", err)
	}
	s.appCtx.Store = store.NewStore(db)

	// JDL registry: job descriptions, read on demand
	reg, err := s.appCtx.Factories.MakeJDL(s.appCtx)
	if err != nil {
		return fmt.Errorf("MakeJDL: %s", err)
	}
	s.appCtx.JDL = reg

	// Event broker: wakes up blocking GETs
	b, err := s.appCtx.Factories.MakeBroker(s.appCtx)
	if err != nil {
		return fmt.Errorf("MakeBroker: %s", err)
	}
	s.appCtx.Broker = b

	// Job manager: starts and polls the backend workloads
	m, err := s.appCtx.Factories.MakeManager(s.appCtx)
	if err != nil {
		return fmt.Errorf("MakeManager: %s", err)
	}
	s.manager = m

	// Archive: optional storage of results past destruction
	archiver, err := s.appCtx.Factories.MakeArchiver(s.appCtx)
	if err != nil {
		return fmt.Errorf("MakeArchiver: %s", err)
	}

	// Engine: job state machine and lifecycle
	engCfg := engine.Config{
		Store:      s.appCtx.Store,
		Manager:    m,
		Broker:     b,
		JDL:        reg,
		Paths:      cfg.Paths,
		Jobs:       cfg.Jobs,
		PhaseTable: cfg.Manager.PhaseTable(),
		BaseURL:    cfg.Server.BaseURL,
		Archive:    archiver,
	}
	if cfg.Jobs.GenerateProvenance {
		engCfg.Prov = prov.NewJSONWriter(cfg.Server.BaseURL)
	}
	s.appCtx.Engine = engine.NewEngine(engCfg)

	// Managers that watch their workloads report phase changes to the engine.
	if n, ok := m.(interface{ SetNotifier(manager.Notifier) }); ok {
		n.SetNotifier(s.appCtx.Engine)
	}

	// Auth: REST callers and job servers
	if s.appCtx.Plugins.Auth == nil {
		s.appCtx.Plugins.Auth = auth.NewBasic(cfg.Auth)
	}

	// Maintenance: backend reconciliation and destruction
	s.appCtx.Maintainer = maintenance.NewMaintainer(maintenance.Config{
		Engine:           s.appCtx.Engine,
		Store:            s.appCtx.Store,
		JDL:              reg,
		UseArchivedPhase: cfg.Jobs.UseArchivedPhase,
		Interval:         time.Duration(cfg.Maintenance.Interval) * time.Second,
		ShutdownChan:     s.appCtx.ShutdownChan,
	})

	// API: endpoints and controllers
	s.api = api.NewAPI(s.appCtx)

	log.WithFields(log.Fields{
		"addr":     cfg.Server.ListenAddress,
		"base_url": cfg.Server.BaseURL,
		"db":       cfg.Db.Type,
		"manager":  cfg.Manager.Type,
		"broker":   cfg.Broker.Type,
	}).Info("UWS server booted")
	return nil
}

// Run runs the API in the foreground and the maintenance loop in the
// background. It returns when the API stops running (either from an error, or
// after a call to Stop).
//
// If stopOnSignal = true, the server will listen for TERM and INT signals from
// the OS and call Stop to shut itself down when those signals are received.
// Else, the caller must call Stop to shut down the server.
func (s *Server) Run(stopOnSignal bool) error {
	if s.api == nil {
		panic("Server.Run called before Server.Boot")
	}
	if s.isStopped() {
		return fmt.Errorf("server stopped")
	}

	if stopOnSignal {
		go s.waitForShutdown()
	}
	go s.appCtx.Maintainer.Run()

	err := s.api.Run()

	// If the server was stopped (as opposed to some error within the API), wait
	// to make sure it's done shutting down the API before returning.
	stopped := s.isStopped()
	if stopped {
		<-s.apiStopped
	}

	if err != nil && !stopped {
		return fmt.Errorf("error from API: %s", err)
	}
	return nil
}

// Stop stops the server. It stops the maintenance loop and the manager
// watchers, then the API. Once Stop has been called, the server cannot be
// reused.
func (s *Server) Stop() error {
	s.stopMux.Lock()
	defer s.stopMux.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true

	log.Info("Stopping UWS server")

	// The maintenance loop and blocking GETs watch shutdownChan. The API
	// also stops creating and starting jobs.
	close(s.appCtx.ShutdownChan)

	if st, ok := s.manager.(interface{ Stop() }); ok {
		st.Stop()
	}

	var err error
	if s.api != nil {
		err = s.api.Stop()
	}
	close(s.apiStopped) // indicate to Run that the API is done shutting down

	if err != nil {
		return fmt.Errorf("error stopping API: %s", err)
	}
	return nil
}

func (s *Server) isStopped() bool {
	s.stopMux.Lock()
	defer s.stopMux.Unlock()
	return s.stopped
}

// API returns the API created in Boot.
func (s *Server) API() *api.API {
	return s.api
}

// Context returns the app context completed by Boot.
func (s *Server) Context() app.Context {
	return s.appCtx
}

// --------------------------------------------------------------------------

// Catch TERM and INT signals to gracefully shut down the server
func (s *Server) waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan

	if err := s.Stop(); err != nil {
		log.Errorf("error shutting down server: %s", err)
	}
}
