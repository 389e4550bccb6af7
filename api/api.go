// Copyright 2026, Square, Inc.

// Package api provides controllers for each api endpoint. Controllers are
// "dumb wiring"; there is little to no application logic in this package.
// Controllers call the engine to satisfy the api endpoint and render UWS
// documents. Authentication happens in middleware, authorization in the
// engine.
package api

import (
	"context"
	"encoding/xml"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo"
	"github.com/labstack/echo/middleware"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"

	"github.com/square/uws/app"
	"github.com/square/uws/auth"
	"github.com/square/uws/broker"
	"github.com/square/uws/engine"
	serr "github.com/square/uws/errors"
	"github.com/square/uws/maintenance"
	"github.com/square/uws/proto"
	v "github.com/square/uws/version"
)

const (
	JOB_EVENT_PATH   = "/handler/job_event"
	MAINTENANCE_PATH = "/handler/maintenance/"
	RESULT_FILE_PATH = "/get_result_file/"

	VERSION_HEADER    = "X-UWS-Version"
	REQUEST_ID_HEADER = "X-Request-Id"

	MIME_XML  = "text/xml; charset=UTF-8"
	MIME_TEXT = "text/plain; charset=UTF-8"
)

var (
	// Error when the server is shutting down and not starting new jobs
	ErrShuttingDown = errors.New("UWS server is shutting down - no new jobs are being started")
)

// API provides controllers for endpoints it registers with a router.
// It satisfies the http.HandlerFunc interface.
type API struct {
	appCtx       app.Context
	engine       engine.Engine
	broker       broker.Broker
	auth         auth.Auth
	maintainer   maintenance.Maintainer
	basePath     string
	baseURL      string
	waitMax      time.Duration
	debug        bool
	shutdownChan chan struct{}
	logger       *log.Entry
	// --
	echo *echo.Echo
}

// NewAPI creates a new API struct. It initializes an echo web server within the
// struct, and registers all of the API's routes with it.
func NewAPI(appCtx app.Context) *API {
	cfg := appCtx.Config
	basePath := "/" + strings.Trim(cfg.Server.BasePath, "/")
	if basePath == "/" {
		basePath = ""
	}
	api := &API{
		appCtx:       appCtx,
		engine:       appCtx.Engine,
		broker:       appCtx.Broker,
		auth:         appCtx.Plugins.Auth,
		maintainer:   appCtx.Maintainer,
		basePath:     basePath,
		baseURL:      strings.TrimSuffix(cfg.Server.BaseURL, "/"),
		waitMax:      time.Duration(cfg.Jobs.WaitTimeMax) * time.Second,
		debug:        cfg.Server.Debug,
		shutdownChan: appCtx.ShutdownChan,
		logger:       log.WithFields(log.Fields{"module": "api"}),
		// --
		echo: echo.New(),
	}
	if api.auth == nil {
		api.auth = auth.NewBasic(cfg.Auth)
	}

	// //////////////////////////////////////////////////////////////////////
	// Middleware and hooks
	// //////////////////////////////////////////////////////////////////////
	api.echo.Pre(middleware.RemoveTrailingSlash())
	api.echo.Use(middleware.Recover())
	api.echo.Use(middleware.Logger())
	api.echo.Use((func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set(VERSION_HEADER, v.Version())
			rid := c.Request().Header.Get(REQUEST_ID_HEADER)
			if rid == "" {
				rid = xid.New().String()
			}
			c.Response().Header().Set(REQUEST_ID_HEADER, rid)
			return next(c)
		}
	}))

	// //////////////////////////////////////////////////////////////////////
	// Routes
	// //////////////////////////////////////////////////////////////////////

	// UWS job resources, authenticated
	jobs := api.echo.Group(basePath, api.authenticate)
	jobs.GET("/:jobname", api.listHandler)                                     // job list -> <uws:jobs>
	jobs.POST("/:jobname", api.createHandler)                                  // create (and start if PHASE=RUN)
	jobs.GET("/:jobname/:jobid", api.getJobHandler)                            // job -> <uws:job>, blocking
	jobs.DELETE("/:jobname/:jobid", api.deleteHandler)                         // delete
	jobs.POST("/:jobname/:jobid", api.postJobHandler)                          // delete if ACTION=DELETE
	jobs.GET("/:jobname/:jobid/phase", api.attrHandler(attrPhase))             // phase
	jobs.POST("/:jobname/:jobid/phase", api.postPhaseHandler)                  // start or abort
	jobs.GET("/:jobname/:jobid/executionduration", api.attrHandler(attrDur))   // execution duration
	jobs.POST("/:jobname/:jobid/executionduration", api.postDurationHandler)   // set execution duration
	jobs.GET("/:jobname/:jobid/destruction", api.attrHandler(attrDestruction)) // destruction time
	jobs.POST("/:jobname/:jobid/destruction", api.postDestructionHandler)      // set destruction time
	jobs.GET("/:jobname/:jobid/error", api.attrHandler(attrError))             // error summary
	jobs.GET("/:jobname/:jobid/quote", api.attrHandler(attrQuote))             // quote
	jobs.GET("/:jobname/:jobid/owner", api.attrHandler(attrOwner))             // owner
	jobs.GET("/:jobname/:jobid/runId", api.attrHandler(attrRunId))             // run id
	jobs.GET("/:jobname/:jobid/parameters", api.parametersHandler)             // -> <uws:parameters>
	jobs.GET("/:jobname/:jobid/parameters/:pname", api.parameterHandler)       // parameter value
	jobs.POST("/:jobname/:jobid/parameters/:pname", api.postParameterHandler)  // set parameter value
	jobs.GET("/:jobname/:jobid/results", api.resultsHandler)                   // -> <uws:results>
	jobs.GET("/:jobname/:jobid/results/:rname", api.resultHandler)             // result URL
	jobs.GET("/:jobname/:jobid/stdout", api.logHandler(proto.RESULT_STDOUT))   // stdout log
	jobs.GET("/:jobname/:jobid/stderr", api.logHandler(proto.RESULT_STDERR))   // stderr log

	// Result files, authenticated
	api.echo.GET(RESULT_FILE_PATH+":jobid/:rname", api.resultFileHandler, api.authenticate)

	// Job servers, by source address
	api.echo.POST(JOB_EVENT_PATH, api.jobEventHandler, api.trusted)
	api.echo.GET(MAINTENANCE_PATH+":jobname", api.maintenanceHandler, api.trusted)

	// Meta
	api.echo.GET("/version", api.versionHandler) // return version.Version()

	return api
}

func (api *API) Router() *echo.Echo {
	return api.echo
}

// Run makes the API listen on the configured address.
func (api *API) Run() error {
	var err error
	scfg := api.appCtx.Config.Server
	if scfg.TLS.CertFile != "" && scfg.TLS.KeyFile != "" {
		err = api.echo.StartTLS(scfg.ListenAddress, scfg.TLS.CertFile, scfg.TLS.KeyFile)
	} else {
		err = api.echo.Start(scfg.ListenAddress)
	}
	return err
}

// Stop stops the API when it's running. When Stop is called, Run returns
// immediately. Make sure to wait for Stop to return.
func (api *API) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	scfg := api.appCtx.Config.Server
	if scfg.TLS.CertFile != "" && scfg.TLS.KeyFile != "" {
		return api.echo.TLSServer.Shutdown(ctx)
	}
	return api.echo.Server.Shutdown(ctx)
}

// ServeHTTP makes the API implement the http.HandlerFunc interface.
func (api *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	api.echo.ServeHTTP(w, r)
}

// authenticate sets the caller ("user") of the request.
func (api *API) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		user, err := api.auth.Authenticate(c.Request())
		if err != nil {
			return api.handleError(err, c)
		}
		c.Set("user", user)
		return next(c)
	}
}

// trusted rejects requests that do not come from a trusted job server. The
// connection address is used, not forwarding headers.
func (api *API) trusted(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		addr := c.Request().RemoteAddr
		if !api.auth.Trusted(addr) {
			return api.handleError(serr.Forbidden{Message: "untrusted source address " + addr}, c)
		}
		return next(c)
	}
}

func caller(c echo.Context) proto.User {
	user, _ := c.Get("user").(proto.User)
	return user
}

func (api *API) shuttingDown() bool {
	select {
	case <-api.shutdownChan:
		return true
	default:
		return false
	}
}

// jobsURL returns the URL of the job list of jobname.
func (api *API) jobsURL(jobname string) string {
	return api.baseURL + api.basePath + "/" + jobname
}

// jobURL returns the URL of the job, with elem appended.
func (api *API) jobURL(jobname, jobId string, elem ...string) string {
	return strings.Join(append([]string{api.jobsURL(jobname), jobId}, elem...), "/")
}

func renderXML(c echo.Context, doc interface{}) error {
	bytes, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, MIME_XML, append([]byte(xml.Header), bytes...))
}

func (api *API) versionHandler(c echo.Context) error {
	return c.String(http.StatusOK, v.Version())
}

// ------------------------------------------------------------------------- //

// handleError maps errors to status codes and sends the message as plain
// text: 404 for unknown jobs, parameters, results, and jobnames, 403 for
// access errors, and 500 for everything else.
func (api *API) handleError(err error, c echo.Context) error {
	status := http.StatusInternalServerError
	msg := err.Error()

	switch e := err.(type) {
	case serr.JobNotFound, serr.ParameterNotFound, serr.ResultNotFound, serr.JDLNotFound:
		status = http.StatusNotFound
	case serr.Forbidden:
		status = http.StatusForbidden
	case serr.BackendError:
		if api.debug && e.Output != "" {
			msg += "\n" + e.Output
		}
	case serr.DbError:
		if !api.debug {
			msg = "database error"
		}
	}
	switch err {
	case ErrShuttingDown:
		status = http.StatusServiceUnavailable
	}

	logger := api.logger.WithFields(log.Fields{
		"status":     status,
		"request_id": c.Response().Header().Get(REQUEST_ID_HEADER),
	})
	if status == http.StatusInternalServerError {
		logger.Errorf("%s %s: %s", c.Request().Method, c.Request().URL.Path, err)
	} else {
		logger.Debugf("%s %s: %s", c.Request().Method, c.Request().URL.Path, err)
	}
	return c.String(status, msg)
}
