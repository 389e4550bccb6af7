// Copyright 2026, Square, Inc.

package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo"
	log "github.com/sirupsen/logrus"

	"github.com/square/uws/engine"
	serr "github.com/square/uws/errors"
)

// Fields posted by job scripts to the job event handler.
const (
	EVENT_PID   = "jobid"
	EVENT_PHASE = "phase"
	EVENT_MSG   = "error_msg"
	EVENT_JOBID = "uws_jobid"
)

// POST /handler/job_event
func (api *API) jobEventHandler(c echo.Context) error {
	event := engine.JobEvent{
		Pid:   c.FormValue(EVENT_PID),
		JobId: c.FormValue(EVENT_JOBID),
		Phase: c.FormValue(EVENT_PHASE),
		Msg:   c.FormValue(EVENT_MSG),
	}
	if event.Pid == "" {
		return api.handleError(serr.ValidationError{Message: "jobid is not defined in POST"}, c)
	}
	if event.Phase == "" {
		return api.handleError(serr.ValidationError{Message: "phase is not defined in POST"}, c)
	}

	job, err := api.engine.JobEvent(c.Request().Context(), event)
	if err != nil {
		return api.handleError(err, c)
	}
	api.logger.WithFields(log.Fields{
		"jobid": job.Id,
		"pid":   event.Pid,
		"phase": job.Phase,
	}).Debug("job event handled")
	return c.String(http.StatusOK, "")
}

// GET /handler/maintenance/:jobname
func (api *API) maintenanceHandler(c echo.Context) error {
	if api.maintainer == nil {
		return api.handleError(serr.ValidationError{Message: "maintenance is not configured"}, c)
	}
	report, err := api.maintainer.Check(c.Request().Context(), c.Param("jobname"))
	if err != nil {
		return api.handleError(err, c)
	}
	return c.String(http.StatusOK, "Maintenance report:\n"+strings.Join(report, "\n"))
}
