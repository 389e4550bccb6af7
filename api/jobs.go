// Copyright 2026, Square, Inc.

package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo"

	"github.com/square/uws/auth"
	"github.com/square/uws/engine"
	serr "github.com/square/uws/errors"
	"github.com/square/uws/proto"
	"github.com/square/uws/store"
)

// Form fields of the REST surface.
const (
	FIELD_PHASE       = "PHASE"
	FIELD_ACTION      = "ACTION"
	FIELD_VALUE       = "VALUE"
	FIELD_DURATION    = "EXECUTIONDURATION"
	FIELD_DESTRUCTION = "DESTRUCTION"
	FIELD_WAIT        = "WAIT"
	FIELD_AFTER       = "AFTER"
	FIELD_LAST        = "LAST"

	ACTION_DELETE = "DELETE"
)

// GET <base>/:jobname
func (api *API) listHandler(c echo.Context) error {
	jobname := c.Param("jobname")
	filter := store.Filter{}

	q := c.QueryParams()
	for _, phase := range q[FIELD_PHASE] {
		phase = strings.ToUpper(phase)
		if !proto.IsPhase(phase) {
			return api.handleError(serr.ValidationError{Message: "unknown phase: " + phase}, c)
		}
		filter.Phases = append(filter.Phases, phase)
	}
	if after := q.Get(FIELD_AFTER); after != "" {
		t, err := proto.ParseTime(after)
		if err != nil {
			return api.handleError(serr.ValidationError{Message: "AFTER is not a date: " + after}, c)
		}
		filter.After = &t
	}
	if last := q.Get(FIELD_LAST); last != "" {
		n, err := strconv.Atoi(last)
		if err != nil || n <= 0 {
			return api.handleError(serr.ValidationError{Message: "LAST must be a positive integer: " + last}, c)
		}
		filter.Last = n
	}

	jobs, err := api.engine.List(c.Request().Context(), jobname, caller(c), filter)
	if err != nil {
		return api.handleError(err, c)
	}
	return renderXML(c, proto.NewUWSJobs(jobs, api.jobsURL(jobname)))
}

// POST <base>/:jobname
func (api *API) createHandler(c echo.Context) error {
	if api.shuttingDown() {
		return api.handleError(ErrShuttingDown, c)
	}
	jobname := c.Param("jobname")
	ctx := c.Request().Context()
	user := caller(c)
	if user.Name == auth.ANONYMOUS && !api.appCtx.Config.Auth.Anonymous() {
		return api.handleError(serr.Forbidden{Message: "anonymous job creation is disabled, send HTTP Basic credentials"}, c)
	}

	form, err := c.FormParams()
	if err != nil {
		return api.handleError(serr.ValidationError{Message: "cannot parse form: " + err.Error()}, c)
	}
	params := engine.CreateParams{
		Jobname: jobname,
		User:    user,
		Form:    form,
	}

	// Uploaded inputs
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		mf, err := c.MultipartForm()
		if err != nil {
			return api.handleError(serr.ValidationError{Message: "cannot parse form: " + err.Error()}, c)
		}
		for param, files := range mf.File {
			for _, fh := range files {
				f, err := fh.Open()
				if err != nil {
					return api.handleError(err, c)
				}
				defer f.Close()
				params.Uploads = append(params.Uploads, engine.Upload{
					Param:    param,
					Filename: fh.Filename,
					Content:  f,
				})
			}
		}
	}

	job, err := api.engine.Create(ctx, params)
	if err != nil {
		return api.handleError(err, c)
	}
	if strings.ToUpper(form.Get(FIELD_PHASE)) == proto.PHASE_ACTION_RUN {
		if err := api.engine.Start(ctx, jobname, job.Id, user); err != nil {
			return api.handleError(err, c)
		}
	}
	return c.Redirect(http.StatusSeeOther, api.jobURL(jobname, job.Id))
}

// GET <base>/:jobname/:jobid
//
// Blocking: if WAIT is set and PHASE (default: the current phase) is the
// current phase of an active job, wait for a phase change for up to WAIT
// seconds (-1 or more than the max: the max), then reload.
func (api *API) getJobHandler(c echo.Context) error {
	jobname := c.Param("jobname")
	jobId := c.Param("jobid")
	ctx := c.Request().Context()
	user := caller(c)

	job, err := api.engine.Get(ctx, jobname, jobId, user)
	if err != nil {
		return api.handleError(err, c)
	}

	wait, err := api.waitDuration(c.QueryParam(FIELD_WAIT))
	if err != nil {
		return api.handleError(err, c)
	}
	phase := strings.ToUpper(c.QueryParam(FIELD_PHASE))
	if phase == "" {
		phase = job.Phase
	}
	if wait > 0 && phase == job.Phase && proto.ActivePhases[job.Phase] {
		changed, err := api.waitPhaseChange(ctx, job, wait)
		if err != nil {
			return api.handleError(err, c)
		}
		if changed {
			if job, err = api.engine.Get(ctx, jobname, jobId, user); err != nil {
				return api.handleError(err, c)
			}
		}
	}
	return renderXML(c, proto.NewUWSJob(job))
}

// waitDuration parses WAIT. An empty value is no wait.
func (api *API) waitDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, serr.ValidationError{Message: "WAIT must be an integer: " + s}
	}
	wait := time.Duration(n) * time.Second
	switch {
	case n == -1, wait > api.waitMax:
		return api.waitMax, nil
	case n < 0:
		return 0, nil
	}
	return wait, nil
}

// waitPhaseChange waits until the job leaves its phase, the wait elapses, or
// the request is canceled. It returns true if the phase changed. The job is
// re-read after subscribing so that a change published in between is not
// missed.
func (api *API) waitPhaseChange(ctx context.Context, job proto.Job, wait time.Duration) (bool, error) {
	sub, err := api.broker.Subscribe(ctx, job.Id)
	if err != nil {
		return false, err
	}
	defer sub.Close()

	current, err := api.engine.Get(ctx, job.Jobname, job.Id, auth.Internal)
	if err != nil {
		return false, err
	}
	if current.Phase != job.Phase {
		return true, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case event, ok := <-sub.C():
			if !ok {
				return true, nil
			}
			if event.Phase == job.Phase {
				continue
			}
			return true, nil
		case <-timer.C:
			return false, nil
		case <-ctx.Done():
			return false, nil
		case <-api.shutdownChan:
			return true, nil
		}
	}
}

// DELETE <base>/:jobname/:jobid
func (api *API) deleteHandler(c echo.Context) error {
	jobname := c.Param("jobname")
	if err := api.engine.Delete(c.Request().Context(), jobname, c.Param("jobid"), caller(c)); err != nil {
		return api.handleError(err, c)
	}
	return c.Redirect(http.StatusSeeOther, api.jobsURL(jobname))
}

// POST <base>/:jobname/:jobid
func (api *API) postJobHandler(c echo.Context) error {
	if strings.ToUpper(c.FormValue(FIELD_ACTION)) != ACTION_DELETE {
		return api.handleError(serr.ValidationError{Message: "ACTION=DELETE is not specified in POST"}, c)
	}
	return api.deleteHandler(c)
}

// POST <base>/:jobname/:jobid/phase
func (api *API) postPhaseHandler(c echo.Context) error {
	jobname := c.Param("jobname")
	jobId := c.Param("jobid")
	ctx := c.Request().Context()

	var err error
	switch action := strings.ToUpper(c.FormValue(FIELD_PHASE)); action {
	case proto.PHASE_ACTION_RUN:
		if api.shuttingDown() {
			return api.handleError(ErrShuttingDown, c)
		}
		err = api.engine.Start(ctx, jobname, jobId, caller(c))
	case proto.PHASE_ACTION_ABORT:
		err = api.engine.Abort(ctx, jobname, jobId, caller(c))
	case "":
		err = serr.ValidationError{Message: "PHASE keyword is not specified"}
	default:
		err = serr.ValidationError{Message: "unknown value for PHASE: " + action}
	}
	if err != nil {
		return api.handleError(err, c)
	}
	return c.Redirect(http.StatusSeeOther, api.jobURL(jobname, jobId))
}

// POST <base>/:jobname/:jobid/executionduration
func (api *API) postDurationHandler(c echo.Context) error {
	jobname := c.Param("jobname")
	jobId := c.Param("jobid")
	value := c.FormValue(FIELD_DURATION)
	if value == "" {
		return api.handleError(serr.ValidationError{Message: FIELD_DURATION + " keyword is not specified"}, c)
	}
	if err := api.engine.SetExecutionDuration(c.Request().Context(), jobname, jobId, caller(c), value); err != nil {
		return api.handleError(err, c)
	}
	return c.Redirect(http.StatusSeeOther, api.jobURL(jobname, jobId))
}

// POST <base>/:jobname/:jobid/destruction
func (api *API) postDestructionHandler(c echo.Context) error {
	jobname := c.Param("jobname")
	jobId := c.Param("jobid")
	value := c.FormValue(FIELD_DESTRUCTION)
	if value == "" {
		return api.handleError(serr.ValidationError{Message: FIELD_DESTRUCTION + " keyword is not specified"}, c)
	}
	if err := api.engine.SetDestruction(c.Request().Context(), jobname, jobId, caller(c), value); err != nil {
		return api.handleError(err, c)
	}
	return c.Redirect(http.StatusSeeOther, api.jobURL(jobname, jobId))
}

// Job attributes served as text.
const (
	attrPhase = iota
	attrDur
	attrDestruction
	attrError
	attrQuote
	attrOwner
	attrRunId
)

// GET <base>/:jobname/:jobid/<attribute>
func (api *API) attrHandler(attr int) echo.HandlerFunc {
	return func(c echo.Context) error {
		job, err := api.engine.Get(c.Request().Context(), c.Param("jobname"), c.Param("jobid"), caller(c))
		if err != nil {
			return api.handleError(err, c)
		}
		var text string
		switch attr {
		case attrPhase:
			text = job.Phase
		case attrDur:
			text = strconv.Itoa(job.ExecutionDuration)
		case attrDestruction:
			text = proto.FormatTime(job.DestructionTime)
		case attrError:
			text = job.Error
		case attrQuote:
			if job.Quote != nil {
				text = strconv.Itoa(*job.Quote)
			}
		case attrOwner:
			text = job.Owner
		case attrRunId:
			text = job.RunId
		}
		return c.String(http.StatusOK, text)
	}
}

// GET <base>/:jobname/:jobid/parameters
func (api *API) parametersHandler(c echo.Context) error {
	job, err := api.engine.Get(c.Request().Context(), c.Param("jobname"), c.Param("jobid"), caller(c))
	if err != nil {
		return api.handleError(err, c)
	}
	return renderXML(c, proto.NewUWSParameters(job, true))
}

// GET <base>/:jobname/:jobid/parameters/:pname
func (api *API) parameterHandler(c echo.Context) error {
	job, err := api.engine.Get(c.Request().Context(), c.Param("jobname"), c.Param("jobid"), caller(c))
	if err != nil {
		return api.handleError(err, c)
	}
	p, ok := job.Parameter(c.Param("pname"))
	if !ok {
		return api.handleError(serr.ParameterNotFound{JobId: job.Id, Name: c.Param("pname")}, c)
	}
	return c.String(http.StatusOK, p.Value)
}

// POST <base>/:jobname/:jobid/parameters/:pname
func (api *API) postParameterHandler(c echo.Context) error {
	jobname := c.Param("jobname")
	jobId := c.Param("jobid")
	form, err := c.FormParams()
	if err != nil {
		return api.handleError(serr.ValidationError{Message: "cannot parse form: " + err.Error()}, c)
	}
	value, ok := form[FIELD_VALUE]
	if !ok || len(value) == 0 {
		return api.handleError(serr.ValidationError{Message: FIELD_VALUE + " keyword is not specified"}, c)
	}
	if err := api.engine.SetParameter(c.Request().Context(), jobname, jobId, caller(c), c.Param("pname"), value[0]); err != nil {
		return api.handleError(err, c)
	}
	return c.Redirect(http.StatusSeeOther, api.jobURL(jobname, jobId, "parameters"))
}

// GET <base>/:jobname/:jobid/results
func (api *API) resultsHandler(c echo.Context) error {
	job, err := api.engine.Get(c.Request().Context(), c.Param("jobname"), c.Param("jobid"), caller(c))
	if err != nil {
		return api.handleError(err, c)
	}
	return renderXML(c, proto.NewUWSResults(job, true))
}

// GET <base>/:jobname/:jobid/results/:rname
func (api *API) resultHandler(c echo.Context) error {
	job, err := api.engine.Get(c.Request().Context(), c.Param("jobname"), c.Param("jobid"), caller(c))
	if err != nil {
		return api.handleError(err, c)
	}
	r, ok := job.Result(c.Param("rname"))
	if !ok {
		return api.handleError(serr.ResultNotFound{JobId: job.Id, Name: c.Param("rname")}, c)
	}
	return c.String(http.StatusOK, r.Url)
}

// GET <base>/:jobname/:jobid/stdout|stderr
func (api *API) logHandler(which string) echo.HandlerFunc {
	return func(c echo.Context) error {
		file, err := api.engine.LogFile(c.Request().Context(), c.Param("jobname"), c.Param("jobid"), caller(c), which)
		if err != nil {
			return api.handleError(err, c)
		}
		c.Response().Header().Set(echo.HeaderContentType, MIME_TEXT)
		return c.File(file)
	}
}

// GET /get_result_file/:jobid/:rname
func (api *API) resultFileHandler(c echo.Context) error {
	rf, err := api.engine.ResultFile(c.Request().Context(), c.Param("jobid"), c.Param("rname"), caller(c))
	if err != nil {
		return api.handleError(err, c)
	}
	if rf.Path == "" {
		return c.Redirect(http.StatusSeeOther, rf.Url)
	}
	if rf.ContentType != "" {
		c.Response().Header().Set(echo.HeaderContentType, rf.ContentType)
	}
	return c.File(rf.Path)
}
