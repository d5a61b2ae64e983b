package main

import (
	"fmt"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/opst/knitflow/cmd/knitflowd/handlers"
	"github.com/opst/knitflow/pkg/echoutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var API_ROOT = "/api"

// size limit of request bodies. The format is of echo's middleware.BodyLimit.
const BODY_LIMIT = "4M"

func api(subpath string) string {
	if !strings.HasSuffix(subpath, "/") {
		subpath += "/"
	}
	return fmt.Sprintf("%s/%s", API_ROOT, subpath)
}

// BuildServer mounts handlers on a new echo server.
//
// gatherer is exposed at /metrics. If nil, the default gatherer of prometheus is used.
func BuildServer(runs handlers.Runs, gatherer prometheus.Gatherer, loglevel string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	echoutil.SetLevel(e, loglevel)

	e.HTTPErrorHandler = func(err error, ctx echo.Context) {
		e.DefaultHTTPErrorHandler(err, ctx)
		e.Logger.Error(err)
	}

	e.Pre(middleware.AddTrailingSlash())
	e.Use(echoutil.LogHandlerFunc)
	e.Use(middleware.BodyLimit(BODY_LIMIT))

	e.POST(api("workflows"), handlers.SubmitWorkflowHandler(runs))

	const runId = "runId"
	e.GET(api("runs/:"+runId), handlers.GetRunHandler(runs, runId))
	e.PUT(api("runs/:"+runId+"/cancel"), handlers.CancelRunHandler(runs, runId))
	e.PUT(api("runs/:"+runId+"/advance"), handlers.AdvanceRunHandler(runs, runId))

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	e.GET("/metrics/", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return e
}
