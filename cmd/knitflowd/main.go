package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opst/knitflow/pkg/buildtime"
	configs "github.com/opst/knitflow/pkg/configs/backend"
	"github.com/opst/knitflow/pkg/ctxlog"
	"github.com/opst/knitflow/pkg/utils/args"
	"github.com/opst/knitflow/pkg/utils/filewatch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	pconfig := flag.String(
		"config", os.Getenv("KNITFLOW_CONFIG"), "path to config file. when empty, defaults are used.",
	)
	schemaRepo := flag.String("schema-repo", os.Getenv("KNITFLOW_SCHEMA"), "schema repository path")
	loglevel := args.Parser(logrus.ParseLevel)
	flag.Var(loglevel, "loglevel", "log level. trace|debug|info|warn|error. default: log.level in config")
	pversion := flag.Bool("version", false, "print version and exit")

	flag.Parse()

	if *pversion {
		fmt.Println(buildtime.VersionString())
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conf, err := loadConfig(*pconfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "can not read configuration: %s\n", err)
		os.Exit(2)
	}

	root, err := ctxlog.New(os.Stderr, conf.Log().Level(), conf.Log().Format())
	if err != nil {
		fmt.Fprintf(os.Stderr, "can not set up logger: %s\n", err)
		os.Exit(2)
	}
	if loglevel.IsSet() {
		root.SetLevel(loglevel.Value())
	}
	ctxlog.SetRoot(root)
	logger := logrus.NewEntry(root).WithFields(logrus.Fields{
		"component": "knitflowd", "version": buildtime.VERSION(),
	})
	ctx = ctxlog.Context(ctx, logger)

	if *pconfig != "" {
		wctx, wcancel, err := filewatch.UntilModifyContext(ctx, *pconfig)
		if err != nil {
			logger.WithError(err).Fatal("can not watch configuration")
		}
		defer wcancel()
		ctx = wctx
	}

	os.Exit(run(ctx, conf, *schemaRepo, root.GetLevel().String()))
}

func loadConfig(path string) (*configs.BackendConfig, error) {
	if path == "" {
		return configs.Unmarshal([]byte{})
	}
	return configs.LoadBackendConfig(path)
}

func run(ctx context.Context, conf *configs.BackendConfig, schemaRepo string, loglevel string) int {
	logger := ctxlog.FromContext(ctx)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// runs are driven until stop is called.
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	comps, err := Build(ctx, conf, schemaRepo, registry)
	if err != nil {
		logger.WithError(err).Error("can not start")
		return 1
	}
	defer comps.Database.Close()

	sctx, scancel := comps.Context(ctx)
	defer scancel()

	server := BuildServer(comps.Engine, registry, loglevel)
	for _, r := range server.Routes() {
		server.Logger.Debugf("- mount handler: %s %s", strings.ToUpper(r.Method), r.Path)
	}

	eg, gctx := errgroup.WithContext(sctx)
	eg.Go(func() error {
		if err := comps.Engine.Consume(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("consuming job results: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		err := server.Start(fmt.Sprintf(":%d", conf.Port()))
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stops with error: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-gctx.Done()
		logger.WithField("cause", context.Cause(gctx)).Info("shutting down...")
		qctx, qcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer qcancel()
		return server.Shutdown(qctx)
	})

	exit := 0
	if err := eg.Wait(); err != nil {
		logger.WithError(err).Error("knitflowd stopped")
		exit = 1
	}
	stop()
	comps.Engine.Wait()
	return exit
}
