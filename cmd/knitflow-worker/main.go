package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opst/knitflow/pkg/buildtime"
	configs "github.com/opst/knitflow/pkg/configs/backend"
	"github.com/opst/knitflow/pkg/ctxlog"
	kpg "github.com/opst/knitflow/pkg/db/postgres"
	"github.com/opst/knitflow/pkg/model"
	"github.com/opst/knitflow/pkg/model/httpmodel"
	pgqueue "github.com/opst/knitflow/pkg/queue/postgres"
	"github.com/opst/knitflow/pkg/utils/args"
	"github.com/opst/knitflow/pkg/utils/filewatch"
	"github.com/opst/knitflow/pkg/utils/try"
	"github.com/opst/knitflow/pkg/workers/runner"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	pconfig := flag.String("config", os.Getenv("KNITFLOW_CONFIG"), "path to config file")
	concurrency := flag.Int("concurrency", 1, "number of jobs done at once")
	loglevel := args.Parser(logrus.ParseLevel)
	flag.Var(loglevel, "loglevel", "log level. trace|debug|info|warn|error. default: log.level in config")
	cancelCheck := flag.Duration("cancel-check", 5*time.Second, "interval to check cancellation of jobs being done")
	pversion := flag.Bool("version", false, "print version and exit")

	flag.Parse()

	if *pversion {
		fmt.Println(buildtime.VersionString())
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conf, err := configs.LoadBackendConfig(*pconfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "can not read configuration: %s\n", err)
		os.Exit(2)
	}
	if conf.Database() == "" {
		fmt.Fprintln(os.Stderr, "database is required for workers")
		os.Exit(2)
	}

	root := try.To(ctxlog.New(os.Stderr, conf.Log().Level(), conf.Log().Format())).OrFatal(logrus.StandardLogger())
	if loglevel.IsSet() {
		root.SetLevel(loglevel.Value())
	}
	ctxlog.SetRoot(root)
	logger := logrus.NewEntry(root).WithFields(logrus.Fields{
		"component": "knitflow-worker", "version": buildtime.VERSION(),
	})
	ctx = ctxlog.Context(ctx, logger)

	ctx, wcancel, err := filewatch.UntilModifyContext(ctx, *pconfig)
	if err != nil {
		logger.WithError(err).Fatal("can not watch configuration")
	}
	defer wcancel()

	db := try.To(kpg.New(ctx, conf.Database())).OrFatal(logger)
	defer db.Close()

	var m model.Runner = model.Digest{}
	if ep := conf.Model().Endpoint(); ep != "" {
		m = httpmodel.New(
			ep,
			httpmodel.WithTimeout(conf.Model().Timeout()),
			httpmodel.WithRetry(conf.Model().RetryMax(), time.Second, 30*time.Second),
			httpmodel.WithLogger(logger),
		)
	}

	if conf.Queue().Lease() <= *cancelCheck {
		logger.WithFields(logrus.Fields{
			"lease": conf.Queue().Lease(), "cancel_check": *cancelCheck,
		}).Warn("lease is not longer than cancel-check. jobs being done may be picked by other workers")
	}

	source := pgqueue.New(
		db.Pool(),
		pgqueue.WithPollInterval(conf.Queue().PollInterval()),
		pgqueue.WithLease(conf.Queue().Lease()),
	)
	handler := runner.NewModelHandler(m)

	eg, gctx := errgroup.WithContext(ctx)
	for i := range max(1, *concurrency) {
		eg.Go(func() error {
			wctx, _ := ctxlog.With(gctx, logrus.Fields{"worker": i})
			w := runner.New(
				source, handler,
				runner.WithPollInterval(conf.Queue().PollInterval()),
				runner.WithCancelCheckInterval(*cancelCheck),
			)
			if err := w.Run(wctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	logger.WithField("concurrency", *concurrency).Info("worker started")
	if err := eg.Wait(); err != nil {
		logger.WithError(err).Error("worker stopped")
		os.Exit(1)
	}
	logger.WithField("cause", context.Cause(ctx)).Info("worker stopped")
}
