package main

import (
	"context"
	"fmt"
	"time"

	configs "github.com/opst/knitflow/pkg/configs/backend"
	"github.com/opst/knitflow/pkg/ctxlog"
	"github.com/opst/knitflow/pkg/db"
	"github.com/opst/knitflow/pkg/db/inmemory"
	kpg "github.com/opst/knitflow/pkg/db/postgres"
	"github.com/opst/knitflow/pkg/engine"
	"github.com/opst/knitflow/pkg/gatekeeper"
	"github.com/opst/knitflow/pkg/kubeutil"
	"github.com/opst/knitflow/pkg/model"
	"github.com/opst/knitflow/pkg/model/httpmodel"
	"github.com/opst/knitflow/pkg/queue"
	"github.com/opst/knitflow/pkg/queue/memory"
	pgqueue "github.com/opst/knitflow/pkg/queue/postgres"
	"github.com/opst/knitflow/pkg/workers"
	"github.com/opst/knitflow/pkg/workers/runner"
	"github.com/prometheus/client_golang/prometheus"
)

// capability is a model which can do jobs and merge their outputs.
type capability interface {
	model.Runner
	model.Merger
}

// Components are what knitflowd is made of.
type Components struct {
	Database db.Database
	Queue    queue.Queue
	Engine   *engine.Engine

	// nil for in-memory database.
	schemaContext func(context.Context) (context.Context, context.CancelFunc)
}

// Build wires components up by config.
func Build(ctx context.Context, conf *configs.BackendConfig, schemaRepo string, reg prometheus.Registerer) (*Components, error) {
	logger := ctxlog.FromContext(ctx)
	c := &Components{}

	var pgdb *kpg.Database
	if conf.Database() == "" {
		logger.Warn("no database is configured. runs are held in memory only")
		c.Database = inmemory.New()
	} else {
		var err error
		pgdb, err = kpg.New(ctx, conf.Database(), kpg.WithSchemaRepository(schemaRepo))
		if err != nil {
			return nil, fmt.Errorf("connecting database: %w", err)
		}
		c.Database = pgdb
		c.schemaContext = pgdb.Schema().Context
	}

	var m capability = model.Digest{}
	if ep := conf.Model().Endpoint(); ep != "" {
		m = httpmodel.New(
			ep,
			httpmodel.WithTimeout(conf.Model().Timeout()),
			httpmodel.WithRetry(conf.Model().RetryMax(), time.Second, 30*time.Second),
			httpmodel.WithLogger(logger),
		)
	} else {
		logger.Warn("no model endpoint is configured. the builtin digest model is used")
	}

	switch conf.Queue().Type() {
	case configs.PostgresQueue:
		if pgdb == nil {
			return nil, fmt.Errorf("postgres queue requires postgres database")
		}
		c.Queue = pgqueue.New(
			pgdb.Pool(),
			pgqueue.WithPollInterval(conf.Queue().PollInterval()),
			pgqueue.WithBatch(conf.Queue().Batch()),
			pgqueue.WithLease(conf.Queue().Lease()),
		)
	default:
		c.Queue = memory.New(conf.Queue().MemoryWorkers(), runner.NewModelHandler(m))
	}

	pool, err := workerPool(conf.Workers())
	if err != nil {
		return nil, err
	}

	admission := conf.Admission()
	gk := gatekeeper.New(
		gatekeeper.Limits{
			MaxConcurrentRuns: admission.MaxConcurrentRuns(),
			PlatformCeiling:   admission.PlatformCeiling(),
			Projects:          admission.Projects(),
		},
		conf.Dispatch().MaxActiveChunks(),
		reg,
	)

	dispatch := conf.Dispatch()
	c.Engine = engine.New(ctx, engine.Context{
		Queue:         c.Queue,
		Gatekeeper:    gk,
		Pool:          pool,
		Database:      c.Database,
		Merger:        m,
		Registerer:    reg,
		MaxChunkSize:  dispatch.MaxChunkSize(),
		Retries:       dispatch.Retries(),
		SubmitBackoff: dispatch.SubmitBackoff(),
		SubmitRetries: dispatch.SubmitRetries(),
	})
	return c, nil
}

func workerPool(conf *configs.WorkersConfig) (workers.Pool, error) {
	switch conf.Source() {
	case configs.K8sWorkers:
		client, err := kubeutil.Connect(kubeutil.Kubeconfig(conf.Kubeconfig()))
		if err != nil {
			return nil, fmt.Errorf("connecting kubernetes: %w", err)
		}
		pool, err := workers.NewK8s(client, conf.Namespace(), conf.Selector())
		if err != nil {
			return nil, err
		}
		return pool, nil
	default:
		return workers.Static(conf.Count()), nil
	}
}

// Context derives a context which is cancelled when the database schema is found out of date.
func (c *Components) Context(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.schemaContext == nil {
		return context.WithCancel(ctx)
	}
	return c.schemaContext(ctx)
}
