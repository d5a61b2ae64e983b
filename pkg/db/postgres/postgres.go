// Package postgres is a Database on PostgreSQL.
package postgres

import (
	"context"

	kpool "github.com/opst/knitflow/pkg/conn/db/postgres/pool"
	kdb "github.com/opst/knitflow/pkg/db"
	imagedb "github.com/opst/knitflow/pkg/domain/image/db"
	kpgimage "github.com/opst/knitflow/pkg/domain/image/db/postgres"
	jobdb "github.com/opst/knitflow/pkg/domain/job/db"
	kpgjob "github.com/opst/knitflow/pkg/domain/job/db/postgres"
	modeldb "github.com/opst/knitflow/pkg/domain/model/db"
	kpgmodel "github.com/opst/knitflow/pkg/domain/model/db/postgres"
	rundb "github.com/opst/knitflow/pkg/domain/run/db"
	kpgrun "github.com/opst/knitflow/pkg/domain/run/db/postgres"
	kschema "github.com/opst/knitflow/pkg/domain/schema/db"
	kpgschema "github.com/opst/knitflow/pkg/domain/schema/db/postgres"
	xe "github.com/opst/knitflow/pkg/errors"
)

type Database struct {
	pool   kpool.Pool
	runs   rundb.RunInterface
	jobs   jobdb.JobInterface
	models modeldb.ModelInterface
	images imagedb.ImageInterface
	schema kschema.SchemaInterface
}

var _ kdb.Database = &Database{}

type Config struct {
	// directory of schema versions. When empty, embedded versions are used.
	SchemaRepository string
}

type Option func(*Config) *Config

func WithSchemaRepository(repository string) Option {
	return func(c *Config) *Config {
		c.SchemaRepository = repository
		return c
	}
}

// New connects to the database at url.
func New(ctx context.Context, url string, options ...Option) (*Database, error) {
	pool, err := kpool.Connect(ctx, url)
	if err != nil {
		return nil, xe.Wrap(err)
	}

	c := Config{}
	for _, option := range options {
		c = *option(&c)
	}
	return Wrap(pool, c), nil
}

// Wrap builds a Database on a pool.
func Wrap(pool kpool.Pool, c Config) *Database {
	schemaOptions := []kpgschema.Option{}
	if c.SchemaRepository != "" {
		schemaOptions = append(schemaOptions, kpgschema.WithRepository(c.SchemaRepository))
	}
	return &Database{
		pool:   pool,
		runs:   kpgrun.New(pool),
		jobs:   kpgjob.New(pool),
		models: kpgmodel.New(pool),
		images: kpgimage.New(pool),
		schema: kpgschema.New(pool, schemaOptions...),
	}
}

func (d *Database) Runs() rundb.RunInterface       { return d.runs }
func (d *Database) Jobs() jobdb.JobInterface       { return d.jobs }
func (d *Database) Models() modeldb.ModelInterface { return d.models }
func (d *Database) Images() imagedb.ImageInterface { return d.images }

func (d *Database) Schema() kschema.SchemaInterface {
	return d.schema
}

// Pool returns the connection pool, to share it with the job queue.
func (d *Database) Pool() kpool.Pool {
	return d.pool
}

func (d *Database) Close() error {
	d.pool.Close()
	return nil
}
