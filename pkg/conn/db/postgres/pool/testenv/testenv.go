// Package testenv provides postgres pools for tests.
//
// Tests using this package run only when the environment variable
// KNITFLOW_TEST_DATABASE is set to a connection url of a disposable database.
// Otherwise, they are skipped.
package testenv

import (
	"context"
	"os"
	"testing"

	kpool "github.com/opst/knitflow/pkg/conn/db/postgres/pool"
	kpgschema "github.com/opst/knitflow/pkg/domain/schema/db/postgres"
)

const EnvDatabase = "KNITFLOW_TEST_DATABASE"

// PoolBroaker provides pools.
type PoolBroaker interface {
	// GetPool returns a pool.
	//
	// Tables are cleaned up before returning and after t.
	GetPool(ctx context.Context, t *testing.T) kpool.Pool
}

type pg struct {
	pool kpool.Pool
}

func (p *pg) GetPool(ctx context.Context, t *testing.T) kpool.Pool {
	t.Helper()
	t.Cleanup(func() {
		ClearTables(context.Background(), p.pool, t)
	})
	ClearTables(ctx, p.pool, t)
	return p.pool
}

// NewPoolBroaker connects to the test database and upgrades its schema to the latest.
//
// It skips t when no test database is configured.
func NewPoolBroaker(ctx context.Context, t *testing.T) PoolBroaker {
	t.Helper()

	url := os.Getenv(EnvDatabase)
	if url == "" {
		t.Skipf("%s is not set", EnvDatabase)
	}

	pool, err := kpool.Connect(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	if err := kpgschema.New(pool).Upgrade(ctx); err != nil {
		t.Fatal(err)
	}
	return &pg{pool: pool}
}

func ClearTables(ctx context.Context, p kpool.Pool, t *testing.T) {
	t.Helper()

	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Errorf("fail to clean-up tables.: %v", err)
		return
	}
	defer conn.Release()

	for _, command := range []string{
		`truncate "workflow_run" cascade`,
		`truncate "model_state" cascade`,
		`truncate "project_model" cascade`,
		`truncate "image" cascade`,
		`truncate "job_queue" cascade`,
		`truncate "job_result" restart identity cascade`,
	} {
		if _, err := conn.Exec(ctx, command); err != nil {
			t.Errorf("fail to clean-up tables.: %v", err)
		}
	}
}
