package postgres

import (
	"cmp"
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	kpool "github.com/opst/knitflow/pkg/conn/db/postgres/pool"
	kschema "github.com/opst/knitflow/pkg/domain/schema/db"
)

//go:embed versions
var embedded embed.FS

// advisory lock key serializing upgraders.
const upgradeLock = 0x6b6e6974666c6f77

type pgSchema struct {
	pool kpool.Pool

	// directory of a schema repository. empty when embedded versions are used.
	repository string
	versionsFS fs.FS
}

var _ kschema.SchemaInterface = &pgSchema{}

type Option func(*pgSchema)

// WithRepository reads schema versions from a directory instead of embedded ones.
//
// The directory has subdirectories named by version numbers, each containing
// *.sql files applied in lexical order.
func WithRepository(dir string) Option {
	return func(s *pgSchema) {
		s.repository = dir
		s.versionsFS = os.DirFS(dir)
	}
}

func New(pool kpool.Pool, options ...Option) *pgSchema {
	sub, err := fs.Sub(embedded, "versions")
	if err != nil {
		panic(err) // embedded directory should exist.
	}
	s := &pgSchema{pool: pool, versionsFS: sub}
	for _, o := range options {
		o(s)
	}
	return s
}

type version struct {
	Version int
	Root    string
}

func (s *pgSchema) apply(ctx context.Context, q kpool.Queryer, v version) error {
	return fs.WalkDir(s.versionsFS, v.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".sql") {
			return nil
		}

		query, err := fs.ReadFile(s.versionsFS, p)
		if err != nil {
			return err
		}
		if _, err := q.Exec(ctx, string(query)); err != nil {
			return fmt.Errorf("schema version %d: %s: %w", v.Version, path.Base(p), err)
		}
		return nil
	})
}

func (s *pgSchema) Version(ctx context.Context) (int, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return -1, err
	}
	defer conn.Release()

	var v *int
	if err := conn.QueryRow(
		ctx, `select max("version") from "schema_version"`,
	).Scan(&v); err != nil {
		if pgerr := new(pgconn.PgError); errors.As(err, &pgerr) && pgerr.Code == pgerrcode.UndefinedTable {
			return 0, nil
		}
		return -1, err
	}
	if v == nil {
		return 0, nil
	}
	return *v, nil
}

// versionInTx reads the version without failing the transaction on fresh databases.
func versionInTx(ctx context.Context, q kpool.Queryer) (int, error) {
	var exists bool
	if err := q.QueryRow(
		ctx, `select to_regclass('"schema_version"') is not null`,
	).Scan(&exists); err != nil {
		return -1, err
	}
	if !exists {
		return 0, nil
	}
	var v *int
	if err := q.QueryRow(ctx, `select max("version") from "schema_version"`).Scan(&v); err != nil {
		return -1, err
	}
	if v == nil {
		return 0, nil
	}
	return *v, nil
}

func (s *pgSchema) Upgrade(ctx context.Context) error {
	versions, err := s.versions()
	if err != nil {
		return err
	}

	return kpool.InTx(ctx, s.pool, func(tx kpool.Tx) error {
		if _, err := tx.Exec(ctx, `select pg_advisory_xact_lock($1)`, int64(upgradeLock)); err != nil {
			return err
		}
		current, err := versionInTx(ctx, tx)
		if err != nil {
			return err
		}

		for _, v := range versions {
			if v.Version <= current {
				continue
			}
			if err := s.apply(ctx, tx, v); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `delete from "schema_version"`); err != nil {
				return err
			}
			if _, err := tx.Exec(
				ctx, `insert into "schema_version" ("version") values ($1)`, v.Version,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *pgSchema) Latest() (int, error) {
	vs, err := s.versions()
	if err != nil {
		return -1, err
	}
	if len(vs) == 0 {
		return 0, nil
	}
	return vs[len(vs)-1].Version, nil
}

func (s *pgSchema) Context(ctx context.Context) (context.Context, context.CancelFunc) {
	cctx, can := context.WithCancelCause(ctx)

	checkVersion := func() {
		latest, err := s.Latest()
		if err != nil {
			can(fmt.Errorf("failed to read schema versions: %w", err))
			return
		}
		current, err := s.Version(ctx)
		if err != nil {
			can(fmt.Errorf("failed to get current schema version: %w", err))
			return
		}
		if current < latest {
			can(fmt.Errorf("schema is outdated: %d (in db) < %d (known)", current, latest))
		}
	}

	checkVersion()
	if s.repository == "" {
		// embedded versions never change while running.
		return cctx, func() { can(nil) }
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		can(err)
		return cctx, func() {}
	}
	if err := w.Add(s.repository); err != nil {
		w.Close()
		can(err)
		return cctx, func() {}
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-cctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) {
					continue
				}
				if filepath.Clean(s.repository) != filepath.Dir(ev.Name) {
					continue
				}
				checkVersion()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				can(err)
				return
			}
		}
	}()

	return cctx, func() { can(nil) }
}

// versions lists schema versions, sorted by version number.
func (s *pgSchema) versions() ([]version, error) {
	entries, err := fs.ReadDir(s.versionsFS, ".")
	if err != nil {
		return nil, err
	}

	vs := make([]version, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		v, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		vs = append(vs, version{Version: v, Root: entry.Name()})
	}
	slices.SortFunc(vs, func(a, b version) int { return cmp.Compare(a.Version, b.Version) })
	return vs, nil
}

func Null() *nullSchema {
	return &nullSchema{}
}

type nullSchema struct{}

var _ kschema.SchemaInterface = nullSchema{}

func (nullSchema) Upgrade(context.Context) error {
	return errors.New("no schema repository available")
}

func (nullSchema) Version(context.Context) (int, error) {
	return -1, nil
}

func (nullSchema) Latest() (int, error) {
	return -1, nil
}

func (nullSchema) Context(ctx context.Context) (context.Context, context.CancelFunc) {
	return ctx, func() {}
}
