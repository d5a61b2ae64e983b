package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	domerr "github.com/opst/knitflow/pkg/domain/errors"
)

// requested data is missing.
type Missing struct {
	Table    string
	Identity string
}

var _ error = Missing{}

func (m Missing) Error() string {
	return fmt.Sprintf("%s is not found in %s", m.Identity, m.Table)
}

func (m Missing) Unwrap() error {
	return domerr.ErrMissing
}

// data to be inserted conflicts with existing one.
type Conflict struct {
	Table    string
	Identity string
}

var _ error = Conflict{}

func (c Conflict) Error() string {
	return fmt.Sprintf("%s is already in %s", c.Identity, c.Table)
}

func (c Conflict) Unwrap() error {
	return domerr.ErrConflict
}

// AsConflict converts unique violation to Conflict. Other errors are returned as is.
func AsConflict(err error, table string, identity string) error {
	if pgerr := new(pgconn.PgError); errors.As(err, &pgerr) && pgerr.Code == pgerrcode.UniqueViolation {
		return Conflict{Table: table, Identity: identity}
	}
	return err
}
