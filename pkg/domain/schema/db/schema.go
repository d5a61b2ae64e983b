package db

import "context"

// SchemaInterface is the version of database schema.
type SchemaInterface interface {
	// Upgrade applies schema versions newer than the database has.
	Upgrade(ctx context.Context) error

	// Version returns the schema version of the database. 0 means no schema.
	Version(ctx context.Context) (int, error)

	// Latest returns the newest schema version known.
	Latest() (int, error)

	// Context returns a context which is cancelled when the database schema is
	// found older than Latest.
	Context(ctx context.Context) (context.Context, context.CancelFunc)
}
