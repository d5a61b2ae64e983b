// Package db aggregates storages of knitflow.
package db

import (
	imagedb "github.com/opst/knitflow/pkg/domain/image/db"
	jobdb "github.com/opst/knitflow/pkg/domain/job/db"
	modeldb "github.com/opst/knitflow/pkg/domain/model/db"
	rundb "github.com/opst/knitflow/pkg/domain/run/db"
)

type Database interface {
	Runs() rundb.RunInterface
	Jobs() jobdb.JobInterface
	Models() modeldb.ModelInterface
	Images() imagedb.ImageInterface
	Close() error
}
