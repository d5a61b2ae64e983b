package postgres

import (
	"context"

	kpool "github.com/opst/knitflow/pkg/conn/db/postgres/pool"
	"github.com/opst/knitflow/pkg/conn/db/postgres/scanner"
	"github.com/opst/knitflow/pkg/domain"
	imagedb "github.com/opst/knitflow/pkg/domain/image/db"
)

type imagePG struct {
	pool kpool.Pool
}

func New(pool kpool.Pool) imagedb.ImageInterface {
	return &imagePG{pool: pool}
}

func (m *imagePG) Images(ctx context.Context, projectId string, subset domain.Subset) ([]string, error) {
	query := `select "image_id" from "image" where "project_id" = $1`
	switch subset {
	case domain.AnnotatedImages:
		query += ` and "annotated"`
	case domain.UnannotatedImages:
		query += ` and not "annotated"`
	}
	query += ` order by "image_id"`
	return scanner.New[string]().QueryAll(ctx, m.pool, query, projectId)
}

func (m *imagePG) Put(ctx context.Context, projectId string, imageId string, annotated bool) error {
	_, err := m.pool.Exec(
		ctx,
		`
		insert into "image" ("project_id", "image_id", "annotated") values ($1, $2, $3)
		on conflict ("project_id", "image_id") do update set "annotated" = excluded."annotated"
		`,
		projectId, imageId, annotated,
	)
	return err
}
