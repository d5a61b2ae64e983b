package db

import (
	"context"

	"github.com/opst/knitflow/pkg/domain"
)

// ImageInterface is the source of workloads.
type ImageInterface interface {
	// list image ids of a project matching subset, ordered by image id.
	Images(ctx context.Context, projectId string, subset domain.Subset) ([]string, error)

	// register an image of a project, or update its annotation state.
	Put(ctx context.Context, projectId string, imageId string, annotated bool) error
}
