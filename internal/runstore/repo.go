package runstore

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no run exists with the requested ID.
var ErrNotFound = errors.New("run not found")

type Repository interface {
	Create(ctx context.Context, r *Run) error
	Update(ctx context.Context, r *Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*Run, error)
	List(ctx context.Context, limit, offset int) ([]*Run, int, error)
}
