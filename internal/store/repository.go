package store

import (
	"context"
	"errors"
	"time"

	"github.com/jogardn/coffee-orders/pkg/models"
)

var ErrNotFound = errors.New("order not found")

type Repository interface {
	Create(ctx context.Context, order *models.Order) error
	Get(ctx context.Context, id string) (*models.Order, error)
	List(ctx context.Context) ([]*models.Order, error)
	MarkReady(ctx context.Context, id string, at time.Time) (*models.Order, error)
}
