package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jogardn/coffee-orders/pkg/models"
)

type MemoryRepository struct {
	mu     sync.RWMutex
	orders map[string]*models.Order
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: make(map[string]*models.Order)}
}

func (r *MemoryRepository) Create(_ context.Context, order *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.orders[order.ID] = clone(order)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*models.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(order), nil
}

// List returns orders newest first.
func (r *MemoryRepository) List(_ context.Context) ([]*models.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	orders := make([]*models.Order, 0, len(r.orders))
	for _, order := range r.orders {
		orders = append(orders, clone(order))
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

func (r *MemoryRepository) MarkReady(_ context.Context, id string, at time.Time) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	order.Status = models.StatusReady
	order.ReadyAt = &at
	return clone(order), nil
}

func clone(order *models.Order) *models.Order {
	c := *order
	if order.ReadyAt != nil {
		at := *order.ReadyAt
		c.ReadyAt = &at
	}
	return &c
}
