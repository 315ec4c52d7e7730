package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jogardn/coffee-orders/pkg/models"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

const orderColumns = `id, customer, beverage, price, sugar, extra_foam, status, created_at, ready_at`

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// OpenPostgres connects with the lib/pq driver and waits for the server to
// accept connections.
func OpenPostgres(ctx context.Context, dsn string, attempts int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}

	for i := 0; ; i++ {
		err = db.PingContext(ctx)
		if err == nil {
			return db, nil
		}
		if i+1 >= attempts {
			db.Close()
			return nil, errors.Wrap(err, "ping postgres")
		}
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (r *PostgresRepository) CreateSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS coffee_orders (
			id VARCHAR(255) PRIMARY KEY,
			customer TEXT NOT NULL,
			beverage TEXT NOT NULL,
			price NUMERIC NOT NULL,
			sugar BOOLEAN NOT NULL,
			extra_foam BOOLEAN NOT NULL,
			status VARCHAR(50) NOT NULL,
			created_at TIMESTAMP NOT NULL,
			ready_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_coffee_orders_created_at ON coffee_orders(created_at)`,
	}

	for _, query := range queries {
		if _, err := r.db.ExecContext(ctx, query); err != nil {
			return errors.Wrap(err, "create schema")
		}
	}
	return nil
}

func (r *PostgresRepository) Create(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO coffee_orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		order.ID, order.Customer, order.Beverage, order.Price,
		order.Sugar, order.ExtraFoam, order.Status, order.CreatedAt, order.ReadyAt)
	return errors.Wrapf(err, "insert order %s", order.ID)
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM coffee_orders WHERE id = $1`
	order, err := scanOrder(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return order, errors.Wrapf(err, "get order %s", id)
}

func (r *PostgresRepository) List(ctx context.Context) ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM coffee_orders ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	defer rows.Close()

	orders := []*models.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan order")
		}
		orders = append(orders, order)
	}
	return orders, errors.Wrap(rows.Err(), "list orders")
}

func (r *PostgresRepository) MarkReady(ctx context.Context, id string, at time.Time) (*models.Order, error) {
	query := `
		UPDATE coffee_orders SET status = $2, ready_at = $3
		WHERE id = $1
		RETURNING ` + orderColumns
	order, err := scanOrder(r.db.QueryRowContext(ctx, query, id, models.StatusReady, at))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return order, errors.Wrapf(err, "mark order %s ready", id)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row scanner) (*models.Order, error) {
	order := &models.Order{}
	var readyAt sql.NullTime
	err := row.Scan(
		&order.ID, &order.Customer, &order.Beverage, &order.Price,
		&order.Sugar, &order.ExtraFoam, &order.Status, &order.CreatedAt, &readyAt,
	)
	if err != nil {
		return nil, err
	}
	if readyAt.Valid {
		order.ReadyAt = &readyAt.Time
	}
	return order, nil
}
