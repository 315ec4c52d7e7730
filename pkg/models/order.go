package models

import (
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusPending = "pending"
	StatusReady   = "ready"
)

const readyTemplate = `%s says: "Hey customer your %s is ready!"`

type Order struct {
	ID        string          `json:"id"`
	Customer  string          `json:"customer"`
	Beverage  string          `json:"beverage"`
	Price     decimal.Decimal `json:"price"`
	Sugar     bool            `json:"sugar"`
	ExtraFoam bool            `json:"extra_foam"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	ReadyAt   *time.Time      `json:"ready_at,omitempty"`
}

// NewCodeAlongOrder returns the order used in the objects lesson.
func NewCodeAlongOrder() *Order {
	return &Order{
		Customer:  "Ironhack",
		Beverage:  "cappucino",
		Price:     decimal.NewFromInt(10),
		Sugar:     false,
		ExtraFoam: true,
	}
}

// ReadyMessage formats the line a barista calls out when the order is done.
// Only the beverage and the given name take part in it.
func (o *Order) ReadyMessage(name string) string {
	return fmt.Sprintf(readyTemplate, name, o.Beverage)
}

// Notify writes the ready message to w as a single line.
func (o *Order) Notify(w io.Writer, name string) error {
	_, err := fmt.Fprintln(w, o.ReadyMessage(name))
	return err
}

type OrderResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Order   *Order `json:"order,omitempty"`
}
