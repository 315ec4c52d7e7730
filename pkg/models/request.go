package models

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("order is missing field %q", e.Field)
}

// OrderRequest is the wire form of a new order. Pointer fields tell an
// absent field apart from a zero value.
type OrderRequest struct {
	Customer  *string          `json:"customer"`
	Beverage  *string          `json:"beverage"`
	Price     *decimal.Decimal `json:"price"`
	Sugar     *bool            `json:"sugar"`
	ExtraFoam *bool            `json:"extra_foam"`
}

func (r OrderRequest) Order() (*Order, error) {
	switch {
	case r.Customer == nil:
		return nil, &MissingFieldError{Field: "customer"}
	case r.Beverage == nil:
		return nil, &MissingFieldError{Field: "beverage"}
	case r.Price == nil:
		return nil, &MissingFieldError{Field: "price"}
	case r.Sugar == nil:
		return nil, &MissingFieldError{Field: "sugar"}
	case r.ExtraFoam == nil:
		return nil, &MissingFieldError{Field: "extra_foam"}
	}

	return &Order{
		Customer:  *r.Customer,
		Beverage:  *r.Beverage,
		Price:     *r.Price,
		Sugar:     *r.Sugar,
		ExtraFoam: *r.ExtraFoam,
	}, nil
}

type NotifyRequest struct {
	Barista json.RawMessage `json:"barista"`
}

// Name renders the barista as text. An absent field reads as "undefined",
// a JSON null as "null".
func (r NotifyRequest) Name() string {
	if len(r.Barista) == 0 {
		return "undefined"
	}
	var v interface{}
	if err := json.Unmarshal(r.Barista, &v); err != nil {
		return string(r.Barista)
	}
	return CoerceName(v)
}

// CoerceName renders any decoded JSON value as text. Strings pass through
// untouched; whole numbers print without an exponent.
func CoerceName(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return "null"
	case float64:
		return decimal.NewFromFloat(val).String()
	case json.Number:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}
