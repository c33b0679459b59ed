package order

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusShipped   Status = "shipped"
	StatusCancelled Status = "cancelled"
)

func (s Status) String() string {
	return string(s)
}

func (s Status) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// ParseStatus accepts a status name in any letter case.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

type Item struct {
	OrderID   uuid.UUID       `json:"order_id" db:"order_id"`
	ProductID uuid.UUID       `json:"product_id" db:"product_id"`
	Quantity  int             `json:"quantity" db:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price" db:"unit_price"`
	Position  int             `json:"-" db:"position"`
}

func (i Item) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Order struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	CustomerID        uuid.UUID       `json:"customer_id" db:"customer_id"`
	ShippingAddressID uuid.UUID       `json:"shipping_address_id" db:"shipping_address_id"`
	Status            Status          `json:"status" db:"status"`
	TotalPrice        decimal.Decimal `json:"total_price" db:"total_price"`
	Items             []Item          `json:"items" db:"-"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// Quantities returns the units held by the order per product.
func (o *Order) Quantities() map[uuid.UUID]int {
	q := make(map[uuid.UUID]int, len(o.Items))
	for _, it := range o.Items {
		q[it.ProductID] += it.Quantity
	}
	return q
}

// MaxLineQuantity bounds a single line after duplicate lines are merged. It
// matches the INTEGER quantity column.
const MaxLineQuantity = math.MaxInt32

type ItemInput struct {
	ProductID uuid.UUID
	Quantity  int
}

type PlaceOrderInput struct {
	CustomerID        uuid.UUID
	ShippingAddressID uuid.UUID
	Items             []ItemInput
}
