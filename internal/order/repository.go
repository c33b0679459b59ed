package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/retail-order-service/internal/db"
)

// Repository is the write side of the order aggregate. Every method runs on
// the caller's transaction.
type Repository interface {
	Save(ctx context.Context, q db.Querier, order *Order) error
	GetForUpdate(ctx context.Context, q db.Querier, id uuid.UUID) (*Order, error)
	UpdateStatus(ctx context.Context, q db.Querier, id uuid.UUID, status Status, updatedAt time.Time) error
	Delete(ctx context.Context, q db.Querier, id uuid.UUID) error
}

type postgresRepository struct{}

func NewRepository() Repository {
	return &postgresRepository{}
}

func (r *postgresRepository) Save(ctx context.Context, q db.Querier, o *Order) error {
	queryOrder := `
		INSERT INTO order_service.orders (id, customer_id, shipping_address_id, status, total_price, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := q.Exec(ctx, queryOrder,
		o.ID,
		o.CustomerID,
		o.ShippingAddressID,
		string(o.Status),
		o.TotalPrice,
		o.CreatedAt,
		o.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrDuplicateOrderID
		}
		return fmt.Errorf("repository: failed to insert order %s: %w", o.ID, err)
	}

	queryItem := `
		INSERT INTO order_service.order_items (order_id, product_id, quantity, unit_price, position)
		VALUES ($1, $2, $3, $4, $5)
	`
	for i := range o.Items {
		item := &o.Items[i]
		item.OrderID = o.ID

		_, err = q.Exec(ctx, queryItem,
			item.OrderID,
			item.ProductID,
			item.Quantity,
			item.UnitPrice,
			item.Position,
		)
		if err != nil {
			return fmt.Errorf("repository: failed to insert order item for order %s: %w", o.ID, err)
		}
	}

	return nil
}

// GetForUpdate loads the order and locks its header row until the transaction ends.
func (r *postgresRepository) GetForUpdate(ctx context.Context, q db.Querier, id uuid.UUID) (*Order, error) {
	queryOrder := `
		SELECT id, customer_id, shipping_address_id, status, total_price, created_at, updated_at
		FROM order_service.orders
		WHERE id = $1
		FOR UPDATE
	`

	var o Order
	var status string
	err := q.QueryRow(ctx, queryOrder, id).Scan(
		&o.ID,
		&o.CustomerID,
		&o.ShippingAddressID,
		&status,
		&o.TotalPrice,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select order by id %s: %w", id, err)
	}
	o.Status = Status(status)

	queryItems := `
		SELECT order_id, product_id, quantity, unit_price, position
		FROM order_service.order_items
		WHERE order_id = $1
		ORDER BY position
	`

	rows, err := q.Query(ctx, queryItems, id)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query order items for order id %s: %w", id, err)
	}
	defer rows.Close()

	o.Items = make([]Item, 0)
	for rows.Next() {
		var item Item
		err := rows.Scan(
			&item.OrderID,
			&item.ProductID,
			&item.Quantity,
			&item.UnitPrice,
			&item.Position,
		)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan order item for order id %s: %w", id, err)
		}
		o.Items = append(o.Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating order items for order id %s: %w", id, err)
	}

	return &o, nil
}

func (r *postgresRepository) UpdateStatus(ctx context.Context, q db.Querier, id uuid.UUID, status Status, updatedAt time.Time) error {
	query := `
		UPDATE order_service.orders
		SET status = $1, updated_at = $2
		WHERE id = $3
	`

	cmdTag, err := q.Exec(ctx, query, string(status), updatedAt, id)
	if err != nil {
		return fmt.Errorf("repository: failed to update order status %s: %w", id, err)
	}

	if cmdTag.RowsAffected() == 0 {
		log.Ctx(ctx).Warn().Stringer("order_id", id).Stringer("new_status", status).Msg("repository: order not found for status update")
		return ErrOrderNotFound
	}

	return nil
}

func (r *postgresRepository) Delete(ctx context.Context, q db.Querier, id uuid.UUID) error {
	cmdTag, err := q.Exec(ctx, `DELETE FROM order_service.orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("repository: failed to delete order %s: %w", id, err)
	}

	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}

	return nil
}
