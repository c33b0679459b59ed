package customer

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/vasiliy-maslov/retail-order-service/internal/db"
)

var (
	ErrNotFound        = errors.New("customer not found")
	ErrAddressNotFound = errors.New("address not found")
)

// Repository reads customers and addresses on behalf of order placement.
// Both are owned by the identity/profile service; this side never writes them.
type Repository interface {
	GetCustomerByID(ctx context.Context, q db.Querier, id uuid.UUID) (*Customer, error)
	GetAddressByID(ctx context.Context, q db.Querier, id uuid.UUID) (*Address, error)
}

type repository struct{}

func NewRepository() Repository {
	return &repository{}
}

func (r *repository) GetCustomerByID(ctx context.Context, q db.Querier, id uuid.UUID) (*Customer, error) {
	query := `
		SELECT id, email, first_name, last_name, role, is_active, is_verified, created_at, updated_at
		FROM order_service.customers
		WHERE id = $1
	`

	var c Customer
	err := q.QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.Email,
		&c.FirstName,
		&c.LastName,
		&c.Role,
		&c.IsActive,
		&c.IsVerified,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repository: failed to select customer by id %s: %w", id, err)
	}

	return &c, nil
}

func (r *repository) GetAddressByID(ctx context.Context, q db.Querier, id uuid.UUID) (*Address, error) {
	query := `
		SELECT id, customer_id, address_type, street, city, state, country, postal_code, created_at, updated_at
		FROM order_service.addresses
		WHERE id = $1
	`

	var a Address
	err := q.QueryRow(ctx, query, id).Scan(
		&a.ID,
		&a.CustomerID,
		&a.AddressType,
		&a.Street,
		&a.City,
		&a.State,
		&a.Country,
		&a.PostalCode,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAddressNotFound
		}
		return nil, fmt.Errorf("repository: failed to select address by id %s: %w", id, err)
	}

	return &a, nil
}
