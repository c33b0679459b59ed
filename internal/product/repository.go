package product

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/vasiliy-maslov/retail-order-service/internal/db"
)

type Repository interface {
	// GetByIDs returns the products found among ids, keyed by id. Missing ids
	// are simply absent from the map.
	GetByIDs(ctx context.Context, q db.Querier, ids []uuid.UUID) (map[uuid.UUID]*Product, error)
}

type repository struct{}

func NewRepository() Repository {
	return &repository{}
}

func (r *repository) GetByIDs(ctx context.Context, q db.Querier, ids []uuid.UUID) (map[uuid.UUID]*Product, error) {
	products := make(map[uuid.UUID]*Product, len(ids))
	if len(ids) == 0 {
		return products, nil
	}

	query := `
		SELECT id, title, description, price, stock, bar_code, section, is_published, created_at, updated_at
		FROM order_service.products
		WHERE id = ANY($1)
	`

	rows, err := q.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p Product
		err := rows.Scan(
			&p.ID,
			&p.Title,
			&p.Description,
			&p.Price,
			&p.Stock,
			&p.BarCode,
			&p.Section,
			&p.IsPublished,
			&p.CreatedAt,
			&p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan product: %w", err)
		}
		products[p.ID] = &p
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: failed iterating products: %w", err)
	}

	return products, nil
}
