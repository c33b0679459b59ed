package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// QueryRepository is the read side of the order aggregate. It never locks and
// never returns an order without the items committed with it.
type QueryRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	List(ctx context.Context, filter ListFilter, page PageRequest) (*Page, error)
}

type sqlxQueryRepository struct {
	db *sqlx.DB
}

func NewQueryRepository(db *sqlx.DB) QueryRepository {
	return &sqlxQueryRepository{db: db}
}

func (r *sqlxQueryRepository) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	var found *Order
	err := r.inSnapshot(ctx, func(tx *sqlx.Tx) error {
		var o Order
		err := tx.GetContext(ctx, &o, "SELECT "+orderColumns+" FROM order_service.orders o WHERE o.id = $1", id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("repository: failed to select order by id %s: %w", id, err)
		}

		orders := []Order{o}
		if err := attachItems(ctx, tx, orders); err != nil {
			return err
		}
		found = &orders[0]
		return nil
	})
	if err != nil {
		return nil, err
	}

	return found, nil
}

// List reads the total, the page and its items from one snapshot, so Total and
// Items always describe the same state.
func (r *sqlxQueryRepository) List(ctx context.Context, filter ListFilter, page PageRequest) (*Page, error) {
	pageSQL, pageArgs, countSQL, countArgs := buildListQueries(filter, page)

	var (
		orders []Order
		total  int
	)
	err := r.inSnapshot(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &total, countSQL, countArgs...); err != nil {
			return fmt.Errorf("repository: failed to count orders: %w", err)
		}
		if err := tx.SelectContext(ctx, &orders, pageSQL, pageArgs...); err != nil {
			return fmt.Errorf("repository: failed to select orders page: %w", err)
		}
		return attachItems(ctx, tx, orders)
	})
	if err != nil {
		return nil, err
	}

	if orders == nil {
		orders = []Order{}
	}

	return &Page{
		Items:    orders,
		Total:    total,
		Page:     page.Page,
		PageSize: page.PageSize,
	}, nil
}

// inSnapshot runs fn in a read-only REPEATABLE READ transaction. Every
// statement in fn sees the same committed state.
func (r *sqlxQueryRepository) inSnapshot(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("repository: failed to begin read transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				log.Ctx(ctx).Warn().Err(rbErr).Msg("Failed to roll back read transaction")
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("repository: failed to finish read transaction: %w", err)
	}
	return nil
}

// attachItems loads the line items of every order in one query.
func attachItems(ctx context.Context, q sqlx.QueryerContext, orders []Order) error {
	if len(orders) == 0 {
		return nil
	}

	ids := make([]string, len(orders))
	index := make(map[uuid.UUID]int, len(orders))
	for i := range orders {
		ids[i] = orders[i].ID.String()
		index[orders[i].ID] = i
		orders[i].Items = make([]Item, 0)
	}

	query := `
		SELECT order_id, product_id, quantity, unit_price, position
		FROM order_service.order_items
		WHERE order_id = ANY($1::uuid[])
		ORDER BY order_id, position
	`

	var items []Item
	if err := sqlx.SelectContext(ctx, q, &items, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("repository: failed to query order items: %w", err)
	}

	for _, item := range items {
		if i, ok := index[item.OrderID]; ok {
			orders[i].Items = append(orders[i].Items, item)
		}
	}

	return nil
}
