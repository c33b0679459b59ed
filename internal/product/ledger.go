package product

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/retail-order-service/internal/db"
)

// Ledger is the only component allowed to change product stock.
type Ledger interface {
	// ReserveAll decrements stock for every product in quantities or for none.
	// On shortage it returns *InsufficientStockError and the caller must roll
	// back the transaction q belongs to.
	ReserveAll(ctx context.Context, q db.Querier, quantities map[uuid.UUID]int) error
	// ReleaseAll returns previously reserved units to stock.
	ReleaseAll(ctx context.Context, q db.Querier, quantities map[uuid.UUID]int) error
}

type ledger struct{}

func NewLedger() Ledger {
	return &ledger{}
}

func (l *ledger) ReserveAll(ctx context.Context, q db.Querier, quantities map[uuid.UUID]int) error {
	ids, err := sortedIDs(quantities)
	if err != nil {
		return err
	}

	query := `
		UPDATE order_service.products
		SET stock = stock - $2, updated_at = NOW()
		WHERE id = $1 AND stock >= $2
	`

	var shortages []Shortage
	var missing []uuid.UUID

	// Ascending id order keeps row locks consistent across concurrent placements.
	for _, id := range ids {
		qty := quantities[id]

		cmdTag, err := q.Exec(ctx, query, id, qty)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.CheckViolation {
				log.Ctx(ctx).Warn().Stringer("product_id", id).Int("requested", qty).Msg("ledger: stock check constraint rejected decrement")
				return &InsufficientStockError{Shortages: []Shortage{{ProductID: id, Requested: qty}}}
			}
			return fmt.Errorf("ledger: failed to decrement stock for product %s: %w", id, err)
		}

		if cmdTag.RowsAffected() == 1 {
			continue
		}

		available, err := currentStock(ctx, q, id)
		if errors.Is(err, ErrNotFound) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return err
		}
		shortages = append(shortages, Shortage{ProductID: id, Requested: qty, Available: available})
	}

	if len(missing) > 0 {
		return &MissingProductsError{IDs: missing}
	}

	if len(shortages) > 0 {
		log.Ctx(ctx).Warn().Int("shortages", len(shortages)).Msg("ledger: reservation rejected")
		return &InsufficientStockError{Shortages: shortages}
	}

	return nil
}

func (l *ledger) ReleaseAll(ctx context.Context, q db.Querier, quantities map[uuid.UUID]int) error {
	ids, err := sortedIDs(quantities)
	if err != nil {
		return err
	}

	query := `
		UPDATE order_service.products
		SET stock = stock + $2, updated_at = NOW()
		WHERE id = $1
	`

	for _, id := range ids {
		cmdTag, err := q.Exec(ctx, query, id, quantities[id])
		if err != nil {
			return fmt.Errorf("ledger: failed to restock product %s: %w", id, err)
		}
		if cmdTag.RowsAffected() == 0 {
			return fmt.Errorf("ledger: failed to restock product %s: %w", id, ErrNotFound)
		}
	}

	return nil
}

func currentStock(ctx context.Context, q db.Querier, id uuid.UUID) (int, error) {
	var stock int
	err := q.QueryRow(ctx, `SELECT stock FROM order_service.products WHERE id = $1`, id).Scan(&stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("ledger: failed to read stock for product %s: %w", id, err)
	}
	return stock, nil
}

func sortedIDs(quantities map[uuid.UUID]int) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(quantities))
	for id, qty := range quantities {
		if qty <= 0 {
			return nil, fmt.Errorf("ledger: quantity for product %s must be positive, got %d", id, qty)
		}
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return bytes.Compare(a[:], b[:])
	})
	return ids, nil
}
