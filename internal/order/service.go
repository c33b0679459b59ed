package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/retail-order-service/internal/customer"
	"github.com/vasiliy-maslov/retail-order-service/internal/db"
	"github.com/vasiliy-maslov/retail-order-service/internal/events"
	"github.com/vasiliy-maslov/retail-order-service/internal/product"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/vasiliy-maslov/retail-order-service/internal/order")

const publishTimeout = 5 * time.Second

type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context, q db.Querier) error) error
}

type Service interface {
	PlaceOrder(ctx context.Context, input PlaceOrderInput) (*Order, error)
	GetOrderByID(ctx context.Context, id uuid.UUID) (*Order, error)
	ListOrders(ctx context.Context, filter ListFilter, page PageRequest) (*Page, error)
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, newStatus Status) (*Order, error)
	DeleteOrder(ctx context.Context, id uuid.UUID) error
}

type Options struct {
	// RestockOnCancel returns units to stock when a pending order is cancelled
	// or an order still holding stock is deleted.
	RestockOnCancel bool
	DefaultPageSize int
	MaxPageSize     int
}

type Dependencies struct {
	Transactor Transactor
	Orders     Repository
	Queries    QueryRepository
	Customers  customer.Repository
	Products   product.Repository
	Ledger     product.Ledger
	Events     events.Publisher
	Options    Options
}

type service struct {
	tx        Transactor
	orders    Repository
	queries   QueryRepository
	customers customer.Repository
	products  product.Repository
	ledger    product.Ledger
	events    events.Publisher
	opts      Options
	now       func() time.Time
}

func NewService(deps Dependencies) Service {
	opts := deps.Options
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = 10
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = 100
	}

	publisher := deps.Events
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}

	return &service{
		tx:        deps.Transactor,
		orders:    deps.Orders,
		queries:   deps.Queries,
		customers: deps.Customers,
		products:  deps.Products,
		ledger:    deps.Ledger,
		events:    publisher,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *service) PlaceOrder(ctx context.Context, input PlaceOrderInput) (*Order, error) {
	ctx, span := tracer.Start(ctx, "order.PlaceOrder", trace.WithAttributes(
		attribute.String("customer.id", input.CustomerID.String()),
		attribute.Int("order.requested_lines", len(input.Items)),
	))
	defer span.End()

	var placed *Order
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context, q db.Querier) error {
		if _, err := s.customers.GetCustomerByID(ctx, q, input.CustomerID); err != nil {
			if errors.Is(err, customer.ErrNotFound) {
				return ErrCustomerNotFound
			}
			return fmt.Errorf("service: failed to load customer: %w", err)
		}

		address, err := s.customers.GetAddressByID(ctx, q, input.ShippingAddressID)
		if err != nil {
			if errors.Is(err, customer.ErrAddressNotFound) {
				return ErrInvalidAddress
			}
			return fmt.Errorf("service: failed to load shipping address: %w", err)
		}
		if !address.BelongsTo(input.CustomerID) {
			return ErrInvalidAddress
		}

		lines, err := mergeLines(input.Items)
		if err != nil {
			return err
		}

		ids := make([]uuid.UUID, len(lines))
		for i, l := range lines {
			ids[i] = l.ProductID
		}

		products, err := s.products.GetByIDs(ctx, q, ids)
		if err != nil {
			return fmt.Errorf("service: failed to load products: %w", err)
		}

		var missing []uuid.UUID
		for _, id := range ids {
			if _, ok := products[id]; !ok {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			return &product.MissingProductsError{IDs: missing}
		}

		var shortages []product.Shortage
		quantities := make(map[uuid.UUID]int, len(lines))
		for _, l := range lines {
			if p := products[l.ProductID]; p.Stock < l.Quantity {
				shortages = append(shortages, product.Shortage{ProductID: l.ProductID, Requested: l.Quantity, Available: p.Stock})
			}
			quantities[l.ProductID] = l.Quantity
		}
		if len(shortages) > 0 {
			return &product.InsufficientStockError{Shortages: shortages}
		}

		if err := s.ledger.ReserveAll(ctx, q, quantities); err != nil {
			if errors.Is(err, product.ErrInsufficientStock) || errors.Is(err, product.ErrNotFound) {
				return err
			}
			return fmt.Errorf("service: failed to reserve stock: %w", err)
		}

		order, err := s.newOrder(input, lines, products)
		if err != nil {
			return err
		}

		if err := s.orders.Save(ctx, q, order); err != nil {
			return fmt.Errorf("service: failed to save order: %w", err)
		}

		placed = order
		return nil
	})
	if err != nil {
		s.recordFailure(ctx, span, err, "service: failed to place order")
		if isDomainError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("service: failed to place order: %w", err)
	}

	span.SetAttributes(attribute.String("order.id", placed.ID.String()))
	log.Ctx(ctx).Info().
		Stringer("order_id", placed.ID).
		Stringer("customer_id", placed.CustomerID).
		Str("total_price", placed.TotalPrice.StringFixed(2)).
		Int("lines", len(placed.Items)).
		Msg("service: order placed")

	s.publish(ctx, events.TypeOrderPlaced, placed, "")

	return placed, nil
}

func (s *service) newOrder(input PlaceOrderInput, lines []ItemInput, products map[uuid.UUID]*product.Product) (*Order, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("service: failed to generate order id: %w", err)
	}

	now := s.now()
	o := &Order{
		ID:                id,
		CustomerID:        input.CustomerID,
		ShippingAddressID: input.ShippingAddressID,
		Status:            StatusPending,
		TotalPrice:        decimal.Zero,
		Items:             make([]Item, 0, len(lines)),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	for i, l := range lines {
		item := Item{
			OrderID:   id,
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			UnitPrice: products[l.ProductID].Price,
			Position:  i,
		}
		o.TotalPrice = o.TotalPrice.Add(item.Subtotal())
		o.Items = append(o.Items, item)
	}

	return o, nil
}

// mergeLines validates the requested lines and folds repeated products into the
// first line that named them.
func mergeLines(items []ItemInput) ([]ItemInput, error) {
	if len(items) == 0 {
		return nil, ErrEmptyOrder
	}

	merged := make([]ItemInput, 0, len(items))
	index := make(map[uuid.UUID]int, len(items))
	for _, it := range items {
		if it.Quantity <= 0 || it.Quantity > MaxLineQuantity {
			return nil, fmt.Errorf("%w: product %s has quantity %d", ErrInvalidQuantity, it.ProductID, it.Quantity)
		}
		if i, ok := index[it.ProductID]; ok {
			if merged[i].Quantity > MaxLineQuantity-it.Quantity {
				return nil, fmt.Errorf("%w: product %s exceeds %d units in total", ErrInvalidQuantity, it.ProductID, MaxLineQuantity)
			}
			merged[i].Quantity += it.Quantity
			continue
		}
		index[it.ProductID] = len(merged)
		merged = append(merged, it)
	}

	return merged, nil
}

func (s *service) GetOrderByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	ctx, span := tracer.Start(ctx, "order.GetOrderByID", trace.WithAttributes(attribute.String("order.id", id.String())))
	defer span.End()

	order, err := s.queries.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Ctx(ctx).Warn().Stringer("order_id", id).Msg("service: order not found by id")
			return nil, ErrOrderNotFound
		}

		s.recordFailure(ctx, span, err, "service: failed to fetch order by id")
		return nil, fmt.Errorf("service: failed to fetch order by id: %w", err)
	}

	return order, nil
}

func (s *service) ListOrders(ctx context.Context, filter ListFilter, page PageRequest) (*Page, error) {
	ctx, span := tracer.Start(ctx, "order.ListOrders")
	defer span.End()

	page = page.normalize(s.opts.DefaultPageSize, s.opts.MaxPageSize)
	span.SetAttributes(attribute.Int("page", page.Page), attribute.Int("page_size", page.PageSize))

	result, err := s.queries.List(ctx, filter, page)
	if err != nil {
		s.recordFailure(ctx, span, err, "service: failed to list orders")
		return nil, fmt.Errorf("service: failed to list orders: %w", err)
	}

	return result, nil
}

func (s *service) UpdateOrderStatus(ctx context.Context, id uuid.UUID, newStatus Status) (*Order, error) {
	ctx, span := tracer.Start(ctx, "order.UpdateOrderStatus", trace.WithAttributes(
		attribute.String("order.id", id.String()),
		attribute.String("order.new_status", newStatus.String()),
	))
	defer span.End()

	if !newStatus.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, newStatus)
	}

	var (
		updated   *Order
		oldStatus Status
	)
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context, q db.Querier) error {
		current, err := s.orders.GetForUpdate(ctx, q, id)
		if err != nil {
			return err
		}
		oldStatus = current.Status

		if current.Status == newStatus {
			log.Ctx(ctx).Info().Stringer("order_id", id).Stringer("status", newStatus).Msg("service: order status is already the same, no update needed")
			updated = current
			return nil
		}

		if !CanTransition(current.Status, newStatus) {
			log.Ctx(ctx).Warn().
				Stringer("order_id", id).
				Stringer("current_status", current.Status).
				Stringer("new_status", newStatus).
				Msg("service: invalid status transition attempt")
			return &InvalidTransitionError{From: current.Status, To: newStatus}
		}

		if newStatus == StatusCancelled && s.opts.RestockOnCancel {
			if err := s.ledger.ReleaseAll(ctx, q, current.Quantities()); err != nil {
				return fmt.Errorf("service: failed to restock cancelled order: %w", err)
			}
		}

		now := s.now()
		if err := s.orders.UpdateStatus(ctx, q, id, newStatus, now); err != nil {
			return err
		}

		current.Status = newStatus
		current.UpdatedAt = now
		updated = current
		return nil
	})
	if err != nil {
		s.recordFailure(ctx, span, err, "service: failed to update order status")
		if isDomainError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("service: failed to update order status: %w", err)
	}

	if oldStatus != updated.Status {
		log.Ctx(ctx).Info().Stringer("order_id", id).Stringer("old_status", oldStatus).Stringer("new_status", updated.Status).Msg("service: order status updated successfully")
		s.publish(ctx, events.TypeOrderStatusChanged, updated, oldStatus)
	}

	return updated, nil
}

func (s *service) DeleteOrder(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "order.DeleteOrder", trace.WithAttributes(attribute.String("order.id", id.String())))
	defer span.End()

	var deleted *Order
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context, q db.Querier) error {
		current, err := s.orders.GetForUpdate(ctx, q, id)
		if err != nil {
			return err
		}

		if s.opts.RestockOnCancel && holdsStock(current.Status) {
			if err := s.ledger.ReleaseAll(ctx, q, current.Quantities()); err != nil {
				return fmt.Errorf("service: failed to restock deleted order: %w", err)
			}
		}

		if err := s.orders.Delete(ctx, q, id); err != nil {
			return err
		}

		deleted = current
		return nil
	})
	if err != nil {
		s.recordFailure(ctx, span, err, "service: failed to delete order")
		if isDomainError(err) {
			return err
		}
		return fmt.Errorf("service: failed to delete order: %w", err)
	}

	log.Ctx(ctx).Info().Stringer("order_id", id).Stringer("status", deleted.Status).Msg("service: order deleted")
	s.publish(ctx, events.TypeOrderDeleted, deleted, "")

	return nil
}

func (s *service) publish(ctx context.Context, eventType string, o *Order, previous Status) {
	event := events.OrderEvent{
		Type:           eventType,
		OrderID:        o.ID,
		CustomerID:     o.CustomerID,
		Status:         o.Status.String(),
		PreviousStatus: previous.String(),
		TotalPrice:     o.TotalPrice,
		Items:          make([]events.Item, len(o.Items)),
		OccurredAt:     s.now(),
	}
	for i, it := range o.Items {
		event.Items[i] = events.Item{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	}

	// The change is already committed; a cancelled request must not drop the event.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := s.events.Publish(pubCtx, event); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("event_type", eventType).Stringer("order_id", o.ID).Msg("service: failed to publish order event")
	}
}

func (s *service) recordFailure(ctx context.Context, span trace.Span, err error, msg string) {
	span.RecordError(err)
	if isDomainError(err) {
		log.Ctx(ctx).Warn().Err(err).Msg(msg)
		return
	}
	span.SetStatus(codes.Error, msg)
	log.Ctx(ctx).Error().Err(err).Msg(msg)
}

// isDomainError reports whether err is a business rule rejection rather than
// an infrastructure failure.
func isDomainError(err error) bool {
	for _, target := range []error{
		ErrOrderNotFound,
		ErrCustomerNotFound,
		ErrInvalidAddress,
		ErrEmptyOrder,
		ErrInvalidQuantity,
		ErrInvalidStatus,
		ErrInvalidStatusTransition,
		ErrDuplicateOrderID,
		product.ErrNotFound,
		product.ErrInsufficientStock,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
