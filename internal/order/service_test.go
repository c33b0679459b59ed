package order_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/retail-order-service/internal/customer"
	"github.com/vasiliy-maslov/retail-order-service/internal/events"
	"github.com/vasiliy-maslov/retail-order-service/internal/order"
	"github.com/vasiliy-maslov/retail-order-service/internal/product"
)

var defaultOptions = order.Options{RestockOnCancel: true, DefaultPageSize: 10, MaxPageSize: 100}

type placementWorld struct {
	customerID uuid.UUID
	addressID  uuid.UUID
	p1, p2     *product.Product
}

func newPlacementWorld() placementWorld {
	return placementWorld{
		customerID: uuid.Must(uuid.NewV4()),
		addressID:  uuid.Must(uuid.NewV4()),
		p1:         &product.Product{ID: uuid.Must(uuid.NewV4()), Price: decimal.RequireFromString("10.00"), Stock: 5, Section: "electronics"},
		p2:         &product.Product{ID: uuid.Must(uuid.NewV4()), Price: decimal.RequireFromString("2.50"), Stock: 3, Section: "books"},
	}
}

func (w placementWorld) expectCustomerAndAddress(f *serviceFixture, owner uuid.UUID) {
	f.customers.On("GetCustomerByID", mock.Anything, mock.Anything, w.customerID).
		Return(&customer.Customer{ID: w.customerID}, nil).Once()
	f.customers.On("GetAddressByID", mock.Anything, mock.Anything, w.addressID).
		Return(&customer.Address{ID: w.addressID, CustomerID: owner}, nil).Once()
}

func (w placementWorld) catalog() map[uuid.UUID]*product.Product {
	return map[uuid.UUID]*product.Product{w.p1.ID: w.p1, w.p2.ID: w.p2}
}

func TestService_PlaceOrder_Success(t *testing.T) {
	f := newFixture(defaultOptions)
	w := newPlacementWorld()
	w.expectCustomerAndAddress(f, w.customerID)

	f.products.On("GetByIDs", mock.Anything, mock.Anything, []uuid.UUID{w.p1.ID, w.p2.ID}).
		Return(w.catalog(), nil).Once()
	f.ledger.On("ReserveAll", mock.Anything, mock.Anything, map[uuid.UUID]int{w.p1.ID: 2, w.p2.ID: 3}).
		Return(nil).Once()

	var saved *order.Order
	f.orders.On("Save", mock.Anything, mock.Anything, mock.AnythingOfType("*order.Order")).
		Run(func(args mock.Arguments) { saved = args.Get(2).(*order.Order) }).
		Return(nil).Once()
	f.events.On("Publish", mock.Anything, mock.MatchedBy(func(e events.OrderEvent) bool {
		return e.Type == events.TypeOrderPlaced && e.Status == "pending" && len(e.Items) == 2
	})).Return(nil).Once()

	placed, err := f.svc.PlaceOrder(context.Background(), order.PlaceOrderInput{
		CustomerID:        w.customerID,
		ShippingAddressID: w.addressID,
		Items: []order.ItemInput{
			{ProductID: w.p1.ID, Quantity: 2},
			{ProductID: w.p2.ID, Quantity: 3},
		},
	})

	require.NoError(t, err)
	require.NotNil(t, placed)
	assert.Same(t, saved, placed)
	assert.NotEqual(t, uuid.Nil, placed.ID)
	assert.Equal(t, order.StatusPending, placed.Status)
	assert.Equal(t, w.customerID, placed.CustomerID)
	assert.True(t, decimal.RequireFromString("27.50").Equal(placed.TotalPrice), "total was %s", placed.TotalPrice)
	assert.False(t, placed.CreatedAt.IsZero())

	wantItems := []order.Item{
		{OrderID: placed.ID, ProductID: w.p1.ID, Quantity: 2, UnitPrice: w.p1.Price, Position: 0},
		{OrderID: placed.ID, ProductID: w.p2.ID, Quantity: 3, UnitPrice: w.p2.Price, Position: 1},
	}
	diff := cmp.Diff(wantItems, placed.Items)
	require.Empty(t, diff)

	assert.Equal(t, 1, f.tx.calls)
	f.customers.AssertExpectations(t)
	f.products.AssertExpectations(t)
	f.ledger.AssertExpectations(t)
	f.orders.AssertExpectations(t)
	f.events.AssertExpectations(t)
}

func TestService_PlaceOrder_CustomerNotFound(t *testing.T) {
	f := newFixture(defaultOptions)
	w := newPlacementWorld()
	f.customers.On("GetCustomerByID", mock.Anything, mock.Anything, w.customerID).
		Return(nil, customer.ErrNotFound).Once()

	placed, err := f.svc.PlaceOrder(context.Background(), order.PlaceOrderInput{
		CustomerID:        w.customerID,
		ShippingAddressID: w.addressID,
		Items:             []order.ItemInput{{ProductID: w.p1.ID, Quantity: 1}},
	})

	require.ErrorIs(t, err, order.ErrCustomerNotFound)
	assert.Nil(t, placed)
	f.customers.AssertNotCalled(t, "GetAddressByID", mock.Anything, mock.Anything, mock.Anything)
	f.ledger.AssertNotCalled(t, "ReserveAll", mock.Anything, mock.Anything, mock.Anything)
	f.events.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestService_PlaceOrder_AddressOwnedByAnotherCustomer(t *testing.T) {
	f := newFixture(defaultOptions)
	w := newPlacementWorld()
	w.expectCustomerAndAddress(f, uuid.Must(uuid.NewV4()))

	_, err := f.svc.PlaceOrder(context.Background(), order.PlaceOrderInput{
		CustomerID:        w.customerID,
		ShippingAddressID: w.addressID,
		Items:             []order.ItemInput{{ProductID: w.p1.ID, Quantity: 1}},
	})

	require.ErrorIs(t, err, order.ErrInvalidAddress)
	f.products.AssertNotCalled(t, "GetByIDs", mock.Anything, mock.Anything, mock.Anything)
	f.orders.AssertNotCalled(t, "Save", mock.Anything, mock.Anything, mock.Anything)
}

func TestService_PlaceOrder_AddressMissing(t *testing.T) {
	f := newFixture(defaultOptions)
	w := newPlacementWorld()
	f.customers.On("GetCustomerByID", mock.Anything, mock.Anything, w.customerID).
		Return(&customer.Customer{ID: w.customerID}, nil).Once()
	f.customers.On("GetAddressByID", mock.Anything, mock.Anything, w.addressID).
		Return(nil, customer.ErrAddressNotFound).Once()

	_, err := f.svc.PlaceOrder(context.Background(), order.PlaceOrderInput{
		CustomerID:        w.customerID,
		ShippingAddressID: w.addressID,
		Items:             []order.ItemInput{{ProductID: w.p1.ID, Quantity: 1}},
	})

	require.ErrorIs(t, err, order.ErrInvalidAddress)
}

func TestService_PlaceOrder_EmptyItems(t *testing.T) {
	f := newFixture(defaultOptions)
	w := newPlacementWorld()
	w.expectCustomerAndAddress(f, w.customerID)

	_, err := f.svc.PlaceOrder(context.Background(), order.PlaceOrderInput{
		CustomerID:        w.customerID,
		ShippingAddressID: w.addressID,
	})

	require.ErrorIs(t, err, order.ErrEmptyOrder)
	f.products.AssertNotCalled(t, "GetByIDs", mock.Anything, mock.Anything, mock.Anything)
}

func TestService_PlaceOrder_InvalidQuantity(t *testing.T) {
	f := newFixture(defaultOptions)
	w := newPlacementWorld()
	w.expectCustomerAndAddress(f, w.customerID)

	_, err := f.svc.PlaceOrder(context.Background(), order.PlaceOrderInput{
		CustomerID:        w.customerID,
		ShippingAddressID: w.addressID,
		Items: []order.ItemInput{
			{ProductID: w.p1.ID, Quantity: 1},
			{ProductID: w.p2.ID, Quantity: 0},
		},
	})

	require.ErrorIs(t, err, order.ErrInvalidQuantity)
	f.products.AssertNotCalled(t, "GetByIDs", mock.Anything, mock.Anything, mock.Anything)
}

func TestService_PlaceOrder_MergedQuantityCannotWrap(t *testing.T) {
	tests := []struct {
		name  string
		items func(w placementWorld) []order.ItemInput
	}{
		{"sum_beyond_int", func(w placementWorld) []order.ItemInput {
			return []order.ItemInput{
				{ProductID: w.p1.ID, Quantity: math.MaxInt},
				{ProductID: w.p1.ID, Quantity: math.MaxInt},
				{ProductID: w.p1.ID, Quantity: 4},
			}
		}},
		{"sum_beyond_column", func(w placementWorld) []order.ItemInput {
			return []order.ItemInput{
				{ProductID: w.p1.ID, Quantity: order.MaxLineQuantity},
				{ProductID: w.p1.ID, Quantity: 1},
			}
		}},
		{"single_line_beyond_column", func(w placementWorld) []order.ItemInput {
			return []order.ItemInput{{ProductID: w.p1.ID, Quantity: math.MaxInt}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(defaultOptions)
			w := newPlacementWorld()
			w.expectCustomerAndAddress(f, w.customerID)

			placed, err := f.svc.PlaceOrder(context.Background(), order.PlaceOrderInput{
				CustomerID:        w.customerID,
				ShippingAddressID: w.addressID,
				Items:             tt.items(w),
			})

			require.ErrorIs(t, err, order.ErrInvalidQuantity)
			assert.Nil(t, placed)
			f.products.AssertNotCalled(t, "GetByIDs", mock.Anything, mock.Anything, mock.Anything)
			f.ledger.AssertNotCalled(t, "ReserveAll", mock.Anything, mock.Anything, mock.Anything)
			f.orders.AssertNotCalled(t, "Save", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestService_PlaceOrder_MissingProductsAreNamed(t *testing.T) {
	f := newFixture(defaultOptions)
	w := newPlacementWorld()
	w.expectCustomerAndAddress(f, w.customerID)
	ghost1 := uuid.Must(uuid.NewV4())
	ghost2 := uuid.Must(uuid.NewV4())

	f.products.On("GetByIDs", mock.Anything, mock.Anything, []uuid.UUID{ghost1, w.p1.ID, ghost2}).
		Return(map[uuid.UUID]*product.Product{w.p1.ID: w.p1}, nil).Once()

	_, err := f.svc.PlaceOrder(context.Background(), order.PlaceOrderInput{
		CustomerID:        w.customerID,
		ShippingAddressID: w.addressID,
		Items: []order.ItemInput{
			{ProductID: ghost1, Quantity: 1},
			{ProductID: w.p1.ID, Quantity: 1},
			{ProductID: ghost2, Quantity: 1},
		},
	})

	require.ErrorIs(t, err, product.ErrNotFound)
	var missingErr *product.MissingProductsError
	require.ErrorAs(t, err, &missingErr)
	assert.Equal(t, []uuid.UUID{ghost1, ghost2}, missingErr.IDs)
	f.ledger.AssertNotCalled(t, "ReserveAll", mock.Anything, mock.Anything, mock.Anything)
}

func TestService_PlaceOrder_InsufficientStockReportsEveryShortage(t *testing.T) {
	f := newFixture(defaultOptions)
	w := newPlacementWorld()
	w.expectCustomerAndAddress(f, w.customerID)
	w.p1.Stock = 1
	w.p2.Stock = 0

	f.products.On("GetByIDs", mock.Anything, mock.Anything, []uuid.UUID{w.p1.ID, w.p2.ID}).
		Return(w.catalog(), nil).Once()

	_, err := f.svc.PlaceOrder(context.Background(), order.PlaceOrderInput{
		CustomerID:        w.customerID,
		ShippingAddressID: w.addressID,
		Items: []order.ItemInput{
			{ProductID: w.p1.ID, Quantity: 2},
			{ProductID: w.p2.ID, Quantity: 1},
		},
	})

	require.ErrorIs(t, err, product.ErrInsufficientStock)
	var stockErr *product.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, []product.Shortage{
		{ProductID: w.p1.ID, Requested: 2, Available: 1},
		{ProductID: w.p2.ID, Requested: 1, Available: 0},
	}, stockErr.Shortages)
	f.ledger.AssertNotCalled(t, "ReserveAll", mock.Anything, mock.Anything, mock.Anything)
	f.orders.AssertNotCalled(t, "Save", mock.Anything, mock.Anything, mock.Anything)
}

func TestService_PlaceOrder_DuplicateLinesAreMerged(t *testing.T) {
	f := newFixture(defaultOptions)
	w := newPlacementWorld()
	w.expectCustomerAndAddress(f, w.customerID)

	f.products.On("GetByIDs", mock.Anything, mock.Anything, []uuid.UUID{w.p1.ID, w.p2.ID}).
		Return(w.catalog(), nil).Once()
	f.ledger.On("ReserveAll", mock.Anything, mock.Anything, map[uuid.UUID]int{w.p1.ID: 3, w.p2.ID: 1}).
		Return(nil).Once()
	f.orders.On("Save", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	f.events.On("Publish", mock.Anything, mock.Anything).Return(nil).Once()

	placed, err := f.svc.PlaceOrder(context.Background(), order.PlaceOrderInput{
		CustomerID:        w.customerID,
		ShippingAddressID: w.addressID,
		Items: []order.ItemInput{
			{ProductID: w.p1.ID, Quantity: 1},
			{ProductID: w.p2.ID, Quantity: 1},
			{ProductID: w.p1.ID, Quantity: 2},
		},
	})

	require.NoError(t, err)
	require.Len(t, placed.Items, 2)
	assert.Equal(t, w.p1.ID, placed.Items[0].ProductID)
	assert.Equal(t, 3, placed.Items[0].Quantity)
	assert.Equal(t, w.p2.ID, placed.Items[1].ProductID)
	assert.True(t, decimal.RequireFromString("32.50").Equal(placed.TotalPrice))
	f.ledger.AssertExpectations(t)
}

func TestService_PlaceOrder_LedgerLosesRace(t *testing.T) {
	f := newFixture(defaultOptions)
	w := newPlacementWorld()
	w.expectCustomerAndAddress(f, w.customerID)

	f.products.On("GetByIDs", mock.Anything, mock.Anything, []uuid.UUID{w.p1.ID}).
		Return(w.catalog(), nil).Once()
	raceErr := &product.InsufficientStockError{Shortages: []product.Shortage{{ProductID: w.p1.ID, Requested: 5, Available: 4}}}
	f.ledger.On("ReserveAll", mock.Anything, mock.Anything, map[uuid.UUID]int{w.p1.ID: 5}).
		Return(raceErr).Once()

	_, err := f.svc.PlaceOrder(context.Background(), order.PlaceOrderInput{
		CustomerID:        w.customerID,
		ShippingAddressID: w.addressID,
		Items:             []order.ItemInput{{ProductID: w.p1.ID, Quantity: 5}},
	})

	require.ErrorIs(t, err, product.ErrInsufficientStock)
	f.orders.AssertNotCalled(t, "Save", mock.Anything, mock.Anything, mock.Anything)
	f.events.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestService_PlaceOrder_SaveFailureIsInternal(t *testing.T) {
	f := newFixture(defaultOptions)
	w := newPlacementWorld()
	w.expectCustomerAndAddress(f, w.customerID)

	f.products.On("GetByIDs", mock.Anything, mock.Anything, []uuid.UUID{w.p1.ID}).
		Return(w.catalog(), nil).Once()
	f.ledger.On("ReserveAll", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	dbErr := errors.New("connection reset by peer")
	f.orders.On("Save", mock.Anything, mock.Anything, mock.Anything).Return(dbErr).Once()

	placed, err := f.svc.PlaceOrder(context.Background(), order.PlaceOrderInput{
		CustomerID:        w.customerID,
		ShippingAddressID: w.addressID,
		Items:             []order.ItemInput{{ProductID: w.p1.ID, Quantity: 1}},
	})

	require.ErrorIs(t, err, dbErr)
	assert.Nil(t, placed)
	assert.NotErrorIs(t, err, product.ErrInsufficientStock)
	assert.NotErrorIs(t, err, order.ErrCustomerNotFound)
	f.events.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestService_PlaceOrder_CommitFailureIsInternal(t *testing.T) {
	f := newFixture(defaultOptions)
	w := newPlacementWorld()
	w.expectCustomerAndAddress(f, w.customerID)
	f.tx.commitErr = errors.New("db: failed to commit transaction")

	f.products.On("GetByIDs", mock.Anything, mock.Anything, mock.Anything).Return(w.catalog(), nil).Once()
	f.ledger.On("ReserveAll", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	f.orders.On("Save", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	placed, err := f.svc.PlaceOrder(context.Background(), order.PlaceOrderInput{
		CustomerID:        w.customerID,
		ShippingAddressID: w.addressID,
		Items:             []order.ItemInput{{ProductID: w.p1.ID, Quantity: 1}},
	})

	require.ErrorIs(t, err, f.tx.commitErr)
	assert.Nil(t, placed)
	f.events.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestService_PlaceOrder_PublishFailureDoesNotFailPlacement(t *testing.T) {
	f := newFixture(defaultOptions)
	w := newPlacementWorld()
	w.expectCustomerAndAddress(f, w.customerID)

	f.products.On("GetByIDs", mock.Anything, mock.Anything, mock.Anything).Return(w.catalog(), nil).Once()
	f.ledger.On("ReserveAll", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	f.orders.On("Save", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	f.events.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker down")).Once()

	placed, err := f.svc.PlaceOrder(context.Background(), order.PlaceOrderInput{
		CustomerID:        w.customerID,
		ShippingAddressID: w.addressID,
		Items:             []order.ItemInput{{ProductID: w.p1.ID, Quantity: 1}},
	})

	require.NoError(t, err)
	require.NotNil(t, placed)
	f.events.AssertExpectations(t)
}

func TestService_GetOrderByID(t *testing.T) {
	f := newFixture(defaultOptions)
	id := uuid.Must(uuid.NewV4())
	want := &order.Order{ID: id, Status: order.StatusConfirmed}
	f.queries.On("GetByID", mock.Anything, id).Return(want, nil).Once()

	got, err := f.svc.GetOrderByID(context.Background(), id)

	require.NoError(t, err)
	assert.Same(t, want, got)
}

func TestService_GetOrderByID_NotFound(t *testing.T) {
	f := newFixture(defaultOptions)
	id := uuid.Must(uuid.NewV4())
	f.queries.On("GetByID", mock.Anything, id).Return(nil, order.ErrOrderNotFound).Once()

	got, err := f.svc.GetOrderByID(context.Background(), id)

	require.ErrorIs(t, err, order.ErrOrderNotFound)
	assert.Nil(t, got)
}

func TestService_ListOrders_NormalizesPage(t *testing.T) {
	f := newFixture(order.Options{DefaultPageSize: 10, MaxPageSize: 50})
	status := order.StatusPending
	filter := order.ListFilter{Status: &status}

	f.queries.On("List", mock.Anything, filter, order.PageRequest{Page: 1, PageSize: 50, Sort: order.DefaultSort}).
		Return(&order.Page{Items: []order.Order{}, Page: 1, PageSize: 50}, nil).Once()
	f.queries.On("List", mock.Anything, filter, order.PageRequest{Page: 3, PageSize: 10, Sort: order.Sort{Field: order.SortByTotalPrice}}).
		Return(&order.Page{Items: []order.Order{}, Page: 3, PageSize: 10}, nil).Once()

	_, err := f.svc.ListOrders(context.Background(), filter, order.PageRequest{Page: 0, PageSize: 500})
	require.NoError(t, err)

	_, err = f.svc.ListOrders(context.Background(), filter, order.PageRequest{Page: 3, Sort: order.Sort{Field: order.SortByTotalPrice}})
	require.NoError(t, err)

	f.queries.AssertExpectations(t)
}

func TestService_ListOrders_RepositoryFailure(t *testing.T) {
	f := newFixture(defaultOptions)
	dbErr := errors.New("read replica down")
	f.queries.On("List", mock.Anything, mock.Anything, mock.Anything).Return(nil, dbErr).Once()

	page, err := f.svc.ListOrders(context.Background(), order.ListFilter{}, order.PageRequest{})

	require.ErrorIs(t, err, dbErr)
	assert.Nil(t, page)
}
