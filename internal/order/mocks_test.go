package order_test

import (
	"context"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/vasiliy-maslov/retail-order-service/internal/customer"
	"github.com/vasiliy-maslov/retail-order-service/internal/db"
	"github.com/vasiliy-maslov/retail-order-service/internal/events"
	"github.com/vasiliy-maslov/retail-order-service/internal/order"
	"github.com/vasiliy-maslov/retail-order-service/internal/product"
)

// fakeTransactor runs fn directly and reports fn's error, or commitErr when fn succeeds.
type fakeTransactor struct {
	calls     int
	commitErr error
}

func (f *fakeTransactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context, q db.Querier) error) error {
	f.calls++
	if err := fn(ctx, nil); err != nil {
		return err
	}
	return f.commitErr
}

type MockOrderRepository struct {
	mock.Mock
}

func (m *MockOrderRepository) Save(ctx context.Context, q db.Querier, o *order.Order) error {
	args := m.Called(ctx, q, o)
	return args.Error(0)
}

func (m *MockOrderRepository) GetForUpdate(ctx context.Context, q db.Querier, id uuid.UUID) (*order.Order, error) {
	args := m.Called(ctx, q, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*order.Order), args.Error(1)
}

func (m *MockOrderRepository) UpdateStatus(ctx context.Context, q db.Querier, id uuid.UUID, status order.Status, updatedAt time.Time) error {
	args := m.Called(ctx, q, id, status, updatedAt)
	return args.Error(0)
}

func (m *MockOrderRepository) Delete(ctx context.Context, q db.Querier, id uuid.UUID) error {
	args := m.Called(ctx, q, id)
	return args.Error(0)
}

type MockQueryRepository struct {
	mock.Mock
}

func (m *MockQueryRepository) GetByID(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*order.Order), args.Error(1)
}

func (m *MockQueryRepository) List(ctx context.Context, filter order.ListFilter, page order.PageRequest) (*order.Page, error) {
	args := m.Called(ctx, filter, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*order.Page), args.Error(1)
}

type MockCustomerRepository struct {
	mock.Mock
}

func (m *MockCustomerRepository) GetCustomerByID(ctx context.Context, q db.Querier, id uuid.UUID) (*customer.Customer, error) {
	args := m.Called(ctx, q, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*customer.Customer), args.Error(1)
}

func (m *MockCustomerRepository) GetAddressByID(ctx context.Context, q db.Querier, id uuid.UUID) (*customer.Address, error) {
	args := m.Called(ctx, q, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*customer.Address), args.Error(1)
}

type MockProductRepository struct {
	mock.Mock
}

func (m *MockProductRepository) GetByIDs(ctx context.Context, q db.Querier, ids []uuid.UUID) (map[uuid.UUID]*product.Product, error) {
	args := m.Called(ctx, q, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[uuid.UUID]*product.Product), args.Error(1)
}

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) ReserveAll(ctx context.Context, q db.Querier, quantities map[uuid.UUID]int) error {
	args := m.Called(ctx, q, quantities)
	return args.Error(0)
}

func (m *MockLedger) ReleaseAll(ctx context.Context, q db.Querier, quantities map[uuid.UUID]int) error {
	args := m.Called(ctx, q, quantities)
	return args.Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event events.OrderEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockPublisher) Close() error {
	return m.Called().Error(0)
}

type serviceFixture struct {
	tx        *fakeTransactor
	orders    *MockOrderRepository
	queries   *MockQueryRepository
	customers *MockCustomerRepository
	products  *MockProductRepository
	ledger    *MockLedger
	events    *MockPublisher
	svc       order.Service
}

func newFixture(opts order.Options) *serviceFixture {
	f := &serviceFixture{
		tx:        &fakeTransactor{},
		orders:    new(MockOrderRepository),
		queries:   new(MockQueryRepository),
		customers: new(MockCustomerRepository),
		products:  new(MockProductRepository),
		ledger:    new(MockLedger),
		events:    new(MockPublisher),
	}
	f.svc = order.NewService(order.Dependencies{
		Transactor: f.tx,
		Orders:     f.orders,
		Queries:    f.queries,
		Customers:  f.customers,
		Products:   f.products,
		Ledger:     f.ledger,
		Events:     f.events,
		Options:    opts,
	})
	return f
}
