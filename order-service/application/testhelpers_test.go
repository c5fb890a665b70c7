package application

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distrimall/mall-system/order-service/domain"
	"github.com/distrimall/mall-system/shared/models"
	"github.com/distrimall/mall-system/shared/saga"
)

// The workflow tests run against stateful in-memory repositories
// instead of expectation mocks: a saga touches the same aggregates from
// several steps and from compensation, and the interesting assertions
// are about the state left behind, not about call counts.

type memOrderRepo struct {
	mu      sync.Mutex
	orders  map[models.ID]*domain.Order
	saveErr func(*domain.Order) error
}

func newMemOrderRepo() *memOrderRepo {
	return &memOrderRepo{orders: make(map[models.ID]*domain.Order)}
}

func (r *memOrderRepo) Save(_ context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		if err := r.saveErr(order); err != nil {
			return err
		}
	}
	r.orders[order.ID] = order
	return nil
}

func (r *memOrderRepo) FindByID(_ context.Context, id models.ID) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[id], nil
}

func (r *memOrderRepo) FindByUserID(_ context.Context, userID models.ID) ([]*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found []*domain.Order
	for _, order := range r.orders {
		if order.UserID == userID {
			found = append(found, order)
		}
	}
	return found, nil
}

func (r *memOrderRepo) Delete(_ context.Context, id models.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orders, id)
	return nil
}

type memProductRepo struct {
	mu       sync.Mutex
	products map[models.ID]*domain.Product
}

func newMemProductRepo() *memProductRepo {
	return &memProductRepo{products: make(map[models.ID]*domain.Product)}
}

func (r *memProductRepo) Save(_ context.Context, product *domain.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.products[product.ID] = product
	return nil
}

func (r *memProductRepo) FindByID(_ context.Context, id models.ID) (*domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.products[id], nil
}

type memReservationRepo struct {
	mu           sync.Mutex
	reservations map[models.ID]*domain.StockReservation
}

func newMemReservationRepo() *memReservationRepo {
	return &memReservationRepo{reservations: make(map[models.ID]*domain.StockReservation)}
}

func (r *memReservationRepo) Save(_ context.Context, reservation *domain.StockReservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reservations[reservation.ID] = reservation
	return nil
}

func (r *memReservationRepo) FindByOrderID(_ context.Context, orderID models.ID) ([]*domain.StockReservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found []*domain.StockReservation
	for _, reservation := range r.reservations {
		if reservation.OrderID == orderID {
			found = append(found, reservation)
		}
	}
	return found, nil
}

func (r *memReservationRepo) Delete(_ context.Context, id models.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reservations, id)
	return nil
}

type memPointsRepo struct {
	mu       sync.Mutex
	accounts map[models.ID]*domain.PointsAccount
}

func newMemPointsRepo() *memPointsRepo {
	return &memPointsRepo{accounts: make(map[models.ID]*domain.PointsAccount)}
}

func (r *memPointsRepo) Save(_ context.Context, account *domain.PointsAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[account.UserID] = account
	return nil
}

func (r *memPointsRepo) FindByUserID(_ context.Context, userID models.ID) (*domain.PointsAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accounts[userID], nil
}

type memPointsGrantRepo struct {
	mu     sync.Mutex
	grants map[models.ID]*domain.PointsGrant
}

func newMemPointsGrantRepo() *memPointsGrantRepo {
	return &memPointsGrantRepo{grants: make(map[models.ID]*domain.PointsGrant)}
}

func (r *memPointsGrantRepo) Save(_ context.Context, grant *domain.PointsGrant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grants[grant.ID] = grant
	return nil
}

func (r *memPointsGrantRepo) FindByOrderID(_ context.Context, orderID models.ID) (*domain.PointsGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, grant := range r.grants {
		if grant.OrderID == orderID {
			return grant, nil
		}
	}
	return nil, nil
}

func (r *memPointsGrantRepo) Delete(_ context.Context, id models.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.grants, id)
	return nil
}

type memCommissionRepo struct {
	mu      sync.Mutex
	entries map[models.ID]*domain.CommissionEntry
	saveErr func(*domain.CommissionEntry) error
}

func newMemCommissionRepo() *memCommissionRepo {
	return &memCommissionRepo{entries: make(map[models.ID]*domain.CommissionEntry)}
}

func (r *memCommissionRepo) Save(_ context.Context, entry *domain.CommissionEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		if err := r.saveErr(entry); err != nil {
			return err
		}
	}
	r.entries[entry.OrderID] = entry
	return nil
}

func (r *memCommissionRepo) FindByOrderID(_ context.Context, orderID models.ID) (*domain.CommissionEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[orderID], nil
}

// fakeGateway records charges and refunds. Refunds are deduplicated by
// transaction ID like the real provider does.
type fakeGateway struct {
	mu        sync.Mutex
	charges   []domain.ChargeRequest
	refunds   []string
	chargeErr error
	refundErr error
}

func (g *fakeGateway) Charge(_ context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.chargeErr != nil {
		return nil, g.chargeErr
	}
	g.charges = append(g.charges, req)
	return &domain.ChargeResult{TransactionID: fmt.Sprintf("txn-%d", len(g.charges))}, nil
}

func (g *fakeGateway) Refund(_ context.Context, transactionID string, _ models.Money) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return g.refundErr
	}
	for _, refunded := range g.refunds {
		if refunded == transactionID {
			return nil
		}
	}
	g.refunds = append(g.refunds, transactionID)
	return nil
}

func (g *fakeGateway) refundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refunds)
}

// workflowFixture wires every use case against in-memory storage and a
// fresh engine, the same shape the composition root builds.
type workflowFixture struct {
	engine       *saga.Engine
	orders       *memOrderRepo
	products     *memProductRepo
	reservations *memReservationRepo
	points       *memPointsRepo
	grants       *memPointsGrantRepo
	commissions  *memCommissionRepo
	gateway      *fakeGateway

	createOrder   *CreateOrder
	payOrder      *PayOrder
	cancelOrder   *CancelOrder
	completeOrder *CompleteOrder
	retry         *RetryWorkflow
}

func newWorkflowFixture(t *testing.T) *workflowFixture {
	t.Helper()

	f := &workflowFixture{
		engine:       saga.NewEngine(saga.NewMemoryStore()),
		orders:       newMemOrderRepo(),
		products:     newMemProductRepo(),
		reservations: newMemReservationRepo(),
		points:       newMemPointsRepo(),
		grants:       newMemPointsGrantRepo(),
		commissions:  newMemCommissionRepo(),
		gateway:      &fakeGateway{},
	}

	var err error
	f.createOrder, err = NewCreateOrder(f.orders, f.products, f.reservations, nil, f.engine)
	require.NoError(t, err)
	f.payOrder, err = NewPayOrder(f.orders, f.commissions, f.gateway, nil, f.engine)
	require.NoError(t, err)
	f.cancelOrder, err = NewCancelOrder(f.orders, f.products, f.reservations, f.gateway, nil, f.engine)
	require.NoError(t, err)
	f.completeOrder, err = NewCompleteOrder(f.orders, f.points, f.grants, f.commissions, nil, f.engine)
	require.NoError(t, err)
	f.retry = NewRetryWorkflow(f.engine)

	return f
}

// seedProduct adds a catalog product with the given price and stock.
func (f *workflowFixture) seedProduct(t *testing.T, priceCents int64, stock int) *domain.Product {
	t.Helper()
	product, err := domain.CreateProduct("test product", models.NewMoney(priceCents, "USD"), stock)
	require.NoError(t, err)
	require.NoError(t, f.products.Save(context.Background(), product))
	return product
}

// seedPaidOrder walks a full creation plus payment so later workflows
// start from a realistic paid order.
func (f *workflowFixture) seedPaidOrder(t *testing.T, referrerID *string, priceCents int64, qty int) *CreateOrderResponse {
	t.Helper()
	product := f.seedProduct(t, priceCents, qty+10)

	created, err := f.createOrder.Execute(context.Background(), &CreateOrderCommand{
		UserID:     models.GenerateUUID().String(),
		ReferrerID: referrerID,
		Items:      []CreateOrderItemInput{{ProductID: product.ID.String(), Quantity: qty}},
	})
	require.NoError(t, err)

	_, err = f.payOrder.Execute(context.Background(), &PayOrderCommand{OrderID: created.OrderID})
	require.NoError(t, err)
	return created
}

func stringPtr(s string) *string {
	return &s
}
