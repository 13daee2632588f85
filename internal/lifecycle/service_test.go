package lifecycle

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/platesaver/platesaver-backend/internal/capacity"
	"github.com/platesaver/platesaver-backend/internal/orders"
	"github.com/platesaver/platesaver-backend/pkg/clock"
	"github.com/platesaver/platesaver-backend/pkg/db/models"
	"github.com/platesaver/platesaver-backend/pkg/enums"
	pkgerrors "github.com/platesaver/platesaver-backend/pkg/errors"
	"github.com/platesaver/platesaver-backend/pkg/logger"
)

type memoryRepo struct {
	mu          sync.Mutex
	orders      map[uuid.UUID]*models.PickupOrder
	windows     map[capacity.WindowKey]int
	createFails int
	createCalls int
	beforeGuard func()
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		orders:  map[uuid.UUID]*models.PickupOrder{},
		windows: map[capacity.WindowKey]int{},
	}
}

func (r *memoryRepo) WithTx(tx *gorm.DB) orders.Repository { return r }

func (r *memoryRepo) Create(ctx context.Context, order *models.PickupOrder) (*models.PickupOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createCalls++
	if r.createFails > 0 {
		r.createFails--
		return nil, fmt.Errorf("store unavailable")
	}
	clone := *order
	r.orders[order.ID] = &clone
	return order, nil
}

func (r *memoryRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.PickupOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *order
	return &clone, nil
}

func (r *memoryRepo) UpdateStatusIf(ctx context.Context, id uuid.UUID, expected, next enums.OrderStatus, at time.Time) (bool, error) {
	if r.beforeGuard != nil {
		r.beforeGuard()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[id]
	if !ok || order.Status != expected {
		return false, nil
	}
	order.Status = next
	order.UpdatedAt = at
	switch next {
	case enums.OrderStatusDelivered:
		order.DeliveredAt = &at
	case enums.OrderStatusCanceled:
		order.CanceledAt = &at
	case enums.OrderStatusNoShow:
		order.NoShowAt = &at
	}
	return true, nil
}

func (r *memoryRepo) FindTimedOutBefore(ctx context.Context, cutoff time.Time) ([]models.PickupOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found []models.PickupOrder
	for _, order := range r.orders {
		if !order.Status.IsTerminal() && !order.CreatedAt.After(cutoff) {
			found = append(found, *order)
		}
	}
	return found, nil
}

func (r *memoryRepo) FindOfferWindow(ctx context.Context, key capacity.WindowKey) (*models.OfferWindow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	base, ok := r.windows[key]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &models.OfferWindow{
		ID:           uuid.New(),
		OfferID:      key.OfferID,
		Day:          key.Day,
		WindowID:     key.WindowID,
		BaseCapacity: base,
	}, nil
}

func (r *memoryRepo) WindowSnapshot(ctx context.Context, key capacity.WindowKey) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	base, ok := r.windows[key]
	if !ok {
		return 0, 0, capacity.ErrUnknownWindow(key)
	}
	outstanding := 0
	for _, order := range r.orders {
		if order.OfferID == key.OfferID && order.Day == key.Day && order.WindowID == key.WindowID &&
			!order.Status.IsTerminal() {
			outstanding++
		}
	}
	return base, outstanding, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []enums.EventKind
	orders []uuid.UUID
}

func (s *recordingSink) Emit(ctx context.Context, kind enums.EventKind, orderID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, kind)
	s.orders = append(s.orders, orderID)
}

func (s *recordingSink) kinds() []enums.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]enums.EventKind(nil), s.events...)
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "lifecycle-test", Output: io.Discard})
}

type fixture struct {
	svc    Service
	svcImp *service
	repo   *memoryRepo
	ledger *capacity.Ledger
	sink   *recordingSink
	key    capacity.WindowKey
}

func newFixture(t *testing.T, base int, clk clock.Clock) *fixture {
	t.Helper()
	repo := newMemoryRepo()
	key := capacity.WindowKey{OfferID: uuid.New(), Day: "2026-08-31", WindowID: "lunch"}
	repo.windows[key] = base

	logg := testLogger()
	ledger, err := capacity.NewLedger(repo, logg, nil)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	sink := &recordingSink{}
	svc, err := NewService(ledger, repo, sink, clk, logg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	impl := svc.(*service)
	impl.retryBase = time.Millisecond
	return &fixture{svc: svc, svcImp: impl, repo: repo, ledger: ledger, sink: sink, key: key}
}

func claimInput(key capacity.WindowKey) ClaimInput {
	return ClaimInput{
		Window:      key,
		CustomerRef: "customer-7",
		TotalAmount: decimal.NewFromFloat(3.49),
	}
}

func TestClaimGrantsUnitAndPersistsOrder(t *testing.T) {
	now := time.Date(2026, 8, 31, 11, 0, 0, 0, time.UTC)
	fx := newFixture(t, 3, clock.NewFixed(now))
	ctx := context.Background()

	order, err := fx.svc.Claim(ctx, claimInput(fx.key))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if order.Status != enums.OrderStatusCreated {
		t.Fatalf("expected created status, got %s", order.Status)
	}
	if !order.CreatedAt.Equal(now) {
		t.Fatalf("expected createdAt %v, got %v", now, order.CreatedAt)
	}
	if _, ok := fx.repo.orders[order.ID]; !ok {
		t.Fatalf("order not persisted")
	}

	remaining, err := fx.svc.PeekRemaining(ctx, fx.key)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if remaining != 2 {
		t.Fatalf("expected 2 remaining, got %d", remaining)
	}

	kinds := fx.sink.kinds()
	if len(kinds) != 1 || kinds[0] != enums.EventOrderCreated {
		t.Fatalf("expected single order.created event, got %v", kinds)
	}
}

func TestClaimValidatesInput(t *testing.T) {
	fx := newFixture(t, 1, clock.NewSystem())
	ctx := context.Background()

	cases := []ClaimInput{
		{Window: capacity.WindowKey{Day: "2026-08-31", WindowID: "lunch"}, CustomerRef: "c"},
		{Window: capacity.WindowKey{OfferID: uuid.New(), WindowID: "lunch"}, CustomerRef: "c"},
		{Window: capacity.WindowKey{OfferID: uuid.New(), Day: "2026-08-31"}, CustomerRef: "c"},
		{Window: fx.key, CustomerRef: ""},
		{Window: fx.key, CustomerRef: "c", TotalAmount: decimal.NewFromInt(-1)},
	}
	for i, input := range cases {
		if _, err := fx.svc.Claim(ctx, input); !pkgerrors.HasCode(err, pkgerrors.CodeValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
	if fx.repo.createCalls != 0 {
		t.Fatalf("validation failures must not hit the store")
	}
}

func TestClaimUnknownWindow(t *testing.T) {
	fx := newFixture(t, 1, clock.NewSystem())
	unknown := capacity.WindowKey{OfferID: uuid.New(), Day: "2026-09-01", WindowID: "dinner"}

	_, err := fx.svc.Claim(context.Background(), claimInput(unknown))
	if !pkgerrors.HasCode(err, pkgerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClaimConcurrentLastUnit(t *testing.T) {
	fx := newFixture(t, 1, clock.NewSystem())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, errs[slot] = fx.svc.Claim(ctx, claimInput(fx.key))
		}(i)
	}
	wg.Wait()

	granted, exhausted := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			granted++
		case pkgerrors.HasCode(err, pkgerrors.CodeCapacity):
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if granted != 1 || exhausted != 1 {
		t.Fatalf("expected one grant and one exhaustion, got %d/%d", granted, exhausted)
	}

	remaining, err := fx.svc.PeekRemaining(ctx, fx.key)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected 0 remaining, got %d", remaining)
	}
}

func TestClaimConcurrentNoOversale(t *testing.T) {
	const base = 4
	fx := newFixture(t, base, clock.NewSystem())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, base+1)
	for i := 0; i < base+1; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, errs[slot] = fx.svc.Claim(ctx, claimInput(fx.key))
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, err := range errs {
		if err == nil {
			granted++
		} else if !pkgerrors.HasCode(err, pkgerrors.CodeCapacity) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if granted != base {
		t.Fatalf("expected exactly %d grants, got %d", base, granted)
	}
	if len(fx.repo.orders) != base {
		t.Fatalf("expected %d persisted orders, got %d", base, len(fx.repo.orders))
	}
}

func TestClaimReleasesUnitWhenStoreKeepsFailing(t *testing.T) {
	fx := newFixture(t, 2, clock.NewSystem())
	fx.repo.createFails = 10
	ctx := context.Background()

	_, err := fx.svc.Claim(ctx, claimInput(fx.key))
	if !pkgerrors.HasCode(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if fx.repo.createCalls != 3 {
		t.Fatalf("expected 3 write attempts, got %d", fx.repo.createCalls)
	}

	remaining, err := fx.svc.PeekRemaining(ctx, fx.key)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if remaining != 2 {
		t.Fatalf("expected reservation returned, remaining %d", remaining)
	}
	if len(fx.sink.kinds()) != 0 {
		t.Fatalf("failed claim must not emit events")
	}
}

func TestClaimRecoversAfterTransientFailure(t *testing.T) {
	fx := newFixture(t, 2, clock.NewSystem())
	fx.repo.createFails = 1
	ctx := context.Background()

	order, err := fx.svc.Claim(ctx, claimInput(fx.key))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if fx.repo.createCalls != 2 {
		t.Fatalf("expected 2 write attempts, got %d", fx.repo.createCalls)
	}
	if _, ok := fx.repo.orders[order.ID]; !ok {
		t.Fatalf("order not persisted after retry")
	}
}

func TestAdvanceThroughDelivery(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	fx := newFixture(t, 1, clock.NewFixed(now))
	ctx := context.Background()

	order, err := fx.svc.Claim(ctx, claimInput(fx.key))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := fx.svc.Advance(ctx, order.ID, enums.OrderStatusPreparing); err != nil {
		t.Fatalf("advance to preparing: %v", err)
	}
	delivered, err := fx.svc.Advance(ctx, order.ID, enums.OrderStatusDelivered)
	if err != nil {
		t.Fatalf("advance to delivered: %v", err)
	}
	if delivered.DeliveredAt == nil || !delivered.DeliveredAt.Equal(now) {
		t.Fatalf("expected delivered timestamp %v, got %v", now, delivered.DeliveredAt)
	}

	// Delivery consumes the unit; no release.
	remaining, err := fx.svc.PeekRemaining(ctx, fx.key)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected 0 remaining after delivery, got %d", remaining)
	}

	kinds := fx.sink.kinds()
	if len(kinds) != 2 || kinds[1] != enums.EventOrderDelivered {
		t.Fatalf("expected order.delivered event, got %v", kinds)
	}

	// Terminal states are monotone.
	if _, err := fx.svc.Advance(ctx, order.ID, enums.OrderStatusCanceled); !pkgerrors.HasCode(err, pkgerrors.CodeStateConflict) {
		t.Fatalf("expected state conflict after delivery, got %v", err)
	}
	stored, err := fx.repo.FindByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.Status != enums.OrderStatusDelivered {
		t.Fatalf("terminal status changed to %s", stored.Status)
	}
}

func TestAdvanceRejectsSkippedStates(t *testing.T) {
	fx := newFixture(t, 1, clock.NewSystem())
	ctx := context.Background()

	order, err := fx.svc.Claim(ctx, claimInput(fx.key))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := fx.svc.Advance(ctx, order.ID, enums.OrderStatusDelivered); !pkgerrors.HasCode(err, pkgerrors.CodeStateConflict) {
		t.Fatalf("expected state conflict for created->delivered, got %v", err)
	}
	if _, err := fx.svc.Advance(ctx, order.ID, enums.OrderStatusCreated); !pkgerrors.HasCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error targeting created, got %v", err)
	}
}

func TestCancelReleasesUnit(t *testing.T) {
	fx := newFixture(t, 1, clock.NewSystem())
	ctx := context.Background()

	order, err := fx.svc.Claim(ctx, claimInput(fx.key))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	canceled, err := fx.svc.Cancel(ctx, order.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.CanceledAt == nil {
		t.Fatalf("expected canceled timestamp")
	}

	remaining, err := fx.svc.PeekRemaining(ctx, fx.key)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("expected unit back after cancel, got %d", remaining)
	}

	// The unit is claimable again.
	if _, err := fx.svc.Claim(ctx, claimInput(fx.key)); err != nil {
		t.Fatalf("reclaim after cancel: %v", err)
	}
}

func TestAdvanceLosesRaceReportsActualState(t *testing.T) {
	fx := newFixture(t, 1, clock.NewSystem())
	ctx := context.Background()

	order, err := fx.svc.Claim(ctx, claimInput(fx.key))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	// A competing writer cancels the order between our read and our guarded
	// write.
	raced := false
	fx.repo.beforeGuard = func() {
		if raced {
			return
		}
		raced = true
		fx.repo.mu.Lock()
		stored := fx.repo.orders[order.ID]
		stored.Status = enums.OrderStatusCanceled
		fx.repo.mu.Unlock()
	}

	_, err = fx.svc.Advance(ctx, order.ID, enums.OrderStatusPreparing)
	if !pkgerrors.HasCode(err, pkgerrors.CodeStateConflict) {
		t.Fatalf("expected state conflict after losing the race, got %v", err)
	}
}

func TestAdvanceUnknownOrder(t *testing.T) {
	fx := newFixture(t, 1, clock.NewSystem())

	_, err := fx.svc.Advance(context.Background(), uuid.New(), enums.OrderStatusPreparing)
	if !pkgerrors.HasCode(err, pkgerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
