package lifecycle

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
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

type reserver interface {
	ReserveOne(ctx context.Context, key capacity.WindowKey) (capacity.Reservation, error)
	ReleaseOne(ctx context.Context, key capacity.WindowKey) error
	Peek(ctx context.Context, key capacity.WindowKey) (int, error)
}

type eventSink interface {
	Emit(ctx context.Context, kind enums.EventKind, orderID uuid.UUID)
}

// Service drives pickup orders through their lifecycle. Capacity is reserved
// before the durable write and released when an order leaves the active set
// without being handed over.
type Service interface {
	Claim(ctx context.Context, input ClaimInput) (*models.PickupOrder, error)
	Advance(ctx context.Context, orderID uuid.UUID, next enums.OrderStatus) (*models.PickupOrder, error)
	Cancel(ctx context.Context, orderID uuid.UUID) (*models.PickupOrder, error)
	PeekRemaining(ctx context.Context, key capacity.WindowKey) (int, error)
}

// ClaimInput carries everything needed to claim one unit of an offer window.
type ClaimInput struct {
	Window      capacity.WindowKey
	CustomerRef string
	TotalAmount decimal.Decimal
}

var allowedTransitions = map[enums.OrderStatus][]enums.OrderStatus{
	enums.OrderStatusCreated: {
		enums.OrderStatusPreparing,
		enums.OrderStatusCanceled,
		enums.OrderStatusNoShow,
	},
	enums.OrderStatusPreparing: {
		enums.OrderStatusDelivered,
		enums.OrderStatusCanceled,
		enums.OrderStatusNoShow,
	},
}

func transitionAllowed(from, to enums.OrderStatus) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

type service struct {
	ledger reserver
	repo   orders.Repository
	sink   eventSink
	clk    clock.Clock
	logg   *logger.Logger

	writeRetries uint64
	retryBase    time.Duration
}

// NewService builds the lifecycle service.
func NewService(
	ledger reserver,
	repo orders.Repository,
	sink eventSink,
	clk clock.Clock,
	logg *logger.Logger,
) (Service, error) {
	if ledger == nil {
		return nil, fmt.Errorf("capacity ledger required")
	}
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if sink == nil {
		return nil, fmt.Errorf("event sink required")
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		ledger:       ledger,
		repo:         repo,
		sink:         sink,
		clk:          clk,
		logg:         logg,
		writeRetries: 2,
		retryBase:    100 * time.Millisecond,
	}, nil
}

// Claim reserves one unit and persists a new order in the created state. The
// reservation is taken first so a sold-out window never touches the store;
// if the durable write keeps failing the unit goes back before we give up.
func (s *service) Claim(ctx context.Context, input ClaimInput) (*models.PickupOrder, error) {
	if err := validateClaim(input); err != nil {
		return nil, err
	}

	reservation, err := s.ledger.ReserveOne(ctx, input.Window)
	if err != nil {
		return nil, err
	}
	if !reservation.Granted {
		return nil, pkgerrors.New(pkgerrors.CodeCapacity, "offer window has no units left").
			WithDetails(map[string]string{"window": input.Window.String()})
	}

	now := s.clk.Now()
	order := &models.PickupOrder{
		ID:          uuid.New(),
		OfferID:     input.Window.OfferID,
		Day:         input.Window.Day,
		WindowID:    input.Window.WindowID,
		Status:      enums.OrderStatusCreated,
		CustomerRef: input.CustomerRef,
		TotalAmount: input.TotalAmount,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	backoff := retry.WithMaxRetries(s.writeRetries, retry.NewExponential(s.retryBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if _, createErr := s.repo.Create(ctx, order); createErr != nil {
			return retry.RetryableError(createErr)
		}
		return nil
	})
	if err != nil {
		if releaseErr := s.ledger.ReleaseOne(ctx, input.Window); releaseErr != nil {
			logCtx := s.logg.WithWindow(ctx, input.Window.String())
			s.logg.Error(logCtx, "failed to return unit after aborted claim", releaseErr)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "order could not be persisted")
	}

	s.sink.Emit(ctx, enums.EventOrderCreated, order.ID)

	logCtx := s.logg.WithOrderID(ctx, order.ID.String())
	logCtx = s.logg.WithWindow(logCtx, input.Window.String())
	s.logg.Info(logCtx, "order claimed")
	return order, nil
}

// Advance moves an order to the next lifecycle state. The write is guarded on
// the status we just read, so two racing callers resolve to exactly one
// winner; the loser learns the actual state from the reload.
func (s *service) Advance(ctx context.Context, orderID uuid.UUID, next enums.OrderStatus) (*models.PickupOrder, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	if !next.IsValid() || next == enums.OrderStatusCreated {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid target status").
			WithDetails(map[string]string{"status": next.String()})
	}

	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	current := order.Status
	if !transitionAllowed(current, next) {
		return nil, transitionConflict(current, next)
	}

	now := s.clk.Now()
	updated, err := s.repo.UpdateStatusIf(ctx, orderID, current, next, now)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "order status update failed")
	}
	if !updated {
		// Lost the race; report the state that actually won.
		fresh, reloadErr := s.findOrder(ctx, orderID)
		if reloadErr != nil {
			return nil, reloadErr
		}
		return nil, transitionConflict(fresh.Status, next)
	}

	order.Status = next
	order.UpdatedAt = now
	switch next {
	case enums.OrderStatusDelivered:
		order.DeliveredAt = &now
	case enums.OrderStatusCanceled:
		order.CanceledAt = &now
	case enums.OrderStatusNoShow:
		order.NoShowAt = &now
	}

	key := capacity.WindowKey{OfferID: order.OfferID, Day: order.Day, WindowID: order.WindowID}
	logCtx := s.logg.WithOrderID(ctx, orderID.String())
	logCtx = s.logg.WithWindow(logCtx, key.String())

	switch next {
	case enums.OrderStatusCanceled, enums.OrderStatusNoShow:
		// The order already left the active set durably; a release failure
		// here must not undo the transition.
		if releaseErr := s.ledger.ReleaseOne(ctx, key); releaseErr != nil {
			s.logg.Error(logCtx, "failed to return unit for terminal order", releaseErr)
		}
	case enums.OrderStatusDelivered:
		s.sink.Emit(ctx, enums.EventOrderDelivered, orderID)
	}

	s.logg.Info(logCtx, fmt.Sprintf("order moved to %s", next))
	return order, nil
}

// Cancel is Advance into the canceled state.
func (s *service) Cancel(ctx context.Context, orderID uuid.UUID) (*models.PickupOrder, error) {
	return s.Advance(ctx, orderID, enums.OrderStatusCanceled)
}

// PeekRemaining reports the advisory remaining count for a window.
func (s *service) PeekRemaining(ctx context.Context, key capacity.WindowKey) (int, error) {
	return s.ledger.Peek(ctx, key)
}

func (s *service) findOrder(ctx context.Context, orderID uuid.UUID) (*models.PickupOrder, error) {
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		if stdErrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found").
				WithDetails(map[string]string{"order_id": orderID.String()})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "order lookup failed")
	}
	return order, nil
}

func validateClaim(input ClaimInput) error {
	if input.Window.OfferID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "offer id required")
	}
	if input.Window.Day == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "day required")
	}
	if input.Window.WindowID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "window id required")
	}
	if input.CustomerRef == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "customer ref required")
	}
	if input.TotalAmount.IsNegative() {
		return pkgerrors.New(pkgerrors.CodeValidation, "total amount cannot be negative")
	}
	return nil
}

func transitionConflict(from, to enums.OrderStatus) error {
	return pkgerrors.New(pkgerrors.CodeStateConflict,
		fmt.Sprintf("cannot move order from %s to %s", from, to)).
		WithDetails(map[string]string{"from": from.String(), "to": to.String()})
}
