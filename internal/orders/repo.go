package orders

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/platesaver/platesaver-backend/internal/capacity"
	"github.com/platesaver/platesaver-backend/pkg/db/models"
	"github.com/platesaver/platesaver-backend/pkg/enums"
)

// Repository is the durable home of pickup orders and offer windows. It never
// initiates a status transition on its own; callers drive every write.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, order *models.PickupOrder) (*models.PickupOrder, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.PickupOrder, error)
	UpdateStatusIf(ctx context.Context, id uuid.UUID, expected, next enums.OrderStatus, at time.Time) (bool, error)
	FindTimedOutBefore(ctx context.Context, cutoff time.Time) ([]models.PickupOrder, error)
	FindOfferWindow(ctx context.Context, key capacity.WindowKey) (*models.OfferWindow, error)
	WindowSnapshot(ctx context.Context, key capacity.WindowKey) (int, int, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, order *models.PickupOrder) (*models.PickupOrder, error) {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if order.Status == "" {
		order.Status = enums.OrderStatusCreated
	}
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, err
	}
	return order, nil
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.PickupOrder, error) {
	var order models.PickupOrder
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateStatusIf performs the status-guarded write: the row is only touched
// when its stored status still matches the expected starting state, which is
// what keeps stale readers from resurrecting terminal orders.
func (r *repository) UpdateStatusIf(ctx context.Context, id uuid.UUID, expected, next enums.OrderStatus, at time.Time) (bool, error) {
	updates := map[string]any{
		"status":     next,
		"updated_at": at,
	}
	switch next {
	case enums.OrderStatusDelivered:
		updates["delivered_at"] = at
	case enums.OrderStatusCanceled:
		updates["canceled_at"] = at
	case enums.OrderStatusNoShow:
		updates["no_show_at"] = at
	}

	res := r.db.WithContext(ctx).
		Model(&models.PickupOrder{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FindTimedOutBefore returns active orders created at or before the cutoff,
// oldest first. The cutoff is inclusive so an order is sweepable the moment
// its threshold elapses.
func (r *repository) FindTimedOutBefore(ctx context.Context, cutoff time.Time) ([]models.PickupOrder, error) {
	var orders []models.PickupOrder
	err := r.db.WithContext(ctx).
		Where("status IN ? AND created_at <= ?",
			[]enums.OrderStatus{enums.OrderStatusCreated, enums.OrderStatusPreparing}, cutoff).
		Order("created_at ASC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *repository) FindOfferWindow(ctx context.Context, key capacity.WindowKey) (*models.OfferWindow, error) {
	var window models.OfferWindow
	err := r.db.WithContext(ctx).
		Where("offer_id = ? AND day = ? AND window_id = ?", key.OfferID, key.Day, key.WindowID).
		First(&window).Error
	if err != nil {
		return nil, err
	}
	return &window, nil
}

// WindowSnapshot implements capacity.SnapshotSource: base capacity plus the
// count of orders still holding a unit of this window.
func (r *repository) WindowSnapshot(ctx context.Context, key capacity.WindowKey) (int, int, error) {
	window, err := r.FindOfferWindow(ctx, key)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, 0, capacity.ErrUnknownWindow(key)
		}
		return 0, 0, err
	}

	var outstanding int64
	err = r.db.WithContext(ctx).
		Model(&models.PickupOrder{}).
		Where("offer_id = ? AND day = ? AND window_id = ? AND status IN ?",
			key.OfferID, key.Day, key.WindowID,
			[]enums.OrderStatus{enums.OrderStatusCreated, enums.OrderStatusPreparing}).
		Count(&outstanding).Error
	if err != nil {
		return 0, 0, err
	}
	return window.BaseCapacity, int(outstanding), nil
}
