package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/platesaver/platesaver-backend/pkg/enums"
)

// PickupOrder is one customer's claim on one unit of an offer window. Rows are
// never deleted; terminal orders remain for audit.
type PickupOrder struct {
	ID          uuid.UUID         `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OfferID     uuid.UUID         `gorm:"column:offer_id;type:uuid;not null;index:ix_pickup_orders_window,priority:1"`
	Day         string            `gorm:"column:day;type:text;not null;index:ix_pickup_orders_window,priority:2"`
	WindowID    string            `gorm:"column:window_id;type:text;not null;index:ix_pickup_orders_window,priority:3"`
	Status      enums.OrderStatus `gorm:"column:status;type:text;not null;default:'created'"`
	CustomerRef string            `gorm:"column:customer_ref;type:text;not null"`
	TotalAmount decimal.Decimal   `gorm:"column:total_amount;type:numeric(12,2);not null"`
	DeliveredAt *time.Time        `gorm:"column:delivered_at"`
	CanceledAt  *time.Time        `gorm:"column:canceled_at"`
	NoShowAt    *time.Time        `gorm:"column:no_show_at"`
	CreatedAt   time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}
