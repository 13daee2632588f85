package models

import (
	"time"

	"github.com/google/uuid"
)

// OfferWindow is one sellable unit pool: an offer on a calendar day in a named
// pickup slot. BaseCapacity is fixed when the offer is published.
type OfferWindow struct {
	ID           uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OfferID      uuid.UUID `gorm:"column:offer_id;type:uuid;not null;uniqueIndex:ux_offer_windows_key,priority:1"`
	Day          string    `gorm:"column:day;type:text;not null;uniqueIndex:ux_offer_windows_key,priority:2"`
	WindowID     string    `gorm:"column:window_id;type:text;not null;uniqueIndex:ux_offer_windows_key,priority:3"`
	BaseCapacity int       `gorm:"column:base_capacity;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
