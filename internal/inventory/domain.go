// Package inventory maintains per-(warehouse, product) on-hand quantity.
package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// MovementType classifies stock mutations.
type MovementType string

const (
	MovementIn     MovementType = "IN"
	MovementOut    MovementType = "OUT"
	MovementAdjust MovementType = "ADJUST"
)

// Balance is the authoritative on-hand quantity for one warehouse/product pair.
type Balance struct {
	WarehouseID int64
	ProductID   int64
	Qty         decimal.Decimal
	UpdatedAt   time.Time
}

// Movement records one stock mutation for traceability.
type Movement struct {
	ID          int64
	Type        MovementType
	WarehouseID int64
	ProductID   int64
	Qty         decimal.Decimal
	RefModule   string
	RefID       string
	Note        string
	ActorID     int64
	PostedAt    time.Time
}

// MovementInput describes a requested stock change.
type MovementInput struct {
	WarehouseID int64
	ProductID   int64
	Qty         decimal.Decimal
	RefModule   string
	RefID       string
	Note        string
	ActorID     int64
}
