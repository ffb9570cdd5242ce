package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertRecord captures an emitted alert and the outcome of its delivery.
type AlertRecord struct {
	ID            int64
	AlertID       string
	Kind          string
	TriggeredAt   time.Time
	OldestBPM     decimal.Decimal
	NewestBPM     decimal.Decimal
	DeltaBPM      decimal.Decimal
	ThresholdBPM  decimal.Decimal
	Message       string
	Delivered     bool
	DeliveryError *string
	CreatedAt     time.Time
}
