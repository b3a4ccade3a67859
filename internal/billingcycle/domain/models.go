// Package domain contains persistence models for payment cycles.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// PaymentCycle is one billable window attached to a subscription. The end
// date is inclusive and the invoice deadline always equals it. Cycles are
// never deleted; payment and cancellation are the only in-place mutations.
type PaymentCycle struct {
	ID                snowflake.ID      `gorm:"primaryKey"`
	SubscriptionID    snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_payment_cycle_start,priority:1"`
	CycleStartDate    time.Time         `gorm:"not null;uniqueIndex:ux_payment_cycle_start,priority:2"`
	CycleEndDate      time.Time         `gorm:"not null"`
	InvoiceDeadline   time.Time         `gorm:"not null"`
	PaymentRecordedAt *time.Time        `gorm:""`
	CancelledAt       *time.Time        `gorm:""`
	CancelReason      *string           `gorm:"type:text"`
	Metadata          datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentCycle) TableName() string { return "payment_cycles" }

// IsFinalized reports whether the cycle already carries a payment or a
// cancellation and may no longer be mutated.
func (c PaymentCycle) IsFinalized() bool {
	return c.PaymentRecordedAt != nil || c.CancelledAt != nil
}

// IsOpen reports whether the cycle is still awaiting payment.
func (c PaymentCycle) IsOpen() bool { return !c.IsFinalized() }
