// Package domain contains persistence models for subscription lifecycle state.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status represents lifecycle states for a subscription.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusActive    Status = "ACTIVE"
	StatusRejected  Status = "REJECTED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether the status has no outgoing transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsValid reports whether the status is a known lifecycle state.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusActive, StatusRejected, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// BillingFrequency is the cadence governing payment cycle length.
type BillingFrequency string

const (
	FrequencyMonthly    BillingFrequency = "MONTHLY"
	FrequencyQuarterly  BillingFrequency = "QUARTERLY"
	FrequencyYearly     BillingFrequency = "YEARLY"
	FrequencyUsageBased BillingFrequency = "USAGE_BASED"
)

// IsValid reports whether the frequency is a known cadence.
func (f BillingFrequency) IsValid() bool {
	switch f {
	case FrequencyMonthly, FrequencyQuarterly, FrequencyYearly, FrequencyUsageBased:
		return true
	default:
		return false
	}
}

// PaymentStatus is a secondary status axis not gated by the state machine.
type PaymentStatus string

const (
	PaymentStatusUnpaid  PaymentStatus = "UNPAID"
	PaymentStatusPaid    PaymentStatus = "PAID"
	PaymentStatusOverdue PaymentStatus = "OVERDUE"
)

// IsValid reports whether the payment status is a known value.
func (p PaymentStatus) IsValid() bool {
	switch p {
	case PaymentStatusUnpaid, PaymentStatusPaid, PaymentStatusOverdue:
		return true
	default:
		return false
	}
}

// AccountingStatus is a secondary status axis not gated by the state machine.
type AccountingStatus string

const (
	AccountingStatusPending  AccountingStatus = "PENDING"
	AccountingStatusRecorded AccountingStatus = "RECORDED"
	AccountingStatusClosed   AccountingStatus = "CLOSED"
)

// IsValid reports whether the accounting status is a known value.
func (a AccountingStatus) IsValid() bool {
	switch a {
	case AccountingStatusPending, AccountingStatusRecorded, AccountingStatusClosed:
		return true
	default:
		return false
	}
}

// Subscription is the authoritative lifecycle record for one subscription
// request. Status only changes through the transition table; terminal rows
// are never hard-deleted.
type Subscription struct {
	ID               snowflake.ID      `gorm:"primaryKey"`
	Status           Status            `gorm:"type:text;not null;index"`
	BillingFrequency BillingFrequency  `gorm:"type:text;not null"`
	PaymentStatus    PaymentStatus     `gorm:"type:text;not null"`
	AccountingStatus AccountingStatus  `gorm:"type:text;not null"`
	DepartmentID     string            `gorm:"type:text;not null;index"`
	RequestType      string            `gorm:"type:text;not null"`
	StartDate        time.Time         `gorm:"not null"`
	ActivatedAt      *time.Time        `gorm:""`
	RejectedAt       *time.Time        `gorm:""`
	ExpiredAt        *time.Time        `gorm:""`
	CancelledAt      *time.Time        `gorm:""`
	Metadata         datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt        time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
	UpdatedAt        time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }
