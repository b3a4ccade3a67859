// Package domain contains the append-only audit trail model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ActorType identifies who performed an action.
type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeSystem ActorType = "system"
)

// Action is a code from the closed enumeration of auditable operations.
type Action string

const (
	ActionSubscriptionCreate       Action = "subscription.create"
	ActionSubscriptionApprove      Action = "subscription.approve"
	ActionSubscriptionReject       Action = "subscription.reject"
	ActionSubscriptionCancel       Action = "subscription.cancel"
	ActionSubscriptionExpire       Action = "subscription.expire"
	ActionSubscriptionStatusUpdate Action = "subscription.status.update"
	ActionCycleOpen                Action = "payment_cycle.open"
	ActionCycleRenewalOpen         Action = "payment_cycle.renewal.open"
	ActionCycleRenewalReject       Action = "payment_cycle.renewal.reject"
	ActionCyclePaymentRecord       Action = "payment_cycle.payment.record"
	ActionCycleCancel              Action = "payment_cycle.cancel"
)

// IsValid reports whether the action belongs to the closed enumeration.
func (a Action) IsValid() bool {
	switch a {
	case ActionSubscriptionCreate,
		ActionSubscriptionApprove,
		ActionSubscriptionReject,
		ActionSubscriptionCancel,
		ActionSubscriptionExpire,
		ActionSubscriptionStatusUpdate,
		ActionCycleOpen,
		ActionCycleRenewalOpen,
		ActionCycleRenewalReject,
		ActionCyclePaymentRecord,
		ActionCycleCancel:
		return true
	default:
		return false
	}
}

// AuditLog is one immutable record of who did what to what. Rows are only
// ever inserted; there is no update or delete path.
type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	ActorType  ActorType         `gorm:"type:text;not null;index"`
	ActorID    *string           `gorm:"type:text"`
	Action     Action            `gorm:"type:text;not null;index"`
	TargetType string            `gorm:"type:text;not null"`
	TargetID   *string           `gorm:"type:text;index"`
	Changes    datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"not null;index"`
}

// TableName sets the database table name.
func (AuditLog) TableName() string { return "audit_logs" }

// AuditCursor is the keyset position for paging the trail newest-first.
type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

// ListFilter narrows repository list queries.
type ListFilter struct {
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
	Cursor     *AuditCursor
	Limit      int
}
