package domain

import (
	"context"
	"errors"
	"time"

	"github.com/NxtWaveTools/nxt-subscription-sub002/pkg/db/pagination"
)

type CreateSubscriptionRequest struct {
	DepartmentID     string           `json:"department_id"`
	RequestType      string           `json:"request_type"`
	BillingFrequency BillingFrequency `json:"billing_frequency"`
	StartDate        time.Time        `json:"start_date"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
}

type ListSubscriptionRequest struct {
	Status       string
	DepartmentID string
	RequestType  string
	CreatedFrom  *time.Time
	CreatedTo    *time.Time
	PageToken    string
	PageSize     int32
}

type ListSubscriptionResponse struct {
	pagination.PageInfo
	Subscriptions []Subscription `json:"subscriptions"`
}

// TransitionRequest applies one lifecycle event to a subscription.
type TransitionRequest struct {
	SubscriptionID string `json:"subscription_id"`
	Event          Event  `json:"event"`
	Reason         string `json:"reason,omitempty"`
}

// UpdateSecondaryStatusRequest updates the payment/accounting axes. These
// are not gated by the transition table but every change is audited.
type UpdateSecondaryStatusRequest struct {
	SubscriptionID   string            `json:"subscription_id"`
	PaymentStatus    *PaymentStatus    `json:"payment_status,omitempty"`
	AccountingStatus *AccountingStatus `json:"accounting_status,omitempty"`
}

type Service interface {
	Create(ctx context.Context, req CreateSubscriptionRequest) (Subscription, error)
	List(ctx context.Context, req ListSubscriptionRequest) (ListSubscriptionResponse, error)
	GetByID(ctx context.Context, id string) (Subscription, error)
	Transition(ctx context.Context, req TransitionRequest) (Subscription, error)
	UpdateSecondaryStatus(ctx context.Context, req UpdateSecondaryStatusRequest) (Subscription, error)
}

var (
	ErrIllegalTransition    = errors.New("illegal_transition")
	ErrMissingActor         = errors.New("missing_actor")
	ErrAuditWriteFailed     = errors.New("audit_write_failed")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidStatus        = errors.New("invalid_status")
	ErrInvalidFrequency     = errors.New("invalid_frequency")
	ErrInvalidEvent         = errors.New("invalid_event")
	ErrInvalidDepartment    = errors.New("invalid_department")
	ErrInvalidStartDate     = errors.New("invalid_start_date")
	ErrInvalidSubscription  = errors.New("invalid_subscription")
)
