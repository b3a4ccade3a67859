package domain

import (
	"context"
	"errors"
	"time"

	subdomain "github.com/NxtWaveTools/nxt-subscription-sub002/internal/subscription/domain"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// RenewalScanResult reports the outcome of one renewal sweep.
type RenewalScanResult struct {
	Opened  []snowflake.ID `json:"opened"`
	Skipped []snowflake.ID `json:"skipped"`
}

// Service manages payment cycle windows. The tx-aware methods compose into
// the caller's transaction so cycle mutations commit or roll back together
// with the lifecycle transition that caused them.
type Service interface {
	OpenFirstCycle(ctx context.Context, tx *gorm.DB, sub *subdomain.Subscription) (*PaymentCycle, error)
	OpenRenewalCycle(ctx context.Context, sub *subdomain.Subscription) (*PaymentCycle, error)
	CancelOpenCycles(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, actorID, reason string) ([]snowflake.ID, error)
	RecordPayment(ctx context.Context, cycleID string) (*PaymentCycle, error)
	CancelCycle(ctx context.Context, cycleID, reason string) (*PaymentCycle, error)
	ListCycles(ctx context.Context, subscriptionID string) ([]PaymentCycle, error)
	RunRenewalScan(ctx context.Context, now time.Time) (RenewalScanResult, error)
}

var (
	ErrInvalidState   = errors.New("invalid_state")
	ErrDuplicateCycle = errors.New("duplicate_cycle")
	ErrCycleFinalized = errors.New("cycle_finalized")
	ErrCycleNotFound  = errors.New("cycle_not_found")
	ErrInvalidCycleID = errors.New("invalid_cycle_id")
)
