package service

import (
	"context"
	"errors"
	"time"

	auditdomain "github.com/NxtWaveTools/nxt-subscription-sub002/internal/audit/domain"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/billingcycle/cycle"
	billingcycledomain "github.com/NxtWaveTools/nxt-subscription-sub002/internal/billingcycle/domain"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/clock"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/observability/metrics"
	subscriptiondomain "github.com/NxtWaveTools/nxt-subscription-sub002/internal/subscription/domain"
	"github.com/NxtWaveTools/nxt-subscription-sub002/pkg/db"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const scanPageSize = 100

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Audit   auditdomain.Service
	SubRepo subscriptiondomain.Repository
	Repo    billingcycledomain.Repository
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	audit   auditdomain.Service
	subRepo subscriptiondomain.Repository
	repo    billingcycledomain.Repository
	metrics *metrics.Metrics
}

func NewService(p Params) billingcycledomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("billingcycle.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		audit:   p.Audit,
		subRepo: p.SubRepo,
		repo:    p.Repo,
		metrics: p.Metrics,
	}
}

// OpenFirstCycle creates the initial payment cycle for a subscription being
// activated. It runs inside the caller's transaction so the cycle commits
// together with the PENDING to ACTIVE move.
func (s *Service) OpenFirstCycle(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription) (*billingcycledomain.PaymentCycle, error) {
	if sub == nil || sub.ID == 0 {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}
	if tx == nil {
		tx = s.db
	}

	latest, err := s.repo.FindLatestBySubscriptionID(ctx, tx, sub.ID)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		return nil, billingcycledomain.ErrInvalidState
	}

	window := cycle.FirstCycle(sub.StartDate, sub.BillingFrequency)
	created, err := s.insertCycle(ctx, tx, sub.ID, window)
	if err != nil {
		return nil, err
	}

	if _, err := s.audit.Record(ctx, tx, auditdomain.Entry{
		Action:     auditdomain.ActionCycleOpen,
		TargetType: "payment_cycle",
		TargetID:   strptr(created.ID.String()),
		Changes: map[string]any{
			"subscription_id":  sub.ID.String(),
			"cycle_start_date": created.CycleStartDate.Format(time.DateOnly),
			"cycle_end_date":   created.CycleEndDate.Format(time.DateOnly),
		},
	}); err != nil {
		return nil, err
	}

	s.metrics.RecordCycleOpened(ctx, "activation")
	return created, nil
}

// OpenRenewalCycle opens the window following the subscription's latest
// cycle. Idempotent: a second call for the same computed start date returns
// ErrDuplicateCycle and leaves exactly one persisted cycle.
func (s *Service) OpenRenewalCycle(ctx context.Context, sub *subscriptiondomain.Subscription) (*billingcycledomain.PaymentCycle, error) {
	if sub == nil || sub.ID == 0 {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}

	var created *billingcycledomain.PaymentCycle
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.subRepo.FindByIDForUpdate(ctx, tx, sub.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if locked.Status != subscriptiondomain.StatusActive {
			return billingcycledomain.ErrInvalidState
		}

		created, err = s.openRenewal(ctx, tx, locked, s.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordCycleOpened(ctx, "renewal")
	return created, nil
}

func (s *Service) openRenewal(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) (*billingcycledomain.PaymentCycle, error) {
	latest, err := s.repo.FindLatestBySubscriptionID(ctx, tx, sub.ID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, billingcycledomain.ErrInvalidState
	}

	// a latest cycle that has not begun yet is the pending renewal;
	// opening another would chain windows into the future
	if latest.CycleStartDate.After(cycle.Midnight(now)) {
		return nil, billingcycledomain.ErrDuplicateCycle
	}

	window := cycle.NextCycle(latest.CycleEndDate, sub.BillingFrequency)
	created, err := s.insertCycle(ctx, tx, sub.ID, window)
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, billingcycledomain.ErrDuplicateCycle
		}
		return nil, err
	}

	if _, err := s.audit.Record(ctx, tx, auditdomain.Entry{
		Action:     auditdomain.ActionCycleRenewalOpen,
		TargetType: "payment_cycle",
		TargetID:   strptr(created.ID.String()),
		Changes: map[string]any{
			"subscription_id":  sub.ID.String(),
			"cycle_start_date": created.CycleStartDate.Format(time.DateOnly),
			"cycle_end_date":   created.CycleEndDate.Format(time.DateOnly),
		},
	}); err != nil {
		return nil, err
	}

	return created, nil
}

func (s *Service) insertCycle(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, window cycle.Window) (*billingcycledomain.PaymentCycle, error) {
	now := s.clock.Now()
	created := &billingcycledomain.PaymentCycle{
		ID:              s.genID.Generate(),
		SubscriptionID:  subscriptionID,
		CycleStartDate:  window.Start,
		CycleEndDate:    window.End,
		InvoiceDeadline: window.End,
		Metadata:        datatypes.JSONMap{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.Insert(ctx, tx, created); err != nil {
		return nil, err
	}
	return created, nil
}

// CancelOpenCycles cancels every open cycle for the subscription inside the
// caller's transaction and records one bulk audit entry. Used by the state
// machine when a subscription is cancelled.
func (s *Service) CancelOpenCycles(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, actorID, reason string) ([]snowflake.ID, error) {
	if tx == nil {
		tx = s.db
	}

	open, err := s.repo.ListOpenBySubscriptionID(ctx, tx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, nil
	}

	now := s.clock.Now()
	cancelled := make([]snowflake.ID, 0, len(open))
	affected := make([]string, 0, len(open))
	for i := range open {
		c := open[i]
		c.CancelledAt = &now
		if reason != "" {
			c.CancelReason = strptr(reason)
		}
		c.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, &c); err != nil {
			return nil, err
		}
		cancelled = append(cancelled, c.ID)
		affected = append(affected, c.ID.String())
	}

	if _, err := s.audit.RecordBulk(ctx, tx, auditdomain.Entry{
		ActorID:    actorID,
		Action:     auditdomain.ActionCycleCancel,
		TargetType: "payment_cycle",
		Changes: map[string]any{
			"subscription_id": subscriptionID.String(),
			"reason":          reason,
		},
	}, affected); err != nil {
		return nil, err
	}

	return cancelled, nil
}

// RecordPayment marks the cycle paid. Finalized cycles reject the call.
func (s *Service) RecordPayment(ctx context.Context, cycleID string) (*billingcycledomain.PaymentCycle, error) {
	id, err := parseCycleID(cycleID)
	if err != nil {
		return nil, err
	}

	var updated *billingcycledomain.PaymentCycle
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if locked == nil {
			return billingcycledomain.ErrCycleNotFound
		}
		if locked.IsFinalized() {
			return billingcycledomain.ErrCycleFinalized
		}

		now := s.clock.Now()
		locked.PaymentRecordedAt = &now
		locked.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, locked); err != nil {
			return err
		}

		if _, err := s.audit.Record(ctx, tx, auditdomain.Entry{
			Action:     auditdomain.ActionCyclePaymentRecord,
			TargetType: "payment_cycle",
			TargetID:   strptr(locked.ID.String()),
			Changes: map[string]any{
				"subscription_id":     locked.SubscriptionID.String(),
				"payment_recorded_at": now.Format(time.RFC3339),
			},
		}); err != nil {
			return err
		}

		updated = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordPayment(ctx, "")
	return updated, nil
}

// CancelCycle cancels a single cycle. Finalized cycles reject the call.
func (s *Service) CancelCycle(ctx context.Context, cycleID, reason string) (*billingcycledomain.PaymentCycle, error) {
	id, err := parseCycleID(cycleID)
	if err != nil {
		return nil, err
	}

	var updated *billingcycledomain.PaymentCycle
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if locked == nil {
			return billingcycledomain.ErrCycleNotFound
		}
		if locked.IsFinalized() {
			return billingcycledomain.ErrCycleFinalized
		}

		now := s.clock.Now()
		locked.CancelledAt = &now
		if reason != "" {
			locked.CancelReason = strptr(reason)
		}
		locked.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, locked); err != nil {
			return err
		}

		if _, err := s.audit.Record(ctx, tx, auditdomain.Entry{
			Action:     auditdomain.ActionCycleCancel,
			TargetType: "payment_cycle",
			TargetID:   strptr(locked.ID.String()),
			Changes: map[string]any{
				"subscription_id": locked.SubscriptionID.String(),
				"reason":          reason,
			},
		}); err != nil {
			return err
		}

		updated = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListCycles returns all cycles for a subscription ordered by start date.
func (s *Service) ListCycles(ctx context.Context, subscriptionID string) ([]billingcycledomain.PaymentCycle, error) {
	id, err := snowflake.ParseString(subscriptionID)
	if err != nil || id == 0 {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}
	return s.repo.ListBySubscriptionID(ctx, s.db, id)
}

// RunRenewalScan walks every ACTIVE subscription and opens a renewal cycle
// for those inside the renewal window. Idempotent and safe under overlapping
// runs: each subscription is handled in its own transaction behind a row
// lock, and the unique (subscription_id, cycle_start_date) index absorbs
// races. Subscription status is never touched.
func (s *Service) RunRenewalScan(ctx context.Context, now time.Time) (billingcycledomain.RenewalScanResult, error) {
	result := billingcycledomain.RenewalScanResult{
		Opened:  []snowflake.ID{},
		Skipped: []snowflake.ID{},
	}

	var afterID snowflake.ID
	for {
		ids, err := s.subRepo.ListActiveIDs(ctx, s.db, scanPageSize, afterID)
		if err != nil {
			return result, err
		}
		if len(ids) == 0 {
			return result, nil
		}

		for _, id := range ids {
			opened, err := s.scanSubscription(ctx, id, now)
			if err != nil {
				s.log.Warn("renewal scan failed for subscription",
					zap.String("subscription_id", id.String()),
					zap.Error(err),
				)
				result.Skipped = append(result.Skipped, id)
				continue
			}
			if opened != nil {
				result.Opened = append(result.Opened, opened.ID)
			} else {
				result.Skipped = append(result.Skipped, id)
			}
		}

		afterID = ids[len(ids)-1]
	}
}

func (s *Service) scanSubscription(ctx context.Context, id snowflake.ID, now time.Time) (*billingcycledomain.PaymentCycle, error) {
	var created *billingcycledomain.PaymentCycle
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.subRepo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if locked == nil || locked.Status != subscriptiondomain.StatusActive {
			return nil
		}

		latest, err := s.repo.FindLatestBySubscriptionID(ctx, tx, locked.ID)
		if err != nil {
			return err
		}
		if latest == nil {
			return nil
		}
		if !cycle.ShouldCreateNextCycle(latest.CycleEndDate, locked.BillingFrequency, now) {
			return nil
		}

		created, err = s.openRenewal(ctx, tx, locked, now)
		if err != nil {
			// another run already opened this window
			if errors.Is(err, billingcycledomain.ErrDuplicateCycle) {
				created = nil
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if created != nil {
		s.metrics.RecordCycleOpened(ctx, "renewal")
	}
	return created, nil
}

func parseCycleID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return 0, billingcycledomain.ErrInvalidCycleID
	}
	return id, nil
}

func strptr(s string) *string { return &s }
