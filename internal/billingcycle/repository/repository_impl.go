package repository

import (
	"context"

	billingcycledomain "github.com/NxtWaveTools/nxt-subscription-sub002/internal/billingcycle/domain"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const cycleColumns = `id, subscription_id, cycle_start_date, cycle_end_date, invoice_deadline,
	 payment_recorded_at, cancelled_at, cancel_reason, metadata, created_at, updated_at`

type repo struct{}

func Provide() billingcycledomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, cycle *billingcycledomain.PaymentCycle) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_cycles (
			id, subscription_id, cycle_start_date, cycle_end_date, invoice_deadline,
			payment_recorded_at, cancelled_at, cancel_reason, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cycle.ID,
		cycle.SubscriptionID,
		cycle.CycleStartDate,
		cycle.CycleEndDate,
		cycle.InvoiceDeadline,
		cycle.PaymentRecordedAt,
		cycle.CancelledAt,
		cycle.CancelReason,
		cycle.Metadata,
		cycle.CreatedAt,
		cycle.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*billingcycledomain.PaymentCycle, error) {
	var cycle billingcycledomain.PaymentCycle
	err := db.WithContext(ctx).Raw(
		`SELECT `+cycleColumns+` FROM payment_cycles WHERE id = ?`,
		id,
	).Scan(&cycle).Error
	if err != nil {
		return nil, err
	}
	if cycle.ID == 0 {
		return nil, nil
	}
	return &cycle, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*billingcycledomain.PaymentCycle, error) {
	var cycle billingcycledomain.PaymentCycle
	err := db.WithContext(ctx).Raw(
		`SELECT `+cycleColumns+` FROM payment_cycles WHERE id = ? FOR UPDATE`,
		id,
	).Scan(&cycle).Error
	if err != nil {
		return nil, err
	}
	if cycle.ID == 0 {
		return nil, nil
	}
	return &cycle, nil
}

func (r *repo) FindLatestBySubscriptionID(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*billingcycledomain.PaymentCycle, error) {
	var cycle billingcycledomain.PaymentCycle
	err := db.WithContext(ctx).Raw(
		`SELECT `+cycleColumns+` FROM payment_cycles
		 WHERE subscription_id = ?
		 ORDER BY cycle_start_date DESC
		 LIMIT 1`,
		subscriptionID,
	).Scan(&cycle).Error
	if err != nil {
		return nil, err
	}
	if cycle.ID == 0 {
		return nil, nil
	}
	return &cycle, nil
}

func (r *repo) ListBySubscriptionID(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]billingcycledomain.PaymentCycle, error) {
	var cycles []billingcycledomain.PaymentCycle
	err := db.WithContext(ctx).Raw(
		`SELECT `+cycleColumns+` FROM payment_cycles
		 WHERE subscription_id = ?
		 ORDER BY cycle_start_date ASC`,
		subscriptionID,
	).Scan(&cycles).Error
	if err != nil {
		return nil, err
	}
	return cycles, nil
}

func (r *repo) ListOpenBySubscriptionID(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]billingcycledomain.PaymentCycle, error) {
	var cycles []billingcycledomain.PaymentCycle
	err := db.WithContext(ctx).Raw(
		`SELECT `+cycleColumns+` FROM payment_cycles
		 WHERE subscription_id = ? AND payment_recorded_at IS NULL AND cancelled_at IS NULL
		 ORDER BY cycle_start_date ASC
		 FOR UPDATE`,
		subscriptionID,
	).Scan(&cycles).Error
	if err != nil {
		return nil, err
	}
	return cycles, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, cycle *billingcycledomain.PaymentCycle) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_cycles
		 SET payment_recorded_at = ?, cancelled_at = ?, cancel_reason = ?, updated_at = ?
		 WHERE id = ?`,
		cycle.PaymentRecordedAt,
		cycle.CancelledAt,
		cycle.CancelReason,
		cycle.UpdatedAt,
		cycle.ID,
	).Error
}
