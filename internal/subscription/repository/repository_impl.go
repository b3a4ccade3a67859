package repository

import (
	"context"
	"strings"

	subscriptiondomain "github.com/NxtWaveTools/nxt-subscription-sub002/internal/subscription/domain"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, status, billing_frequency, payment_status, accounting_status,
	 department_id, request_type, start_date, activated_at, rejected_at, expired_at,
	 cancelled_at, metadata, created_at, updated_at`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, status, billing_frequency, payment_status, accounting_status,
			department_id, request_type, start_date, activated_at, rejected_at,
			expired_at, cancelled_at, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.Status,
		subscription.BillingFrequency,
		subscription.PaymentStatus,
		subscription.AccountingStatus,
		subscription.DepartmentID,
		subscription.RequestType,
		subscription.StartDate,
		subscription.ActivatedAt,
		subscription.RejectedAt,
		subscription.ExpiredAt,
		subscription.CancelledAt,
		subscription.Metadata,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ? FOR UPDATE`,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter subscriptiondomain.ListFilter) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	stmt := db.WithContext(ctx).Model(&subscriptiondomain.Subscription{})

	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if departmentID := strings.TrimSpace(filter.DepartmentID); departmentID != "" {
		stmt = stmt.Where("department_id = ?", departmentID)
	}
	if requestType := strings.TrimSpace(filter.RequestType); requestType != "" {
		stmt = stmt.Where("request_type = ?", requestType)
	}
	if filter.CreatedFrom != nil {
		stmt = stmt.Where("created_at >= ?", filter.CreatedFrom.UTC())
	}
	if filter.CreatedTo != nil {
		stmt = stmt.Where("created_at <= ?", filter.CreatedTo.UTC())
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("id < ?", *filter.Cursor)
	}

	stmt = stmt.Order("id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	if err := stmt.Find(&subscriptions).Error; err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) ListActiveIDs(ctx context.Context, db *gorm.DB, limit int, afterID snowflake.ID) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	stmt := db.WithContext(ctx).Raw(
		`SELECT id FROM subscriptions WHERE status = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		subscriptiondomain.StatusActive,
		afterID,
		limit,
	)
	if err := stmt.Scan(&ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) UpdateLifecycle(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, activated_at = ?, rejected_at = ?, expired_at = ?,
		     cancelled_at = ?, updated_at = ?
		 WHERE id = ?`,
		subscription.Status,
		subscription.ActivatedAt,
		subscription.RejectedAt,
		subscription.ExpiredAt,
		subscription.CancelledAt,
		subscription.UpdatedAt,
		subscription.ID,
	).Error
}

func (r *repo) UpdateSecondaryStatus(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET payment_status = ?, accounting_status = ?, updated_at = ?
		 WHERE id = ?`,
		subscription.PaymentStatus,
		subscription.AccountingStatus,
		subscription.UpdatedAt,
		subscription.ID,
	).Error
}
