package domain

import (
	"context"
	"errors"
	"time"

	"github.com/NxtWaveTools/nxt-subscription-sub002/pkg/db/pagination"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Entry is the caller-supplied portion of an audit record. Actor fields left
// empty are resolved from the request context.
type Entry struct {
	ActorType  ActorType
	ActorID    string
	Action     Action
	TargetType string
	TargetID   *string
	Changes    map[string]any
}

type ListAuditLogRequest struct {
	pagination.Pagination
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

// Service records and queries the audit trail. Record and RecordBulk are
// tx-aware so callers compose them into the same transaction as the mutation
// they describe; a failed insert fails that transaction.
type Service interface {
	Record(ctx context.Context, tx *gorm.DB, entry Entry) (snowflake.ID, error)
	RecordBulk(ctx context.Context, tx *gorm.DB, entry Entry, affectedIDs []string) (snowflake.ID, error)
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
}

var (
	ErrInvalidAction    = errors.New("invalid_action")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
)
