package service

import (
	"context"
	"strings"
	"time"

	auditdomain "github.com/NxtWaveTools/nxt-subscription-sub002/internal/audit/domain"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/auditctx"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/clock"
	"github.com/NxtWaveTools/nxt-subscription-sub002/pkg/db/pagination"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Record inserts one audit entry through tx. Callers pass the transaction
// wrapping the mutation being described so both commit or roll back together.
func (s *Service) Record(ctx context.Context, tx *gorm.DB, entry auditdomain.Entry) (snowflake.ID, error) {
	return s.record(ctx, tx, entry, nil)
}

// RecordBulk inserts one entry describing a bulk operation, carrying the
// full affected id list and a count in the change payload.
func (s *Service) RecordBulk(ctx context.Context, tx *gorm.DB, entry auditdomain.Entry, affectedIDs []string) (snowflake.ID, error) {
	return s.record(ctx, tx, entry, affectedIDs)
}

func (s *Service) record(ctx context.Context, tx *gorm.DB, entry auditdomain.Entry, affectedIDs []string) (snowflake.ID, error) {
	if tx == nil {
		tx = s.db
	}
	if !entry.Action.IsValid() {
		return 0, auditdomain.ErrInvalidAction
	}

	targetType := strings.TrimSpace(entry.TargetType)
	if targetType == "" {
		targetType = "unknown"
	}

	actorType, actorID := s.resolveActor(ctx, entry)

	payload := map[string]any{}
	for key, value := range entry.Changes {
		if key == "" {
			continue
		}
		payload[key] = value
	}
	if requestID := auditctx.RequestIDFromContext(ctx); requestID != "" {
		payload["request_id"] = requestID
	}
	if affectedIDs != nil {
		ids := make([]any, 0, len(affectedIDs))
		for _, id := range affectedIDs {
			ids = append(ids, id)
		}
		payload["affected_ids"] = ids
		payload["count"] = len(affectedIDs)
	}

	row := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		ActorType:  actorType,
		ActorID:    actorID,
		Action:     entry.Action,
		TargetType: targetType,
		TargetID:   normalizePointer(entry.TargetID),
		Changes:    datatypes.JSONMap(payload),
		CreatedAt:  s.clock.Now(),
	}

	if err := s.repo.Insert(ctx, tx, &row); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", string(entry.Action)), zap.Error(err))
		return 0, err
	}
	return row.ID, nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidTimeRange
	}

	var cursor *auditdomain.AuditCursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		cursor = &auditdomain.AuditCursor{
			ID:        id,
			CreatedAt: createdAt,
		}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	items, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		Action:     req.Action,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		ActorType:  req.ActorType,
		StartAt:    req.StartAt,
		EndAt:      req.EndAt,
		Cursor:     cursor,
		Limit:      int(pageSize),
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(item *auditdomain.AuditLog) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	logs := make([]auditdomain.AuditLog, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		logs = append(logs, *item)
	}

	resp := auditdomain.ListAuditLogResponse{AuditLogs: logs}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) resolveActor(ctx context.Context, entry auditdomain.Entry) (auditdomain.ActorType, *string) {
	actorType := entry.ActorType
	actorID := strings.TrimSpace(entry.ActorID)

	if actorType == "" {
		if ctxType, ctxID := auditctx.ActorFromContext(ctx); ctxType != "" {
			actorType = auditdomain.ActorType(ctxType)
			if actorID == "" {
				actorID = strings.TrimSpace(ctxID)
			}
		}
	}
	if actorType == "" {
		actorType = auditdomain.ActorTypeSystem
	}

	if actorID == "" {
		return actorType, nil
	}
	return actorType, &actorID
}

func normalizePointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
