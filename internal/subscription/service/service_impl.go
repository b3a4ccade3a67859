package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	auditdomain "github.com/NxtWaveTools/nxt-subscription-sub002/internal/audit/domain"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/auditctx"
	billingcycledomain "github.com/NxtWaveTools/nxt-subscription-sub002/internal/billingcycle/domain"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/clock"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/observability/metrics"
	subscriptiondomain "github.com/NxtWaveTools/nxt-subscription-sub002/internal/subscription/domain"
	"github.com/NxtWaveTools/nxt-subscription-sub002/pkg/db/pagination"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Audit   auditdomain.Service
	Repo    subscriptiondomain.Repository
	Cycles  billingcycledomain.Service
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	audit   auditdomain.Service
	repo    subscriptiondomain.Repository
	cycles  billingcycledomain.Service
	metrics *metrics.Metrics
}

func NewService(p Params) subscriptiondomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("subscription.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		audit:   p.Audit,
		repo:    p.Repo,
		cycles:  p.Cycles,
		metrics: p.Metrics,
	}
}

// Create admits a new subscription request in PENDING state.
func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateSubscriptionRequest) (subscriptiondomain.Subscription, error) {
	departmentID := strings.TrimSpace(req.DepartmentID)
	if departmentID == "" {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidDepartment
	}
	if !req.BillingFrequency.IsValid() {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidFrequency
	}
	if req.StartDate.IsZero() {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidStartDate
	}

	actorID, err := requireActor(ctx)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	now := s.clock.Now()
	sub := subscriptiondomain.Subscription{
		ID:               s.genID.Generate(),
		Status:           subscriptiondomain.StatusPending,
		BillingFrequency: req.BillingFrequency,
		PaymentStatus:    subscriptiondomain.PaymentStatusUnpaid,
		AccountingStatus: subscriptiondomain.AccountingStatusPending,
		DepartmentID:     departmentID,
		RequestType:      strings.TrimSpace(req.RequestType),
		StartDate:        req.StartDate.UTC(),
		Metadata:         datatypes.JSONMap(req.Metadata),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if sub.Metadata == nil {
		sub.Metadata = datatypes.JSONMap{}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, &sub); err != nil {
			return err
		}
		if _, err := s.audit.Record(ctx, tx, auditdomain.Entry{
			ActorType:  auditdomain.ActorTypeUser,
			ActorID:    actorID,
			Action:     auditdomain.ActionSubscriptionCreate,
			TargetType: "subscription",
			TargetID:   strptr(sub.ID.String()),
			Changes: map[string]any{
				"status":            string(sub.Status),
				"billing_frequency": string(sub.BillingFrequency),
				"department_id":     sub.DepartmentID,
				"request_type":      sub.RequestType,
				"start_date":        sub.StartDate.Format(time.DateOnly),
			},
		}); err != nil {
			return fmt.Errorf("%w: %v", subscriptiondomain.ErrAuditWriteFailed, err)
		}
		return nil
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	return sub, nil
}

// Transition applies one lifecycle event through the transition table. The
// status write, cycle side effect, and audit entry commit or roll back as one
// unit; concurrent callers serialize on the subscription row lock and the
// loser observes ErrIllegalTransition.
func (s *Service) Transition(ctx context.Context, req subscriptiondomain.TransitionRequest) (subscriptiondomain.Subscription, error) {
	id, err := parseSubscriptionID(req.SubscriptionID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if !req.Event.IsValid() {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidEvent
	}

	actorType, actorID := auditctx.ActorFromContext(ctx)
	actorID = strings.TrimSpace(actorID)
	if req.Event == subscriptiondomain.EventExpire {
		// scheduler-driven expiry is attributed to the system actor
		if actorType == "" {
			actorType = string(auditdomain.ActorTypeSystem)
		}
	} else if actorID == "" {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrMissingActor
	}
	if actorType == "" {
		actorType = string(auditdomain.ActorTypeUser)
	}

	var updated subscriptiondomain.Subscription
	var fromStatus subscriptiondomain.Status
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if locked == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		fromStatus = locked.Status
		target, ok := subscriptiondomain.NextStatus(locked.Status, req.Event)
		if !ok {
			return subscriptiondomain.ErrIllegalTransition
		}

		now := s.clock.Now()
		locked.Status = target
		locked.UpdatedAt = now
		switch target {
		case subscriptiondomain.StatusActive:
			locked.ActivatedAt = &now
		case subscriptiondomain.StatusRejected:
			locked.RejectedAt = &now
		case subscriptiondomain.StatusExpired:
			locked.ExpiredAt = &now
		case subscriptiondomain.StatusCancelled:
			locked.CancelledAt = &now
		}

		if err := s.repo.UpdateLifecycle(ctx, tx, locked); err != nil {
			return err
		}

		switch req.Event {
		case subscriptiondomain.EventApprove:
			if _, err := s.cycles.OpenFirstCycle(ctx, tx, locked); err != nil {
				return err
			}
		case subscriptiondomain.EventCancel:
			if _, err := s.cycles.CancelOpenCycles(ctx, tx, locked.ID, actorID, req.Reason); err != nil {
				return err
			}
		case subscriptiondomain.EventRenewalReject:
			if _, err := s.cycles.CancelOpenCycles(ctx, tx, locked.ID, actorID, "renewal_rejected"); err != nil {
				return err
			}
		}

		changes := map[string]any{
			"status": string(target),
			"from":   string(fromStatus),
			"event":  string(req.Event),
		}
		if reason := strings.TrimSpace(req.Reason); reason != "" {
			changes["reason"] = reason
		}
		if _, err := s.audit.Record(ctx, tx, auditdomain.Entry{
			ActorType:  auditdomain.ActorType(actorType),
			ActorID:    actorID,
			Action:     auditActionForEvent(req.Event),
			TargetType: "subscription",
			TargetID:   strptr(locked.ID.String()),
			Changes:    changes,
		}); err != nil {
			return fmt.Errorf("%w: %v", subscriptiondomain.ErrAuditWriteFailed, err)
		}

		updated = *locked
		return nil
	})
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrIllegalTransition) {
			s.metrics.RecordTransitionDenied(ctx, string(fromStatus), string(req.Event))
		}
		return subscriptiondomain.Subscription{}, err
	}

	s.metrics.RecordTransition(ctx, string(fromStatus), string(updated.Status))
	return updated, nil
}

// GetByID loads one subscription.
func (s *Service) GetByID(ctx context.Context, rawID string) (subscriptiondomain.Subscription, error) {
	id, err := parseSubscriptionID(rawID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	sub, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if sub == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *sub, nil
}

// List returns subscriptions matching the filters, newest first, with cursor
// pagination.
func (s *Service) List(ctx context.Context, req subscriptiondomain.ListSubscriptionRequest) (subscriptiondomain.ListSubscriptionResponse, error) {
	if req.Status != "" && !subscriptiondomain.Status(req.Status).IsValid() {
		return subscriptiondomain.ListSubscriptionResponse{}, subscriptiondomain.ErrInvalidStatus
	}

	var cursor *snowflake.ID
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return subscriptiondomain.ListSubscriptionResponse{}, auditdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return subscriptiondomain.ListSubscriptionResponse{}, auditdomain.ErrInvalidPageToken
		}
		cursor = &id
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	items, err := s.repo.List(ctx, s.db, subscriptiondomain.ListFilter{
		Status:       subscriptiondomain.Status(req.Status),
		DepartmentID: req.DepartmentID,
		RequestType:  req.RequestType,
		CreatedFrom:  req.CreatedFrom,
		CreatedTo:    req.CreatedTo,
		Cursor:       cursor,
		Limit:        int(pageSize),
	})
	if err != nil {
		return subscriptiondomain.ListSubscriptionResponse{}, err
	}

	resp := subscriptiondomain.ListSubscriptionResponse{}
	if len(items) > int(pageSize) {
		items = items[:pageSize]
		resp.HasMore = true
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID: items[len(items)-1].ID.String(),
		})
		if err == nil {
			resp.NextPageToken = token
		}
	}
	resp.Subscriptions = items
	return resp, nil
}

// UpdateSecondaryStatus updates the payment/accounting axes. These are not
// gated by the transition table, but every change is written to the audit
// trail with a field to new-value payload.
func (s *Service) UpdateSecondaryStatus(ctx context.Context, req subscriptiondomain.UpdateSecondaryStatusRequest) (subscriptiondomain.Subscription, error) {
	id, err := parseSubscriptionID(req.SubscriptionID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if req.PaymentStatus == nil && req.AccountingStatus == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidStatus
	}
	if req.PaymentStatus != nil && !req.PaymentStatus.IsValid() {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidStatus
	}
	if req.AccountingStatus != nil && !req.AccountingStatus.IsValid() {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidStatus
	}

	actorID, err := requireActor(ctx)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	var updated subscriptiondomain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if locked == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		changes := map[string]any{}
		if req.PaymentStatus != nil {
			locked.PaymentStatus = *req.PaymentStatus
			changes["payment_status"] = string(*req.PaymentStatus)
		}
		if req.AccountingStatus != nil {
			locked.AccountingStatus = *req.AccountingStatus
			changes["accounting_status"] = string(*req.AccountingStatus)
		}
		locked.UpdatedAt = s.clock.Now()

		if err := s.repo.UpdateSecondaryStatus(ctx, tx, locked); err != nil {
			return err
		}

		if _, err := s.audit.Record(ctx, tx, auditdomain.Entry{
			ActorType:  auditdomain.ActorTypeUser,
			ActorID:    actorID,
			Action:     auditdomain.ActionSubscriptionStatusUpdate,
			TargetType: "subscription",
			TargetID:   strptr(locked.ID.String()),
			Changes:    changes,
		}); err != nil {
			return fmt.Errorf("%w: %v", subscriptiondomain.ErrAuditWriteFailed, err)
		}

		updated = *locked
		return nil
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	return updated, nil
}

func auditActionForEvent(event subscriptiondomain.Event) auditdomain.Action {
	switch event {
	case subscriptiondomain.EventApprove:
		return auditdomain.ActionSubscriptionApprove
	case subscriptiondomain.EventReject:
		return auditdomain.ActionSubscriptionReject
	case subscriptiondomain.EventCancel:
		return auditdomain.ActionSubscriptionCancel
	case subscriptiondomain.EventExpire:
		return auditdomain.ActionSubscriptionExpire
	case subscriptiondomain.EventRenewalReject:
		return auditdomain.ActionCycleRenewalReject
	default:
		return auditdomain.ActionSubscriptionStatusUpdate
	}
}

func requireActor(ctx context.Context) (string, error) {
	_, actorID := auditctx.ActorFromContext(ctx)
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return "", subscriptiondomain.ErrMissingActor
	}
	return actorID, nil
}

func parseSubscriptionID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id == 0 {
		return 0, subscriptiondomain.ErrInvalidSubscription
	}
	return id, nil
}

func strptr(s string) *string { return &s }
