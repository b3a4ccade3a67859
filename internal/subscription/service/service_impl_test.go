package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	auditrepo "github.com/NxtWaveTools/nxt-subscription-sub002/internal/audit/repository"
	auditservice "github.com/NxtWaveTools/nxt-subscription-sub002/internal/audit/service"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/auditctx"
	billingcycledomain "github.com/NxtWaveTools/nxt-subscription-sub002/internal/billingcycle/domain"
	cyclerepo "github.com/NxtWaveTools/nxt-subscription-sub002/internal/billingcycle/repository"
	cycleservice "github.com/NxtWaveTools/nxt-subscription-sub002/internal/billingcycle/service"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/clock"
	subscriptiondomain "github.com/NxtWaveTools/nxt-subscription-sub002/internal/subscription/domain"
	subrepo "github.com/NxtWaveTools/nxt-subscription-sub002/internal/subscription/repository"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	db     *gorm.DB
	clock  *clock.FakeClock
	node   *snowflake.Node
	subs   subscriptiondomain.Service
	cycles billingcycledomain.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := openTestDB(t)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fakeClock := clock.NewFakeClock(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))

	auditSvc := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fakeClock,
		Repo:  auditrepo.Provide(),
	})
	cycleSvc := cycleservice.NewService(cycleservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   fakeClock,
		Audit:   auditSvc,
		SubRepo: subrepo.Provide(),
		Repo:    cyclerepo.Provide(),
	})
	subSvc := NewService(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fakeClock,
		Audit:  auditSvc,
		Repo:   subrepo.Provide(),
		Cycles: cycleSvc,
	})

	return &testEnv{
		db:     db,
		clock:  fakeClock,
		node:   node,
		subs:   subSvc,
		cycles: cycleSvc,
	}
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	// sqlite has no row locks; strip the FOR UPDATE clause the repositories
	// emit for postgres
	stripForUpdate := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("sqlite_strip_for_update", stripForUpdate))
	require.NoError(t, db.Callback().Row().Before("gorm:row").Register("sqlite_strip_for_update_row", stripForUpdate))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.Exec(`
		CREATE TABLE subscriptions (
			id INTEGER PRIMARY KEY,
			status TEXT NOT NULL,
			billing_frequency TEXT NOT NULL,
			payment_status TEXT NOT NULL,
			accounting_status TEXT NOT NULL,
			department_id TEXT NOT NULL,
			request_type TEXT NOT NULL DEFAULT '',
			start_date DATETIME NOT NULL,
			activated_at DATETIME,
			rejected_at DATETIME,
			expired_at DATETIME,
			cancelled_at DATETIME,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`).Error)
	require.NoError(t, db.Exec(`
		CREATE TABLE payment_cycles (
			id INTEGER PRIMARY KEY,
			subscription_id INTEGER NOT NULL,
			cycle_start_date DATETIME NOT NULL,
			cycle_end_date DATETIME NOT NULL,
			invoice_deadline DATETIME NOT NULL,
			payment_recorded_at DATETIME,
			cancelled_at DATETIME,
			cancel_reason TEXT,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`).Error)
	require.NoError(t, db.Exec(`
		CREATE UNIQUE INDEX ux_payment_cycle_start
		ON payment_cycles (subscription_id, cycle_start_date)
	`).Error)
	require.NoError(t, db.Exec(`
		CREATE TABLE audit_logs (
			id INTEGER PRIMARY KEY,
			actor_type TEXT NOT NULL,
			actor_id TEXT,
			action TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id TEXT,
			changes TEXT,
			created_at DATETIME NOT NULL
		)
	`).Error)

	return db
}

func userCtx() context.Context {
	return auditctx.WithActor(context.Background(), "user", "u-100")
}

func (e *testEnv) createPending(t *testing.T, freq subscriptiondomain.BillingFrequency) subscriptiondomain.Subscription {
	t.Helper()
	sub, err := e.subs.Create(userCtx(), subscriptiondomain.CreateSubscriptionRequest{
		DepartmentID:     "dept-7",
		RequestType:      "new",
		BillingFrequency: freq,
		StartDate:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return sub
}

func (e *testEnv) countRows(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, e.db.Raw("SELECT COUNT(*) FROM "+table).Scan(&n).Error)
	return n
}

func TestCreateSubscriptionDefaults(t *testing.T) {
	env := newTestEnv(t)

	sub := env.createPending(t, subscriptiondomain.FrequencyMonthly)

	require.Equal(t, subscriptiondomain.StatusPending, sub.Status)
	require.Equal(t, subscriptiondomain.PaymentStatusUnpaid, sub.PaymentStatus)
	require.Equal(t, subscriptiondomain.AccountingStatusPending, sub.AccountingStatus)
	require.NotZero(t, sub.ID)

	var action string
	require.NoError(t, env.db.Raw("SELECT action FROM audit_logs").Scan(&action).Error)
	require.Equal(t, "subscription.create", action)
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.subs.Create(userCtx(), subscriptiondomain.CreateSubscriptionRequest{
		BillingFrequency: subscriptiondomain.FrequencyMonthly,
		StartDate:        time.Now(),
	})
	require.ErrorIs(t, err, subscriptiondomain.ErrInvalidDepartment)

	_, err = env.subs.Create(userCtx(), subscriptiondomain.CreateSubscriptionRequest{
		DepartmentID:     "dept-7",
		BillingFrequency: "WEEKLY",
		StartDate:        time.Now(),
	})
	require.ErrorIs(t, err, subscriptiondomain.ErrInvalidFrequency)

	_, err = env.subs.Create(userCtx(), subscriptiondomain.CreateSubscriptionRequest{
		DepartmentID:     "dept-7",
		BillingFrequency: subscriptiondomain.FrequencyMonthly,
	})
	require.ErrorIs(t, err, subscriptiondomain.ErrInvalidStartDate)
}

func TestCreateRequiresActor(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.subs.Create(context.Background(), subscriptiondomain.CreateSubscriptionRequest{
		DepartmentID:     "dept-7",
		BillingFrequency: subscriptiondomain.FrequencyMonthly,
		StartDate:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.ErrorIs(t, err, subscriptiondomain.ErrMissingActor)
	require.Zero(t, env.countRows(t, "subscriptions"))
}

func TestApproveOpensFirstCycle(t *testing.T) {
	env := newTestEnv(t)
	sub := env.createPending(t, subscriptiondomain.FrequencyMonthly)

	updated, err := env.subs.Transition(userCtx(), subscriptiondomain.TransitionRequest{
		SubscriptionID: sub.ID.String(),
		Event:          subscriptiondomain.EventApprove,
	})
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusActive, updated.Status)
	require.NotNil(t, updated.ActivatedAt)

	cycles, err := env.cycles.ListCycles(context.Background(), sub.ID.String())
	require.NoError(t, err)
	require.Len(t, cycles, 1)

	// MONTHLY is a flat 30-day window, end date inclusive
	require.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), cycles[0].CycleStartDate.UTC())
	require.Equal(t, time.Date(2024, 1, 30, 0, 0, 0, 0, time.UTC), cycles[0].CycleEndDate.UTC())
	require.Equal(t, cycles[0].CycleEndDate.UTC(), cycles[0].InvoiceDeadline.UTC())
}

func TestRejectFromPending(t *testing.T) {
	env := newTestEnv(t)
	sub := env.createPending(t, subscriptiondomain.FrequencyMonthly)

	updated, err := env.subs.Transition(userCtx(), subscriptiondomain.TransitionRequest{
		SubscriptionID: sub.ID.String(),
		Event:          subscriptiondomain.EventReject,
		Reason:         "budget denied",
	})
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusRejected, updated.Status)
	require.NotNil(t, updated.RejectedAt)
	require.Zero(t, env.countRows(t, "payment_cycles"))
}

func TestCancelClosesOpenCycles(t *testing.T) {
	env := newTestEnv(t)
	sub := env.createPending(t, subscriptiondomain.FrequencyMonthly)

	_, err := env.subs.Transition(userCtx(), subscriptiondomain.TransitionRequest{
		SubscriptionID: sub.ID.String(),
		Event:          subscriptiondomain.EventApprove,
	})
	require.NoError(t, err)

	updated, err := env.subs.Transition(userCtx(), subscriptiondomain.TransitionRequest{
		SubscriptionID: sub.ID.String(),
		Event:          subscriptiondomain.EventCancel,
		Reason:         "no longer needed",
	})
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusCancelled, updated.Status)
	require.NotNil(t, updated.CancelledAt)

	cycles, err := env.cycles.ListCycles(context.Background(), sub.ID.String())
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	require.NotNil(t, cycles[0].CancelledAt)
	require.NotNil(t, cycles[0].CancelReason)
	require.Equal(t, "no longer needed", *cycles[0].CancelReason)
}

func TestExpireUsesSystemActor(t *testing.T) {
	env := newTestEnv(t)
	sub := env.createPending(t, subscriptiondomain.FrequencyMonthly)

	_, err := env.subs.Transition(userCtx(), subscriptiondomain.TransitionRequest{
		SubscriptionID: sub.ID.String(),
		Event:          subscriptiondomain.EventApprove,
	})
	require.NoError(t, err)

	// expire is the only event that does not require an acting user
	updated, err := env.subs.Transition(context.Background(), subscriptiondomain.TransitionRequest{
		SubscriptionID: sub.ID.String(),
		Event:          subscriptiondomain.EventExpire,
	})
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusExpired, updated.Status)
	require.NotNil(t, updated.ExpiredAt)

	var actorType string
	require.NoError(t, env.db.Raw(
		"SELECT actor_type FROM audit_logs WHERE action = ?", "subscription.expire",
	).Scan(&actorType).Error)
	require.Equal(t, "system", actorType)
}

func TestTransitionRequiresActorForUserEvents(t *testing.T) {
	env := newTestEnv(t)
	sub := env.createPending(t, subscriptiondomain.FrequencyMonthly)

	for _, event := range []subscriptiondomain.Event{
		subscriptiondomain.EventApprove,
		subscriptiondomain.EventReject,
		subscriptiondomain.EventCancel,
		subscriptiondomain.EventRenewalReject,
	} {
		_, err := env.subs.Transition(context.Background(), subscriptiondomain.TransitionRequest{
			SubscriptionID: sub.ID.String(),
			Event:          event,
		})
		require.ErrorIs(t, err, subscriptiondomain.ErrMissingActor, "event %s", event)
	}
}

func TestTerminalStatesRejectAllEvents(t *testing.T) {
	env := newTestEnv(t)

	reach := map[subscriptiondomain.Status][]subscriptiondomain.Event{
		subscriptiondomain.StatusRejected:  {subscriptiondomain.EventReject},
		subscriptiondomain.StatusExpired:   {subscriptiondomain.EventApprove, subscriptiondomain.EventExpire},
		subscriptiondomain.StatusCancelled: {subscriptiondomain.EventApprove, subscriptiondomain.EventCancel},
	}

	for terminal, path := range reach {
		sub := env.createPending(t, subscriptiondomain.FrequencyMonthly)
		for _, event := range path {
			_, err := env.subs.Transition(userCtx(), subscriptiondomain.TransitionRequest{
				SubscriptionID: sub.ID.String(),
				Event:          event,
			})
			require.NoError(t, err)
		}

		for _, event := range subscriptiondomain.Events() {
			_, err := env.subs.Transition(userCtx(), subscriptiondomain.TransitionRequest{
				SubscriptionID: sub.ID.String(),
				Event:          event,
			})
			require.ErrorIs(t, err, subscriptiondomain.ErrIllegalTransition,
				"state %s must reject %s", terminal, event)
		}
	}
}

func TestIllegalTransitionsFromLiveStates(t *testing.T) {
	env := newTestEnv(t)

	pending := env.createPending(t, subscriptiondomain.FrequencyMonthly)
	for _, event := range []subscriptiondomain.Event{
		subscriptiondomain.EventCancel,
		subscriptiondomain.EventExpire,
		subscriptiondomain.EventRenewalReject,
	} {
		_, err := env.subs.Transition(userCtx(), subscriptiondomain.TransitionRequest{
			SubscriptionID: pending.ID.String(),
			Event:          event,
		})
		require.ErrorIs(t, err, subscriptiondomain.ErrIllegalTransition)
	}

	active := env.createPending(t, subscriptiondomain.FrequencyMonthly)
	_, err := env.subs.Transition(userCtx(), subscriptiondomain.TransitionRequest{
		SubscriptionID: active.ID.String(),
		Event:          subscriptiondomain.EventApprove,
	})
	require.NoError(t, err)
	for _, event := range []subscriptiondomain.Event{
		subscriptiondomain.EventApprove,
		subscriptiondomain.EventReject,
	} {
		_, err := env.subs.Transition(userCtx(), subscriptiondomain.TransitionRequest{
			SubscriptionID: active.ID.String(),
			Event:          event,
		})
		require.ErrorIs(t, err, subscriptiondomain.ErrIllegalTransition)
	}
}

func TestConcurrentApproveHasSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	sub := env.createPending(t, subscriptiondomain.FrequencyMonthly)

	const callers = 4
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.subs.Transition(userCtx(), subscriptiondomain.TransitionRequest{
				SubscriptionID: sub.ID.String(),
				Event:          subscriptiondomain.EventApprove,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins, losses int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, subscriptiondomain.ErrIllegalTransition):
			losses++
		default:
			t.Fatalf("unexpected transition error: %v", err)
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, callers-1, losses)

	loaded, err := env.subs.GetByID(context.Background(), sub.ID.String())
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusActive, loaded.Status)
	require.Equal(t, 1, env.countRows(t, "payment_cycles"))
}

func TestTransitionUnknownSubscription(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.subs.Transition(userCtx(), subscriptiondomain.TransitionRequest{
		SubscriptionID: env.node.Generate().String(),
		Event:          subscriptiondomain.EventApprove,
	})
	require.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)

	_, err = env.subs.Transition(userCtx(), subscriptiondomain.TransitionRequest{
		SubscriptionID: "not-an-id",
		Event:          subscriptiondomain.EventApprove,
	})
	require.ErrorIs(t, err, subscriptiondomain.ErrInvalidSubscription)
}

func TestAuditFailureRollsBackTransition(t *testing.T) {
	env := newTestEnv(t)
	sub := env.createPending(t, subscriptiondomain.FrequencyMonthly)

	// break the audit trail so the insert inside the transition fails
	require.NoError(t, env.db.Exec("DROP TABLE audit_logs").Error)

	_, err := env.subs.Transition(userCtx(), subscriptiondomain.TransitionRequest{
		SubscriptionID: sub.ID.String(),
		Event:          subscriptiondomain.EventReject,
	})
	require.ErrorIs(t, err, subscriptiondomain.ErrAuditWriteFailed)

	loaded, err := env.subs.GetByID(context.Background(), sub.ID.String())
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusPending, loaded.Status)
	require.Nil(t, loaded.RejectedAt)
}

func TestAuditFailureRollsBackApprovalAndCycle(t *testing.T) {
	env := newTestEnv(t)
	sub := env.createPending(t, subscriptiondomain.FrequencyMonthly)

	require.NoError(t, env.db.Exec("DROP TABLE audit_logs").Error)

	_, err := env.subs.Transition(userCtx(), subscriptiondomain.TransitionRequest{
		SubscriptionID: sub.ID.String(),
		Event:          subscriptiondomain.EventApprove,
	})
	require.Error(t, err)

	loaded, err := env.subs.GetByID(context.Background(), sub.ID.String())
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusPending, loaded.Status)
	require.Zero(t, env.countRows(t, "payment_cycles"))
}

func TestUpdateSecondaryStatus(t *testing.T) {
	env := newTestEnv(t)
	sub := env.createPending(t, subscriptiondomain.FrequencyMonthly)

	paid := subscriptiondomain.PaymentStatusPaid
	updated, err := env.subs.UpdateSecondaryStatus(userCtx(), subscriptiondomain.UpdateSecondaryStatusRequest{
		SubscriptionID: sub.ID.String(),
		PaymentStatus:  &paid,
	})
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.PaymentStatusPaid, updated.PaymentStatus)
	// lifecycle status untouched
	require.Equal(t, subscriptiondomain.StatusPending, updated.Status)

	var action string
	require.NoError(t, env.db.Raw(
		"SELECT action FROM audit_logs ORDER BY id DESC LIMIT 1",
	).Scan(&action).Error)
	require.Equal(t, "subscription.status.update", action)
}

func TestUpdateSecondaryStatusValidation(t *testing.T) {
	env := newTestEnv(t)
	sub := env.createPending(t, subscriptiondomain.FrequencyMonthly)

	_, err := env.subs.UpdateSecondaryStatus(userCtx(), subscriptiondomain.UpdateSecondaryStatusRequest{
		SubscriptionID: sub.ID.String(),
	})
	require.ErrorIs(t, err, subscriptiondomain.ErrInvalidStatus)

	bad := subscriptiondomain.PaymentStatus("SETTLED")
	_, err = env.subs.UpdateSecondaryStatus(userCtx(), subscriptiondomain.UpdateSecondaryStatusRequest{
		SubscriptionID: sub.ID.String(),
		PaymentStatus:  &bad,
	})
	require.ErrorIs(t, err, subscriptiondomain.ErrInvalidStatus)
}

func TestListPagination(t *testing.T) {
	env := newTestEnv(t)
	for range 3 {
		env.createPending(t, subscriptiondomain.FrequencyMonthly)
	}

	first, err := env.subs.List(context.Background(), subscriptiondomain.ListSubscriptionRequest{
		PageSize: 2,
	})
	require.NoError(t, err)
	require.Len(t, first.Subscriptions, 2)
	require.True(t, first.HasMore)
	require.NotEmpty(t, first.NextPageToken)

	second, err := env.subs.List(context.Background(), subscriptiondomain.ListSubscriptionRequest{
		PageSize:  2,
		PageToken: first.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, second.Subscriptions, 1)
	require.False(t, second.HasMore)

	// newest first
	require.Greater(t, int64(first.Subscriptions[0].ID), int64(second.Subscriptions[0].ID))
}

func TestListFiltersByStatus(t *testing.T) {
	env := newTestEnv(t)
	a := env.createPending(t, subscriptiondomain.FrequencyMonthly)
	env.createPending(t, subscriptiondomain.FrequencyMonthly)

	_, err := env.subs.Transition(userCtx(), subscriptiondomain.TransitionRequest{
		SubscriptionID: a.ID.String(),
		Event:          subscriptiondomain.EventApprove,
	})
	require.NoError(t, err)

	active, err := env.subs.List(context.Background(), subscriptiondomain.ListSubscriptionRequest{
		Status: string(subscriptiondomain.StatusActive),
	})
	require.NoError(t, err)
	require.Len(t, active.Subscriptions, 1)
	require.Equal(t, a.ID, active.Subscriptions[0].ID)

	_, err = env.subs.List(context.Background(), subscriptiondomain.ListSubscriptionRequest{
		Status: "BOGUS",
	})
	require.ErrorIs(t, err, subscriptiondomain.ErrInvalidStatus)
}
