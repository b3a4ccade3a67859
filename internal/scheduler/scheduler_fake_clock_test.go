package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	auditrepo "github.com/NxtWaveTools/nxt-subscription-sub002/internal/audit/repository"
	auditservice "github.com/NxtWaveTools/nxt-subscription-sub002/internal/audit/service"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/auditctx"
	billingcycledomain "github.com/NxtWaveTools/nxt-subscription-sub002/internal/billingcycle/domain"
	cyclerepo "github.com/NxtWaveTools/nxt-subscription-sub002/internal/billingcycle/repository"
	cycleservice "github.com/NxtWaveTools/nxt-subscription-sub002/internal/billingcycle/service"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/clock"
	obsmetrics "github.com/NxtWaveTools/nxt-subscription-sub002/internal/observability/metrics"
	subscriptiondomain "github.com/NxtWaveTools/nxt-subscription-sub002/internal/subscription/domain"
	subrepo "github.com/NxtWaveTools/nxt-subscription-sub002/internal/subscription/repository"
	subscriptionservice "github.com/NxtWaveTools/nxt-subscription-sub002/internal/subscription/service"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type schedulerTestEnv struct {
	db     *gorm.DB
	clock  *clock.FakeClock
	node   *snowflake.Node
	subs   subscriptiondomain.Service
	cycles billingcycledomain.Service
}

func newSchedulerTestEnv(t *testing.T, start time.Time) *schedulerTestEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	stripForUpdate := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	if err := db.Callback().Query().Before("gorm:query").Register("sqlite_strip_for_update", stripForUpdate); err != nil {
		t.Fatalf("register query callback: %v", err)
	}
	if err := db.Callback().Row().Before("gorm:row").Register("sqlite_strip_for_update_row", stripForUpdate); err != nil {
		t.Fatalf("register row callback: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`CREATE TABLE subscriptions (
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
		)`,
		`CREATE TABLE payment_cycles (
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
		)`,
		`CREATE UNIQUE INDEX ux_payment_cycle_start
			ON payment_cycles (subscription_id, cycle_start_date)`,
		`CREATE TABLE audit_logs (
			id INTEGER PRIMARY KEY,
			actor_type TEXT NOT NULL,
			actor_id TEXT,
			action TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id TEXT,
			changes TEXT,
			created_at DATETIME NOT NULL
		)`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create table: %v", err)
		}
	}

	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	fakeClock := clock.NewFakeClock(start)

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
	subSvc := subscriptionservice.NewService(subscriptionservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fakeClock,
		Audit:  auditSvc,
		Repo:   subrepo.Provide(),
		Cycles: cycleSvc,
	})

	return &schedulerTestEnv{
		db:     db,
		clock:  fakeClock,
		node:   node,
		subs:   subSvc,
		cycles: cycleSvc,
	}
}

func (e *schedulerTestEnv) newScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	s, err := New(Params{
		DB:              e.db,
		Log:             zap.NewNop(),
		SubscriptionSvc: e.subs,
		CycleSvc:        e.cycles,
		Clock:           e.clock,
		Config:          cfg,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s
}

func (e *schedulerTestEnv) activeSubscription(t *testing.T) subscriptiondomain.Subscription {
	t.Helper()
	ctx := auditctx.WithActor(context.Background(), "user", "u-1")
	sub, err := e.subs.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		DepartmentID:     "dept-1",
		BillingFrequency: subscriptiondomain.FrequencyMonthly,
		StartDate:        e.clock.Now(),
	})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	updated, err := e.subs.Transition(ctx, subscriptiondomain.TransitionRequest{
		SubscriptionID: sub.ID.String(),
		Event:          subscriptiondomain.EventApprove,
	})
	if err != nil {
		t.Fatalf("approve subscription: %v", err)
	}
	return updated
}

// TestScheduler_RunOnce_FakeClock_35Days walks a monthly subscription through
// its first renewal window day by day and verifies exactly one renewal cycle
// is opened, on the first day inside the window.
func TestScheduler_RunOnce_FakeClock_35Days(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "nxtsub", Environment: "test"})

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	env := newSchedulerTestEnv(t, start)
	sub := env.activeSubscription(t)

	sched := env.newScheduler(t, Config{
		BatchSize:       10,
		JobTimeout:      10 * time.Second,
		ExpiryGraceDays: 30,
	})

	ctx := context.Background()
	var openedOn time.Time
	for day := 0; day <= 35; day++ {
		if err := sched.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce at %v: %v", env.clock.Now(), err)
		}

		var n int
		if err := env.db.Raw(
			"SELECT COUNT(*) FROM payment_cycles WHERE subscription_id = ?", sub.ID,
		).Scan(&n).Error; err != nil {
			t.Fatalf("count cycles: %v", err)
		}
		if n == 2 && openedOn.IsZero() {
			openedOn = env.clock.Now()
		}
		if n > 2 {
			t.Fatalf("expected at most 2 cycles during the first window, got %d at %v", n, env.clock.Now())
		}

		env.clock.Advance(24 * time.Hour)
	}

	// first cycle runs Jan 1 through Jan 30, next starts Jan 31, and the
	// 10-day lead window opens on Jan 21
	wantOpen := time.Date(2025, 1, 21, 0, 0, 0, 0, time.UTC)
	if !openedOn.Equal(wantOpen) {
		t.Fatalf("expected renewal opened on %v, got %v", wantOpen, openedOn)
	}

	cycles, err := env.cycles.ListCycles(ctx, sub.ID.String())
	if err != nil {
		t.Fatalf("list cycles: %v", err)
	}
	if len(cycles) != 2 {
		t.Fatalf("expected 2 cycles, got %d", len(cycles))
	}
	renewal := cycles[1]
	wantStart := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	if !renewal.CycleStartDate.UTC().Equal(wantStart) {
		t.Fatalf("expected renewal start %v, got %v", wantStart, renewal.CycleStartDate)
	}
	if !renewal.CycleEndDate.UTC().Equal(wantStart.AddDate(0, 0, 29)) {
		t.Fatalf("unexpected renewal end %v", renewal.CycleEndDate)
	}

	// lifecycle status untouched by the sweeps
	loaded, err := env.subs.GetByID(ctx, sub.ID.String())
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if loaded.Status != subscriptiondomain.StatusActive {
		t.Fatalf("expected subscription to stay ACTIVE, got %s", loaded.Status)
	}
}

// TestExpiryScanExpiresLapsedSubscription disables the renewal sweep so the
// subscription's only cycle can lapse past the grace period.
func TestExpiryScanExpiresLapsedSubscription(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "nxtsub", Environment: "test"})

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	env := newSchedulerTestEnv(t, start)
	sub := env.activeSubscription(t)

	sched := env.newScheduler(t, Config{
		BatchSize:       10,
		JobTimeout:      10 * time.Second,
		ExpiryGraceDays: 30,
		EnabledJobs:     []string{"expiry_scan"},
	})

	ctx := context.Background()

	// cycle ends Jan 30; one day before the grace period elapses nothing
	// should happen
	env.clock.Advance(58 * 24 * time.Hour) // Feb 28
	if err := sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	loaded, err := env.subs.GetByID(ctx, sub.ID.String())
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if loaded.Status != subscriptiondomain.StatusActive {
		t.Fatalf("expected ACTIVE before grace elapses, got %s", loaded.Status)
	}

	// Mar 2: Jan 30 is now more than 30 days in the past
	env.clock.Advance(2 * 24 * time.Hour)
	if err := sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	loaded, err = env.subs.GetByID(ctx, sub.ID.String())
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if loaded.Status != subscriptiondomain.StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", loaded.Status)
	}
	if loaded.ExpiredAt == nil {
		t.Fatal("expected ExpiredAt to be set")
	}

	// the expiry is attributed to the system actor in the audit trail
	var actorType string
	if err := env.db.Raw(
		"SELECT actor_type FROM audit_logs WHERE action = ?", "subscription.expire",
	).Scan(&actorType).Error; err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if actorType != "system" {
		t.Fatalf("expected system actor, got %q", actorType)
	}

	// a second sweep finds no candidates
	if err := sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce after expiry: %v", err)
	}
}
