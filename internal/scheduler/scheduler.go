// Package scheduler runs the recurring renewal and expiry sweeps. Detection
// is decoupled from any client polling: jobs run on a fixed interval, and
// idempotence lives in the cycle manager, not in a scheduler-held lock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	auditdomain "github.com/NxtWaveTools/nxt-subscription-sub002/internal/audit/domain"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/auditctx"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/billingcycle/cycle"
	billingcycledomain "github.com/NxtWaveTools/nxt-subscription-sub002/internal/billingcycle/domain"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/clock"
	obsmetrics "github.com/NxtWaveTools/nxt-subscription-sub002/internal/observability/metrics"
	subscriptiondomain "github.com/NxtWaveTools/nxt-subscription-sub002/internal/subscription/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SystemActorID attributes scheduler-driven mutations in the audit trail.
const SystemActorID = "scheduler"

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	SubscriptionSvc subscriptiondomain.Service
	CycleSvc        billingcycledomain.Service
	Clock           clock.Clock
	Config          Config `optional:"true"`
}

type Scheduler struct {
	db              *gorm.DB
	log             *zap.Logger
	cfg             Config
	clock           clock.Clock
	subscriptionSvc subscriptiondomain.Service
	cycleSvc        billingcycledomain.Service
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.SubscriptionSvc == nil || p.CycleSvc == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:              p.DB,
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             p.Config.withDefaults(),
		clock:           p.Clock,
		subscriptionSvc: p.SubscriptionSvc,
		cycleSvc:        p.CycleSvc,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	ctx = auditctx.WithActor(ctx, string(auditdomain.ActorTypeSystem), SystemActorID)

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	// treat deadline as a soft timeout: the next tick picks up where this
	// run left off
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes every enabled job a single time.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"renewal_scan", s.RenewalScanJob},
		{"expiry_scan", s.ExpiryScanJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		name := job.Name
		run := job.Run
		err = errors.Join(err, s.runJob(parent, name, run))
	}

	return err
}

// RunForever ticks RunOnce on the configured interval until ctx is done.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty EnabledJobs enables everything (monolith mode)
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// RenewalScanJob opens renewal cycles for every ACTIVE subscription inside
// its renewal window. Safe to run concurrently with itself.
func (s *Scheduler) RenewalScanJob(ctx context.Context) error {
	now := s.clock.Now()
	result, err := s.cycleSvc.RunRenewalScan(ctx, now)

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.AddBatchProcessed("renewal_scan", obsmetrics.BatchResourcePaymentCycles, len(result.Opened))
	if len(result.Skipped) > 0 {
		schedMetrics.IncBatchSkipped("renewal_scan", "outside_window")
	}

	if err != nil {
		return err
	}
	if len(result.Opened) > 0 {
		s.log.Info("renewal scan opened cycles",
			zap.Int("opened", len(result.Opened)),
			zap.Int("skipped", len(result.Skipped)),
		)
	}
	return nil
}

// ExpiryScanJob expires ACTIVE subscriptions whose latest cycle ended more
// than the grace period ago. Expiry goes through the state machine like any
// other event, attributed to the system actor.
func (s *Scheduler) ExpiryScanJob(ctx context.Context) error {
	cutoff := cycle.Midnight(s.clock.Now()).AddDate(0, 0, -s.cfg.ExpiryGraceDays)

	ids, err := s.findExpiryCandidates(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	schedMetrics := obsmetrics.Scheduler()
	var jobErr error
	expired := 0
	for _, id := range ids {
		_, err := s.subscriptionSvc.Transition(ctx, subscriptiondomain.TransitionRequest{
			SubscriptionID: id.String(),
			Event:          subscriptiondomain.EventExpire,
			Reason:         "billing_grace_period_elapsed",
		})
		if err != nil {
			// a concurrent transition already moved the row
			if errors.Is(err, subscriptiondomain.ErrIllegalTransition) {
				schedMetrics.IncBatchSkipped("expiry_scan", "already_transitioned")
				continue
			}
			jobErr = errors.Join(jobErr, err)
			continue
		}
		expired++
	}

	schedMetrics.AddBatchProcessed("expiry_scan", obsmetrics.BatchResourceSubscriptions, expired)
	if expired > 0 {
		s.log.Info("expiry scan expired subscriptions", zap.Int("expired", expired))
	}
	return jobErr
}

func (s *Scheduler) findExpiryCandidates(ctx context.Context, cutoff time.Time) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Raw(
		`SELECT s.id
		 FROM subscriptions s
		 WHERE s.status = ?
		   AND EXISTS (SELECT 1 FROM payment_cycles c WHERE c.subscription_id = s.id)
		   AND (SELECT MAX(c.cycle_end_date) FROM payment_cycles c WHERE c.subscription_id = s.id) < ?
		 ORDER BY s.id
		 LIMIT ?`,
		subscriptiondomain.StatusActive,
		cutoff,
		s.cfg.BatchSize,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
