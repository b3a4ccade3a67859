package server

import (
	"context"
	"net/http"
	"time"

	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/audit"
	auditdomain "github.com/NxtWaveTools/nxt-subscription-sub002/internal/audit/domain"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/billingcycle"
	billingcycledomain "github.com/NxtWaveTools/nxt-subscription-sub002/internal/billingcycle/domain"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/clock"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/config"
	obstracing "github.com/NxtWaveTools/nxt-subscription-sub002/internal/observability/tracing"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/subscription"
	subscriptiondomain "github.com/NxtWaveTools/nxt-subscription-sub002/internal/subscription/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	audit.Module,
	subscription.Module,
	billingcycle.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestContextMiddleware())
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// Server is the thin action layer over the lifecycle engine.
type Server struct {
	engine          *gin.Engine
	log             *zap.Logger
	clock           clock.Clock
	subscriptionSvc subscriptiondomain.Service
	cycleSvc        billingcycledomain.Service
	auditSvc        auditdomain.Service
}

type ServerParams struct {
	fx.In

	Engine          *gin.Engine
	Log             *zap.Logger
	Clock           clock.Clock
	SubscriptionSvc subscriptiondomain.Service
	CycleSvc        billingcycledomain.Service
	AuditSvc        auditdomain.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:          p.Engine,
		log:             p.Log.Named("http.server"),
		clock:           p.Clock,
		subscriptionSvc: p.SubscriptionSvc,
		cycleSvc:        p.CycleSvc,
		auditSvc:        p.AuditSvc,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/subscriptions", s.CreateSubscription)
	v1.GET("/subscriptions", s.ListSubscriptions)
	v1.GET("/subscriptions/:id", s.GetSubscription)
	v1.POST("/subscriptions/:id/transition", s.TransitionSubscription)
	v1.PATCH("/subscriptions/:id/statuses", s.UpdateSecondaryStatus)
	v1.GET("/subscriptions/:id/cycles", s.ListPaymentCycles)

	v1.POST("/cycles/:id/payment", s.RecordCyclePayment)
	v1.POST("/cycles/:id/cancel", s.CancelPaymentCycle)

	v1.POST("/admin/renewal-scan", s.RunRenewalScan)
	v1.GET("/audit-logs", s.ListAuditLogs)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
