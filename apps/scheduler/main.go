package main

import (
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/audit"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/billingcycle"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/clock"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/config"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/migration"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/observability"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/scheduler"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/subscription"
	"github.com/NxtWaveTools/nxt-subscription-sub002/pkg/db"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

// Scheduler-only worker: runs the renewal and expiry sweeps without
// serving the HTTP API.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// domain services required by the sweeps
		subscription.Module,
		billingcycle.Module,
		audit.Module,

		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
