package main

import (
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/clock"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/config"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/migration"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/observability"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/scheduler"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/server"
	"github.com/NxtWaveTools/nxt-subscription-sub002/pkg/db"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

// Monolith: HTTP API plus the background scheduler in one process.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		server.Module,
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
