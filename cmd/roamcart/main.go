package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/roamcart/roamcart/internal/appstore"
	"github.com/roamcart/roamcart/internal/config"
	"github.com/roamcart/roamcart/internal/esim"
	"github.com/roamcart/roamcart/internal/event"
	"github.com/roamcart/roamcart/internal/migration"
	"github.com/roamcart/roamcart/internal/notify"
	"github.com/roamcart/roamcart/internal/observability/logger"
	"github.com/roamcart/roamcart/internal/observability/metrics"
	"github.com/roamcart/roamcart/internal/order"
	"github.com/roamcart/roamcart/internal/ratelimit"
	"github.com/roamcart/roamcart/internal/referral"
	"github.com/roamcart/roamcart/internal/server"
	"github.com/roamcart/roamcart/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		metrics.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,

		order.Module,
		event.Module,
		referral.Module,
		notify.Module,
		ratelimit.Module,
		appstore.Module,
		esim.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
