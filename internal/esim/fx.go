package esim

import (
	"github.com/roamcart/roamcart/internal/esim/client"
	"github.com/roamcart/roamcart/internal/esim/service"
	"go.uber.org/fx"
)

var Module = fx.Module("esim",
	client.Module,
	fx.Provide(service.NewService),
)
