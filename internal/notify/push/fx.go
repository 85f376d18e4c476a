package push

import (
	"strings"

	"github.com/roamcart/roamcart/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("notify.push",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config) Provider {
	if strings.TrimSpace(cfg.Push.Endpoint) == "" {
		return &NoOpProvider{}
	}
	return NewHTTP(Config{
		Endpoint:  cfg.Push.Endpoint,
		AuthToken: cfg.Push.AuthToken,
	})
}
