package subscription

import (
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/subscription/repository"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
