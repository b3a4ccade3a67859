package billingcycle

import (
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/billingcycle/repository"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/billingcycle/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billingcycle.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
