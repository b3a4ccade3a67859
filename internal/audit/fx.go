package audit

import (
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/audit/repository"
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
