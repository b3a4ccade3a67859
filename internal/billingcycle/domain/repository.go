package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, cycle *PaymentCycle) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PaymentCycle, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PaymentCycle, error)
	FindLatestBySubscriptionID(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*PaymentCycle, error)
	ListBySubscriptionID(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]PaymentCycle, error)
	ListOpenBySubscriptionID(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]PaymentCycle, error)
	Update(ctx context.Context, db *gorm.DB, cycle *PaymentCycle) error
}
