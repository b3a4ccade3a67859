package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ListFilter narrows repository list queries.
type ListFilter struct {
	Status       Status
	DepartmentID string
	RequestType  string
	CreatedFrom  *time.Time
	CreatedTo    *time.Time
	Cursor       *snowflake.ID
	Limit        int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Subscription, error)
	ListActiveIDs(ctx context.Context, db *gorm.DB, limit int, afterID snowflake.ID) ([]snowflake.ID, error)
	UpdateLifecycle(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	UpdateSecondaryStatus(ctx context.Context, db *gorm.DB, subscription *Subscription) error
}
