package saga

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/devicecloud/libs/db"
)

// InFlight is the number of sagas of one type in one status.
type InFlight struct {
	Type   string
	Status Status
	Count  int64
}

type Repository interface {
	// Create returns ErrSagaExists when the id is taken.
	Create(ctx context.Context, tx db.Tx, inst Instance) error
	// GetForUpdate loads the instance and holds it until tx ends.
	GetForUpdate(ctx context.Context, tx db.Tx, id string) (Instance, error)
	Save(ctx context.Context, tx db.Tx, inst Instance) error

	Get(ctx context.Context, id string) (Instance, error)
	List(ctx context.Context, status Status, limit int) ([]Instance, error)
	// DueForSweep returns ids of open sagas whose own timeout or current
	// step timeout is before now.
	DueForSweep(ctx context.Context, now time.Time, limit int) ([]string, error)
	CountOpen(ctx context.Context) ([]InFlight, error)
	// DeleteFinishedBefore removes completed and compensated sagas finished
	// before the cutoff. Failed sagas stay.
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}
