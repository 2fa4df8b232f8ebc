package specimen

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists specimens. Every write is a single-document atomic
// operation; Update is conditional on the expected version and returns
// ErrConcurrentModification when the stored version differs.
type Repository interface {
	Create(ctx context.Context, sp *Specimen) error
	GetByID(ctx context.Context, id uuid.UUID) (*Specimen, error)
	GetBySpecimenID(ctx context.Context, specimenID string) (*Specimen, error)
	GetByBarcode(ctx context.Context, barcode string) (*Specimen, error)
	Update(ctx context.Context, sp *Specimen, expectedVersion int) error
	IdentityTaken(ctx context.Context, specimenID, barcode string) (bool, error)

	Find(ctx context.Context, f Filters) ([]*Specimen, int, error)
	PendingQueue(ctx context.Context, limit int) ([]*Specimen, error)
	StatusCounts(ctx context.Context) (map[Status]int, error)
	CollectionStats(ctx context.Context, r *DateRange) (*CollectionStats, error)
	ListPastExpiry(ctx context.Context, now time.Time, limit int) ([]*Specimen, error)
}

// WorkerScoper is implemented by stores that pin one connection to a request
// context. WorkerContext derives a context carrying a connection of its own,
// for a goroutine that runs alongside the request.
type WorkerScoper interface {
	WorkerContext(ctx context.Context) (context.Context, func(), error)
}
