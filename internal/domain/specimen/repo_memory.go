package specimen

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryRepo keeps specimens in process memory. It backs STORE=memory and the
// service tests. Stored values are deep copies, so callers never alias them.
type memoryRepo struct {
	mu           sync.RWMutex
	byID         map[uuid.UUID]*Specimen
	bySpecimenID map[string]uuid.UUID
	byBarcode    map[string]uuid.UUID
}

// NewMemoryRepo returns an empty in-memory Repository.
func NewMemoryRepo() Repository {
	return &memoryRepo{
		byID:         make(map[uuid.UUID]*Specimen),
		bySpecimenID: make(map[string]uuid.UUID),
		byBarcode:    make(map[string]uuid.UUID),
	}
}

func (m *memoryRepo) Create(ctx context.Context, sp *Specimen) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bySpecimenID[sp.SpecimenID]; ok {
		return fmt.Errorf("%w: specimen_id %s", ErrDuplicateIdentity, sp.SpecimenID)
	}
	if _, ok := m.byBarcode[sp.Barcode]; ok {
		return fmt.Errorf("%w: barcode %s", ErrDuplicateIdentity, sp.Barcode)
	}
	if sp.ID == uuid.Nil {
		sp.ID = uuid.New()
	}
	sp.Version = 1
	m.byID[sp.ID] = sp.Clone()
	m.bySpecimenID[sp.SpecimenID] = sp.ID
	m.byBarcode[sp.Barcode] = sp.ID
	return nil
}

func (m *memoryRepo) GetByID(ctx context.Context, id uuid.UUID) (*Specimen, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	sp, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	return sp.Clone(), nil
}

func (m *memoryRepo) GetBySpecimenID(ctx context.Context, specimenID string) (*Specimen, error) {
	m.mu.RLock()
	id, ok := m.bySpecimenID[specimenID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: specimen_id %s", ErrNotFound, specimenID)
	}
	return m.GetByID(ctx, id)
}

func (m *memoryRepo) GetByBarcode(ctx context.Context, barcode string) (*Specimen, error) {
	m.mu.RLock()
	id, ok := m.byBarcode[barcode]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: barcode %s", ErrNotFound, barcode)
	}
	return m.GetByID(ctx, id)
}

func (m *memoryRepo) Update(ctx context.Context, sp *Specimen, expectedVersion int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.byID[sp.ID]
	if !ok {
		return fmt.Errorf("%w: id %s", ErrNotFound, sp.ID)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: %s at version %d, expected %d",
			ErrConcurrentModification, cur.SpecimenID, cur.Version, expectedVersion)
	}
	sp.Version = expectedVersion + 1
	m.byID[sp.ID] = sp.Clone()
	return nil
}

func (m *memoryRepo) IdentityTaken(_ context.Context, specimenID, barcode string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if specimenID != "" {
		if _, ok := m.bySpecimenID[specimenID]; ok {
			return true, nil
		}
	}
	if barcode != "" {
		if _, ok := m.byBarcode[barcode]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryRepo) snapshot() []*Specimen {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Specimen, 0, len(m.byID))
	for _, sp := range m.byID {
		out = append(out, sp.Clone())
	}
	return out
}

func (m *memoryRepo) Find(_ context.Context, f Filters) ([]*Specimen, int, error) {
	items, total := FilterSpecimens(m.snapshot(), f)
	return items, total, nil
}

func (m *memoryRepo) PendingQueue(_ context.Context, limit int) ([]*Specimen, error) {
	return BuildQueue(m.snapshot(), limit), nil
}

func (m *memoryRepo) StatusCounts(_ context.Context) (map[Status]int, error) {
	return CountStatuses(m.snapshot()), nil
}

func (m *memoryRepo) CollectionStats(_ context.Context, r *DateRange) (*CollectionStats, error) {
	return ComputeStats(m.snapshot(), r), nil
}

func (m *memoryRepo) ListPastExpiry(_ context.Context, now time.Time, limit int) ([]*Specimen, error) {
	return pastExpiry(m.snapshot(), now, limit), nil
}

// pastExpiry selects non-terminal specimens whose expiry date has passed,
// oldest expiry first.
func pastExpiry(all []*Specimen, now time.Time, limit int) []*Specimen {
	var out []*Specimen
	for _, sp := range all {
		if sp.IsPastExpiry(now) {
			out = append(out, sp)
		}
	}
	sortByExpiry(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
