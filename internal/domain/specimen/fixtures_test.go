package specimen

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lis/lis/internal/platform/events"
	"github.com/lis/lis/internal/platform/idgen"
)

var t0 = time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) snapshot() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

type testEnv struct {
	svc   *Service
	repo  Repository
	clock *fakeClock
	pub   *recordingPublisher
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	return newTestEnvWithRepo(t, NewMemoryRepo(), cfg)
}

func newTestEnvWithRepo(t *testing.T, repo Repository, cfg Config) *testEnv {
	t.Helper()
	clock := newFakeClock()
	ids := idgen.NewSequenceGenerator(idgen.NewAtomicCounter(0), clock.Now)
	svc := NewService(repo, ids, cfg, zerologDiscard())
	svc.SetClock(clock.Now)
	pub := &recordingPublisher{}
	svc.SetPublisher(pub)
	return &testEnv{svc: svc, repo: repo, clock: clock, pub: pub}
}

func zerologDiscard() zerolog.Logger { return zerolog.New(io.Discard) }

func sampleInput() CreateInput {
	return CreateInput{
		OrderRef:      "ORD-1",
		PatientRef:    "PAT-1",
		TestRefs:      []string{"CBC"},
		SpecimenType:  TypeBlood,
		ContainerType: "EDTA tube",
		Volume:        4,
		VolumeUnit:    "mL",
		Priority:      PriorityRoutine,
	}
}

func (e *testEnv) create(t *testing.T, mutate ...func(*CreateInput)) *Specimen {
	t.Helper()
	in := sampleInput()
	for _, m := range mutate {
		m(&in)
	}
	sp, err := e.svc.CreateSpecimen(context.Background(), in, "phleb-1")
	if err != nil {
		t.Fatalf("create specimen: %v", err)
	}
	return sp
}

func (e *testEnv) collect(t *testing.T, specimenID string) *Specimen {
	t.Helper()
	sp, err := e.svc.ConfirmCollection(context.Background(), specimenID, CollectionInput{}, "phleb-1")
	if err != nil {
		t.Fatalf("confirm collection of %s: %v", specimenID, err)
	}
	return sp
}

func (e *testEnv) get(t *testing.T, specimenID string) *Specimen {
	t.Helper()
	sp, err := e.svc.GetBySpecimenID(context.Background(), specimenID)
	if err != nil {
		t.Fatalf("get %s: %v", specimenID, err)
	}
	return sp
}

// assertAuditTrail checks the history invariant and chronological order.
func assertAuditTrail(t *testing.T, sp *Specimen) {
	t.Helper()
	if err := sp.CheckIntegrity(); err != nil {
		t.Fatalf("integrity: %v", err)
	}
	for i := 1; i < len(sp.StatusHistory); i++ {
		if sp.StatusHistory[i].ChangedAt.Before(sp.StatusHistory[i-1].ChangedAt) {
			t.Errorf("history entry %d of %s is earlier than entry %d", i, sp.SpecimenID, i-1)
		}
	}
}
