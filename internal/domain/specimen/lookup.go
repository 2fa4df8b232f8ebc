package specimen

import (
	"context"
	"fmt"
	"sync"
)

// OrderInfo is the slice of an order the lab needs to accession a specimen.
type OrderInfo struct {
	OrderNumber string   `json:"order_number"`
	PatientRef  string   `json:"patient_ref"`
	TestRefs    []string `json:"test_refs"`
}

// OrderLookup resolves order references owned by the ordering system.
type OrderLookup interface {
	Get(ctx context.Context, orderRef string) (*OrderInfo, error)
}

// ActorInfo decorates an actor reference for display.
type ActorInfo struct {
	DisplayName string `json:"display_name"`
}

// ActorDirectory resolves actor references owned by the identity system.
type ActorDirectory interface {
	Get(ctx context.Context, actorRef string) (*ActorInfo, error)
}

// StaticOrderLookup serves orders from a fixed map.
type StaticOrderLookup struct {
	mu     sync.RWMutex
	orders map[string]OrderInfo
}

func NewStaticOrderLookup(orders map[string]OrderInfo) *StaticOrderLookup {
	l := &StaticOrderLookup{orders: make(map[string]OrderInfo, len(orders))}
	for k, v := range orders {
		l.orders[k] = v
	}
	return l
}

// Put adds or replaces an order.
func (l *StaticOrderLookup) Put(orderRef string, info OrderInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders[orderRef] = info
}

func (l *StaticOrderLookup) Get(_ context.Context, orderRef string) (*OrderInfo, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	info, ok := l.orders[orderRef]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderRef)
	}
	info.TestRefs = append([]string(nil), info.TestRefs...)
	return &info, nil
}

// StaticActorDirectory serves display names from a fixed map.
type StaticActorDirectory struct {
	names map[string]string
}

func NewStaticActorDirectory(names map[string]string) *StaticActorDirectory {
	d := &StaticActorDirectory{names: make(map[string]string, len(names))}
	for k, v := range names {
		d.names[k] = v
	}
	return d
}

func (d *StaticActorDirectory) Get(_ context.Context, actorRef string) (*ActorInfo, error) {
	name, ok := d.names[actorRef]
	if !ok {
		return nil, fmt.Errorf("%w: actor %s", ErrNotFound, actorRef)
	}
	return &ActorInfo{DisplayName: name}, nil
}
