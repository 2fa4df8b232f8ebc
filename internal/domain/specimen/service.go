package specimen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lis/lis/internal/platform/events"
	"github.com/lis/lis/internal/platform/idgen"
	"github.com/lis/lis/internal/platform/metrics"
)

// ExpiryPolicy selects how past-expiry specimens are moved to expired.
type ExpiryPolicy string

const (
	ExpirySweep ExpiryPolicy = "sweep"
	ExpiryLazy  ExpiryPolicy = "lazy"
	ExpiryOff   ExpiryPolicy = "off"
)

func (p ExpiryPolicy) Valid() bool {
	return p == ExpirySweep || p == ExpiryLazy || p == ExpiryOff
}

const (
	DefaultWriteTimeout        = 5 * time.Second
	DefaultBulkWorkers         = 8
	DefaultBulkConflictRetries = 3
	DefaultSweepBatch          = 200
)

// Config tunes the lifecycle service. Zero values take defaults.
type Config struct {
	ExpiryWindow        time.Duration
	ExpiryPolicy        ExpiryPolicy
	WriteTimeout        time.Duration
	BulkWorkers         int
	BulkConflictRetries int
	MaxIdentityAttempts int
	SweepBatch          int
}

func (c Config) withDefaults() Config {
	if c.ExpiryWindow <= 0 {
		c.ExpiryWindow = DefaultExpiryWindow
	}
	if c.ExpiryPolicy == "" {
		c.ExpiryPolicy = ExpirySweep
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.BulkWorkers <= 0 {
		c.BulkWorkers = DefaultBulkWorkers
	}
	if c.BulkConflictRetries < 0 {
		c.BulkConflictRetries = 0
	} else if c.BulkConflictRetries == 0 {
		c.BulkConflictRetries = DefaultBulkConflictRetries
	}
	if c.MaxIdentityAttempts <= 0 {
		c.MaxIdentityAttempts = idgen.DefaultMaxAttempts
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = DefaultSweepBatch
	}
	return c
}

// Service is the specimen lifecycle core. All state changes go through it.
type Service struct {
	repo      Repository
	ids       idgen.Generator
	cfg       Config
	logger    zerolog.Logger
	publisher events.Publisher
	metrics   *metrics.Metrics
	orders    OrderLookup
	actors    ActorDirectory
	now       func() time.Time
}

func NewService(repo Repository, ids idgen.Generator, cfg Config, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		ids:       ids,
		cfg:       cfg.withDefaults(),
		logger:    logger.With().Str("component", "specimen").Logger(),
		publisher: events.NopPublisher{},
		now:       time.Now,
	}
}

// SetPublisher attaches the lifecycle event publisher.
func (s *Service) SetPublisher(p events.Publisher) {
	if p == nil {
		p = events.NopPublisher{}
	}
	s.publisher = p
}

// SetMetrics attaches Prometheus instruments. Nil disables metrics.
func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// SetOrderLookup enables order verification and CreateSpecimenFromOrder.
func (s *Service) SetOrderLookup(l OrderLookup) { s.orders = l }

// SetActorDirectory enables display names on history entries.
func (s *Service) SetActorDirectory(d ActorDirectory) { s.actors = d }

// SetClock overrides time.Now. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// -- Creation --

// CreateInput describes a specimen to accession.
type CreateInput struct {
	OrderRef                string     `json:"order_ref"`
	PatientRef              string     `json:"patient_ref"`
	TestRefs                []string   `json:"test_refs"`
	SpecimenType            Type       `json:"specimen_type"`
	ContainerType           string     `json:"container_type"`
	Volume                  float64    `json:"volume"`
	VolumeUnit              string     `json:"volume_unit"`
	Priority                Priority   `json:"priority"`
	CollectionMethod        string     `json:"collection_method"`
	ScheduledCollectionTime *time.Time `json:"scheduled_collection_time"`
	ExpiryDate              *time.Time `json:"expiry_date"`
	Notes                   string     `json:"notes"`
}

func (in *CreateInput) validate() error {
	var missing []string
	if strings.TrimSpace(in.OrderRef) == "" {
		missing = append(missing, "order_ref")
	}
	if strings.TrimSpace(in.PatientRef) == "" {
		missing = append(missing, "patient_ref")
	}
	if len(in.TestRefs) == 0 {
		missing = append(missing, "test_refs")
	}
	if strings.TrimSpace(in.ContainerType) == "" {
		missing = append(missing, "container_type")
	}
	if strings.TrimSpace(in.VolumeUnit) == "" {
		missing = append(missing, "volume_unit")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	if !in.SpecimenType.Valid() {
		return fmt.Errorf("%w: unknown specimen type %q", ErrValidation, in.SpecimenType)
	}
	if in.Priority == "" {
		in.Priority = PriorityRoutine
	}
	if !in.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, in.Priority)
	}
	if in.Volume <= 0 {
		return fmt.Errorf("%w: volume must be positive", ErrValidation)
	}
	return nil
}

// CreateSpecimen accessions a new pending specimen with fresh identifiers.
func (s *Service) CreateSpecimen(ctx context.Context, in CreateInput, actor string) (*Specimen, error) {
	if actor == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrValidation)
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	if s.orders != nil {
		order, err := s.lookupOrder(ctx, in.OrderRef)
		if err != nil {
			return nil, err
		}
		if order.PatientRef != "" && order.PatientRef != in.PatientRef {
			return nil, fmt.Errorf("%w: patient %s does not match order %s", ErrValidation, in.PatientRef, in.OrderRef)
		}
	}
	return s.create(ctx, in, actor)
}

// CreateSpecimenFromOrder accessions a specimen, filling patient and test
// references from the order system.
func (s *Service) CreateSpecimenFromOrder(ctx context.Context, in CreateInput, actor string) (*Specimen, error) {
	if actor == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrValidation)
	}
	if s.orders == nil {
		return nil, fmt.Errorf("%w: order lookup is not configured", ErrValidation)
	}
	if strings.TrimSpace(in.OrderRef) == "" {
		return nil, fmt.Errorf("%w: missing order_ref", ErrValidation)
	}
	order, err := s.lookupOrder(ctx, in.OrderRef)
	if err != nil {
		return nil, err
	}
	in.PatientRef = order.PatientRef
	if len(in.TestRefs) == 0 {
		in.TestRefs = order.TestRefs
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	return s.create(ctx, in, actor)
}

func (s *Service) lookupOrder(ctx context.Context, orderRef string) (*OrderInfo, error) {
	order, err := s.orders.Get(ctx, orderRef)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown order %s", ErrValidation, orderRef)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup order %s: %w", orderRef, err)
	}
	return order, nil
}

func (s *Service) create(ctx context.Context, in CreateInput, actor string) (*Specimen, error) {
	wctx, cancel := s.writeContext(ctx)
	defer cancel()

	notes := in.Notes
	if notes == "" {
		notes = "Specimen created"
	}
	for attempt := 1; attempt <= s.cfg.MaxIdentityAttempts; attempt++ {
		specimenID, err := s.ids.NextSpecimenID(wctx)
		if err != nil {
			return nil, fmt.Errorf("generate specimen id: %w", err)
		}
		barcode, err := s.ids.NextBarcode(wctx)
		if err != nil {
			return nil, fmt.Errorf("generate barcode: %w", err)
		}

		now := s.now()
		sp := &Specimen{
			SpecimenID:              specimenID,
			Barcode:                 barcode,
			OrderRef:                in.OrderRef,
			PatientRef:              in.PatientRef,
			TestRefs:                append([]string(nil), in.TestRefs...),
			SpecimenType:            in.SpecimenType,
			ContainerType:           in.ContainerType,
			Volume:                  in.Volume,
			VolumeUnit:              in.VolumeUnit,
			Status:                  StatusPending,
			Priority:                in.Priority,
			CollectionMethod:        in.CollectionMethod,
			ScheduledCollectionTime: cloneTime(in.ScheduledCollectionTime),
			ExpiryDate:              cloneTime(in.ExpiryDate),
			QualityChecks:           []QualityCheck{},
			StatusHistory: []StatusEntry{{
				Status:       StatusPending,
				ChangedByRef: actor,
				ChangedAt:    now,
				Notes:        notes,
			}},
			CreatedByRef:      actor,
			LastModifiedByRef: actor,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		err = s.repo.Create(wctx, sp)
		if errors.Is(err, ErrDuplicateIdentity) {
			s.logger.Warn().Str("specimen_id", specimenID).Int("attempt", attempt).Msg("identity collision, regenerating")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create specimen: %w", err)
		}

		s.metrics.IncrementCreated()
		s.publish(ctx, events.Event{
			Type:       events.SpecimenCreated,
			SpecimenID: sp.SpecimenID,
			Barcode:    sp.Barcode,
			ToStatus:   string(sp.Status),
			Actor:      actor,
			Notes:      notes,
			Version:    sp.Version,
			OccurredAt: now,
		})
		s.logger.Debug().Str("specimen_id", sp.SpecimenID).Str("actor", actor).Msg("specimen created")
		return sp, nil
	}
	return nil, fmt.Errorf("%w: %d attempts", ErrIdentityExhausted, s.cfg.MaxIdentityAttempts)
}

// -- Single-specimen writes --

// CollectionInput confirms a physical collection.
type CollectionInput struct {
	ActualVolume *float64            `json:"actual_volume"`
	Notes        string              `json:"notes"`
	Checks       []QualityCheckInput `json:"quality_checks"`
}

// QualityCheckInput is one QC observation before it is stamped.
type QualityCheckInput struct {
	CheckType string   `json:"check_type"`
	Result    QCResult `json:"result"`
	Notes     string   `json:"notes"`
}

func (in QualityCheckInput) validate() error {
	if strings.TrimSpace(in.CheckType) == "" {
		return fmt.Errorf("%w: check_type is required", ErrValidation)
	}
	if !in.Result.Valid() {
		return fmt.Errorf("%w: unknown quality check result %q", ErrValidation, in.Result)
	}
	return nil
}

func (in QualityCheckInput) stamp(actor string, now time.Time) QualityCheck {
	return QualityCheck{
		CheckType:    in.CheckType,
		Result:       in.Result,
		Notes:        in.Notes,
		CheckedByRef: actor,
		CheckedAt:    now,
	}
}

// ConfirmCollection moves a pending specimen to collected and records the
// collection details in the same write.
func (s *Service) ConfirmCollection(ctx context.Context, specimenID string, in CollectionInput, actor string) (*Specimen, error) {
	if actor == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrValidation)
	}
	if in.ActualVolume != nil && *in.ActualVolume <= 0 {
		return nil, fmt.Errorf("%w: actual volume must be positive", ErrValidation)
	}
	for _, c := range in.Checks {
		if err := c.validate(); err != nil {
			return nil, err
		}
	}

	return s.mutate(ctx, specimenID, true, func(cur *Specimen, now time.Time) (*Specimen, *events.Event, error) {
		if cur.Status != StatusPending {
			return nil, nil, fmt.Errorf("%w: specimen %s already collected (status %s)", ErrInvalidState, cur.SpecimenID, cur.Status)
		}
		notes := in.Notes
		if notes == "" {
			notes = "Specimen collected"
		}
		delta, err := Transition(cur, StatusCollected, actor, TransitionOptions{
			Notes:        notes,
			ExpiryWindow: s.cfg.ExpiryWindow,
		}, now)
		if err != nil {
			return nil, nil, err
		}
		if in.ActualVolume != nil {
			v := *in.ActualVolume
			delta.Volume = &v
		}
		delta.CollectedByRef = strPtr(actor)
		delta.CollectionNotes = strPtr(in.Notes)
		for _, c := range in.Checks {
			delta.QualityChecks = append(delta.QualityChecks, c.stamp(actor, now))
		}
		return delta.Apply(cur), s.transitionEvent(cur, delta), nil
	})
}

// Transition requests a single status change. The expired status is reserved
// for the system.
func (s *Service) Transition(ctx context.Context, specimenID string, requested Status, actor string, opts TransitionOptions) (*Specimen, error) {
	if requested == StatusExpired {
		return nil, fmt.Errorf("%w: status expired is set by the system only", ErrValidation)
	}
	if !requested.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, requested)
	}
	if actor == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrValidation)
	}
	if opts.ExpiryWindow <= 0 {
		opts.ExpiryWindow = s.cfg.ExpiryWindow
	}
	sp, err := s.mutate(ctx, specimenID, true, func(cur *Specimen, now time.Time) (*Specimen, *events.Event, error) {
		delta, err := Transition(cur, requested, actor, opts, now)
		if err != nil {
			return nil, nil, err
		}
		return delta.Apply(cur), s.transitionEvent(cur, delta), nil
	})
	if err != nil {
		s.metrics.ObserveFailure(failureReason(err))
		return nil, err
	}
	return sp, nil
}

// RecordQualityCheck appends a QC entry. Allowed in every status.
func (s *Service) RecordQualityCheck(ctx context.Context, specimenID string, in QualityCheckInput, actor string) (*Specimen, error) {
	if actor == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrValidation)
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	return s.mutate(ctx, specimenID, false, func(cur *Specimen, now time.Time) (*Specimen, *events.Event, error) {
		next := cur.Clone()
		next.QualityChecks = append(next.QualityChecks, in.stamp(actor, now))
		next.LastModifiedByRef = actor
		next.UpdatedAt = now
		return next, &events.Event{
			Type:       events.SpecimenQualityChecked,
			SpecimenID: cur.SpecimenID,
			Barcode:    cur.Barcode,
			FromStatus: string(cur.Status),
			ToStatus:   string(cur.Status),
			Actor:      actor,
			Notes:      fmt.Sprintf("%s: %s", in.CheckType, in.Result),
			OccurredAt: now,
		}, nil
	})
}

// StorageInput updates where and how a specimen is kept. Empty fields are
// left unchanged.
type StorageInput struct {
	Location    string     `json:"storage_location"`
	Temperature string     `json:"storage_temperature"`
	Conditions  string     `json:"storage_conditions"`
	ExpiryDate  *time.Time `json:"expiry_date"`
}

// UpdateStorage records storage details. It adds no history entry.
func (s *Service) UpdateStorage(ctx context.Context, specimenID string, in StorageInput, actor string) (*Specimen, error) {
	if actor == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrValidation)
	}
	if in.Location == "" && in.Temperature == "" && in.Conditions == "" && in.ExpiryDate == nil {
		return nil, fmt.Errorf("%w: no storage fields supplied", ErrValidation)
	}
	return s.mutate(ctx, specimenID, true, func(cur *Specimen, now time.Time) (*Specimen, *events.Event, error) {
		if cur.IsTerminal() {
			return nil, nil, fmt.Errorf("%w: %s is %s", ErrTerminalState, cur.SpecimenID, cur.Status)
		}
		next := cur.Clone()
		if in.Location != "" {
			next.StorageLocation = in.Location
		}
		if in.Temperature != "" {
			next.StorageTemperature = in.Temperature
		}
		if in.Conditions != "" {
			next.StorageConditions = in.Conditions
		}
		if in.ExpiryDate != nil {
			next.ExpiryDate = cloneTime(in.ExpiryDate)
		}
		next.LastModifiedByRef = actor
		next.UpdatedAt = now
		return next, &events.Event{
			Type:       events.SpecimenStorageUpdated,
			SpecimenID: cur.SpecimenID,
			Barcode:    cur.Barcode,
			FromStatus: string(cur.Status),
			ToStatus:   string(cur.Status),
			Actor:      actor,
			Notes:      next.StorageLocation,
			OccurredAt: now,
		}, nil
	})
}

type mutation func(cur *Specimen, now time.Time) (*Specimen, *events.Event, error)

// mutate loads a specimen, applies fn and persists the result with a
// version-conditional write. When expireFirst is set and the lazy expiry
// policy is active, a past-expiry specimen is expired instead.
func (s *Service) mutate(ctx context.Context, specimenID string, expireFirst bool, fn mutation) (*Specimen, error) {
	wctx, cancel := s.writeContext(ctx)
	defer cancel()

	cur, err := s.load(wctx, specimenID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if expireFirst && s.cfg.ExpiryPolicy == ExpiryLazy && cur.IsPastExpiry(now) {
		if _, err := s.expire(wctx, cur, now); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s expired on %s", ErrTerminalState, cur.SpecimenID, cur.ExpiryDate.Format(time.RFC3339))
	}

	next, ev, err := fn(cur, now)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Update(wctx, next, cur.Version); err != nil {
		return nil, fmt.Errorf("update specimen %s: %w", specimenID, err)
	}
	if ev != nil {
		ev.Version = next.Version
		if ev.Type == events.SpecimenStatusChanged {
			s.metrics.ObserveTransition(ev.FromStatus, ev.ToStatus)
		}
		s.publish(ctx, *ev)
	}
	return next, nil
}

// expire persists the system-driven transition to expired.
func (s *Service) expire(ctx context.Context, cur *Specimen, now time.Time) (*Specimen, error) {
	delta, err := Transition(cur, StatusExpired, SystemActor, TransitionOptions{
		Notes: "Expiry date passed",
	}, now)
	if err != nil {
		return nil, err
	}
	next := delta.Apply(cur)
	if err := s.repo.Update(ctx, next, cur.Version); err != nil {
		return nil, fmt.Errorf("expire specimen %s: %w", cur.SpecimenID, err)
	}
	s.metrics.ObserveTransition(string(delta.From), string(delta.To))
	ev := s.transitionEvent(cur, delta)
	ev.Version = next.Version
	s.publish(ctx, *ev)
	s.logger.Info().Str("specimen_id", cur.SpecimenID).Msg("specimen expired")
	return next, nil
}

func (s *Service) transitionEvent(cur *Specimen, d *StateDelta) *events.Event {
	return &events.Event{
		Type:       events.SpecimenStatusChanged,
		SpecimenID: cur.SpecimenID,
		Barcode:    cur.Barcode,
		FromStatus: string(d.From),
		ToStatus:   string(d.To),
		Actor:      d.Entry.ChangedByRef,
		Notes:      d.Entry.Notes,
		OccurredAt: d.Entry.ChangedAt,
	}
}

// load fetches a specimen and verifies its audit trail.
func (s *Service) load(ctx context.Context, specimenID string) (*Specimen, error) {
	if strings.TrimSpace(specimenID) == "" {
		return nil, fmt.Errorf("%w: specimen id is required", ErrValidation)
	}
	sp, err := s.repo.GetBySpecimenID(ctx, specimenID)
	if err != nil {
		return nil, err
	}
	if err := sp.CheckIntegrity(); err != nil {
		s.logger.Error().Err(err).Str("specimen_id", specimenID).Msg("corrupted specimen record")
		return nil, err
	}
	return sp, nil
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if err := s.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.metrics.IncrementPublishFailures()
		s.logger.Warn().Err(err).
			Str("event", string(ev.Type)).
			Str("specimen_id", ev.SpecimenID).
			Msg("failed to publish specimen event")
	}
}

func (s *Service) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.WriteTimeout)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrTerminalState):
		return "terminal_state"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, ErrCorrupted):
		return "corrupted"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	}
	return "error"
}

// -- Reads --

func (s *Service) GetBySpecimenID(ctx context.Context, specimenID string) (*Specimen, error) {
	return s.load(ctx, specimenID)
}

func (s *Service) GetByBarcode(ctx context.Context, barcode string) (*Specimen, error) {
	if strings.TrimSpace(barcode) == "" {
		return nil, fmt.Errorf("%w: barcode is required", ErrValidation)
	}
	sp, err := s.repo.GetByBarcode(ctx, barcode)
	if err != nil {
		return nil, err
	}
	if err := sp.CheckIntegrity(); err != nil {
		s.logger.Error().Err(err).Str("barcode", barcode).Msg("corrupted specimen record")
		return nil, err
	}
	return sp, nil
}

// HistoryEntry is a status entry decorated with the actor's display name.
type HistoryEntry struct {
	StatusEntry
	ChangedByName string `json:"changed_by_name,omitempty"`
}

// History returns the audit trail in chronological order.
func (s *Service) History(ctx context.Context, specimenID string) ([]HistoryEntry, error) {
	sp, err := s.load(ctx, specimenID)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string)
	out := make([]HistoryEntry, 0, len(sp.StatusHistory))
	for _, e := range sp.StatusHistory {
		h := HistoryEntry{StatusEntry: e}
		if s.actors != nil {
			name, ok := names[e.ChangedByRef]
			if !ok {
				if info, err := s.actors.Get(ctx, e.ChangedByRef); err == nil {
					name = info.DisplayName
				}
				names[e.ChangedByRef] = name
			}
			h.ChangedByName = name
		}
		out = append(out, h)
	}
	return out, nil
}

// FindSpecimens returns one page of specimens matching f.
func (s *Service) FindSpecimens(ctx context.Context, f Filters) (*Page, error) {
	f = f.Normalize()
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, f.Status)
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrValidation, f.Priority)
	}
	if f.SpecimenType != "" && !f.SpecimenType.Valid() {
		return nil, fmt.Errorf("%w: unknown specimen type %q", ErrValidation, f.SpecimenType)
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return nil, fmt.Errorf("%w: from is after to", ErrValidation)
	}
	if f.Now.IsZero() {
		f.Now = s.now()
	}
	items, total, err := s.repo.Find(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("find specimens: %w", err)
	}
	return &Page{
		Items:    items,
		Total:    total,
		Page:     f.Page,
		PageSize: f.PageSize,
		HasMore:  f.Offset()+len(items) < total,
	}, nil
}

// PendingCollectionsQueue returns pending and collected specimens in work order.
func (s *Service) PendingCollectionsQueue(ctx context.Context, limit int) ([]*Specimen, error) {
	q, err := s.repo.PendingQueue(ctx, ClampQueueLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("pending queue: %w", err)
	}
	return q, nil
}

func (s *Service) StatusCounts(ctx context.Context) (map[Status]int, error) {
	counts, err := s.repo.StatusCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	for _, st := range AllStatuses {
		if _, ok := counts[st]; !ok {
			counts[st] = 0
		}
	}
	return counts, nil
}

func (s *Service) CollectionStatistics(ctx context.Context, r *DateRange) (*CollectionStats, error) {
	if r != nil && r.From != nil && r.To != nil && r.From.After(*r.To) {
		return nil, fmt.Errorf("%w: from is after to", ErrValidation)
	}
	stats, err := s.repo.CollectionStats(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("collection statistics: %w", err)
	}
	return stats, nil
}
