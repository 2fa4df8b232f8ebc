package specimen

import (
	"fmt"
	"time"
)

// DefaultExpiryWindow is how long a collected specimen stays usable.
const DefaultExpiryWindow = 7 * 24 * time.Hour

// SystemActor is recorded for transitions nobody requested by hand.
const SystemActor = "system"

// transitions lists the permitted edges. Terminal states have no entry.
var transitions = map[Status][]Status{
	StatusPending:    {StatusCollected, StatusCancelled, StatusRejected, StatusExpired},
	StatusCollected:  {StatusInReceipt, StatusCancelled, StatusRejected, StatusExpired},
	StatusInReceipt:  {StatusProcessing, StatusCancelled, StatusRejected, StatusExpired},
	StatusProcessing: {StatusCompleted, StatusCancelled, StatusRejected, StatusExpired},
}

// CanTransition reports whether from -> to is a permitted edge. Same-state
// re-affirmation is not an edge; Transition handles it separately.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionOptions carries optional inputs to Transition.
type TransitionOptions struct {
	Notes           string
	RejectionReason string
	// ExpiryWindow overrides DefaultExpiryWindow when positive.
	ExpiryWindow time.Duration
}

// StateDelta is the set of field changes one transition produces. Nil pointer
// fields mean "leave unchanged".
type StateDelta struct {
	From  Status
	To    Status
	Entry StatusEntry

	ActualCollectionTime *time.Time
	ExpiryDate           *time.Time
	ReceivedTime         *time.Time
	ReceivedByRef        *string
	ProcessingStartTime  *time.Time
	ProcessedByRef       *string
	ProcessingEndTime    *time.Time
	RejectedAt           *time.Time
	RejectedByRef        *string
	RejectionReason      *string

	// Collection confirmation extras.
	Volume          *float64
	CollectedByRef  *string
	CollectionNotes *string
	QualityChecks   []QualityCheck

	LastModifiedByRef string
	UpdatedAt         time.Time
}

// Reaffirmation reports a same-state request.
func (d *StateDelta) Reaffirmation() bool { return d.From == d.To }

// Transition decides whether current may move to requested and computes the
// resulting delta. It performs no I/O and never mutates current.
func Transition(current *Specimen, requested Status, actor string, opts TransitionOptions, now time.Time) (*StateDelta, error) {
	if current == nil {
		return nil, fmt.Errorf("%w: specimen is required", ErrValidation)
	}
	if !requested.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, requested)
	}
	if actor == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrValidation)
	}
	if current.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalState, current.SpecimenID, current.Status)
	}

	d := &StateDelta{
		From: current.Status,
		To:   requested,
		Entry: StatusEntry{
			Status:       requested,
			ChangedByRef: actor,
			ChangedAt:    now,
			Notes:        opts.Notes,
		},
		LastModifiedByRef: actor,
		UpdatedAt:         now,
	}
	if requested == current.Status {
		return d, nil
	}
	if !CanTransition(current.Status, requested) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, requested)
	}

	switch requested {
	case StatusCollected:
		collected := now
		if current.ActualCollectionTime == nil {
			d.ActualCollectionTime = &collected
		} else {
			collected = *current.ActualCollectionTime
		}
		if current.ExpiryDate == nil {
			window := opts.ExpiryWindow
			if window <= 0 {
				window = DefaultExpiryWindow
			}
			exp := collected.Add(window)
			d.ExpiryDate = &exp
		}
	case StatusInReceipt:
		if current.ReceivedTime == nil {
			d.ReceivedTime = timePtr(now)
		}
		d.ReceivedByRef = strPtr(actor)
	case StatusProcessing:
		if current.ProcessingStartTime == nil {
			d.ProcessingStartTime = timePtr(now)
		}
		d.ProcessedByRef = strPtr(actor)
	case StatusCompleted:
		if current.ProcessingEndTime == nil {
			d.ProcessingEndTime = timePtr(now)
		}
	case StatusRejected:
		if opts.RejectionReason == "" {
			return nil, fmt.Errorf("%w: rejection reason is required", ErrValidation)
		}
		d.RejectedAt = timePtr(now)
		d.RejectedByRef = strPtr(actor)
		d.RejectionReason = strPtr(opts.RejectionReason)
	}
	return d, nil
}

// Apply returns a copy of sp with the delta applied. Derived fields are set
// before the history entry is appended.
func (d *StateDelta) Apply(sp *Specimen) *Specimen {
	out := sp.Clone()

	if d.ActualCollectionTime != nil {
		out.ActualCollectionTime = cloneTime(d.ActualCollectionTime)
	}
	if d.ExpiryDate != nil {
		out.ExpiryDate = cloneTime(d.ExpiryDate)
	}
	if d.ReceivedTime != nil {
		out.ReceivedTime = cloneTime(d.ReceivedTime)
	}
	if d.ReceivedByRef != nil {
		out.ReceivedByRef = *d.ReceivedByRef
	}
	if d.ProcessingStartTime != nil {
		out.ProcessingStartTime = cloneTime(d.ProcessingStartTime)
	}
	if d.ProcessedByRef != nil {
		out.ProcessedByRef = *d.ProcessedByRef
	}
	if d.ProcessingEndTime != nil {
		out.ProcessingEndTime = cloneTime(d.ProcessingEndTime)
	}
	if d.RejectedAt != nil {
		out.RejectedAt = cloneTime(d.RejectedAt)
	}
	if d.RejectedByRef != nil {
		out.RejectedByRef = *d.RejectedByRef
	}
	if d.RejectionReason != nil {
		out.RejectionReason = *d.RejectionReason
	}
	if d.Volume != nil {
		out.Volume = *d.Volume
	}
	if d.CollectedByRef != nil {
		out.CollectedByRef = *d.CollectedByRef
	}
	if d.CollectionNotes != nil {
		out.CollectionNotes = *d.CollectionNotes
	}
	out.QualityChecks = append(out.QualityChecks, d.QualityChecks...)

	out.Status = d.To
	out.LastModifiedByRef = d.LastModifiedByRef
	out.UpdatedAt = d.UpdatedAt
	out.StatusHistory = append(out.StatusHistory, d.Entry)
	return out
}

func timePtr(t time.Time) *time.Time { return &t }

func strPtr(s string) *string { return &s }
