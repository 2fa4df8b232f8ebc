package specimen

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a specimen. The string values are a stable
// wire contract.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCollected  Status = "collected"
	StatusInReceipt  Status = "in_receipt"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusRejected   Status = "rejected"
	StatusExpired    Status = "expired"
)

// AllStatuses lists every status in canonical lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusCollected, StatusInReceipt, StatusProcessing,
	StatusCompleted, StatusCancelled, StatusRejected, StatusExpired,
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is permitted out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

func (s Status) MarshalText() ([]byte, error) { return []byte(s), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v := Status(b)
	if !v.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, string(b))
	}
	*s = v
	return nil
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	var s Status
	if err := s.UnmarshalText([]byte(raw)); err != nil {
		return "", err
	}
	return s, nil
}

// Priority is totally ordered: routine < urgent < stat < critical.
type Priority string

const (
	PriorityRoutine  Priority = "routine"
	PriorityUrgent   Priority = "urgent"
	PriorityStat     Priority = "stat"
	PriorityCritical Priority = "critical"
)

var priorityRank = map[Priority]int{
	PriorityRoutine:  0,
	PriorityUrgent:   1,
	PriorityStat:     2,
	PriorityCritical: 3,
}

// Rank returns the position of p in the priority order, or -1 if unknown.
func (p Priority) Rank() int {
	r, ok := priorityRank[p]
	if !ok {
		return -1
	}
	return r
}

func (p Priority) Valid() bool { return p.Rank() >= 0 }

func (p Priority) MarshalText() ([]byte, error) { return []byte(p), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v := Priority(b)
	if !v.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, string(b))
	}
	*p = v
	return nil
}

// Type is the kind of biological material.
type Type string

const (
	TypeBlood  Type = "blood"
	TypeUrine  Type = "urine"
	TypeSwab   Type = "swab"
	TypeTissue Type = "tissue"
	TypeFluid  Type = "fluid"
	TypeStool  Type = "stool"
	TypeSputum Type = "sputum"
	TypeOther  Type = "other"
)

var validTypes = map[Type]bool{
	TypeBlood: true, TypeUrine: true, TypeSwab: true, TypeTissue: true,
	TypeFluid: true, TypeStool: true, TypeSputum: true, TypeOther: true,
}

func (t Type) Valid() bool { return validTypes[t] }

func (t Type) MarshalText() ([]byte, error) { return []byte(t), nil }

func (t *Type) UnmarshalText(b []byte) error {
	v := Type(b)
	if !v.Valid() {
		return fmt.Errorf("%w: unknown specimen type %q", ErrValidation, string(b))
	}
	*t = v
	return nil
}

// QCResult is the outcome of a single quality check.
type QCResult string

const (
	QCPass    QCResult = "pass"
	QCFail    QCResult = "fail"
	QCWarning QCResult = "warning"
)

func (r QCResult) Valid() bool {
	return r == QCPass || r == QCFail || r == QCWarning
}

func (r QCResult) MarshalText() ([]byte, error) { return []byte(r), nil }

func (r *QCResult) UnmarshalText(b []byte) error {
	v := QCResult(b)
	if !v.Valid() {
		return fmt.Errorf("%w: unknown quality check result %q", ErrValidation, string(b))
	}
	*r = v
	return nil
}

// QualityCheck is one entry of the append-only QC log.
type QualityCheck struct {
	CheckType    string    `json:"check_type"`
	Result       QCResult  `json:"result"`
	Notes        string    `json:"notes,omitempty"`
	CheckedByRef string    `json:"checked_by_ref"`
	CheckedAt    time.Time `json:"checked_at"`
}

// StatusEntry is one entry of the append-only audit trail.
type StatusEntry struct {
	Status       Status    `json:"status"`
	ChangedByRef string    `json:"changed_by_ref"`
	ChangedAt    time.Time `json:"changed_at"`
	Notes        string    `json:"notes,omitempty"`
}

// Specimen is the aggregate root tracked through the lab workflow.
type Specimen struct {
	ID         uuid.UUID `db:"id" json:"id"`
	SpecimenID string    `db:"specimen_id" json:"specimen_id"`
	Barcode    string    `db:"barcode" json:"barcode"`

	OrderRef   string   `db:"order_ref" json:"order_ref"`
	PatientRef string   `db:"patient_ref" json:"patient_ref"`
	TestRefs   []string `db:"test_refs" json:"test_refs"`

	SpecimenType  Type     `db:"specimen_type" json:"specimen_type"`
	ContainerType string   `db:"container_type" json:"container_type"`
	Volume        float64  `db:"volume" json:"volume"`
	VolumeUnit    string   `db:"volume_unit" json:"volume_unit"`
	Status        Status   `db:"status" json:"status"`
	Priority      Priority `db:"priority" json:"priority"`

	CollectionMethod        string     `db:"collection_method" json:"collection_method,omitempty"`
	ScheduledCollectionTime *time.Time `db:"scheduled_collection_time" json:"scheduled_collection_time,omitempty"`
	ActualCollectionTime    *time.Time `db:"actual_collection_time" json:"actual_collection_time,omitempty"`
	CollectedByRef          string     `db:"collected_by_ref" json:"collected_by_ref,omitempty"`
	CollectionNotes         string     `db:"collection_notes" json:"collection_notes,omitempty"`

	ReceivedTime        *time.Time `db:"received_time" json:"received_time,omitempty"`
	ReceivedByRef       string     `db:"received_by_ref" json:"received_by_ref,omitempty"`
	ProcessingStartTime *time.Time `db:"processing_start_time" json:"processing_start_time,omitempty"`
	ProcessingEndTime   *time.Time `db:"processing_end_time" json:"processing_end_time,omitempty"`
	ProcessedByRef      string     `db:"processed_by_ref" json:"processed_by_ref,omitempty"`

	QualityChecks []QualityCheck `db:"quality_checks" json:"quality_checks"`

	StorageLocation    string     `db:"storage_location" json:"storage_location,omitempty"`
	StorageTemperature string     `db:"storage_temperature" json:"storage_temperature,omitempty"`
	StorageConditions  string     `db:"storage_conditions" json:"storage_conditions,omitempty"`
	ExpiryDate         *time.Time `db:"expiry_date" json:"expiry_date,omitempty"`

	StatusHistory []StatusEntry `db:"status_history" json:"status_history"`

	RejectionReason string     `db:"rejection_reason" json:"rejection_reason,omitempty"`
	RejectedByRef   string     `db:"rejected_by_ref" json:"rejected_by_ref,omitempty"`
	RejectedAt      *time.Time `db:"rejected_at" json:"rejected_at,omitempty"`

	CreatedByRef      string    `db:"created_by_ref" json:"created_by_ref"`
	LastModifiedByRef string    `db:"last_modified_by_ref" json:"last_modified_by_ref"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
	Version           int       `db:"version" json:"version"`
}

// GetVersionID returns the optimistic-concurrency version.
func (sp *Specimen) GetVersionID() int { return sp.Version }

// IsTerminal reports whether the specimen has reached a final state.
func (sp *Specimen) IsTerminal() bool { return sp.Status.Terminal() }

// TimeSinceCollection returns the elapsed time since collection, or zero when
// the specimen has not been collected.
func (sp *Specimen) TimeSinceCollection(now time.Time) time.Duration {
	if sp.ActualCollectionTime == nil {
		return 0
	}
	return now.Sub(*sp.ActualCollectionTime)
}

// ProcessingDuration returns processing end minus start. ok is false unless
// both timestamps are set.
func (sp *Specimen) ProcessingDuration() (d time.Duration, ok bool) {
	if sp.ProcessingStartTime == nil || sp.ProcessingEndTime == nil {
		return 0, false
	}
	return sp.ProcessingEndTime.Sub(*sp.ProcessingStartTime), true
}

// IsOverdue reports a pending specimen whose scheduled collection has passed.
func (sp *Specimen) IsOverdue(now time.Time) bool {
	return sp.Status == StatusPending &&
		sp.ScheduledCollectionTime != nil &&
		sp.ScheduledCollectionTime.Before(now)
}

// IsPastExpiry reports a non-terminal specimen whose expiry date has passed.
func (sp *Specimen) IsPastExpiry(now time.Time) bool {
	return !sp.IsTerminal() && sp.ExpiryDate != nil && sp.ExpiryDate.Before(now)
}

// CheckIntegrity verifies the audit-trail invariant. A violation is never
// repaired.
func (sp *Specimen) CheckIntegrity() error {
	if len(sp.StatusHistory) == 0 {
		return fmt.Errorf("%w: specimen %s has empty status history", ErrCorrupted, sp.SpecimenID)
	}
	if last := sp.StatusHistory[len(sp.StatusHistory)-1].Status; last != sp.Status {
		return fmt.Errorf("%w: specimen %s status %q diverges from history tail %q",
			ErrCorrupted, sp.SpecimenID, sp.Status, last)
	}
	return nil
}

// normalizeArrays replaces nil list fields with empty ones so they encode as
// [] rather than null.
func (sp *Specimen) normalizeArrays() {
	if sp.TestRefs == nil {
		sp.TestRefs = []string{}
	}
	if sp.QualityChecks == nil {
		sp.QualityChecks = []QualityCheck{}
	}
	if sp.StatusHistory == nil {
		sp.StatusHistory = []StatusEntry{}
	}
}

// Clone returns a deep copy so stores never share slices or time pointers
// with callers.
func (sp *Specimen) Clone() *Specimen {
	if sp == nil {
		return nil
	}
	c := *sp
	c.TestRefs = append([]string{}, sp.TestRefs...)
	c.QualityChecks = append([]QualityCheck{}, sp.QualityChecks...)
	c.StatusHistory = append([]StatusEntry{}, sp.StatusHistory...)
	c.ScheduledCollectionTime = cloneTime(sp.ScheduledCollectionTime)
	c.ActualCollectionTime = cloneTime(sp.ActualCollectionTime)
	c.ReceivedTime = cloneTime(sp.ReceivedTime)
	c.ProcessingStartTime = cloneTime(sp.ProcessingStartTime)
	c.ProcessingEndTime = cloneTime(sp.ProcessingEndTime)
	c.ExpiryDate = cloneTime(sp.ExpiryDate)
	c.RejectedAt = cloneTime(sp.RejectedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// View is the read representation served over HTTP: the stored record plus
// fields derived at read time.
type View struct {
	*Specimen
	IsOverdue            bool     `json:"is_overdue"`
	IsPastExpiry         bool     `json:"is_past_expiry"`
	TimeSinceCollectionS *float64 `json:"time_since_collection_seconds,omitempty"`
	ProcessingDurationS  *float64 `json:"processing_duration_seconds,omitempty"`
}

// NewView decorates sp with derived fields computed against now.
func NewView(sp *Specimen, now time.Time) View {
	v := View{
		Specimen:     sp,
		IsOverdue:    sp.IsOverdue(now),
		IsPastExpiry: sp.IsPastExpiry(now),
	}
	if sp.ActualCollectionTime != nil {
		s := sp.TimeSinceCollection(now).Seconds()
		v.TimeSinceCollectionS = &s
	}
	if d, ok := sp.ProcessingDuration(); ok {
		s := d.Seconds()
		v.ProcessingDurationS = &s
	}
	return v
}
