package specimen

import (
	"sort"
	"strings"
	"time"
)

const (
	DefaultPageSize   = 20
	MaxPageSize       = 100
	DefaultQueueLimit = 50
	MaxQueueLimit     = 500
)

// Filters narrows FindSpecimens. Zero values mean "any".
type Filters struct {
	Status         Status
	Priority       Priority
	SpecimenType   Type
	PatientRef     string
	OrderRef       string
	CollectedByRef string
	From           *time.Time
	To             *time.Time
	Search         string
	Overdue        bool
	// Now anchors the Overdue check; the service sets it.
	Now time.Time

	Page     int
	PageSize int
}

// Normalize clamps paging values to their allowed range.
func (f Filters) Normalize() Filters {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	f.Search = strings.TrimSpace(f.Search)
	return f
}

// Offset is the number of rows skipped for the current page.
func (f Filters) Offset() int { return (f.Page - 1) * f.PageSize }

// Page is one page of FindSpecimens results.
type Page struct {
	Items    []*Specimen `json:"items"`
	Total    int         `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	HasMore  bool        `json:"has_more"`
}

// DateRange bounds statistics by creation time; both ends are inclusive and
// optional.
type DateRange struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

func (r *DateRange) Contains(t time.Time) bool {
	if r == nil {
		return true
	}
	if r.From != nil && t.Before(*r.From) {
		return false
	}
	if r.To != nil && t.After(*r.To) {
		return false
	}
	return true
}

// StatusStat is one row of CollectionStats.
type StatusStat struct {
	Status              Status   `json:"status"`
	Count               int      `json:"count"`
	AvgProcessingTimeMs *float64 `json:"avg_processing_time_ms"`
}

// CollectionStats summarizes specimens created within a range.
type CollectionStats struct {
	TotalSamples int          `json:"total_samples"`
	PerStatus    []StatusStat `json:"per_status"`
}

// Matches evaluates f against sp. Stores without a query engine use it
// directly; the Postgres store mirrors it in SQL.
func (f Filters) Matches(sp *Specimen) bool {
	if f.Status != "" && sp.Status != f.Status {
		return false
	}
	if f.Priority != "" && sp.Priority != f.Priority {
		return false
	}
	if f.SpecimenType != "" && sp.SpecimenType != f.SpecimenType {
		return false
	}
	if f.PatientRef != "" && sp.PatientRef != f.PatientRef {
		return false
	}
	if f.OrderRef != "" && sp.OrderRef != f.OrderRef {
		return false
	}
	if f.CollectedByRef != "" && sp.CollectedByRef != f.CollectedByRef {
		return false
	}
	if f.From != nil && sp.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && sp.CreatedAt.After(*f.To) {
		return false
	}
	if f.Overdue && !sp.IsOverdue(f.Now) {
		return false
	}
	if f.Search != "" && !matchesSearch(sp, strings.ToLower(f.Search)) {
		return false
	}
	return true
}

func matchesSearch(sp *Specimen, needle string) bool {
	if strings.Contains(strings.ToLower(sp.SpecimenID), needle) ||
		strings.Contains(strings.ToLower(sp.Barcode), needle) ||
		strings.Contains(strings.ToLower(sp.CollectionNotes), needle) {
		return true
	}
	for _, e := range sp.StatusHistory {
		if strings.Contains(strings.ToLower(e.Notes), needle) {
			return true
		}
	}
	return false
}

// QueueLess orders the pending-collections queue: priority desc, scheduled
// collection asc with unscheduled last, created asc, specimen ID asc.
func QueueLess(a, b *Specimen) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra > rb
	}
	as, bs := a.ScheduledCollectionTime, b.ScheduledCollectionTime
	switch {
	case as != nil && bs == nil:
		return true
	case as == nil && bs != nil:
		return false
	case as != nil && bs != nil && !as.Equal(*bs):
		return as.Before(*bs)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.SpecimenID < b.SpecimenID
}

// InQueue reports whether sp belongs in the pending-collections queue.
func InQueue(sp *Specimen) bool {
	return sp.Status == StatusPending || sp.Status == StatusCollected
}

// ClampQueueLimit applies the queue default and ceiling.
func ClampQueueLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueueLimit
	}
	if limit > MaxQueueLimit {
		return MaxQueueLimit
	}
	return limit
}

// FindLess orders search results: newest first, then specimen ID.
func FindLess(a, b *Specimen) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.SpecimenID < b.SpecimenID
}

// FilterSpecimens applies f to all, orders, and pages the result.
func FilterSpecimens(all []*Specimen, f Filters) ([]*Specimen, int) {
	f = f.Normalize()
	var matched []*Specimen
	for _, sp := range all {
		if f.Matches(sp) {
			matched = append(matched, sp)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return FindLess(matched[i], matched[j]) })
	total := len(matched)
	start := f.Offset()
	if start >= total {
		return []*Specimen{}, total
	}
	end := start + f.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total
}

// BuildQueue selects and orders the pending-collections queue from all.
func BuildQueue(all []*Specimen, limit int) []*Specimen {
	limit = ClampQueueLimit(limit)
	queue := make([]*Specimen, 0)
	for _, sp := range all {
		if InQueue(sp) {
			queue = append(queue, sp)
		}
	}
	sort.SliceStable(queue, func(i, j int) bool { return QueueLess(queue[i], queue[j]) })
	if len(queue) > limit {
		queue = queue[:limit]
	}
	return queue
}

// CountStatuses returns a count for every status, zero when absent.
func CountStatuses(all []*Specimen) map[Status]int {
	counts := EmptyStatusCounts()
	for _, sp := range all {
		counts[sp.Status]++
	}
	return counts
}

// EmptyStatusCounts returns a map with every status set to zero.
func EmptyStatusCounts() map[Status]int {
	counts := make(map[Status]int, len(AllStatuses))
	for _, s := range AllStatuses {
		counts[s] = 0
	}
	return counts
}

// ComputeStats groups specimens created within r by status.
func ComputeStats(all []*Specimen, r *DateRange) *CollectionStats {
	type acc struct {
		count   int
		sumMs   float64
		samples int
	}
	groups := make(map[Status]*acc)
	total := 0
	for _, sp := range all {
		if !r.Contains(sp.CreatedAt) {
			continue
		}
		total++
		g, ok := groups[sp.Status]
		if !ok {
			g = &acc{}
			groups[sp.Status] = g
		}
		g.count++
		if d, ok := sp.ProcessingDuration(); ok {
			g.sumMs += float64(d) / float64(time.Millisecond)
			g.samples++
		}
	}

	stats := &CollectionStats{TotalSamples: total, PerStatus: []StatusStat{}}
	for _, s := range AllStatuses {
		g, ok := groups[s]
		if !ok {
			continue
		}
		row := StatusStat{Status: s, Count: g.count}
		if g.samples > 0 {
			avg := g.sumMs / float64(g.samples)
			row.AvgProcessingTimeMs = &avg
		}
		stats.PerStatus = append(stats.PerStatus, row)
	}
	return stats
}

// SortStatusStats sorts rows by canonical status order.
func SortStatusStats(rows []StatusStat) {
	idx := make(map[Status]int, len(AllStatuses))
	for i, s := range AllStatuses {
		idx[s] = i
	}
	sort.SliceStable(rows, func(i, j int) bool { return idx[rows[i].Status] < idx[rows[j].Status] })
}

func sortByExpiry(s []*Specimen) {
	sort.SliceStable(s, func(i, j int) bool {
		if !s[i].ExpiryDate.Equal(*s[j].ExpiryDate) {
			return s[i].ExpiryDate.Before(*s[j].ExpiryDate)
		}
		return s[i].SpecimenID < s[j].SpecimenID
	})
}
