// Package idgen produces unique specimen identifiers and barcodes.
//
// Two schemes are provided. SequenceGenerator draws from a monotonic Counter
// (Redis INCR across instances, or an in-process atomic counter), so
// uniqueness follows from the counter. RandomGenerator draws candidates from
// crypto/rand and checks them against the store, retrying a bounded number of
// times. Neither takes a process-wide lock.
package idgen

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ErrIdentityExhausted is returned when a unique identifier cannot be produced.
var ErrIdentityExhausted = errors.New("identity generation exhausted")

// Generator is the contract the lifecycle service depends on.
type Generator interface {
	NextSpecimenID(ctx context.Context) (string, error)
	NextBarcode(ctx context.Context) (string, error)
}

// Counter returns strictly increasing values per key.
type Counter interface {
	Next(ctx context.Context, key string) (int64, error)
}

const (
	specimenIDPrefix = "SP"
	maxDailySequence = 999999
	barcodeDigits    = 11
	maxBarcodeSeq    = 99999999999
)

// SequenceGenerator formats counter values as SP-YYYYMMDD-NNNNNN specimen IDs
// and 12-digit Luhn-checked barcodes.
type SequenceGenerator struct {
	counter Counter
	now     func() time.Time
}

// NewSequenceGenerator wraps counter. A nil clock uses time.Now.
func NewSequenceGenerator(counter Counter, now func() time.Time) *SequenceGenerator {
	if now == nil {
		now = time.Now
	}
	return &SequenceGenerator{counter: counter, now: now}
}

func (g *SequenceGenerator) NextSpecimenID(ctx context.Context) (string, error) {
	day := g.now().UTC().Format("20060102")
	n, err := g.counter.Next(ctx, "specimen:"+day)
	if err != nil {
		return "", fmt.Errorf("next specimen sequence: %w", err)
	}
	if n < 1 || n > maxDailySequence {
		return "", fmt.Errorf("%w: daily specimen sequence %d out of range", ErrIdentityExhausted, n)
	}
	return fmt.Sprintf("%s-%s-%06d", specimenIDPrefix, day, n), nil
}

func (g *SequenceGenerator) NextBarcode(ctx context.Context) (string, error) {
	n, err := g.counter.Next(ctx, "barcode")
	if err != nil {
		return "", fmt.Errorf("next barcode sequence: %w", err)
	}
	if n < 1 || n > maxBarcodeSeq {
		return "", fmt.Errorf("%w: barcode sequence %d out of range", ErrIdentityExhausted, n)
	}
	return WithCheckDigit(fmt.Sprintf("%0*d", barcodeDigits, n)), nil
}

// AtomicCounter is an in-process Counter. Values restart on process restart,
// so it is only suitable for single-instance or ephemeral stores.
type AtomicCounter struct {
	mu   sync.Mutex
	keys map[string]*atomic.Int64
	base int64
}

// NewAtomicCounter starts every key at base (the first value returned is base+1).
func NewAtomicCounter(base int64) *AtomicCounter {
	return &AtomicCounter{keys: make(map[string]*atomic.Int64), base: base}
}

func (c *AtomicCounter) Next(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	v, ok := c.keys[key]
	if !ok {
		v = &atomic.Int64{}
		v.Store(c.base)
		c.keys[key] = v
	}
	c.mu.Unlock()
	return v.Add(1), nil
}

// WithCheckDigit appends a Luhn check digit to a numeric string.
func WithCheckDigit(digits string) string {
	return digits + strconv.Itoa(luhnDigit(digits))
}

// ValidBarcode reports whether code is numeric and its last digit is a valid
// Luhn check digit.
func ValidBarcode(code string) bool {
	if len(code) < 2 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	body, check := code[:len(code)-1], int(code[len(code)-1]-'0')
	return luhnDigit(body) == check
}

func luhnDigit(digits string) int {
	sum := 0
	double := true
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return (10 - sum%10) % 10
}
