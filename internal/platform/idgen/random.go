package idgen

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// Kind distinguishes the identifier being checked for collisions.
type Kind string

const (
	KindSpecimenID Kind = "specimen_id"
	KindBarcode    Kind = "barcode"
)

// ExistsFunc reports whether value is already taken.
type ExistsFunc func(ctx context.Context, kind Kind, value string) (bool, error)

// DefaultMaxAttempts bounds collision retries.
const DefaultMaxAttempts = 5

// RandomGenerator draws random candidates and retries on collision.
type RandomGenerator struct {
	exists      ExistsFunc
	maxAttempts int
	now         func() time.Time
}

// NewRandomGenerator builds a RandomGenerator. A nil exists func skips the
// store check and relies on the store's unique constraint.
func NewRandomGenerator(exists ExistsFunc, maxAttempts int, now func() time.Time) *RandomGenerator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if now == nil {
		now = time.Now
	}
	return &RandomGenerator{exists: exists, maxAttempts: maxAttempts, now: now}
}

func (g *RandomGenerator) NextSpecimenID(ctx context.Context) (string, error) {
	day := g.now().UTC().Format("20060102")
	return g.generate(ctx, KindSpecimenID, func() (string, error) {
		n, err := randomInt(maxDailySequence)
		if err != nil {
			return "", err
		}
		// Random IDs carry an R marker so they never collide with sequence IDs.
		return fmt.Sprintf("%s-%s-R%06d", specimenIDPrefix, day, n+1), nil
	})
}

func (g *RandomGenerator) NextBarcode(ctx context.Context) (string, error) {
	return g.generate(ctx, KindBarcode, func() (string, error) {
		n, err := randomInt(maxBarcodeSeq)
		if err != nil {
			return "", err
		}
		return WithCheckDigit(fmt.Sprintf("%0*d", barcodeDigits, n+1)), nil
	})
}

func (g *RandomGenerator) generate(ctx context.Context, kind Kind, candidate func() (string, error)) (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		v, err := candidate()
		if err != nil {
			return "", fmt.Errorf("generate %s: %w", kind, err)
		}
		if g.exists == nil {
			return v, nil
		}
		taken, err := g.exists(ctx, kind, v)
		if err != nil {
			return "", fmt.Errorf("check %s uniqueness: %w", kind, err)
		}
		if !taken {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: no free %s after %d attempts", ErrIdentityExhausted, kind, g.maxAttempts)
}

func randomInt(max int64) (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return 0, err
	}
	return n.Int64(), nil
}
