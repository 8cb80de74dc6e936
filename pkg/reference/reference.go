// Package reference produces human-readable reference numbers of the form
// PREFIX-YEAR-NNNNNNN. Uniqueness is enforced by the store's constraints;
// callers regenerate on store.ErrDuplicateKey.
package reference

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanservicing/pkg/store"
)

const (
	PrefixLoan         = "LN"
	PrefixEscrow       = "ESC"
	PrefixTransaction  = "TXN"
	PrefixPayout       = "PAY"
	PrefixDisbursement = "DSB"
)

const digits = 10_000_000

// Generator produces reference numbers for a prefix.
type Generator interface {
	Next(prefix string, now time.Time) string
}

// Random draws the numeric part from a random UUID.
type Random struct{}

func (Random) Next(prefix string, now time.Time) string {
	id := uuid.New()
	n := binary.BigEndian.Uint64(id[8:]) % digits
	return Format(prefix, now.Year(), n)
}

// Format renders a reference number.
func Format(prefix string, year int, n uint64) string {
	return fmt.Sprintf("%s-%d-%07d", prefix, year, n%digits)
}

// Sequence hands out consecutive numbers. It is meant for tests and for
// replaying fixtures deterministically.
type Sequence struct {
	mu   sync.Mutex
	next uint64
}

func NewSequence(start uint64) *Sequence {
	return &Sequence{next: start}
}

func (s *Sequence) Next(prefix string, now time.Time) string {
	s.mu.Lock()
	n := s.next
	s.next++
	s.mu.Unlock()
	return Format(prefix, now.Year(), n)
}

// MaxAttempts bounds how often a colliding number is regenerated.
const MaxAttempts = 5

// Retry reruns create while it fails with store.ErrDuplicateKey. create is
// expected to draw fresh numbers on every call.
func Retry(create func() error) error {
	var err error
	for i := 0; i < MaxAttempts; i++ {
		if err = create(); !errors.Is(err, store.ErrDuplicateKey) {
			return err
		}
	}
	return fmt.Errorf("could not allocate a unique reference number: %w", err)
}

// Assign calls create with fresh numbers from gen until it succeeds or fails
// with something other than store.ErrDuplicateKey.
func Assign(gen Generator, prefix string, now time.Time, create func(number string) error) error {
	return Retry(func() error {
		return create(gen.Next(prefix, now))
	})
}
