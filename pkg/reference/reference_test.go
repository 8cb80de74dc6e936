package reference

import (
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/mcclellann/loanservicing/pkg/store"
	"github.com/stretchr/testify/assert"
)

var pattern = regexp.MustCompile(`^LN-2026-\d{7}$`)

func TestRandomFormat(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 100; i++ {
		assert.Regexp(t, pattern, Random{}.Next(PrefixLoan, now))
	}
}

func TestSequence(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewSequence(41)
	assert.Equal(t, "PAY-2026-0000041", s.Next(PrefixPayout, now))
	assert.Equal(t, "DSB-2026-0000042", s.Next(PrefixDisbursement, now))
	assert.Equal(t, "TXN-2026-0000001", Format(PrefixTransaction, 2026, 10_000_001))
}

func TestAssignRetriesDuplicates(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var seen []string
	err := Assign(NewSequence(1), PrefixLoan, now, func(number string) error {
		seen = append(seen, number)
		if len(seen) < 3 {
			return fmt.Errorf("insert: %w", store.ErrDuplicateKey)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, []string{"LN-2026-0000001", "LN-2026-0000002", "LN-2026-0000003"}, seen)

	other := errors.New("disk full")
	err = Assign(NewSequence(1), PrefixLoan, now, func(string) error { return other })
	assert.ErrorIs(t, err, other)

	err = Assign(NewSequence(1), PrefixLoan, now, func(string) error { return store.ErrDuplicateKey })
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}
