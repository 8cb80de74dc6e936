package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("approve loan: %w", StateTransition("loan", "ACTIVE", "approve"))

	assert.True(t, errors.Is(err, ErrStateTransition))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, KindStateTransition, KindOf(err))
}

func TestStateTransitionNamesBothStates(t *testing.T) {
	err := StateTransition("loan", "COMPLETED", "restructure")

	assert.Contains(t, err.Error(), "COMPLETED")
	assert.Contains(t, err.Error(), "restructure")
	assert.Equal(t, "COMPLETED", err.Metadata["current"])
}

func TestKindOfPlainErrorIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestExternalProcessorUnwrapsCause(t *testing.T) {
	cause := errors.New("gateway timeout")
	err := ExternalProcessor("payout", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrExternalProcessor)
	assert.Contains(t, err.Error(), "gateway timeout")
}

func TestOverpaymentCarriesMaximum(t *testing.T) {
	err := Overpayment("2150.00")
	assert.Equal(t, "2150.00", err.Metadata["max_allowed"])
	assert.Contains(t, err.Error(), "2150.00")
}
