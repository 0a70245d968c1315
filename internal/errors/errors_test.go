package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrappedSentinelsKeepIdentity(t *testing.T) {
	err := Wrapf(ErrOutOfSpace, "reserve %d KB", 120)
	assert.True(t, Is(err, ErrOutOfSpace))
	assert.False(t, Is(err, ErrUnknownSerial))
	assert.Contains(t, err.Error(), "reserve 120 KB")
}

func TestMarkedErrorMatchesSentinel(t *testing.T) {
	base := New("disk write failed")
	err := Mark(base, ErrPersistenceFailure)
	assert.True(t, Is(err, ErrPersistenceFailure))
	assert.Equal(t, "disk write failed", err.Error())
}

func TestHintsSurvive(t *testing.T) {
	err := WithHint(ErrHoldingExhausted, "add holding disks or lower estimates")
	assert.True(t, Is(err, ErrHoldingExhausted))
	assert.Equal(t, []string{"add holding disks or lower estimates"}, GetAllHints(err))
}
