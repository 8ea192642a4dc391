package pointer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	clock "k8s.io/utils/clock/testing"
)

func TestPointer_CopiesValue(t *testing.T) {
	value := 3
	p := Pointer(value)
	value = 4
	assert.Equal(t, 3, *p)
}

func TestNow_UsesClockInUtc(t *testing.T) {
	now := time.Date(2022, 11, 3, 10, 0, 0, 0, time.FixedZone("plus-two", 2*60*60))
	result := Now(clock.NewFakePassiveClock(now))
	assert.Equal(t, now.UTC(), *result)
	assert.Equal(t, time.UTC, result.Location())
}
