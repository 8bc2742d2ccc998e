package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStepCoordinatorArmDisarm(t *testing.T) {
	sc := NewStepCoordinator(4)
	assert.Equal(t, 4, sc.NumVCPUs())

	assert.False(t, sc.IsArmed(2))
	sc.Arm(2)
	assert.True(t, sc.IsArmed(2))
	sc.Disarm(2)
	assert.False(t, sc.IsArmed(2))
}

func TestStepCoordinatorOutOfRangeIsNoop(t *testing.T) {
	sc := NewStepCoordinator(2)
	sc.Arm(99)
	assert.False(t, sc.IsArmed(99))
}
