package plugins

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
		want bool
	}{
		{"loaded to enabled is legal", StateLoaded, StateEnabled, true},
		{"loaded to disabled is illegal", StateLoaded, StateDisabled, false},
		{"enabled to disabled is legal", StateEnabled, StateDisabled, true},
		{"disabled to enabled is legal", StateDisabled, StateEnabled, true},
		{"any state to error is legal", StateEnabled, StateError, true},
		{"error recovers to anything", StateError, StateLoaded, true},
		{"error recovers to enabled", StateError, StateEnabled, true},
		{"enabled to loaded is illegal", StateEnabled, StateLoaded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "LOADED", StateLoaded.String())
	assert.Equal(t, "ENABLED", StateEnabled.String())
	assert.Equal(t, "DISABLED", StateDisabled.String())
	assert.Equal(t, "ERROR", StateError.String())
}

func TestCanEnableCanDisable(t *testing.T) {
	assert.True(t, CanEnable(StateLoaded))
	assert.True(t, CanEnable(StateDisabled))
	assert.False(t, CanEnable(StateEnabled))

	assert.True(t, CanDisable(StateEnabled))
	assert.False(t, CanDisable(StateLoaded))
	assert.False(t, CanDisable(StateDisabled))
}

func TestIsActive(t *testing.T) {
	assert.True(t, IsActive(StateEnabled))
	assert.False(t, IsActive(StateLoaded))
	assert.False(t, IsActive(StateDisabled))
	assert.False(t, IsActive(StateError))
}
