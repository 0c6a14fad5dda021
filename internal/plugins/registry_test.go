package plugins

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/pluginhost/internal/herrors"
)

type stubHandler struct {
	BasePlugin
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	h := &stubHandler{}

	require.NoError(t, r.Register("alpha", h))
	assert.True(t, r.Exists("alpha"))

	got, ok := r.Get("alpha")
	assert.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, StateLoaded, r.GetState("alpha"))
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	h := &stubHandler{}

	require.NoError(t, r.Register("alpha", h))
	err := r.Register("alpha", h)
	require.Error(t, err)
	assert.IsType(t, &herrors.AlreadyRegistered{}, err)
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	h := &stubHandler{}
	require.NoError(t, r.Register("alpha", h))

	assert.True(t, r.Unregister("alpha"))
	assert.False(t, r.Exists("alpha"))
	assert.False(t, r.Unregister("alpha"))
}

func TestRegistrySetStateValidation(t *testing.T) {
	r := NewRegistry()
	h := &stubHandler{}
	require.NoError(t, r.Register("alpha", h))

	require.NoError(t, r.SetState("alpha", StateEnabled))
	assert.Equal(t, StateEnabled, r.GetState("alpha"))

	err := r.SetState("alpha", StateLoaded)
	require.Error(t, err)
	assert.IsType(t, &herrors.InvalidTransition{}, err)

	err = r.SetState("missing", StateEnabled)
	require.Error(t, err)
	assert.IsType(t, &herrors.NotFound{}, err)
}

func TestRegistryForceState(t *testing.T) {
	r := NewRegistry()
	h := &stubHandler{}
	require.NoError(t, r.Register("alpha", h))

	r.ForceState("alpha", StateError)
	assert.Equal(t, StateError, r.GetState("alpha"))

	// Recovery from ERROR to any state is always legal afterward.
	require.NoError(t, r.SetState("alpha", StateEnabled))
}

func TestRegistryStatus(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("alpha", &stubHandler{}))
	require.NoError(t, r.Register("beta", &stubHandler{}))
	require.NoError(t, r.SetState("alpha", StateEnabled))

	status := r.Status()
	assert.Equal(t, 2, status.Total)
	assert.Equal(t, 1, status.Counts[StateEnabled])
	assert.Equal(t, 1, status.Counts[StateLoaded])
}

// TestRegistryConcurrentNameLocking exercises the per-name critical section:
// concurrent Register/SetState calls, 20 goroutines spread over 5 names, must
// not race or deadlock under the race detector.
func TestRegistryConcurrentNameLocking(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := "plugin"
			h := &stubHandler{}
			if r.Register(name+string(rune('A'+i%5)), h) == nil {
				_ = r.SetState(name+string(rune('A'+i%5)), StateEnabled)
			}
		}()
	}
	wg.Wait()
}
