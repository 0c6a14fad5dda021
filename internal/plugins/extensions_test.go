package plugins

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// greeter is a stand-in extension point interface for tests.
type greeter interface {
	Greet() string
}

type greeterImpl struct{ name string }

func (g *greeterImpl) Greet() string { return "hello, " + g.name }

// notAGreeter implements no interesting interface, used to verify
// non-matching candidates are silently skipped rather than erroring.
type notAGreeter struct{}

var greeterType = reflect.TypeOf((*greeter)(nil)).Elem()

func TestExtensionManagerRegisterAndGet(t *testing.T) {
	em := NewExtensionManager()
	require.NoError(t, em.RegisterExtensionPoint("greeters", greeterType))

	em.RegisterExtensions("plugin-a", []ExtensionCandidate{
		{Instance: &greeterImpl{name: "a"}, Ordinal: 10, Enabled: true},
		{Instance: &greeterImpl{name: "b"}, Ordinal: 5, Enabled: true},
		{Instance: &notAGreeter{}, Ordinal: 1, Enabled: true},
	})

	got := em.Get("greeters")
	require.Len(t, got, 2)
	// Ascending ordinal: "b" (5) before "a" (10).
	assert.Equal(t, "hello, b", got[0].(greeter).Greet())
	assert.Equal(t, "hello, a", got[1].(greeter).Greet())
}

func TestExtensionManagerGetFirstReturnsLowestOrdinal(t *testing.T) {
	em := NewExtensionManager()
	require.NoError(t, em.RegisterExtensionPoint("greeters", greeterType))

	em.RegisterExtensions("plugin-a", []ExtensionCandidate{
		{Instance: &greeterImpl{name: "low-priority"}, Ordinal: 100, Enabled: true},
		{Instance: &greeterImpl{name: "high-priority"}, Ordinal: 1, Enabled: true},
	})

	first := em.GetFirst("greeters")
	require.NotNil(t, first)
	assert.Equal(t, "hello, high-priority", first.(greeter).Greet())
}

func TestExtensionManagerSkipsDisabledCandidates(t *testing.T) {
	em := NewExtensionManager()
	require.NoError(t, em.RegisterExtensionPoint("greeters", greeterType))

	em.RegisterExtensions("plugin-a", []ExtensionCandidate{
		{Instance: &greeterImpl{name: "off"}, Enabled: false},
	})

	assert.Empty(t, em.Get("greeters"))
}

func TestExtensionManagerUnregisterPluginClearsBothIndexes(t *testing.T) {
	em := NewExtensionManager()
	require.NoError(t, em.RegisterExtensionPoint("greeters", greeterType))

	em.RegisterExtensions("plugin-a", []ExtensionCandidate{{Instance: &greeterImpl{name: "a"}, Enabled: true}})
	em.RegisterExtensions("plugin-b", []ExtensionCandidate{{Instance: &greeterImpl{name: "b"}, Enabled: true}})

	em.UnregisterPlugin("plugin-a")

	assert.Len(t, em.Get("greeters"), 1)
	assert.Empty(t, em.GetByPlugin("plugin-a"))
	assert.Len(t, em.GetByPlugin("plugin-b"), 1)
}

func TestExtensionManagerClearAll(t *testing.T) {
	em := NewExtensionManager()
	require.NoError(t, em.RegisterExtensionPoint("greeters", greeterType))
	em.RegisterExtensions("plugin-a", []ExtensionCandidate{{Instance: &greeterImpl{name: "a"}, Enabled: true}})

	em.ClearAll()

	info := em.Info()
	assert.Equal(t, 0, info.Points)
	assert.Equal(t, 0, info.Extensions)
	assert.Empty(t, em.Get("greeters"))
}

func TestExtensionManagerRegisterExtensionPointRejectsNonInterface(t *testing.T) {
	em := NewExtensionManager()
	err := em.RegisterExtensionPoint("bad", reflect.TypeOf(42))
	assert.Error(t, err)
}

func TestExtensionManagerInfoCountsAcrossPoints(t *testing.T) {
	em := NewExtensionManager()
	require.NoError(t, em.RegisterExtensionPoint("greeters", greeterType))
	em.RegisterExtensions("plugin-a", []ExtensionCandidate{
		{Instance: &greeterImpl{name: "a"}, Enabled: true},
		{Instance: &greeterImpl{name: "b"}, Enabled: true},
	})

	info := em.Info()
	assert.Equal(t, 1, info.Points)
	assert.Equal(t, 2, info.Extensions)
}
