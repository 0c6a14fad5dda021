package plugins

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Extension wraps one extension instance registered against an extension
// point: an instance, its sort ordinal (ascending = higher priority), a
// description, an enabled flag, and the owning plugin's name.
type Extension struct {
	Instance        interface{}
	Ordinal         int
	Description     string
	Enabled         bool
	ExtensionPoint  string
	Plugin          string
}

// ExtensionCandidate is what the loader hands to the extension manager after
// walking a plugin's discovered types: a concrete value plus the metadata the
// manifest or the value itself carries about where it belongs.
type ExtensionCandidate struct {
	Instance    interface{}
	Ordinal     int
	Description string
	Enabled     bool
}

// ExtensionManager maintains two cross-indexed views over registered
// extensions: by extension point, and by owning plugin, so that both "give me
// everything registered at point X" and "remove everything plugin Y owns" are
// O(1) lookups before their linear sort/scan.
type ExtensionManager struct {
	mu     sync.RWMutex
	points map[string]reflect.Type
	byPoint  map[string][]*Extension
	byPlugin map[string][]*Extension
}

// NewExtensionManager creates an empty extension manager.
func NewExtensionManager() *ExtensionManager {
	return &ExtensionManager{
		points:   make(map[string]reflect.Type),
		byPoint:  make(map[string][]*Extension),
		byPlugin: make(map[string][]*Extension),
	}
}

// RegisterExtensionPoint declares an extension point identified by name,
// backed by the interface type ifaceType. Candidates are matched against it
// with reflect.Type.Implements during RegisterExtensions.
func (em *ExtensionManager) RegisterExtensionPoint(name string, ifaceType reflect.Type) error {
	if ifaceType == nil || ifaceType.Kind() != reflect.Interface {
		return fmt.Errorf("extension point %q must be backed by an interface type", name)
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	if _, exists := em.points[name]; exists {
		return nil
	}
	em.points[name] = ifaceType
	if _, ok := em.byPoint[name]; !ok {
		em.byPoint[name] = nil
	}
	return nil
}

// RegisterExtensions registers each candidate under the first extension point
// whose interface it implements (first match wins, iterated in a stable
// order), attributed to pluginName. Disabled candidates are skipped. Every
// touched extension-point list is re-sorted by ascending ordinal afterward.
func (em *ExtensionManager) RegisterExtensions(pluginName string, candidates []ExtensionCandidate) {
	em.mu.Lock()
	defer em.mu.Unlock()

	pointNames := make([]string, 0, len(em.points))
	for name := range em.points {
		pointNames = append(pointNames, name)
	}
	sort.Strings(pointNames)

	touched := make(map[string]bool)
	for _, cand := range candidates {
		if !cand.Enabled {
			continue
		}
		t := reflect.TypeOf(cand.Instance)
		if t == nil {
			continue
		}
		for _, pointName := range pointNames {
			iface := em.points[pointName]
			if !t.Implements(iface) {
				continue
			}
			ext := &Extension{
				Instance:       cand.Instance,
				Ordinal:        cand.Ordinal,
				Description:    cand.Description,
				Enabled:        cand.Enabled,
				ExtensionPoint: pointName,
				Plugin:         pluginName,
			}
			em.byPoint[pointName] = append(em.byPoint[pointName], ext)
			em.byPlugin[pluginName] = append(em.byPlugin[pluginName], ext)
			touched[pointName] = true
			break
		}
	}

	for pointName := range touched {
		list := em.byPoint[pointName]
		sort.SliceStable(list, func(i, j int) bool { return list[i].Ordinal < list[j].Ordinal })
		em.byPoint[pointName] = list
	}
}

// Get returns every enabled instance registered at point, in ascending
// ordinal order.
func (em *ExtensionManager) Get(point string) []interface{} {
	em.mu.RLock()
	defer em.mu.RUnlock()
	var out []interface{}
	for _, ext := range em.byPoint[point] {
		if ext.Enabled {
			out = append(out, ext.Instance)
		}
	}
	return out
}

// GetFirst returns the highest-priority (lowest ordinal) enabled instance at
// point, or nil if none is registered.
func (em *ExtensionManager) GetFirst(point string) interface{} {
	em.mu.RLock()
	defer em.mu.RUnlock()
	for _, ext := range em.byPoint[point] {
		if ext.Enabled {
			return ext.Instance
		}
	}
	return nil
}

// GetByPlugin returns every extension pluginName registered, across all
// extension points.
func (em *ExtensionManager) GetByPlugin(pluginName string) []*Extension {
	em.mu.RLock()
	defer em.mu.RUnlock()
	src := em.byPlugin[pluginName]
	out := make([]*Extension, len(src))
	copy(out, src)
	return out
}

// UnregisterPlugin removes every extension owned by pluginName from both
// indexes. Called when a plugin is unloaded.
func (em *ExtensionManager) UnregisterPlugin(pluginName string) {
	em.mu.Lock()
	defer em.mu.Unlock()

	delete(em.byPlugin, pluginName)
	for point, list := range em.byPoint {
		filtered := list[:0:0]
		for _, ext := range list {
			if ext.Plugin != pluginName {
				filtered = append(filtered, ext)
			}
		}
		em.byPoint[point] = filtered
	}
}

// ClearAll removes every registered extension and extension point. Used
// during full host shutdown.
func (em *ExtensionManager) ClearAll() {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.points = make(map[string]reflect.Type)
	em.byPoint = make(map[string][]*Extension)
	em.byPlugin = make(map[string][]*Extension)
}

// ExtensionManagerInfo summarizes registry size for diagnostics.
type ExtensionManagerInfo struct {
	Points     int
	Extensions int
}

// Info reports the current extension point and extension counts.
func (em *ExtensionManager) Info() ExtensionManagerInfo {
	em.mu.RLock()
	defer em.mu.RUnlock()
	total := 0
	for _, list := range em.byPoint {
		total += len(list)
	}
	return ExtensionManagerInfo{Points: len(em.points), Extensions: total}
}
