package kernel

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
)

type unitEntry struct {
	unit   *CompiledUnit
	refs   int
	pinned bool
}

// UnitRegistry holds compiled units by ID. Every live process, hot or cold,
// holds a reference to its unit, so a snapshot only needs to carry the ID.
type UnitRegistry struct {
	mu    sync.Mutex
	units map[string]*unitEntry
}

// NewUnitRegistry creates an empty registry.
func NewUnitRegistry() *UnitRegistry {
	return &UnitRegistry{units: make(map[string]*unitEntry)}
}

func (r *UnitRegistry) insertLocked(unit *CompiledUnit) (*unitEntry, error) {
	if unit == nil || unit.ID == "" {
		return nil, fmt.Errorf("compiled unit must have an id")
	}
	if e, ok := r.units[unit.ID]; ok {
		if e.unit != unit && !bytes.Equal(e.unit.Code, unit.Code) {
			return nil, fmt.Errorf("unit %q is already registered with different code", unit.ID)
		}
		return e, nil
	}
	e := &unitEntry{unit: unit}
	r.units[unit.ID] = e
	return e, nil
}

// Register pins unit so it can be spawned by ID while no process runs it.
func (r *UnitRegistry) Register(unit *CompiledUnit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.insertLocked(unit)
	if err != nil {
		return err
	}
	e.pinned = true
	return nil
}

// Unregister unpins a unit. It stays until the last process using it exits.
func (r *UnitRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.units[id]; ok {
		e.pinned = false
		if e.refs == 0 {
			delete(r.units, id)
		}
	}
}

// Lookup returns the unit registered under id.
func (r *UnitRegistry) Lookup(id string) (*CompiledUnit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.units[id]
	if !ok {
		return nil, false
	}
	return e.unit, true
}

// Refs returns the number of processes using unit id.
func (r *UnitRegistry) Refs(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.units[id]; ok {
		return e.refs
	}
	return 0
}

// IDs returns the registered unit IDs, sorted.
func (r *UnitRegistry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.units))
	for id := range r.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// acquire takes a reference and returns the canonical instance of unit.
func (r *UnitRegistry) acquire(unit *CompiledUnit) (*CompiledUnit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.insertLocked(unit)
	if err != nil {
		return nil, err
	}
	e.refs++
	return e.unit, nil
}

func (r *UnitRegistry) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.units[id]
	if !ok {
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	if e.refs == 0 && !e.pinned {
		delete(r.units, id)
	}
}
