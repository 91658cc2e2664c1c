package slots

import (
	"fmt"
	"sync"
)

// SlotType determines the unit semantics of a resource name.
type SlotType string

const (
	TypeCount  SlotType = "count"
	TypeBytes  SlotType = "bytes"
	TypeUnique SlotType = "unique"
)

// Schema enumerates the resource names a resource group understands.
// Requests referencing names outside the schema fail validation at
// enqueue; unknown keys are never auto-created.
type Schema struct {
	Group string
	Types map[string]SlotType
}

// Validate checks every key of s against the schema and rejects UNIQUE
// quantities above one unit.
func (sc *Schema) Validate(s Slots) error {
	for name, v := range s {
		st, ok := sc.Types[name]
		if !ok {
			return fmt.Errorf("resource group %s: undefined resource slot %q", sc.Group, name)
		}
		if st == TypeUnique && v > Milli {
			return fmt.Errorf("resource slot %q: unique slots allow at most one per kernel", name)
		}
		if v < 0 {
			return fmt.Errorf("resource slot %q: negative quantity", name)
		}
	}
	return nil
}

// Registry holds the slot schema per resource group, loaded at startup.
type Registry struct {
	mu      sync.RWMutex
	byGroup map[string]*Schema
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{byGroup: make(map[string]*Schema)}
}

// Register installs or replaces the schema for a group.
func (r *Registry) Register(sc *Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byGroup[sc.Group] = sc
}

// Get returns the schema for a group.
func (r *Registry) Get(group string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sc, ok := r.byGroup[group]
	if !ok {
		return nil, fmt.Errorf("no slot schema registered for resource group %q", group)
	}
	return sc, nil
}

// DefaultSchema covers the built-in cpu/mem slots every group has.
func DefaultSchema(group string) *Schema {
	return &Schema{
		Group: group,
		Types: map[string]SlotType{
			"cpu": TypeCount,
			"mem": TypeBytes,
		},
	}
}
