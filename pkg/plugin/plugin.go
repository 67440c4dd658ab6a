// Package plugin implements the three typed plugin registries (lock,
// storage, trait-config) as an explicit scoped handle instead of a
// process-wide singleton: a Manager is a value the caller owns, and
// Manager.Scoped() returns a child used for the dynamic extent of one
// build.
package plugin

import (
	"fmt"
	"strings"
	"sync"
)

// LockPlugin resolves a specification into a lockfile document for
// the given platforms.
type LockPlugin interface {
	Name() string
	LockEnvironment(spec map[string]any, platforms []string) (map[string]any, error)
}

// StoragePlugin is the capability set a storage backend exposes;
// pkg/storage.Backend implements this so it can be registered here too.
type StoragePlugin interface {
	Name() string
}

// TraitConfigPlugin returns a configurable settings structure whose
// fields carry documentation strings and defaults.
type TraitConfigPlugin interface {
	Name() string
	Settings() map[string]any
}

// NotFoundError lists the available plugin names of the family that
// failed the lookup.
type NotFoundError struct {
	Family    string
	Requested string
	Available []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s plugin %q not found; available: %s", e.Family, e.Requested, strings.Join(e.Available, ", "))
}

// DuplicateError is returned when a name is registered twice in the same
// family.
type DuplicateError struct {
	Family string
	Name   string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s plugin %q is already registered", e.Family, e.Name)
}

// Manager owns the three plugin registries. It is a value the caller
// passes explicitly through the call graph; a package-level default
// exists only for CLI convenience (see Default()).
type Manager struct {
	mu       sync.RWMutex
	locks    map[string]LockPlugin
	storages map[string]StoragePlugin
	traits   map[string]TraitConfigPlugin
	parent   *Manager
}

// NewManager returns an empty, top-level Manager.
func NewManager() *Manager {
	return &Manager{
		locks:    map[string]LockPlugin{},
		storages: map[string]StoragePlugin{},
		traits:   map[string]TraitConfigPlugin{},
	}
}

// Scoped returns a child Manager that shares the parent's registered
// plugins for lookup but accumulates its own registrations
// independently, so concurrent builds in the same process never
// cross-register under the same names.
func (m *Manager) Scoped() *Manager {
	return &Manager{
		locks:    map[string]LockPlugin{},
		storages: map[string]StoragePlugin{},
		traits:   map[string]TraitConfigPlugin{},
		parent:   m,
	}
}

// RegisterLock registers a lock plugin under its own name (case
// preserved, looked up case-insensitively). Returns DuplicateError if
// the name is already registered in this scope.
func (m *Manager) RegisterLock(p LockPlugin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(p.Name())
	if _, ok := m.locks[key]; ok {
		return &DuplicateError{Family: "lock", Name: p.Name()}
	}
	m.locks[key] = p
	return nil
}

// UnregisterLock removes a lock plugin registration from this scope.
// Unregistering a name that was never registered in this scope is a
// no-op (the caller may be unwinding via defer after a failed register).
func (m *Manager) UnregisterLock(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, strings.ToLower(name))
}

// Lock looks up a lock plugin by name, case-insensitively, checking this
// scope then falling back to the parent chain.
func (m *Manager) Lock(name string) (LockPlugin, error) {
	m.mu.RLock()
	p, ok := m.locks[strings.ToLower(name)]
	m.mu.RUnlock()
	if ok {
		return p, nil
	}
	if m.parent != nil {
		return m.parent.Lock(name)
	}
	return nil, &NotFoundError{Family: "lock", Requested: name, Available: m.lockNames()}
}

func (m *Manager) lockNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.locks))
	for _, p := range m.locks {
		names = append(names, p.Name())
	}
	if m.parent != nil {
		names = append(names, m.parent.lockNames()...)
	}
	return names
}

// RegisterStorage registers a storage plugin. Exactly one is active
// process-wide; callers register at most one on the top-level Manager.
func (m *Manager) RegisterStorage(p StoragePlugin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(p.Name())
	if _, ok := m.storages[key]; ok {
		return &DuplicateError{Family: "storage", Name: p.Name()}
	}
	m.storages[key] = p
	return nil
}

// Storage looks up a storage plugin by name, case-insensitively.
func (m *Manager) Storage(name string) (StoragePlugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.storages[strings.ToLower(name)]; ok {
		return p, nil
	}
	if m.parent != nil {
		return m.parent.Storage(name)
	}
	names := make([]string, 0, len(m.storages))
	for _, p := range m.storages {
		names = append(names, p.Name())
	}
	return nil, &NotFoundError{Family: "storage", Requested: name, Available: names}
}

// RegisterTraitConfig registers a trait-config plugin.
func (m *Manager) RegisterTraitConfig(p TraitConfigPlugin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(p.Name())
	if _, ok := m.traits[key]; ok {
		return &DuplicateError{Family: "trait-config", Name: p.Name()}
	}
	m.traits[key] = p
	return nil
}

// TraitConfig looks up a trait-config plugin by name, case-insensitively.
func (m *Manager) TraitConfig(name string) (TraitConfigPlugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.traits[strings.ToLower(name)]; ok {
		return p, nil
	}
	if m.parent != nil {
		return m.parent.TraitConfig(name)
	}
	names := make([]string, 0, len(m.traits))
	for _, p := range m.traits {
		names = append(names, p.Name())
	}
	return nil, &NotFoundError{Family: "trait-config", Requested: name, Available: names}
}

var defaultManager = NewManager()

// Default returns the process-wide Manager kept only for CLI
// convenience; production call paths should thread a *Manager
// explicitly instead.
func Default() *Manager { return defaultManager }
