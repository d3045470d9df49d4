package concurrency

import (
	"sort"
	"sync"

	errors "github.com/pkg/errors"
)

// ManagerFactory builds a lock manager from options.
type ManagerFactory func(opts ...Option) *LockManager

var (
	factoriesMu sync.RWMutex
	factories   = map[string]ManagerFactory{
		"striped": NewLockManager,
		// One stripe: every structural change goes through a single mutex.
		"coarse": func(opts ...Option) *LockManager {
			return NewLockManager(append(opts, WithStripes(1))...)
		},
	}
)

// Make a manager implementation selectable by name.
func RegisterManager(name string, factory ManagerFactory) error {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, exists := factories[name]; exists {
		return errors.Errorf("lock manager %q already registered", name)
	}
	factories[name] = factory
	return nil
}

// Build the manager registered under name.
func NewManagerByName(name string, opts ...Option) (*LockManager, error) {
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown lock manager %q (have %v)", name, ManagerNames())
	}
	return factory(opts...), nil
}

// Get the registered manager names, sorted.
func ManagerNames() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
