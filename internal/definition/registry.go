package definition

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Registry holds validated definitions by name. Definitions are loaded at
// startup and never mutated afterwards.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register validates the definition and adds it to the registry.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("nil definition")
	}
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.defs[def.Name]; dup {
		return fmt.Errorf("definition %s already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Get looks up a definition by name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns registered definition names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadDir loads every .json file in dir as a definition. Returns the number
// of definitions loaded.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read definition dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return loaded, fmt.Errorf("read %s: %w", path, err)
		}
		var def Definition
		if err := json.Unmarshal(data, &def); err != nil {
			return loaded, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := r.Register(&def); err != nil {
			return loaded, fmt.Errorf("register %s: %w", path, err)
		}
		loaded++
	}
	return loaded, nil
}
