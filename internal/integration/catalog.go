// Package integration binds integration types to the code that registers
// their handlers, and builds the environment that code is given.
package integration

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mattjoyce/conduit/internal/dispatch"
)

// InitFunc registers the handlers of one integration instance.
type InitFunc func(env *Env, reg *dispatch.Registry) error

// Catalog maps integration type IDs to their init functions.
type Catalog struct {
	mu    sync.RWMutex
	types map[string]InitFunc
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{types: make(map[string]InitFunc)}
}

// Add registers fn under typeID.
func (c *Catalog) Add(typeID string, fn InitFunc) error {
	if typeID == "" {
		return fmt.Errorf("integration type id is empty")
	}
	if fn == nil {
		return fmt.Errorf("integration type %q has no init function", typeID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.types[typeID]; exists {
		return fmt.Errorf("integration type %q already registered", typeID)
	}
	c.types[typeID] = fn
	return nil
}

// Get retrieves the init function of typeID.
func (c *Catalog) Get(typeID string) (InitFunc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.types[typeID]
	return fn, ok
}

// Types lists the registered type IDs in order.
func (c *Catalog) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.types))
	for id := range c.types {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Start looks up env.TypeID and runs its init function against reg.
func (c *Catalog) Start(env *Env, reg *dispatch.Registry) error {
	fn, ok := c.Get(env.TypeID)
	if !ok {
		return fmt.Errorf("no integration of type %s", env.TypeID)
	}
	if err := fn(env, reg); err != nil {
		return fmt.Errorf("init %s: %w", env.TypeID, err)
	}
	return nil
}

var builtin = NewCatalog()

// Register adds an integration type to the built-in catalog. It is meant
// for init functions and panics on a duplicate, as database/sql.Register
// does.
func Register(typeID string, fn InitFunc) {
	if err := builtin.Add(typeID, fn); err != nil {
		panic(err)
	}
}

// Lookup finds a built-in integration type.
func Lookup(typeID string) (InitFunc, bool) {
	return builtin.Get(typeID)
}

// Types lists the built-in integration types.
func Types() []string {
	return builtin.Types()
}

// Builtin returns the catalog filled by Register.
func Builtin() *Catalog {
	return builtin
}
