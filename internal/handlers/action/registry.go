package action

import (
	"sync"

	"github.com/jangala-dev/owmaster/internal/inventory"
	"github.com/jangala-dev/owmaster/internal/owerr"
	"github.com/jangala-dev/owmaster/internal/owtypes"
)

// Action is one resolved, ready-to-run action instance.
type Action interface {
	Run(ev owtypes.Event) error
}

// Builder constructs an Action from its parsed Spec, resolving any
// device/channel targets when it is called. The handler calls it the
// first time an event looks up a device/channel/event-type key, so a bad
// target surfaces as a logged error at that first event, not during
// RefreshConfig.
type Builder func(inv *inventory.Inventory, spec Spec) (Action, error)

// Registry is the action-module lookup table, generalizing the source's
// ActionFactory (which discovered modules by Python import name) into an
// explicit Go registration call — there is no dynamic import in Go, so
// every module a deployment wants must be registered up front.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry returns a registry pre-loaded with the two built-ins:
// setpio and shell.
func NewRegistry() *Registry {
	r := &Registry{builders: map[string]Builder{}}
	r.Register("setpio", newSetPIOAction)
	r.Register("shell", newShellAction)
	return r
}

// Register installs a named action module. Re-registering the same name
// overwrites the previous builder, letting a deployment override a
// built-in.
func (r *Registry) Register(name string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = b
}

// Build resolves spec.Module's builder and constructs the action.
func (r *Registry) Build(inv *inventory.Inventory, spec Spec) (Action, error) {
	r.mu.RLock()
	b, ok := r.builders[spec.Module]
	r.mu.RUnlock()
	if !ok {
		return nil, owerr.Config("build_action", "unknown action module: "+spec.Module)
	}
	return b(inv, spec)
}
