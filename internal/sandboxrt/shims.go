package sandboxrt

import (
	"context"
	"fmt"
	"sync"
)

// ShimFunc is a platform module's implementation of one capability-gated
// function. It runs only after Manager.UseToken has cleared every
// enforcement step (spec §4.4).
type ShimFunc func(ctx context.Context, args []any) (any, error)

// ShimRegistration binds a (moduleName, functionName) pair to the
// capability required to invoke it and the implementation itself (spec §6:
// "each out-of-scope module ... registers a host shim (moduleName,
// functionName, requiredCapability, impl)").
type ShimRegistration struct {
	Module             string
	Function           string
	RequiredCapability string
	Impl               ShimFunc
}

// ShimRegistry is the default-deny table of every host call a sandboxed
// step may make. A (module, function) pair with no registration is
// unreachable regardless of any token presented.
type ShimRegistry struct {
	mu    sync.RWMutex
	shims map[string]ShimRegistration
}

// NewShimRegistry builds an empty registry.
func NewShimRegistry() *ShimRegistry {
	return &ShimRegistry{shims: make(map[string]ShimRegistration)}
}

func shimKey(module, function string) string {
	return module + "." + function
}

// Register adds r, replacing any prior registration for the same
// (module, function) pair.
func (sr *ShimRegistry) Register(r ShimRegistration) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.shims[shimKey(r.Module, r.Function)] = r
}

// Lookup returns the registration for (module, function), if any.
func (sr *ShimRegistry) Lookup(module, function string) (ShimRegistration, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	r, ok := sr.shims[shimKey(module, function)]
	return r, ok
}

// String renders a registration for audit details and error messages.
func (r ShimRegistration) String() string {
	return fmt.Sprintf("%s.%s", r.Module, r.Function)
}
