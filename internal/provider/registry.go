package provider

import (
	"fmt"
	"sort"
	"sync"
)

var (
	registryMu sync.Mutex
	registry   = make(map[string]Client)
)

// Register makes a provider adapter available to the sync daemon. Adapters
// call it from their init, database/sql driver style. Registering the same
// name twice panics; that is a build mistake, not a runtime condition.
func Register(c Client) {
	registryMu.Lock()
	defer registryMu.Unlock()

	name := c.Name()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("provider: Register called twice for %q", name))
	}
	registry[name] = c
}

// Registered returns all registered adapters in name order.
func Registered() []Client {
	registryMu.Lock()
	defer registryMu.Unlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Client, 0, len(names))
	for _, name := range names {
		out = append(out, registry[name])
	}
	return out
}
