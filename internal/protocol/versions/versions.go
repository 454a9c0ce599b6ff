// Package versions assembles the compiled-in protocol dialects into a registry.
package versions

import (
	"sync"

	"github.com/cory-johannsen/botswarm/internal/protocol"
	"github.com/cory-johannsen/botswarm/internal/protocol/v114"
	"github.com/cory-johannsen/botswarm/internal/protocol/v117"
)

var defaultRegistry = sync.OnceValue(New)

// Default returns the process-wide registry holding every compiled-in
// dialect. Plugins may add further versions to it at startup.
func Default() *protocol.Registry { return defaultRegistry() }

// New returns a fresh registry holding every compiled-in dialect.
//
// Postcondition: Returns a registry resolving 1.14.4, 1.17.1 and their aliases.
func New() *protocol.Registry {
	r := protocol.NewRegistry()
	if err := r.RegisterDialect(v114.Dialect(), v114.Aliases...); err != nil {
		panic(err)
	}
	if err := r.RegisterDialect(v117.Dialect(), v117.Aliases...); err != nil {
		panic(err)
	}
	return r
}
