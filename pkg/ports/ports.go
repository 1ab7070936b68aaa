// Package ports computes deterministic per-environment service ports.
package ports

// Band is the conventional first port of a service's default range. A service
// declared on Band+n lands on basePort+envIndex*portOffset+n.
const Band = 3000

// Resolve maps a service's declared default port into the port band reserved
// for the environment at envIndex. Inputs are not validated.
func Resolve(defaultPort, basePort, envIndex, portOffset int) int {
	return basePort + envIndex*portOffset + (defaultPort - Band)
}

// Allocator binds the port parameters of one environment.
type Allocator struct {
	BasePort   int
	PortOffset int
	EnvIndex   int
}

// Port resolves defaultPort for the bound environment.
func (a Allocator) Port(defaultPort int) int {
	return Resolve(defaultPort, a.BasePort, a.EnvIndex, a.PortOffset)
}
