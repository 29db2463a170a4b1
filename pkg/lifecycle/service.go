// Package lifecycle defines the shared interface background workers
// implement so the CLI can start and stop them uniformly.
package lifecycle

import "context"

// Service is a named background worker with a cancellable run loop.
type Service interface {
	// Name identifies the service in logs and error messages.
	Name() string
	// Start begins the service's work. It returns once the service's
	// loop has been spawned; it does not block for the service's
	// lifetime.
	Start(ctx context.Context) error
	// Stop signals the service to end its current cycle and exit, and
	// blocks until it has done so or ctx is done.
	Stop(ctx context.Context) error
}

// Group runs a fixed set of Services together and stops them in reverse
// start order.
type Group struct {
	services []Service
}

// NewGroup builds a Group over the given services, in start order.
func NewGroup(services ...Service) *Group {
	return &Group{services: services}
}

// Start starts every service in order, stopping already-started services
// and returning the first error encountered.
func (g *Group) Start(ctx context.Context) error {
	started := make([]Service, 0, len(g.services))
	for _, svc := range g.services {
		if err := svc.Start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				_ = started[i].Stop(ctx)
			}
			return err
		}
		started = append(started, svc)
	}
	return nil
}

// Stop stops every service in reverse start order, collecting the first
// error but attempting to stop all of them regardless.
func (g *Group) Stop(ctx context.Context) error {
	var first error
	for i := len(g.services) - 1; i >= 0; i-- {
		if err := g.services[i].Stop(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
