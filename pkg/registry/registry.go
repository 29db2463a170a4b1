// Package registry tracks the liveness of the three catalog nodes
// (master, slave_a, slave_b) and exposes the administrative crash/restore
// operations used to simulate node failure.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/catalogsync/pkg/log"
	"github.com/cuemby/catalogsync/pkg/metrics"
)

// ErrInvalidNode is returned for any operation addressing a node name
// outside {master, slave_a, slave_b}.
type ErrInvalidNode struct {
	Name string
}

func (e *ErrInvalidNode) Error() string {
	return fmt.Sprintf("registry: invalid node %q", e.Name)
}

// Closer is implemented by the connection broker so the registry's
// crash/restore operations can rebind connections without importing the
// broker package (which itself depends on the registry for liveness
// checks).
type Closer interface {
	Close(name string) error
	Open(ctx context.Context, name string) error
}

// status is the mutable state tracked per node.
type status struct {
	available    bool
	lastChecked  time.Time
	lastError    string
	failureCount int
}

// Registry is the process-wide node availability tracker. The zero value
// is not usable; construct with New.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]*status
	broker Closer
}

var validNodes = map[string]struct{}{
	"master":  {},
	"slave_a": {},
	"slave_b": {},
}

// New builds a Registry with all three known nodes marked up. broker may be
// nil; if non-nil, Crash/Restore also close/reopen the node's connection.
func New(broker Closer) *Registry {
	r := &Registry{
		nodes:  make(map[string]*status, 3),
		broker: broker,
	}
	for name := range validNodes {
		r.nodes[name] = &status{available: true, lastChecked: time.Now()}
	}
	return r
}

func (r *Registry) validate(name string) error {
	if _, ok := validNodes[name]; !ok {
		return &ErrInvalidNode{Name: name}
	}
	return nil
}

// IsUp reports whether name is currently marked available. Returns false
// for an invalid name rather than erroring, since this is meant as a fast
// pre-write gate.
func (r *Registry) IsUp(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.nodes[name]
	if !ok {
		return false
	}
	return st.available
}

// MarkDown marks name unavailable, increments its failure count, and
// records err's message. Returns ErrInvalidNode for an unknown name.
func (r *Registry) MarkDown(name string, err error) error {
	if verr := r.validate(name); verr != nil {
		return verr
	}
	r.mu.Lock()
	st := r.nodes[name]
	st.available = false
	st.lastChecked = time.Now()
	st.failureCount++
	if err != nil {
		st.lastError = err.Error()
	}
	r.mu.Unlock()

	metrics.NodeUp.WithLabelValues(name).Set(0)
	metrics.NodeFailuresTotal.WithLabelValues(name).Inc()
	return nil
}

// MarkUp marks name available, resets its failure count, and clears its
// last error. Returns ErrInvalidNode for an unknown name.
func (r *Registry) MarkUp(name string) error {
	if err := r.validate(name); err != nil {
		return err
	}
	r.mu.Lock()
	st := r.nodes[name]
	st.available = true
	st.lastChecked = time.Now()
	st.failureCount = 0
	st.lastError = ""
	r.mu.Unlock()

	metrics.NodeUp.WithLabelValues(name).Set(1)
	return nil
}

// Status is a point-in-time snapshot of a node's registry state.
type Status struct {
	Name         string
	Available    bool
	LastChecked  time.Time
	FailureCount int
	LastError    string
}

// Snapshot returns Status for name. Returns ErrInvalidNode for an unknown
// name.
func (r *Registry) Snapshot(name string) (Status, error) {
	if err := r.validate(name); err != nil {
		return Status{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := r.nodes[name]
	return Status{
		Name:         name,
		Available:    st.available,
		LastChecked:  st.lastChecked,
		FailureCount: st.failureCount,
		LastError:    st.lastError,
	}, nil
}

// All returns a Status snapshot for every known node, in canonical order.
func (r *Registry) All() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order := []string{"master", "slave_a", "slave_b"}
	out := make([]Status, 0, len(order))
	for _, name := range order {
		st := r.nodes[name]
		out = append(out, Status{
			Name:         name,
			Available:    st.available,
			LastChecked:  st.lastChecked,
			FailureCount: st.failureCount,
			LastError:    st.lastError,
		})
	}
	return out
}

// Crash simulates a node failure: marks it down and, if a broker is wired,
// closes its connection.
func (r *Registry) Crash(ctx context.Context, name string) error {
	if err := r.validate(name); err != nil {
		return err
	}
	nodeLog := log.WithComponent("registry").With().Str("node", name).Logger()
	if r.broker != nil {
		if err := r.broker.Close(name); err != nil {
			nodeLog.Warn().Err(err).Msg("error closing connection during simulated crash")
		}
	}
	_ = r.MarkDown(name, fmt.Errorf("simulated crash"))
	nodeLog.Warn().Msg("node crashed (simulated)")
	return nil
}

// Restore simulates a node recovering: reopens its connection, if a broker
// is wired, and marks it up.
func (r *Registry) Restore(ctx context.Context, name string) error {
	if err := r.validate(name); err != nil {
		return err
	}
	nodeLog := log.WithComponent("registry").With().Str("node", name).Logger()
	if r.broker != nil {
		if err := r.broker.Open(ctx, name); err != nil {
			nodeLog.Warn().Err(err).Msg("failed to reopen connection on restore")
			return fmt.Errorf("registry: restoring %s: %w", name, err)
		}
	}
	_ = r.MarkUp(name)
	nodeLog.Info().Msg("node restored")
	return nil
}
