// Package broker owns the three SQL connection pools (one per catalog
// node) and hands out a usable connection only when the node's registry
// entry says it is up and a ping succeeds.
package broker

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/cuemby/catalogsync/pkg/log"
)

const pingTimeout = 5 * time.Second

// LivenessSource is implemented by the node registry; the broker consults
// it before handing out a connection so a simulated crash takes effect
// immediately, without waiting for the next failed ping.
type LivenessSource interface {
	IsUp(name string) bool
}

// Broker owns one *sql.DB per node, keyed by node name, and gates access
// to it through the registry's liveness view plus a ping.
type Broker struct {
	mu    sync.Mutex
	dsns  map[string]string
	conns map[string]*sql.DB
	live  LivenessSource
}

// New builds a Broker for the three given node DSNs. live may be nil
// during construction and set later via SetLiveness, since the registry
// and broker have a circular dependency (the registry's Crash/Restore call
// into the broker, the broker's Get consults the registry).
func New(dsns map[string]string, live LivenessSource) *Broker {
	return &Broker{
		dsns:  dsns,
		conns: make(map[string]*sql.DB, len(dsns)),
		live:  live,
	}
}

// SetLiveness wires the registry after both have been constructed.
func (b *Broker) SetLiveness(live LivenessSource) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.live = live
}

// Get returns a usable connection for name iff the registry reports it up
// and a SELECT 1 ping succeeds. The returned bool is false, with a nil
// *sql.DB, whenever no usable connection is available; this is not an
// error condition on its own, callers treat it as "node unavailable".
func (b *Broker) Get(ctx context.Context, name string) (*sql.DB, bool) {
	if b.live != nil && !b.live.IsUp(name) {
		return nil, false
	}

	db, err := b.open(name)
	if err != nil {
		return nil, false
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, false
	}
	return db, true
}

// open returns the cached *sql.DB for name, opening it the first time it
// is requested (or after a Close).
func (b *Broker) open(name string) (*sql.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if db, ok := b.conns[name]; ok {
		return db, nil
	}

	dsn, ok := b.dsns[name]
	if !ok || dsn == "" {
		return nil, fmt.Errorf("broker: no dsn configured for node %q", name)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("broker: opening %s: %w", name, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	b.conns[name] = db
	return db, nil
}

// Probe attempts to open and ping name's connection regardless of what the
// registry currently believes about it, returning the plain connect/ping
// outcome. The node monitor uses this instead of Get: Get's liveness gate
// exists so the C4/C6 write path fails fast once a node is known down, but
// that same gate would make a down node's probe cycle short-circuit forever
// without ever attempting a fresh connection, so the monitor needs a path
// that is never gated on the registry's own prior verdict.
func (b *Broker) Probe(ctx context.Context, name string) bool {
	db, err := b.open(name)
	if err != nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return db.PingContext(pingCtx) == nil
}

// Open eagerly (re)establishes the connection for name, used by the
// registry's Restore operation so the reconnect attempt happens at
// restore time rather than on the next request.
func (b *Broker) Open(ctx context.Context, name string) error {
	db, err := b.open(name)
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("broker: pinging %s after open: %w", name, err)
	}
	return nil
}

// Close closes and forgets the connection for name, used by the
// registry's Crash operation.
func (b *Broker) Close(name string) error {
	b.mu.Lock()
	db, ok := b.conns[name]
	if ok {
		delete(b.conns, name)
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("broker: closing %s: %w", name, err)
	}
	return nil
}

// CloseAll closes every open connection, used on process shutdown.
func (b *Broker) CloseAll() error {
	b.mu.Lock()
	conns := b.conns
	b.conns = make(map[string]*sql.DB, len(b.dsns))
	b.mu.Unlock()

	closeLog := log.WithComponent("broker")
	var firstErr error
	for name, db := range conns {
		if err := db.Close(); err != nil {
			closeLog.Warn().Err(err).Str("node", name).Msg("error closing connection on shutdown")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
