// Package ratelimit provides admission control keyed by agent identity.
// Variants share one contract so the orchestrator can swap them by
// configuration: Noop for local development, Local for single-process
// deployments, Redis for shared state across replicas.
package ratelimit

import "context"

// Limiter admits or rejects a request for the given key. A false result is
// a policy decision, not an error; errors signal limiter infrastructure
// failures.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// Noop admits everything.
type Noop struct{}

// NewNoop returns a limiter that never rejects.
func NewNoop() *Noop { return &Noop{} }

// Allow implements Limiter.
func (*Noop) Allow(context.Context, string) (bool, error) { return true, nil }

// Close implements Limiter.
func (*Noop) Close() error { return nil }
