// Package manager is the public surface of the scheduler: enqueueing single
// items and staged chains, cancellation by id or tag, and state observation.
// Every mutating call returns an Operation that settles once the write is
// durable.
package manager
