package pool

import "errors"

// Sentinel errors surfaced by the pool. Callers match them with errors.Is;
// wrapped forms carry the application root and underlying cause.
var (
	// ErrSpawnFailed wraps a spawner error. Spawn failures are not retried.
	ErrSpawnFailed = errors.New("instance spawn failed")

	// ErrConnectFailed is returned after every acquisition attempt spawned or
	// selected an instance whose Connect call failed.
	ErrConnectFailed = errors.New("instance connect failed")

	// ErrInvalidConfig rejects bad setter or constructor arguments.
	ErrInvalidConfig = errors.New("invalid pool configuration")

	// ErrPoolClosed is returned by Get once Shutdown has begun.
	ErrPoolClosed = errors.New("pool is shut down")
)
