// Package pool maintains fleets of long-lived application instances and hands
// out sessions to them. One Pool serves every application root; per-root state
// lives in a Domain, per-instance state in a Container.
package pool

import (
	"container/list"
	"io"
	"time"
)

// Session is a single client conversation with an instance. The pool never
// reads or writes it; callers close it and then release the container.
type Session interface {
	io.ReadWriteCloser
}

// Instance is a running worker process handle produced by a Spawner.
type Instance interface {
	ID() string
	Connect() (Session, error)
	Dispose()
}

// Spawner produces instances for an application root. Spawn may take
// arbitrary time and must be safe for concurrent use. Reload is invoked after
// a restart trigger purges a root's containers.
type Spawner interface {
	Spawn(appRoot string) (Instance, error)
	Reload(appRoot string)
}

// Options carry per-acquisition settings. MaxRequests seeds the Domain's
// request cap on first use of a root; zero means unbounded.
type Options struct {
	MaxRequests uint64
}

// Container wraps one Instance with pool bookkeeping. The element cursors
// give O(1) removal from the two lists a container may appear in; idleEl is
// nil whenever the container has open sessions.
type Container struct {
	instance  Instance
	domain    *Domain
	sessions  int
	processed uint64
	startTime time.Time
	lastUsed  time.Time
	domainEl  *list.Element
	idleEl    *list.Element
}

// Instance returns the underlying instance handle.
func (c *Container) Instance() Instance { return c.instance }

// AppRoot returns the application root this container serves, or "" after the
// container has been removed from the pool.
func (c *Container) AppRoot() string {
	if c.domain == nil {
		return ""
	}
	return c.domain.appRoot
}

// Domain aggregates the containers of one application root. List order is the
// load-bearing invariant: idle containers (sessions == 0) sit at the front,
// active ones at the back, so the head is always the reuse candidate and the
// tail the freshest active container.
type Domain struct {
	appRoot     string
	containers  *list.List
	size        int
	maxRequests uint64
}

func newDomain(appRoot string, maxRequests uint64) *Domain {
	return &Domain{
		appRoot:     appRoot,
		containers:  list.New(),
		maxRequests: maxRequests,
	}
}

// leastLoaded returns the container with the fewest open sessions, ties
// resolved in favor of the earliest list position.
func (d *Domain) leastLoaded() *Container {
	var best *Container
	for e := d.containers.Front(); e != nil; e = e.Next() {
		c := e.Value.(*Container)
		if best == nil || c.sessions < best.sessions {
			best = c
		}
	}
	return best
}
