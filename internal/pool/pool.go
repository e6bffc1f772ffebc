package pool

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// maxGetAttempts bounds the crash-retry loop in Get. Only Connect failures
// are retried; spawn failures propagate immediately.
const maxGetAttempts = 10

// Defaults applied by New for zero-valued Config fields.
const (
	DefaultMax           = 20
	DefaultMaxIdleTime   = 10 * time.Minute
	DefaultCleanInterval = time.Minute
)

// Config carries the initial pool settings. Every field has a live setter.
type Config struct {
	// Max is the pool-wide instance ceiling. Must be at least 1.
	Max int
	// MaxPerApp caps instances per application root; 0 disables the cap.
	MaxPerApp int
	// UseGlobalQueue makes overflow block for a release instead of piling
	// more sessions onto an already-busy instance.
	UseGlobalQueue bool
	// MaxIdleTime retires instances idle longer than this. New substitutes
	// DefaultMaxIdleTime for 0; SetMaxIdleTime(0) disables expiry.
	MaxIdleTime time.Duration
	// CleanInterval is the sweeper period.
	CleanInterval time.Duration
}

// Pool owns every Domain and the pool-wide idle registry. A single mutex
// guards all of it; activeChanged wakes threads blocked on capacity.
type Pool struct {
	spawner Spawner

	mu            sync.Mutex
	activeChanged *sync.Cond

	domains map[string]*Domain
	idle    *list.List

	count  int
	active int

	max            int
	maxPerApp      int
	useGlobalQueue bool
	maxIdleTime    time.Duration
	cleanInterval  time.Duration

	globalQueueWaiting int

	spawns    uint64
	evictions uint64
	retired   uint64
	expired   uint64

	restarts *restartTracker

	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New creates a pool around the given spawner and starts the idle sweeper.
func New(spawner Spawner, cfg Config) (*Pool, error) {
	if cfg.Max == 0 {
		cfg.Max = DefaultMax
	}
	if cfg.MaxIdleTime == 0 {
		cfg.MaxIdleTime = DefaultMaxIdleTime
	}
	if cfg.CleanInterval == 0 {
		cfg.CleanInterval = DefaultCleanInterval
	}
	if cfg.Max < 1 {
		return nil, fmt.Errorf("%w: max must be at least 1", ErrInvalidConfig)
	}
	if cfg.MaxPerApp < 0 || cfg.MaxIdleTime < 0 || cfg.CleanInterval <= 0 {
		return nil, fmt.Errorf("%w: negative limit", ErrInvalidConfig)
	}

	p := &Pool{
		spawner:        spawner,
		domains:        make(map[string]*Domain),
		idle:           list.New(),
		max:            cfg.Max,
		maxPerApp:      cfg.MaxPerApp,
		useGlobalQueue: cfg.UseGlobalQueue,
		maxIdleTime:    cfg.MaxIdleTime,
		cleanInterval:  cfg.CleanInterval,
		restarts:       newRestartTracker(),
		done:           make(chan struct{}),
	}
	p.activeChanged = sync.NewCond(&p.mu)

	p.wg.Add(1)
	go p.sweep()

	return p, nil
}

// Get acquires a session for the given application root. It blocks while the
// pool is at capacity and retries instances whose Connect call fails, up to
// maxGetAttempts. The returned container must be passed to Release exactly
// once after the session ends.
func (p *Pool) Get(appRoot string, opts Options) (Session, *Container, error) {
	if appRoot == "" {
		return nil, nil, fmt.Errorf("%w: empty application root", ErrInvalidConfig)
	}

	var connectErr error
	for attempt := 1; attempt <= maxGetAttempts; attempt++ {
		c, err := p.checkout(appRoot, opts)
		if err != nil {
			return nil, nil, err
		}

		sess, err := c.instance.Connect()
		if err == nil {
			return sess, c, nil
		}
		connectErr = err

		log.Warn().
			Str("event", "connect_failed").
			Str("app_root", appRoot).
			Str("instance", c.instance.ID()).
			Int("attempt", attempt).
			Err(err).
			Msg("discarding instance after failed connect")

		p.discard(c)
	}

	return nil, nil, fmt.Errorf(
		"%w for %s after %d attempts: %v",
		ErrConnectFailed, appRoot, maxGetAttempts, connectErr,
	)
}

// checkout runs the select-or-spawn decision tree under the lock. The lock is
// dropped around Spawn and Dispose calls. Every wait, restart purge and
// rejected commit restarts the tree from the top because the pool may have
// changed meanwhile; a freshly spawned instance is attached only after
// commitSpawn re-checks capacity.
func (p *Pool) checkout(appRoot string, opts Options) (*Container, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return nil, ErrPoolClosed
		}

		if d := p.domains[appRoot]; d != nil && p.restarts.NeedsRestart(appRoot) {
			p.purgeDomain(d)
			p.spawner.Reload(appRoot)
			continue
		}

		if d := p.domains[appRoot]; d != nil {
			head := d.containers.Front().Value.(*Container)
			if head.sessions == 0 {
				// Reuse the longest-idle container of this root.
				p.idle.Remove(head.idleEl)
				head.idleEl = nil
				d.containers.MoveToBack(head.domainEl)
				head.sessions = 1
				head.lastUsed = time.Now()
				p.active++
				return head, nil
			}

			if p.count >= p.max || (p.maxPerApp != 0 && d.size >= p.maxPerApp) {
				if p.useGlobalQueue {
					p.globalQueueWaiting++
					p.activeChanged.Wait()
					p.globalQueueWaiting--
					continue
				}
				// Pile onto the least-loaded instance of this root.
				c := d.leastLoaded()
				d.containers.MoveToBack(c.domainEl)
				c.sessions++
				c.lastUsed = time.Now()
				return c, nil
			}

			inst, err := p.spawn(appRoot)
			if err != nil {
				return nil, err
			}
			if c := p.commitSpawn(inst, appRoot, opts); c != nil {
				return c, nil
			}
			continue
		}

		// No domain for this root yet.
		if p.active >= p.max {
			p.activeChanged.Wait()
			continue
		}
		if p.count >= p.max {
			p.evictOldestIdle()
		}

		inst, err := p.spawn(appRoot)
		if err != nil {
			return nil, err
		}
		if c := p.commitSpawn(inst, appRoot, opts); c != nil {
			return c, nil
		}
	}
}

// spawn calls the spawner with the mutex released so unrelated roots keep
// making progress during slow spawns.
func (p *Pool) spawn(appRoot string) (Instance, error) {
	p.mu.Unlock()
	inst, err := p.spawner.Spawn(appRoot)
	p.mu.Lock()

	if err != nil {
		return nil, fmt.Errorf("%w for %s: %v", ErrSpawnFailed, appRoot, err)
	}
	return inst, nil
}

// commitSpawn re-validates capacity after an unlocked spawn and attaches the
// fresh instance as an active container. It returns nil when the slot was
// consumed in the interim; the instance is disposed and the caller retries
// the decision tree.
func (p *Pool) commitSpawn(inst Instance, appRoot string, opts Options) *Container {
	d := p.domains[appRoot]
	full := p.count >= p.max || (p.maxPerApp != 0 && d != nil && d.size >= p.maxPerApp)
	if p.closed || full {
		p.disposeUnlocked(inst)
		return nil
	}

	if d == nil {
		d = newDomain(appRoot, opts.MaxRequests)
		p.domains[appRoot] = d
	}

	now := time.Now()
	c := &Container{
		instance:  inst,
		domain:    d,
		sessions:  1,
		startTime: now,
		lastUsed:  now,
	}
	c.domainEl = d.containers.PushBack(c)
	d.size++
	p.count++
	p.active++
	p.spawns++

	log.Debug().
		Str("event", "instance_spawned").
		Str("app_root", appRoot).
		Str("instance", inst.ID()).
		Int("count", p.count).
		Int("active", p.active).
		Msg("attached fresh instance")

	return c
}

// Release hands a container back after its session ended. Called exactly once
// per successful Get; a container whose domain was purged while the session
// was in flight is dropped silently.
func (p *Pool) Release(c *Container) {
	var dispose Instance

	p.mu.Lock()
	d := c.domain
	if d == nil || p.domains[d.appRoot] != d || c.sessions <= 0 {
		// Stale cursor after a concurrent purge, or a double release.
		p.mu.Unlock()
		return
	}

	c.processed++
	if d.maxRequests > 0 && c.processed >= d.maxRequests {
		dispose = c.instance
		p.remove(c)
		p.retired++
		log.Debug().
			Str("event", "instance_retired").
			Str("app_root", d.appRoot).
			Str("instance", dispose.ID()).
			Uint64("processed", c.processed).
			Msg("request cap reached")
	} else {
		c.sessions--
		c.lastUsed = time.Now()
		if c.sessions == 0 {
			d.containers.MoveToFront(c.domainEl)
			c.idleEl = p.idle.PushBack(c)
			p.active--
		}
	}
	p.activeChanged.Broadcast()
	p.mu.Unlock()

	if dispose != nil {
		dispose.Dispose()
	}
}

// discard drops a container whose instance failed to connect. The container
// still counts as active here; remove() settles both counters from its
// session state.
func (p *Pool) discard(c *Container) {
	p.mu.Lock()
	if d := c.domain; d != nil && p.domains[d.appRoot] == d {
		p.remove(c)
		p.activeChanged.Broadcast()
	}
	p.mu.Unlock()

	c.instance.Dispose()
}

// remove detaches a container from its domain list and, when idle, from the
// idle registry, fixing count/active and dropping an emptied domain together
// with its restart record. Callers dispose the instance.
func (p *Pool) remove(c *Container) {
	d := c.domain
	d.containers.Remove(c.domainEl)
	c.domainEl = nil
	d.size--

	if c.idleEl != nil {
		p.idle.Remove(c.idleEl)
		c.idleEl = nil
	}
	if c.sessions > 0 {
		p.active--
	}
	p.count--
	c.domain = nil

	if d.size == 0 {
		delete(p.domains, d.appRoot)
		p.restarts.Forget(d.appRoot)
	}
}

// evictOldestIdle frees one slot by removing the longest-idle container
// across all roots: the head of the idle registry.
func (p *Pool) evictOldestIdle() {
	front := p.idle.Front()
	if front == nil {
		return
	}
	c := front.Value.(*Container)
	inst := c.instance
	root := c.domain.appRoot

	p.remove(c)
	p.evictions++

	log.Debug().
		Str("event", "instance_evicted").
		Str("app_root", root).
		Str("instance", inst.ID()).
		Msg("evicted longest-idle instance to make room")

	p.disposeUnlocked(inst)
}

// purgeDomain removes every container of a domain after a restart trigger.
func (p *Pool) purgeDomain(d *Domain) {
	root := d.appRoot
	var victims []Instance
	for e := d.containers.Front(); e != nil; {
		next := e.Next()
		c := e.Value.(*Container)
		victims = append(victims, c.instance)
		p.remove(c)
		e = next
	}
	p.activeChanged.Broadcast()

	log.Info().
		Str("event", "domain_restarted").
		Str("app_root", root).
		Int("purged", len(victims)).
		Msg("restart trigger consumed, domain purged")

	p.mu.Unlock()
	for _, inst := range victims {
		inst.Dispose()
	}
	p.mu.Lock()
}

// disposeUnlocked releases the mutex around a Dispose call.
func (p *Pool) disposeUnlocked(inst Instance) {
	p.mu.Unlock()
	inst.Dispose()
	p.mu.Lock()
}

// sweep periodically retires containers idle longer than maxIdleTime.
func (p *Pool) sweep() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		interval := p.cleanInterval
		p.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-p.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		p.reapIdle()
	}
}

// reapIdle walks the idle registry once and removes expired containers.
func (p *Pool) reapIdle() {
	var victims []Instance

	p.mu.Lock()
	if p.maxIdleTime > 0 {
		cutoff := time.Now().Add(-p.maxIdleTime)
		for e := p.idle.Front(); e != nil; {
			next := e.Next()
			c := e.Value.(*Container)
			if c.lastUsed.Before(cutoff) {
				victims = append(victims, c.instance)
				p.remove(c)
				p.expired++
			}
			e = next
		}
	}
	p.mu.Unlock()

	for _, inst := range victims {
		log.Debug().
			Str("event", "instance_expired").
			Str("instance", inst.ID()).
			Msg("idle instance reclaimed")
		inst.Dispose()
	}
}

// Shutdown stops the sweeper and drains every domain. Every instance is
// disposed, including instances with sessions still in flight; release calls
// for those sessions become no-ops.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)

	var victims []Instance
	for _, d := range p.domains {
		for e := d.containers.Front(); e != nil; e = e.Next() {
			c := e.Value.(*Container)
			victims = append(victims, c.instance)
			c.domain = nil
			c.domainEl = nil
			c.idleEl = nil
		}
		p.restarts.Forget(d.appRoot)
	}
	p.domains = make(map[string]*Domain)
	p.idle.Init()
	p.count = 0
	p.active = 0
	p.activeChanged.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
	for _, inst := range victims {
		inst.Dispose()
	}

	log.Info().
		Str("event", "pool_shutdown").
		Int("disposed", len(victims)).
		Msg("pool drained")
}

// SetMax reconfigures the pool-wide ceiling. A live decrease is tolerated:
// count drains toward the new ceiling via releases and sweeps.
func (p *Pool) SetMax(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: max must be at least 1", ErrInvalidConfig)
	}
	p.mu.Lock()
	p.max = n
	p.activeChanged.Broadcast()
	p.mu.Unlock()
	return nil
}

// SetMaxPerApp reconfigures the per-root cap; 0 disables it.
func (p *Pool) SetMaxPerApp(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: max per app must not be negative", ErrInvalidConfig)
	}
	p.mu.Lock()
	p.maxPerApp = n
	p.activeChanged.Broadcast()
	p.mu.Unlock()
	return nil
}

// SetUseGlobalQueue toggles blocking overflow mode; effective on the next
// acquisition decision.
func (p *Pool) SetUseGlobalQueue(on bool) {
	p.mu.Lock()
	p.useGlobalQueue = on
	p.mu.Unlock()
}

// SetMaxIdleTime reconfigures idle expiry; 0 disables it.
func (p *Pool) SetMaxIdleTime(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: max idle time must not be negative", ErrInvalidConfig)
	}
	p.mu.Lock()
	p.maxIdleTime = d
	p.mu.Unlock()
	return nil
}

// SetCleanInterval reconfigures the sweeper period, picked up on its next wake.
func (p *Pool) SetCleanInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: clean interval must be positive", ErrInvalidConfig)
	}
	p.mu.Lock()
	p.cleanInterval = d
	p.mu.Unlock()
	return nil
}
