package pool

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type nopSession struct{}

func (nopSession) Read(_ []byte) (int, error)  { return 0, io.EOF }
func (nopSession) Write(p []byte) (int, error) { return len(p), nil }
func (nopSession) Close() error                { return nil }

type fakeInstance struct {
	id       string
	sp       *fakeSpawner
	disposed atomic.Bool
}

func (i *fakeInstance) ID() string { return i.id }

func (i *fakeInstance) Connect() (Session, error) {
	if i.sp.takeConnectFailure() {
		return nil, errors.New("connection refused")
	}

	return nopSession{}, nil
}

func (i *fakeInstance) Dispose() { i.disposed.Store(true) }

type fakeSpawner struct {
	mu           sync.Mutex
	spawns       int
	reloads      []string
	spawnErr     error
	connectFails int
	instances    []*fakeInstance
}

func (s *fakeSpawner) Spawn(appRoot string) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.spawnErr != nil {
		return nil, s.spawnErr
	}

	s.spawns++
	inst := &fakeInstance{id: fmt.Sprintf("%s#%d", appRoot, s.spawns), sp: s}
	s.instances = append(s.instances, inst)

	return inst, nil
}

func (s *fakeSpawner) Reload(appRoot string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloads = append(s.reloads, appRoot)
}

func (s *fakeSpawner) takeConnectFailure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connectFails > 0 {
		s.connectFails--

		return true
	}

	return false
}

func (s *fakeSpawner) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.spawns
}

func (s *fakeSpawner) reloadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.reloads)
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeSpawner) {
	t.Helper()

	sp := &fakeSpawner{}
	if cfg.CleanInterval == 0 {
		cfg.CleanInterval = time.Hour // keep the sweeper quiet unless a test drives it
	}

	p, err := New(sp, cfg)
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)

	return p, sp
}

// checkInvariants verifies the cross-entity invariants that must hold
// whenever the lock is free: count bookkeeping, list ordering, idle
// membership, cursor integrity and restart table keys.
func checkInvariants(t *testing.T, p *Pool) {
	t.Helper()

	p.mu.Lock()
	defer p.mu.Unlock()

	sum := 0
	for root, d := range p.domains {
		require.Positive(t, d.size, "domain %s must not be empty", root)
		require.Equal(t, d.size, d.containers.Len(), "domain %s size drifted", root)
		sum += d.size

		seenActive := false
		for e := d.containers.Front(); e != nil; e = e.Next() {
			c := e.Value.(*Container)
			require.Equal(t, d, c.domain)
			require.Equal(t, c, c.domainEl.Value)

			if c.sessions > 0 {
				seenActive = true
				require.Nil(t, c.idleEl, "active container in idle registry")
			} else {
				require.False(t, seenActive, "idle container after active one in %s", root)
				require.NotNil(t, c.idleEl, "idle container missing from idle registry")
			}
		}
	}

	require.Equal(t, sum, p.count, "count must equal sum of domain sizes")
	require.GreaterOrEqual(t, p.active, 0)
	require.LessOrEqual(t, p.active, p.count)
	require.Equal(t, p.count-p.active, p.idle.Len(), "idle registry size drifted")

	for e := p.idle.Front(); e != nil; e = e.Next() {
		c := e.Value.(*Container)
		require.NotNil(t, c.domain, "idle entry detached from its domain")
		require.Zero(t, c.sessions)
	}

	for root := range p.restarts.seen {
		_, ok := p.domains[root]
		require.True(t, ok, "restart record for dead domain %s", root)
	}
}

func TestReuseIdle(t *testing.T) {
	t.Parallel()

	p, sp := newTestPool(t, Config{Max: 2})

	_, c1, err := p.Get("/a", Options{})
	require.NoError(t, err)
	p.Release(c1)

	_, c2, err := p.Get("/a", Options{})
	require.NoError(t, err)

	require.Same(t, c1, c2, "idle container must be reused")
	require.Equal(t, 1, sp.spawnCount())

	stats := p.Stats()
	require.Equal(t, 1, stats.Count)
	require.Equal(t, 1, stats.Active)
	checkInvariants(t, p)
}

func TestSpawnWithinCapacity(t *testing.T) {
	t.Parallel()

	p, sp := newTestPool(t, Config{Max: 3})

	var wg sync.WaitGroup
	containers := make([]*Container, 3)
	for i := range containers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, c, err := p.Get("/a", Options{})
			if err != nil {
				t.Errorf("get: %v", err)

				return
			}
			containers[i] = c
		}(i)
	}
	wg.Wait()

	require.Equal(t, 3, sp.spawnCount())

	stats := p.Stats()
	require.Equal(t, 3, stats.Count)
	require.Equal(t, 3, stats.Active)
	require.Zero(t, stats.Idle)
	checkInvariants(t, p)
}

func TestOverflowSharesInstance(t *testing.T) {
	t.Parallel()

	p, sp := newTestPool(t, Config{Max: 1})

	_, c1, err := p.Get("/a", Options{})
	require.NoError(t, err)

	_, c2, err := p.Get("/a", Options{})
	require.NoError(t, err)

	require.Same(t, c1, c2, "overflow must pile onto the existing instance")
	require.Equal(t, 1, sp.spawnCount())

	stats := p.Stats()
	require.Equal(t, 1, stats.Count)
	require.Equal(t, 1, stats.Active)
	checkInvariants(t, p)
}

func TestGlobalQueueWait(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, Config{Max: 1, UseGlobalQueue: true})

	_, c1, err := p.Get("/a", Options{})
	require.NoError(t, err)

	got := make(chan *Container, 1)
	go func() {
		_, c2, err := p.Get("/a", Options{})
		if err != nil {
			t.Errorf("queued get: %v", err)
		}
		got <- c2
	}()

	require.Eventually(t, func() bool {
		return p.Stats().GlobalQueueWaiting == 1
	}, time.Second, time.Millisecond, "second acquisition must block on the global queue")

	p.Release(c1)

	select {
	case c2 := <-got:
		require.Same(t, c1, c2, "waiter must pick up the released container")
	case <-time.After(time.Second):
		t.Fatal("waiter never woke up after release")
	}

	require.Zero(t, p.Stats().GlobalQueueWaiting)
	checkInvariants(t, p)
}

func TestEvictionAcrossRoots(t *testing.T) {
	t.Parallel()

	p, sp := newTestPool(t, Config{Max: 1})

	_, c1, err := p.Get("/a", Options{})
	require.NoError(t, err)
	victim := c1.Instance().(*fakeInstance)
	p.Release(c1)

	_, _, err = p.Get("/b", Options{})
	require.NoError(t, err)

	require.Equal(t, 2, sp.spawnCount())
	require.True(t, victim.disposed.Load(), "evicted instance must be disposed")

	stats := p.Stats()
	require.Equal(t, 1, stats.Count)
	require.Len(t, stats.Domains, 1)
	require.Equal(t, "/b", stats.Domains[0].AppRoot)
	checkInvariants(t, p)
}

func TestRestartTrigger(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p, sp := newTestPool(t, Config{Max: 2})

	_, c1, err := p.Get(root, Options{})
	require.NoError(t, err)
	old := c1.Instance().(*fakeInstance)
	p.Release(c1)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "tmp"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "tmp", "restart.txt"), nil, 0o644))

	_, c2, err := p.Get(root, Options{})
	require.NoError(t, err)

	require.NotSame(t, c1, c2, "restart must purge the old container")
	require.True(t, old.disposed.Load())
	require.Equal(t, 2, sp.spawnCount())
	require.Equal(t, 1, sp.reloadCount())

	// Trigger is consumed: the next acquisition must not purge again.
	p.Release(c2)
	_, c3, err := p.Get(root, Options{})
	require.NoError(t, err)
	require.Same(t, c2, c3)
	require.Equal(t, 2, sp.spawnCount())
	require.Equal(t, 1, sp.reloadCount())
	checkInvariants(t, p)
}

func TestRequestCapRetiresInstance(t *testing.T) {
	t.Parallel()

	p, sp := newTestPool(t, Config{Max: 2})

	var first *Container
	for i := 0; i < 3; i++ {
		_, c, err := p.Get("/a", Options{MaxRequests: 3})
		require.NoError(t, err)
		if first == nil {
			first = c
		} else {
			require.Same(t, first, c, "cycles below the cap must reuse the container")
		}
		p.Release(c)
	}

	stats := p.Stats()
	require.Zero(t, stats.Count, "third release must retire the container")
	require.Equal(t, uint64(1), stats.Retired)
	require.True(t, first.Instance().(*fakeInstance).disposed.Load())

	_, c, err := p.Get("/a", Options{MaxRequests: 3})
	require.NoError(t, err)
	require.NotSame(t, first, c)
	require.Equal(t, 2, sp.spawnCount())
	checkInvariants(t, p)
}

func TestConnectRetry(t *testing.T) {
	t.Parallel()

	p, sp := newTestPool(t, Config{Max: 2})
	sp.connectFails = 2

	_, _, err := p.Get("/a", Options{})
	require.NoError(t, err, "third attempt must succeed")
	require.Equal(t, 3, sp.spawnCount())

	stats := p.Stats()
	require.Equal(t, 1, stats.Count)
	require.Equal(t, 1, stats.Active)

	disposed := 0
	for _, inst := range sp.instances {
		if inst.disposed.Load() {
			disposed++
		}
	}
	require.Equal(t, 2, disposed, "both crashed instances must be disposed")
	checkInvariants(t, p)
}

func TestConnectRetryExhausted(t *testing.T) {
	t.Parallel()

	p, sp := newTestPool(t, Config{Max: 2})
	sp.connectFails = maxGetAttempts + 1

	_, _, err := p.Get("/a", Options{})
	require.ErrorIs(t, err, ErrConnectFailed)
	require.Equal(t, maxGetAttempts, sp.spawnCount())

	stats := p.Stats()
	require.Zero(t, stats.Count)
	require.Zero(t, stats.Active)
	checkInvariants(t, p)
}

func TestSpawnFailurePropagates(t *testing.T) {
	t.Parallel()

	p, sp := newTestPool(t, Config{Max: 2})
	sp.spawnErr = errors.New("no such worker binary")

	_, _, err := p.Get("/a", Options{})
	require.ErrorIs(t, err, ErrSpawnFailed)

	stats := p.Stats()
	require.Zero(t, stats.Count)
	checkInvariants(t, p)
}

func TestMaxPerAppOverflow(t *testing.T) {
	t.Parallel()

	p, sp := newTestPool(t, Config{Max: 10, MaxPerApp: 1})

	_, c1, err := p.Get("/a", Options{})
	require.NoError(t, err)
	_, c2, err := p.Get("/a", Options{})
	require.NoError(t, err)

	require.Same(t, c1, c2)
	require.Equal(t, 1, sp.spawnCount())

	// A different root is not affected by /a's cap.
	_, _, err = p.Get("/b", Options{})
	require.NoError(t, err)
	require.Equal(t, 2, sp.spawnCount())
	checkInvariants(t, p)
}

func TestSweeperExpiresIdle(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, Config{Max: 2, MaxIdleTime: time.Millisecond})

	_, c, err := p.Get("/a", Options{})
	require.NoError(t, err)
	inst := c.Instance().(*fakeInstance)
	p.Release(c)

	time.Sleep(5 * time.Millisecond)
	p.reapIdle()

	stats := p.Stats()
	require.Zero(t, stats.Count)
	require.Equal(t, uint64(1), stats.Expired)
	require.True(t, inst.disposed.Load())
	checkInvariants(t, p)
}

func TestSweeperDisabledByZeroIdleTime(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, Config{Max: 2})
	require.NoError(t, p.SetMaxIdleTime(0))

	_, c, err := p.Get("/a", Options{})
	require.NoError(t, err)
	p.Release(c)

	p.reapIdle()
	require.Equal(t, 1, p.Stats().Count, "zero max idle time must disable expiry")
	checkInvariants(t, p)
}

func TestDoubleReleaseIgnored(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, Config{Max: 2})

	_, c, err := p.Get("/a", Options{})
	require.NoError(t, err)

	p.Release(c)
	p.Release(c)

	stats := p.Stats()
	require.Equal(t, 1, stats.Count)
	require.Zero(t, stats.Active)
	checkInvariants(t, p)
}

func TestReleaseAfterPurgeDropped(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p, _ := newTestPool(t, Config{Max: 3})

	// Session still in flight when the restart purge fires.
	_, inflight, err := p.Get(root, Options{})
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "tmp"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "tmp", "restart.txt"), nil, 0o644))

	_, fresh, err := p.Get(root, Options{})
	require.NoError(t, err)
	require.NotSame(t, inflight, fresh)

	// The stale release must be dropped silently.
	p.Release(inflight)

	stats := p.Stats()
	require.Equal(t, 1, stats.Count)
	require.Equal(t, 1, stats.Active)
	checkInvariants(t, p)
}

func TestGetValidation(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, Config{Max: 2})

	_, _, err := p.Get("", Options{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSetterValidation(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, Config{Max: 2})

	tests := []struct {
		name    string
		call    func() error
		wantErr bool
	}{
		{name: "max zero", call: func() error { return p.SetMax(0) }, wantErr: true},
		{name: "max valid", call: func() error { return p.SetMax(5) }},
		{name: "per app negative", call: func() error { return p.SetMaxPerApp(-1) }, wantErr: true},
		{name: "per app zero disables", call: func() error { return p.SetMaxPerApp(0) }},
		{name: "idle negative", call: func() error { return p.SetMaxIdleTime(-time.Second) }, wantErr: true},
		{name: "idle zero disables", call: func() error { return p.SetMaxIdleTime(0) }},
		{name: "interval zero", call: func() error { return p.SetCleanInterval(0) }, wantErr: true},
		{name: "interval valid", call: func() error { return p.SetCleanInterval(time.Second) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestMaxIncreaseWakesWaiters(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, Config{Max: 1})

	_, c1, err := p.Get("/a", Options{})
	require.NoError(t, err)
	defer p.Release(c1)

	got := make(chan error, 1)
	go func() {
		_, c2, err := p.Get("/b", Options{})
		if err == nil {
			p.Release(c2)
		}
		got <- err
	}()

	// The waiter blocks on capacity; raising max must let it through.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.SetMax(2))

	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke up after max increase")
	}
	checkInvariants(t, p)
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	sp := &fakeSpawner{}
	p, err := New(sp, Config{Max: 2, CleanInterval: time.Hour})
	require.NoError(t, err)

	_, c, err := p.Get("/a", Options{})
	require.NoError(t, err)

	p.Shutdown()

	require.True(t, c.Instance().(*fakeInstance).disposed.Load())
	p.Release(c) // no-op after drain

	_, _, err = p.Get("/a", Options{})
	require.ErrorIs(t, err, ErrPoolClosed)

	p.Shutdown() // idempotent
}

func TestConcurrentChurnKeepsInvariants(t *testing.T) {
	t.Parallel()

	p, sp := newTestPool(t, Config{Max: 4})
	roots := []string{"/a", "/b", "/c"}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				root := roots[(g+i)%len(roots)]
				sess, c, err := p.Get(root, Options{MaxRequests: 20})
				if err != nil {
					t.Errorf("get %s: %v", root, err)

					return
				}
				sess.Close()
				p.Release(c)
			}
		}(g)
	}
	wg.Wait()

	checkInvariants(t, p)

	// Spawner calls can exceed attached instances when a commit loses the
	// capacity re-check, never the other way around.
	stats := p.Stats()
	require.LessOrEqual(t, stats.Count, 4)
	require.LessOrEqual(t, stats.Spawns, uint64(sp.spawnCount()))
}
