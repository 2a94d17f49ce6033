package runner

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestManager(t *testing.T, f *fakeFactory, cfg Config) *Manager {
	t.Helper()
	return NewManager(cfg, nil, testLogger(), WithProcessFactory(f.new))
}

func TestGetOrCreate_ReturnsExisting(t *testing.T) {
	f := newFakeFactory()
	m := newTestManager(t, f, testConfig())
	dir := t.TempDir()

	r1, err := m.GetOrCreate("s1", 100, dir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	r2, err := m.GetOrCreate("s1", 100, dir)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r1 != r2 {
		t.Fatal("expected the same runner for the same session")
	}
	if f.count() != 1 {
		t.Fatalf("expected one process, got %d", f.count())
	}
}

func TestGetOrCreate_SessionLimit(t *testing.T) {
	f := newFakeFactory()
	m := newTestManager(t, f, testConfig()) // limit 2
	dir := t.TempDir()

	for i := 0; i < 2; i++ {
		if _, err := m.GetOrCreate(fmt.Sprintf("s%d", i), 100, dir); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	if _, err := m.GetOrCreate("s2", 100, dir); !errors.Is(err, ErrSessionLimit) {
		t.Fatalf("expected ErrSessionLimit, got %v", err)
	}

	// another user is unaffected
	if _, err := m.GetOrCreate("s3", 200, dir); err != nil {
		t.Fatalf("other user blocked: %v", err)
	}

	// removing one frees the slot
	m.Remove("s0", true)
	if _, err := m.GetOrCreate("s4", 100, dir); err != nil {
		t.Fatalf("create after remove: %v", err)
	}
}

func TestGetOrCreate_SpawnFailureUnregisters(t *testing.T) {
	f := newFakeFactory()
	f.startErrs[0] = errors.New("no such binary")
	m := newTestManager(t, f, testConfig())
	dir := t.TempDir()

	if _, err := m.GetOrCreate("s1", 100, dir); !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
	if m.CountForUser(100) != 0 {
		t.Fatalf("failed spawn must not hold a slot, count %d", m.CountForUser(100))
	}
	if _, err := m.Get("s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed session must be unregistered, got %v", err)
	}

	// retry succeeds once the spawn works
	if _, err := m.GetOrCreate("s1", 100, dir); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestGetOrCreate_ReplacesTerminated(t *testing.T) {
	f := newFakeFactory()
	m := newTestManager(t, f, testConfig())
	dir := t.TempDir()

	r1, err := m.GetOrCreate("s1", 100, dir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	r1.shutdown(false)

	r2, err := m.GetOrCreate("s1", 100, dir)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if r1 == r2 {
		t.Fatal("terminated runner must be replaced, not reused")
	}
	if r2.State() != StateIdle {
		t.Fatalf("replacement should be idle, got %v", r2.State())
	}
	if m.CountForUser(100) != 1 {
		t.Fatalf("expected one session, got %d", m.CountForUser(100))
	}
}

func TestGetOrCreate_Concurrent(t *testing.T) {
	f := newFakeFactory()
	m := newTestManager(t, f, testConfig())
	dir := t.TempDir()

	var wg sync.WaitGroup
	runners := make([]*Runner, 10)
	for i := range runners {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := m.GetOrCreate("s1", 100, dir)
			if err != nil {
				t.Errorf("concurrent create: %v", err)
				return
			}
			runners[i] = r
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(runners); i++ {
		if runners[i] != runners[0] {
			t.Fatal("concurrent creates must converge on one runner")
		}
	}
	if m.CountForUser(100) != 1 {
		t.Fatalf("expected one session, got %d", m.CountForUser(100))
	}
}

func TestRemove_Idempotent(t *testing.T) {
	f := newFakeFactory()
	m := newTestManager(t, f, testConfig())

	if _, err := m.GetOrCreate("s1", 100, t.TempDir()); err != nil {
		t.Fatalf("create: %v", err)
	}
	m.Remove("s1", true)
	m.Remove("s1", true)
	m.Remove("never-existed", true)

	if _, err := m.Get("s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCleanupSweep_RemovesIdleAndDead(t *testing.T) {
	cfg := testConfig()
	cfg.IdleThreshold = time.Minute

	f := newFakeFactory()
	m := newTestManager(t, f, cfg)
	dir := t.TempDir()

	idle, _ := m.GetOrCreate("idle", 100, dir)
	dead, _ := m.GetOrCreate("dead", 100, dir)
	fresh, _ := m.GetOrCreate("fresh", 200, dir)

	idle.mu.Lock()
	idle.lastActivity = time.Now().Add(-2 * time.Minute)
	idle.mu.Unlock()

	f.proc(1).die()
	_ = dead

	res := m.RunCleanupSweep()
	if res.Removed != 2 {
		t.Fatalf("expected 2 removed, got %d (%v)", res.Removed, res.SessionIDs)
	}

	if _, err := m.Get("idle"); !errors.Is(err, ErrNotFound) {
		t.Fatal("idle session should be swept")
	}
	if _, err := m.Get("dead"); !errors.Is(err, ErrNotFound) {
		t.Fatal("dead session should be swept")
	}
	if _, err := m.Get("fresh"); err != nil {
		t.Fatalf("fresh session must survive: %v", err)
	}
	if fresh.State() == StateTerminated {
		t.Fatal("fresh session must not be terminated")
	}
}

func TestCleanupSweep_SkipsStartingSession(t *testing.T) {
	f := newFakeFactory()
	gate := make(chan struct{})
	f.startGates[0] = gate
	m := newTestManager(t, f, testConfig())
	dir := t.TempDir()

	created := make(chan error, 1)
	go func() {
		_, err := m.GetOrCreate("s1", 100, dir)
		created <- err
	}()
	waitSpawns(t, f, 1)

	// the session has no process yet; a sweep must leave it alone
	res := m.RunCleanupSweep()
	if res.Removed != 0 {
		t.Fatalf("session still starting must not be swept: %+v", res)
	}

	close(gate)
	if err := <-created; err != nil {
		t.Fatalf("create: %v", err)
	}
	r, err := m.Get("s1")
	if err != nil {
		t.Fatalf("session should survive the sweep: %v", err)
	}
	if r.State() != StateIdle {
		t.Fatalf("expected idle once started, got %v", r.State())
	}
}

func TestCleanupSweep_RemovesOverFailureLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHealthFailures = 2

	f := newFakeFactory()
	m := newTestManager(t, f, cfg)

	r, _ := m.GetOrCreate("s1", 100, t.TempDir())
	r.mu.Lock()
	r.healthFailures = 3
	r.mu.Unlock()

	res := m.RunCleanupSweep()
	if res.Removed != 1 {
		t.Fatalf("expected 1 removed, got %d", res.Removed)
	}
}

func TestStopAll(t *testing.T) {
	f := newFakeFactory()
	m := newTestManager(t, f, testConfig())
	dir := t.TempDir()

	r1, _ := m.GetOrCreate("s1", 100, dir)
	r2, _ := m.GetOrCreate("s2", 200, dir)

	m.StopAll(true)

	if r1.State() != StateTerminated || r2.State() != StateTerminated {
		t.Fatal("all runners must be terminated")
	}
	if st := m.Stats(); st.Total != 0 {
		t.Fatalf("registry should be empty, got %+v", st)
	}
}

func TestStats(t *testing.T) {
	f := newFakeFactory()
	m := newTestManager(t, f, testConfig())
	dir := t.TempDir()

	m.GetOrCreate("s1", 100, dir)
	m.GetOrCreate("s2", 200, dir)
	f.proc(1).die()

	st := m.Stats()
	if st.Total != 2 || st.Alive != 1 || st.Users != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.TurnTimeout != 600*time.Second {
		t.Fatalf("turn timeout default: %v", cfg.TurnTimeout)
	}
	if cfg.MaxSessionsPerUser != 5 {
		t.Fatalf("session limit default: %d", cfg.MaxSessionsPerUser)
	}
	if cfg.IdleThreshold != 30*time.Minute {
		t.Fatalf("idle threshold default: %v", cfg.IdleThreshold)
	}
	if cfg.SweepInterval != 5*time.Minute {
		t.Fatalf("sweep interval default: %v", cfg.SweepInterval)
	}
	if cfg.QueueCeiling != 1000 {
		t.Fatalf("queue ceiling default: %d", cfg.QueueCeiling)
	}
	if cfg.GracePeriod != 5*time.Second {
		t.Fatalf("grace period default: %v", cfg.GracePeriod)
	}
}
