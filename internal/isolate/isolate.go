// Package isolate implements the Isolate Pool (§4.3): a bounded set of
// pre-warmed JavaScript isolates with bootstrap, checkout/return, health,
// and LRU reaping.
//
// Grounded on system/tee/script_engine.go's per-execution goja.New() VM
// construction, generalized from "one VM per call" to "pool of reusable
// VMs keyed by package hash", and on system/tee/engine.go's Start/Stop/
// Health lifecycle contract.
package isolate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	psmem "github.com/shirou/gopsutil/v3/mem"

	"github.com/r3e-network/serverless-gateway/internal/apierrors"
	"github.com/r3e-network/serverless-gateway/internal/obslog"
	"github.com/r3e-network/serverless-gateway/internal/obsmetrics"
)

// State is the lifecycle state of one isolate.
type State string

const (
	StateIdle State = "idle"
	StateBusy State = "busy"
	StateDead State = "dead"
)

// Bootstrap builds the frozen host module graph injected into a fresh VM
// before first use (§4.3's "bootstrap module graph" exposing the Sandbox
// Host API, §4.4). It must be side-effect-free with respect to subsequent
// per-invocation state: Bind is called once per VM, at creation time only.
type Bootstrap interface {
	Bind(vm *goja.Runtime) error
}

// Isolate is one pooled JavaScript execution context.
type Isolate struct {
	ID                  string
	VM                  *goja.Runtime
	mu                  sync.Mutex
	state               State
	lastUsed            time.Time
	loadedPackageHash   string
	memoryEstimateBytes int64
}

func (iso *Isolate) State() State {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	return iso.state
}

// Handle is a short-lived borrow of an Isolate, returned by Acquire. It
// carries no back-reference to the Pool beyond the release callback, so
// Pool and Isolate never form a cyclic ownership graph (§9).
type Handle struct {
	Isolate *Isolate
	release func(healthy bool)
	once    sync.Once
}

// Release returns the isolate to the pool. Calling it more than once is
// safe; only the first call has effect.
func (h *Handle) Release(healthy bool) {
	h.once.Do(func() { h.release(healthy) })
}

// Config bounds and times the pool per §5.
type Config struct {
	MinSize        int
	MaxSize        int
	AcquireTimeout time.Duration
	IdleTTL        time.Duration
	ReapInterval   time.Duration
	// MaxMemoryBytes is the per-isolate memory ceiling used by the health
	// check; exceeding it marks the isolate Dead on release.
	MaxMemoryBytes int64
}

type waiter struct {
	packageHash string
	resultCh    chan *Isolate
}

// Pool manages a bounded set of isolates.
type Pool struct {
	cfg       Config
	bootstrap Bootstrap
	logger    *obslog.Logger
	metrics   *obsmetrics.Metrics

	mu       sync.Mutex
	all      map[string]*Isolate
	idle     []*Isolate
	waiters  []*waiter
	shutdown bool

	cronRunner *cron.Cron
}

// New creates a Pool. bootstrap is applied to every isolate at creation.
func New(cfg Config, bootstrap Bootstrap, logger *obslog.Logger, metrics *obsmetrics.Metrics) *Pool {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 5 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	if cfg.MaxMemoryBytes <= 0 {
		cfg.MaxMemoryBytes = 256 << 20
	}

	p := &Pool{
		cfg:       cfg,
		bootstrap: bootstrap,
		logger:    logger,
		metrics:   metrics,
		all:       make(map[string]*Isolate),
	}

	for i := 0; i < cfg.MinSize; i++ {
		if iso, err := p.newIsolate(); err == nil {
			p.idle = append(p.idle, iso)
		}
	}

	// Background reaper: LRU-reaps idle isolates past IdleTTL beyond
	// MinSize and logs process-wide memory use; the per-isolate memory
	// ceiling is checked in release, not here. Driven by a cron entry the way the pool's ancestry already
	// schedules periodic maintenance work, rather than a bare time.Ticker.
	p.cronRunner = cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %s", cfg.ReapInterval)
	_, _ = p.cronRunner.AddFunc(spec, p.reapOnce)
	p.cronRunner.Start()

	return p
}

func (p *Pool) newIsolate() (*Isolate, error) {
	vm := goja.New()
	if p.bootstrap != nil {
		if err := p.bootstrap.Bind(vm); err != nil {
			return nil, fmt.Errorf("isolate: bootstrap failed: %w", err)
		}
	}
	iso := &Isolate{
		ID:       uuid.New().String(),
		VM:       vm,
		state:    StateIdle,
		lastUsed: time.Now(),
	}
	p.all[iso.ID] = iso
	return iso, nil
}

// Acquire returns an isolate preferring one that already hosts packageHash;
// otherwise a fresh idle isolate, or a newly created one if below MaxSize.
// At MaxSize with no idle isolate, the caller waits FIFO until
// cfg.AcquireTimeout; on timeout it returns apierrors.CapacityExhausted and
// is removed from the queue without claiming an isolate that later frees up.
func (p *Pool) Acquire(ctx context.Context, packageHash, projectID string) (*Handle, error) {
	start := time.Now()
	iso, err := p.acquireIsolate(ctx, packageHash)
	if p.metrics != nil {
		p.metrics.IsolateAcquireTime.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}

	return &Handle{
		Isolate: iso,
		release: func(healthy bool) { p.release(iso, healthy) },
	}, nil
}

func (p *Pool) acquireIsolate(ctx context.Context, packageHash string) (*Isolate, error) {
	p.mu.Lock()

	if iso := p.takeIdlePreferring(packageHash); iso != nil {
		p.mu.Unlock()
		return iso, nil
	}

	if len(p.all) < p.cfg.MaxSize {
		iso, err := p.newIsolate()
		if err != nil {
			p.mu.Unlock()
			return nil, apierrors.Internal("failed to create isolate", err)
		}
		iso.mu.Lock()
		iso.state = StateBusy
		iso.mu.Unlock()
		p.mu.Unlock()
		return iso, nil
	}

	// At capacity: join the FIFO waiter queue.
	w := &waiter{packageHash: packageHash, resultCh: make(chan *Isolate, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case iso, ok := <-w.resultCh:
		if !ok {
			return nil, apierrors.CapacityExhausted(int(p.cfg.AcquireTimeout.Seconds()))
		}
		return iso, nil
	case <-timer.C:
		p.removeWaiter(w)
		return nil, apierrors.CapacityExhausted(int(p.cfg.AcquireTimeout.Seconds()))
	case <-ctx.Done():
		p.removeWaiter(w)
		return nil, ctx.Err()
	}
}

func (p *Pool) takeIdlePreferring(packageHash string) *Isolate {
	// Prefer an idle isolate already hosting packageHash.
	for i, iso := range p.idle {
		if iso.loadedPackageHash == packageHash {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			iso.mu.Lock()
			iso.state = StateBusy
			iso.mu.Unlock()
			return iso
		}
	}
	if len(p.idle) == 0 {
		return nil
	}
	iso := p.idle[0]
	p.idle = p.idle[1:]
	iso.mu.Lock()
	iso.state = StateBusy
	iso.mu.Unlock()
	return iso
}

// removeWaiter takes target out of the queue. If release already handed
// target an isolate, that isolate goes back to the pool rather than staying
// stranded in target's channel.
func (p *Pool) removeWaiter(target *waiter) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()
	if iso, ok := <-target.resultCh; ok && iso != nil {
		p.release(iso, true)
	}
}

// MarkLoaded records that iso now hosts packageHash, called by the
// Execution Engine after a successful package load.
func MarkLoaded(iso *Isolate, packageHash string) {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	iso.loadedPackageHash = packageHash
}

// LoadedPackageHash reports what iso currently has loaded.
func LoadedPackageHash(iso *Isolate) string {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	return iso.loadedPackageHash
}

// release returns iso to the pool (if healthy) or destroys it (if not),
// then hands a healthy isolate to the oldest waiter, if any, whatever
// package hash that waiter asked for.
func (p *Pool) release(iso *Isolate, healthy bool) {
	iso.mu.Lock()
	iso.lastUsed = time.Now()
	if !healthy || iso.memoryEstimateBytes > p.cfg.MaxMemoryBytes {
		iso.state = StateDead
	} else {
		iso.state = StateIdle
	}
	dead := iso.state == StateDead
	iso.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if dead {
		delete(p.all, iso.ID)
		p.satisfyWaiterOrCreate()
		return
	}

	if w := p.popWaiterFor(iso.loadedPackageHash); w != nil {
		iso.mu.Lock()
		iso.state = StateBusy
		iso.mu.Unlock()
		w.resultCh <- iso
		return
	}

	p.idle = append(p.idle, iso)
}

// satisfyWaiterOrCreate is called after a dead isolate is removed, to keep
// the pool from stalling at MaxSize-1 with waiters still queued.
func (p *Pool) satisfyWaiterOrCreate() {
	if len(p.waiters) == 0 {
		return
	}
	iso, err := p.newIsolate()
	if err != nil {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	iso.mu.Lock()
	iso.state = StateBusy
	iso.mu.Unlock()
	w.resultCh <- iso
}

func (p *Pool) popWaiterFor(_ string) *waiter {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	return w
}

// reapOnce runs one LRU-reap + health sweep pass.
func (p *Pool) reapOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return
	}

	// Process-wide memory sampling: goja isolates share one OS process, so
	// there is no per-isolate RSS to read. Used as a coarse early-warning
	// signal in the reaper log only. The per-isolate check is release's
	// comparison of memoryEstimateBytes against MaxMemoryBytes; nothing in
	// this codebase updates memoryEstimateBytes, so it stays 0.
	if vm, err := psmem.VirtualMemory(); err == nil && p.logger != nil {
		p.logger.WithFields(map[string]interface{}{
			"used_percent": vm.UsedPercent,
		}).Debug("isolate pool reap sweep: process memory")
	}

	kept := p.idle[:0]
	now := time.Now()
	for _, iso := range p.idle {
		idleFor := now.Sub(iso.lastUsed)
		tooOld := idleFor > p.cfg.IdleTTL && len(p.all) > p.cfg.MinSize
		if tooOld {
			delete(p.all, iso.ID)
			continue
		}
		kept = append(kept, iso)
	}
	p.idle = kept

	if p.metrics != nil {
		idleCount := len(p.idle)
		busyCount := len(p.all) - idleCount
		p.metrics.IsolatePoolSize.WithLabelValues(string(StateIdle)).Set(float64(idleCount))
		p.metrics.IsolatePoolSize.WithLabelValues(string(StateBusy)).Set(float64(busyCount))
	}
}

// Shutdown drains the pool: stops the reaper and fails any queued waiters.
func (p *Pool) Shutdown(_ context.Context) error {
	p.mu.Lock()
	p.shutdown = true
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	p.cronRunner.Stop()

	for _, w := range waiters {
		close(w.resultCh)
	}
	return nil
}
