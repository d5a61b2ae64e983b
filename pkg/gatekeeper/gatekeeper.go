// Package gatekeeper bounds how many runs and chunks are active at once.
//
// Runs are admitted per project. User-triggered runs are limited by the project's
// ceiling, which is clamped to the platform ceiling. Auto-triggered runs are limited
// to exactly one per project, on top of user-triggered runs.
//
// Chunks are bounded across all runs by slots.
package gatekeeper

import (
	"context"
	"sync"

	"github.com/opst/knitflow/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

// Limits of concurrent runs.
type Limits struct {
	// ceiling of concurrent user-triggered runs for projects not in Projects.
	MaxConcurrentRuns int

	// absolute ceiling which no project can exceed. 0 means no platform ceiling.
	PlatformCeiling int

	// project id -> ceiling of concurrent user-triggered runs
	Projects map[string]int
}

// CeilingOf returns the ceiling of concurrent user-triggered runs of the project.
//
// It is at least 1.
func (l Limits) CeilingOf(projectId string) int {
	n := l.MaxConcurrentRuns
	if c, ok := l.Projects[projectId]; ok {
		n = c
	}
	if 0 < l.PlatformCeiling && l.PlatformCeiling < n {
		n = l.PlatformCeiling
	}
	return max(1, n)
}

// AutoRunsPerProject is the number of auto-triggered runs which can run at once in a project.
const AutoRunsPerProject = 1

type counter struct {
	user int
	auto int
}

func (c *counter) of(t domain.Trigger) *int {
	if t == domain.ByAuto {
		return &c.auto
	}
	return &c.user
}

type waiter struct {
	ticket  uint64
	trigger domain.Trigger
	admit   func()
}

// Gatekeeper admits runs and hands out chunk slots.
//
// It is safe for concurrent use.
type Gatekeeper struct {
	limits Limits

	mu       sync.Mutex
	running  map[string]*counter
	waiting  map[string][]waiter
	tickets  uint64
	slotWake []func()

	slots    *semaphore.Weighted
	capacity int64

	mRunning *prometheus.GaugeVec
	mQueued  prometheus.Gauge
	mChunks  prometheus.Gauge
}

// New creates a Gatekeeper.
//
// # Args
//
// - limits: limits of concurrent runs.
//
// - maxActiveChunks: number of chunk slots. 0 means unlimited.
//
// - reg: registerer for metrics. If nil, metrics are not exported.
func New(limits Limits, maxActiveChunks int, reg prometheus.Registerer) *Gatekeeper {
	g := &Gatekeeper{
		limits:   limits,
		running:  map[string]*counter{},
		waiting:  map[string][]waiter{},
		capacity: int64(max(0, maxActiveChunks)),
	}
	if 0 < g.capacity {
		g.slots = semaphore.NewWeighted(g.capacity)
	}
	g.registerMetrics(reg)
	return g
}

func (g *Gatekeeper) registerMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	g.mRunning = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "knitflow",
		Subsystem: "gatekeeper",
		Name:      "running_runs",
		Help:      "Number of admitted runs, by trigger.",
	}, []string{"trigger"})
	reg.MustRegister(g.mRunning)
	g.mQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "knitflow",
		Subsystem: "gatekeeper",
		Name:      "queued_runs",
		Help:      "Number of runs waiting for admission.",
	})
	reg.MustRegister(g.mQueued)
	g.mChunks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "knitflow",
		Subsystem: "gatekeeper",
		Name:      "active_chunks",
		Help:      "Number of chunk slots in use.",
	})
	reg.MustRegister(g.mChunks)
}

func (g *Gatekeeper) counterOf(projectId string) *counter {
	c, ok := g.running[projectId]
	if !ok {
		c = &counter{}
		g.running[projectId] = c
	}
	return c
}

// g.mu should be held.
func (g *Gatekeeper) tryAdmit(projectId string, trigger domain.Trigger) bool {
	c := g.counterOf(projectId)
	ceiling := AutoRunsPerProject
	if trigger != domain.ByAuto {
		ceiling = g.limits.CeilingOf(projectId)
	}
	n := c.of(trigger)
	if ceiling <= *n {
		return false
	}
	*n += 1
	g.mRunning.WithLabelValues(trigger.String()).Inc()
	return true
}

// TryAdmit admits a run if the project has room for it.
//
// When it returns true, Release should be called exactly once for the run.
func (g *Gatekeeper) TryAdmit(projectId string, trigger domain.Trigger) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tryAdmit(projectId, trigger)
}

// Admit admits a run now, or queues it until it can be admitted.
//
// Queued runs are admitted in FIFO order per project and trigger, when some run
// of the project is released. admit is called on admission, with the lock of
// Gatekeeper held. So, admit should not block nor call Gatekeeper.
//
// # Returns
//
// - bool: true if admitted now. In this case, admit is not called.
//
// - func() bool: withdraw the run from the queue. It returns false if the run is
// already admitted (and so, it should be released).
// For runs admitted now, it does nothing and returns false.
func (g *Gatekeeper) Admit(projectId string, trigger domain.Trigger, admit func()) (bool, func() bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// runs queued earlier come first.
	if !g.hasWaiter(projectId, trigger) && g.tryAdmit(projectId, trigger) {
		return true, func() bool { return false }
	}

	g.tickets += 1
	ticket := g.tickets
	g.waiting[projectId] = append(g.waiting[projectId], waiter{ticket: ticket, trigger: trigger, admit: admit})
	g.mQueued.Inc()

	return false, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		ws := g.waiting[projectId]
		for i := range ws {
			if ws[i].ticket == ticket {
				g.waiting[projectId] = append(ws[:i], ws[i+1:]...)
				g.mQueued.Dec()
				return true
			}
		}
		return false
	}
}

func (g *Gatekeeper) hasWaiter(projectId string, trigger domain.Trigger) bool {
	for _, w := range g.waiting[projectId] {
		if w.trigger == trigger {
			return true
		}
	}
	return false
}

// Release frees room of a run which has been admitted, and admits queued runs.
func (g *Gatekeeper) Release(projectId string, trigger domain.Trigger) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c := g.counterOf(projectId)
	if n := c.of(trigger); 0 < *n {
		*n -= 1
		g.mRunning.WithLabelValues(trigger.String()).Dec()
	}

	ws := g.waiting[projectId]
	rest := ws[:0]
	for _, w := range ws {
		if g.tryAdmit(projectId, w.trigger) {
			g.mQueued.Dec()
			w.admit()
			continue
		}
		rest = append(rest, w)
	}
	if len(rest) == 0 {
		delete(g.waiting, projectId)
	} else {
		g.waiting[projectId] = rest
	}
	if *c == (counter{}) {
		delete(g.running, projectId)
	}
}

// Running returns the number of admitted runs of the project.
func (g *Gatekeeper) Running(projectId string) (user int, auto int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.running[projectId]
	if !ok {
		return 0, 0
	}
	return c.user, c.auto
}

// Queued returns the number of runs waiting for admission in the project.
func (g *Gatekeeper) Queued(projectId string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiting[projectId])
}

// SlotCapacity returns the number of chunk slots. 0 means unlimited.
func (g *Gatekeeper) SlotCapacity() int {
	return int(g.capacity)
}

// TryAcquire takes n chunk slots at once, or nothing.
func (g *Gatekeeper) TryAcquire(n int) bool {
	if n <= 0 {
		return true
	}
	if g.slots != nil && !g.slots.TryAcquire(int64(n)) {
		return false
	}
	g.mChunks.Add(float64(n))
	return true
}

// AcquireSlots takes n chunk slots, waiting until they are available.
func (g *Gatekeeper) AcquireSlots(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if g.slots != nil {
		if err := g.slots.Acquire(ctx, int64(n)); err != nil {
			return err
		}
	}
	g.mChunks.Add(float64(n))
	return nil
}

// ReleaseSlots returns n chunk slots, and calls functions registered by NotifyOnRelease.
func (g *Gatekeeper) ReleaseSlots(n int) {
	if n <= 0 {
		return
	}
	if g.slots != nil {
		g.slots.Release(int64(n))
	}
	g.mChunks.Sub(float64(n))

	g.mu.Lock()
	wake := g.slotWake
	g.slotWake = nil
	g.mu.Unlock()
	for _, f := range wake {
		f()
	}
}

// NotifyOnRelease registers f to be called once, on the next ReleaseSlots.
func (g *Gatekeeper) NotifyOnRelease(f func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.slotWake = append(g.slotWake, f)
}
