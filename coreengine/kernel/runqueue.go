package kernel

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// runEntry is a queued reference to a Ready process.
type runEntry struct {
	pid        PID
	band       int
	seq        uint64
	enqueuedAt time.Time
}

// =============================================================================
// Deque
// =============================================================================

// deque is a growable ring. The owning worker pushes and pops at the bottom;
// thieves and round-robin requeues use the top.
type deque struct {
	mu   sync.Mutex
	buf  []runEntry
	head int
	n    int
	size atomic.Int64
}

func newDeque() *deque {
	return &deque{buf: make([]runEntry, 16)}
}

func (d *deque) grow() {
	buf := make([]runEntry, len(d.buf)*2)
	for i := 0; i < d.n; i++ {
		buf[i] = d.buf[(d.head+i)%len(d.buf)]
	}
	d.buf = buf
	d.head = 0
}

func (d *deque) pushBottom(e runEntry) {
	d.mu.Lock()
	if d.n == len(d.buf) {
		d.grow()
	}
	d.buf[(d.head+d.n)%len(d.buf)] = e
	d.n++
	d.size.Store(int64(d.n))
	d.mu.Unlock()
}

func (d *deque) pushTop(e runEntry) {
	d.mu.Lock()
	if d.n == len(d.buf) {
		d.grow()
	}
	d.head = (d.head - 1 + len(d.buf)) % len(d.buf)
	d.buf[d.head] = e
	d.n++
	d.size.Store(int64(d.n))
	d.mu.Unlock()
}

func (d *deque) popBottom() (runEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.n == 0 {
		return runEntry{}, false
	}
	idx := (d.head + d.n - 1) % len(d.buf)
	e := d.buf[idx]
	d.buf[idx] = runEntry{}
	d.n--
	d.size.Store(int64(d.n))
	return e, true
}

func (d *deque) popTopLocked() (runEntry, bool) {
	if d.n == 0 {
		return runEntry{}, false
	}
	e := d.buf[d.head]
	d.buf[d.head] = runEntry{}
	d.head = (d.head + 1) % len(d.buf)
	d.n--
	d.size.Store(int64(d.n))
	return e, true
}

func (d *deque) popTop() (runEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.popTopLocked()
}

// tryPopTop steals the oldest entry unless the owner is busy with the deque.
func (d *deque) tryPopTop() (runEntry, bool) {
	if d.size.Load() == 0 || !d.mu.TryLock() {
		return runEntry{}, false
	}
	defer d.mu.Unlock()
	return d.popTopLocked()
}

// popTopIfOlder pops the top entry when it has waited longer than age.
func (d *deque) popTopIfOlder(now time.Time, age time.Duration) (runEntry, bool) {
	if d.size.Load() == 0 {
		return runEntry{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.n == 0 || now.Sub(d.buf[d.head].enqueuedAt) < age {
		return runEntry{}, false
	}
	return d.popTopLocked()
}

func (d *deque) len() int {
	return int(d.size.Load())
}

// =============================================================================
// Run Queue
// =============================================================================

// RunQueue holds every Ready process exactly once. Real-time entries share a
// global FIFO; normal and low entries live in per-worker deques. Entries
// pushed without a worker go to a global injector queue.
type RunQueue struct {
	realtime *deque
	injector *deque
	locals   [][2]*deque
	wake     []chan struct{}
	next     atomic.Uint32
}

// NewRunQueue creates queues for workers.
func NewRunQueue(workers int) *RunQueue {
	if workers < 1 {
		workers = 1
	}
	rq := &RunQueue{
		realtime: newDeque(),
		injector: newDeque(),
		locals:   make([][2]*deque, workers),
		wake:     make([]chan struct{}, workers),
	}
	for i := range rq.locals {
		rq.locals[i] = [2]*deque{newDeque(), newDeque()}
		rq.wake[i] = make(chan struct{}, 1)
	}
	return rq
}

// Workers returns the number of local queue sets.
func (rq *RunQueue) Workers() int {
	return len(rq.locals)
}

func (rq *RunQueue) local(worker, band int) *deque {
	if band < bandNormal {
		band = bandNormal
	}
	if band > bandLow {
		band = bandLow
	}
	return rq.locals[worker][band-1]
}

// Push queues e. A worker of -1 targets the injector. front puts the entry
// where its worker will take it next; otherwise it goes behind everything
// else in its band.
func (rq *RunQueue) Push(worker int, e runEntry, front bool) {
	switch {
	case e.band <= bandRealtime:
		rq.realtime.pushBottom(e)
		rq.notifyAll()
		return
	case worker < 0 || worker >= len(rq.locals):
		rq.injector.pushBottom(e)
		rq.notifyAny()
		return
	}
	d := rq.local(worker, e.band)
	if front {
		d.pushBottom(e)
	} else {
		d.pushTop(e)
	}
	rq.notify(worker)
}

func (rq *RunQueue) notify(worker int) {
	select {
	case rq.wake[worker] <- struct{}{}:
	default:
	}
}

func (rq *RunQueue) notifyAny() {
	rq.notify(int(rq.next.Add(1) % uint32(len(rq.wake))))
}

func (rq *RunQueue) notifyAll() {
	for i := range rq.wake {
		rq.notify(i)
	}
}

// Wake returns the channel a worker parks on while idle.
func (rq *RunQueue) Wake(worker int) <-chan struct{} {
	return rq.wake[worker]
}

// PopRealtime takes the oldest real-time entry.
func (rq *RunQueue) PopRealtime() (runEntry, bool) {
	return rq.realtime.popTop()
}

// PopInjector takes the oldest injected entry.
func (rq *RunQueue) PopInjector() (runEntry, bool) {
	return rq.injector.popTop()
}

// PopLocal takes the next entry from worker's own deques, normal band first.
func (rq *RunQueue) PopLocal(worker int) (runEntry, bool) {
	for _, d := range rq.locals[worker] {
		if e, ok := d.popBottom(); ok {
			return e, true
		}
	}
	return runEntry{}, false
}

// Refill moves up to max injected entries, oldest first, onto the local
// deques of worker and returns how many moved.
func (rq *RunQueue) Refill(worker, max int) int {
	moved := 0
	for moved < max {
		e, ok := rq.injector.popTop()
		if !ok {
			break
		}
		rq.local(worker, e.band).pushTop(e)
		moved++
	}
	return moved
}

// Steal makes up to attempts tries against random victims and returns the
// number of tries made.
func (rq *RunQueue) Steal(thief int, rng *rand.Rand, attempts int) (runEntry, bool, int) {
	n := len(rq.locals)
	if n < 2 {
		return runEntry{}, false, 0
	}
	tried := 0
	for tried < attempts {
		victim := rng.IntN(n - 1)
		if victim >= thief {
			victim++
		}
		tried++
		for _, d := range rq.locals[victim] {
			if e, ok := d.tryPopTop(); ok {
				return e, true, tried
			}
		}
	}
	return runEntry{}, false, tried
}

// Promote lifts at most one starving entry per band of worker one band up.
// It returns the PIDs it promoted.
func (rq *RunQueue) Promote(worker int, now time.Time, age time.Duration) []PID {
	if age <= 0 {
		return nil
	}
	var promoted []PID
	if e, ok := rq.locals[worker][bandLow-1].popTopIfOlder(now, age); ok {
		e.band = bandNormal
		e.enqueuedAt = now
		rq.locals[worker][bandNormal-1].pushBottom(e)
		promoted = append(promoted, e.pid)
	}
	if e, ok := rq.locals[worker][bandNormal-1].popTopIfOlder(now, age); ok {
		e.band = bandRealtime
		e.enqueuedAt = now
		rq.realtime.pushBottom(e)
		promoted = append(promoted, e.pid)
	}
	return promoted
}

// LeastLoaded returns the worker with the shortest local queues.
func (rq *RunQueue) LeastLoaded() int {
	best, bestLen := 0, -1
	for i := range rq.locals {
		if l := rq.Len(i); bestLen < 0 || l < bestLen {
			best, bestLen = i, l
		}
	}
	return best
}

// Len returns the local queue length of worker.
func (rq *RunQueue) Len(worker int) int {
	return rq.locals[worker][0].len() + rq.locals[worker][1].len()
}

// RealtimeLen returns the number of queued real-time entries.
func (rq *RunQueue) RealtimeLen() int {
	return rq.realtime.len()
}

// InjectorLen returns the number of injected entries.
func (rq *RunQueue) InjectorLen() int {
	return rq.injector.len()
}

// TotalLen returns every queued entry.
func (rq *RunQueue) TotalLen() int {
	total := rq.RealtimeLen() + rq.InjectorLen()
	for i := range rq.locals {
		total += rq.Len(i)
	}
	return total
}

// Imbalance is the spread between the longest and shortest local queue.
func (rq *RunQueue) Imbalance() int {
	lo, hi := -1, 0
	for i := range rq.locals {
		l := rq.Len(i)
		if lo < 0 || l < lo {
			lo = l
		}
		if l > hi {
			hi = l
		}
	}
	return hi - lo
}
