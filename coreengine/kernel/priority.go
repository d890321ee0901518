package kernel

import "sync"

// maxInheritanceDepth bounds transitive propagation along a chain of holders.
const maxInheritanceDepth = 32

// PriorityManager tracks named kernel locks and applies priority inheritance:
// while a process waits on a lock, the holder runs at least at the waiter's
// effective priority. The boost is dropped as soon as the lock is released.
type PriorityManager struct {
	table  *ProcessTable
	logger Logger

	mu      sync.Mutex
	holders map[string]PID
	waiters map[string][]PID
	held    map[PID]map[string]struct{}
	waiting map[PID]string

	// onRaise runs outside mu for every process whose inherited band rose.
	onRaise func(PID)
	raised  []PID
}

// NewPriorityManager creates a manager over table.
func NewPriorityManager(table *ProcessTable, logger Logger) *PriorityManager {
	return &PriorityManager{
		table:   table,
		logger:  logger,
		holders: make(map[string]PID),
		waiters: make(map[string][]PID),
		held:    make(map[PID]map[string]struct{}),
		waiting: make(map[PID]string),
	}
}

// Acquire takes resource for pid. When another process holds it, pid is
// queued as a waiter, the holder chain is boosted, and false is returned.
func (pm *PriorityManager) Acquire(pid PID, resource string) bool {
	pm.mu.Lock()
	defer pm.unlockAndNotify()

	holder, taken := pm.holders[resource]
	if !taken || holder == pid {
		pm.grantLocked(pid, resource)
		return true
	}

	if pm.waiting[pid] != resource {
		pm.removeWaiterLocked(pid)
		pm.waiters[resource] = append(pm.waiters[resource], pid)
		pm.waiting[pid] = resource
	}
	pm.recomputeLocked(holder, 0)

	if pm.logger != nil {
		pm.logger.Debug("lock_contended",
			"resource", resource,
			"holder", uint64(holder),
			"waiter", uint64(pid),
		)
	}
	return false
}

// Release drops resource if pid holds it and hands it to the most urgent waiter.
// It returns the new holder, or NoPID.
func (pm *PriorityManager) Release(pid PID, resource string) PID {
	pm.mu.Lock()
	defer pm.unlockAndNotify()
	return pm.releaseLocked(pid, resource)
}

// ReleaseAll drops every lock pid holds and withdraws it from every wait queue.
func (pm *PriorityManager) ReleaseAll(pid PID) {
	pm.mu.Lock()
	defer pm.unlockAndNotify()

	for resource := range pm.held[pid] {
		pm.releaseLocked(pid, resource)
	}
	if resource, ok := pm.waiting[pid]; ok {
		pm.removeWaiterLocked(pid)
		if holder, ok := pm.holders[resource]; ok {
			pm.recomputeLocked(holder, 0)
		}
	}
	delete(pm.held, pid)
	if pcb, ok := pm.table.Get(pid); ok {
		pcb.inherited.Store(bandNone)
	}
}

func (pm *PriorityManager) unlockAndNotify() {
	raised := pm.raised
	pm.raised = nil
	pm.mu.Unlock()
	if pm.onRaise == nil {
		return
	}
	for _, pid := range raised {
		pm.onRaise(pid)
	}
}

// Holder returns the current holder of resource.
func (pm *PriorityManager) Holder(resource string) (PID, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pid, ok := pm.holders[resource]
	return pid, ok
}

// Waiters returns the processes queued on resource in arrival order.
func (pm *PriorityManager) Waiters(resource string) []PID {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return append([]PID(nil), pm.waiters[resource]...)
}

func (pm *PriorityManager) grantLocked(pid PID, resource string) {
	pm.holders[resource] = pid
	set, ok := pm.held[pid]
	if !ok {
		set = make(map[string]struct{})
		pm.held[pid] = set
	}
	set[resource] = struct{}{}
	if pm.waiting[pid] == resource {
		pm.removeWaiterLocked(pid)
	}
}

func (pm *PriorityManager) releaseLocked(pid PID, resource string) PID {
	if pm.holders[resource] != pid {
		return NoPID
	}
	delete(pm.holders, resource)
	delete(pm.held[pid], resource)

	next := pm.bestWaiterLocked(resource)
	if next != NoPID {
		pm.grantLocked(next, resource)
		pm.recomputeLocked(next, 0)
	}
	pm.recomputeLocked(pid, 0)
	return next
}

// bestWaiterLocked picks the most urgent waiter, oldest first within a band.
func (pm *PriorityManager) bestWaiterLocked(resource string) PID {
	best, bestBand := NoPID, bandNone+1
	for _, w := range pm.waiters[resource] {
		if b := pm.bandOf(w); b < bestBand {
			best, bestBand = w, b
		}
	}
	return best
}

func (pm *PriorityManager) removeWaiterLocked(pid PID) {
	resource, ok := pm.waiting[pid]
	if !ok {
		return
	}
	delete(pm.waiting, pid)
	queue := pm.waiters[resource]
	for i, w := range queue {
		if w == pid {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(pm.waiters, resource)
	} else {
		pm.waiters[resource] = queue
	}
}

func (pm *PriorityManager) bandOf(pid PID) int {
	pcb, ok := pm.table.Get(pid)
	if !ok {
		return bandNone
	}
	return pcb.EffectivePriority().Band()
}

// recomputeLocked sets pid's inherited band from its current waiters and
// follows the chain when pid itself waits on another holder.
func (pm *PriorityManager) recomputeLocked(pid PID, depth int) {
	if depth > maxInheritanceDepth {
		return
	}
	pcb, ok := pm.table.Get(pid)
	if !ok {
		return
	}

	inherited := bandNone
	for resource := range pm.held[pid] {
		for _, w := range pm.waiters[resource] {
			if b := pm.bandOf(w); b < inherited {
				inherited = b
			}
		}
	}
	before := pcb.EffectivePriority().Band()
	old := pcb.inherited.Swap(int32(inherited))
	if pcb.EffectivePriority().Band() < before {
		pm.raised = append(pm.raised, pid)
	}
	if int(old) != inherited && pm.logger != nil {
		pm.logger.Debug("priority_inherited",
			"pid", uint64(pid),
			"band", inherited,
			"previous_band", int(old),
		)
	}

	if resource, ok := pm.waiting[pid]; ok {
		if holder, ok := pm.holders[resource]; ok && holder != pid {
			pm.recomputeLocked(holder, depth+1)
		}
	}
}
