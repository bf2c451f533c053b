// Package latch implements a three-mode page latch: shared, update
// (upgradable, compatible with readers) and exclusive. It generalizes
// latch.Latch (a thin wrapper over sync.RWMutex, which only has two
// modes) with an explicit update mode tracked under a mutex +
// condition variable, since sync.RWMutex has no notion of "one
// upgradable holder coexisting with readers."
package latch

import "sync"

// Mode is one of the three latch modes a page fix can request.
type Mode int

const (
	Shared Mode = iota
	Update
	Exclusive
)

// Latch is a short-term mutex on a buffer-pool page. Distinct from a
// transactional lock (see server/rss/lock): latches are never held
// across a blocking wait for another transaction's lock. The one
// latch held across I/O is buffer.Pool.FlushPage's update latch,
// kept while it forces the log and writes the page.
type Latch struct {
	mu   sync.Mutex
	cond *sync.Cond

	sharedCount int
	updateHeld  bool
	exclHeld    bool
}

func New() *Latch {
	l := &Latch{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Lock acquires the latch in the given mode, blocking as needed.
func (l *Latch) Lock(mode Mode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch mode {
	case Shared:
		for l.exclHeld {
			l.cond.Wait()
		}
		l.sharedCount++
	case Update:
		for l.exclHeld || l.updateHeld {
			l.cond.Wait()
		}
		l.updateHeld = true
	case Exclusive:
		for l.exclHeld || l.updateHeld || l.sharedCount > 0 {
			l.cond.Wait()
		}
		l.exclHeld = true
	}
}

// TryLock attempts to acquire the latch in the given mode without
// blocking, returning false instead of waiting. Nothing in this module
// calls it; the next-key-lock retry protocol uses
// lock.Manager.AcquireConditional.
func (l *Latch) TryLock(mode Mode) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch mode {
	case Shared:
		if l.exclHeld {
			return false
		}
		l.sharedCount++
		return true
	case Update:
		if l.exclHeld || l.updateHeld {
			return false
		}
		l.updateHeld = true
		return true
	case Exclusive:
		if l.exclHeld || l.updateHeld || l.sharedCount > 0 {
			return false
		}
		l.exclHeld = true
		return true
	}
	return false
}

// Unlock releases the latch previously acquired in the given mode.
// Exclusive also clears updateHeld: every upgrade path goes through
// UpgradeUpdateToExclusive, which never clears it, and almost no
// caller downgrades before unfixing, so Unlock(Exclusive) has to
// assume the exclusive hold may have started life as an upgraded
// update latch and release both bits or leave the page poisoned.
func (l *Latch) Unlock(mode Mode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch mode {
	case Shared:
		l.sharedCount--
	case Update:
		l.updateHeld = false
	case Exclusive:
		l.exclHeld = false
		l.updateHeld = false
	}
	l.cond.Broadcast()
}

// UpgradeUpdateToExclusive converts a held update latch into an
// exclusive one, blocking until outstanding shared readers drain.
// Callers upgrade only at the point of mutation, immediately before
// logging. updateHeld is left set until Unlock(Exclusive) or
// DowngradeExclusiveToUpdate clears it, so an update or exclusive
// requester arriving mid-upgrade still sees the page as held; shared
// readers are still admitted until the upgrade completes.
func (l *Latch) UpgradeUpdateToExclusive() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.sharedCount > 0 {
		l.cond.Wait()
	}
	l.exclHeld = true
}

// DowngradeExclusiveToUpdate reverts an upgrade, letting shared
// readers proceed again while the caller retains update-mode priority.
func (l *Latch) DowngradeExclusiveToUpdate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exclHeld = false
	l.updateHeld = true
	l.cond.Broadcast()
}
