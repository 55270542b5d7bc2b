package txns

import (
	"errors"
	"sync"

	"github.com/Larkin2512/RelDB/src/pkg/assert"
	"github.com/Larkin2512/RelDB/src/pkg/common"
)

// ErrDeadlockAborted is returned from Acquire when granting the request
// would close a wait-for cycle. The requester is always the victim: its
// thread is the live one able to unwind, roll back and retry.
var ErrDeadlockAborted = errors.New("deadlock detected, requester aborted")

type LockMode uint8

const (
	LockShared LockMode = iota
	LockExclusive
)

func (m LockMode) String() string {
	if m == LockShared {
		return "SHARED"
	}
	return "EXCLUSIVE"
}

// ModeFor maps page access permissions onto lock modes.
func ModeFor(perm common.Permissions) LockMode {
	if perm == common.PermReadWrite {
		return LockExclusive
	}
	return LockShared
}

type waiter struct {
	txnID common.TxnID
	mode  LockMode
	// upgrade waiters already hold shared on the slot and park at the queue
	// head; they are granted the moment they become the sole holder.
	upgrade bool
	granted chan struct{}
}

// slotLock is the lock table entry for one buffer slot: the current holders
// and the FIFO wait queue.
type slotLock struct {
	shared    map[common.TxnID]struct{}
	exclusive common.TxnID
	queue     []*waiter
}

func newSlotLock() *slotLock {
	return &slotLock{
		shared:    make(map[common.TxnID]struct{}),
		exclusive: common.NilTxnID,
	}
}

func (s *slotLock) unlocked() bool {
	return len(s.shared) == 0 && s.exclusive == common.NilTxnID
}

func (s *slotLock) holds(tid common.TxnID) bool {
	if s.exclusive == tid {
		return true
	}
	_, ok := s.shared[tid]
	return ok
}

func (s *slotLock) holdsShared(tid common.TxnID) bool {
	_, ok := s.shared[tid]
	return ok
}

// sufficient reports whether tid already holds a lock at least as strong as
// the requested mode.
func (s *slotLock) sufficient(tid common.TxnID, mode LockMode) bool {
	if s.exclusive == tid {
		return true
	}
	return mode == LockShared && s.holdsShared(tid)
}

func (s *slotLock) hasExclusiveWaiter() bool {
	for _, w := range s.queue {
		if w.mode == LockExclusive {
			return true
		}
	}
	return false
}

func (s *slotLock) dropWaiter(tid common.TxnID) {
	kept := s.queue[:0]
	for _, w := range s.queue {
		if w.txnID != tid {
			kept = append(kept, w)
		}
	}
	s.queue = kept
}

// LockManager hands out shared/exclusive locks keyed by buffer slot index.
// One mutex guards the whole table; waiters park on per-request channels
// that the releasing side closes once it has installed the grant.
type LockManager struct {
	mu       sync.Mutex
	slots    map[common.FrameID]*slotLock
	held     map[common.TxnID]map[common.FrameID]struct{}
	waitsFor dependencyGraph
}

func NewLockManager() *LockManager {
	return &LockManager{
		slots:    make(map[common.FrameID]*slotLock),
		held:     make(map[common.TxnID]map[common.FrameID]struct{}),
		waitsFor: newDependencyGraph(),
	}
}

func (lm *LockManager) slot(id common.FrameID) *slotLock {
	sl, ok := lm.slots[id]
	if !ok {
		sl = newSlotLock()
		lm.slots[id] = sl
	}
	return sl
}

// Acquire blocks until tid holds the requested mode on slot, or fails with
// ErrDeadlockAborted when waiting would close a dependency cycle.
// Re-acquiring a held compatible or stronger lock is a no-op; a sole shared
// holder requesting exclusive upgrades atomically.
func (lm *LockManager) Acquire(tid common.TxnID, slot common.FrameID, mode LockMode) error {
	assert.Assert(tid != common.NilTxnID, "the nil transaction cannot lock slot %d", slot)

	lm.mu.Lock()
	sl := lm.slot(slot)

	if sl.sufficient(tid, mode) {
		lm.mu.Unlock()
		return nil
	}

	if lm.grantable(sl, tid, mode) {
		lm.install(sl, slot, tid, mode)
		lm.mu.Unlock()
		return nil
	}

	w := &waiter{
		txnID:   tid,
		mode:    mode,
		upgrade: sl.holdsShared(tid),
		granted: make(chan struct{}),
	}
	if w.upgrade {
		sl.queue = append([]*waiter{w}, sl.queue...)
	} else {
		sl.queue = append(sl.queue, w)
	}
	lm.rebuildEdges(sl)

	if lm.waitsFor.cyclicFrom(tid) {
		sl.dropWaiter(tid)
		lm.waitsFor.dropWaiter(tid)
		lm.rebuildEdges(sl)
		lm.mu.Unlock()
		return ErrDeadlockAborted
	}
	lm.mu.Unlock()

	<-w.granted
	return nil
}

// grantable implements the compatibility table for a request that is not
// already covered by a held lock. Shared requests additionally yield to any
// queued exclusive waiter so writers cannot starve behind a reader stream.
func (lm *LockManager) grantable(sl *slotLock, tid common.TxnID, mode LockMode) bool {
	if mode == LockShared {
		return sl.exclusive == common.NilTxnID && !sl.hasExclusiveWaiter()
	}
	if sl.holdsShared(tid) {
		// upgrade: granted only while tid is the sole holder
		return len(sl.shared) == 1 && sl.exclusive == common.NilTxnID
	}
	return sl.unlocked() && len(sl.queue) == 0
}

// install records the grant. Caller must have checked grantable.
func (lm *LockManager) install(sl *slotLock, slot common.FrameID, tid common.TxnID, mode LockMode) {
	if mode == LockExclusive {
		delete(sl.shared, tid)
		sl.exclusive = tid
	} else {
		sl.shared[tid] = struct{}{}
	}

	held, ok := lm.held[tid]
	if !ok {
		held = make(map[common.FrameID]struct{})
		lm.held[tid] = held
	}
	held[slot] = struct{}{}
}

// Release drops tid's interest in slot and admits whatever prefix of the
// wait queue now fits. Releasing a lock that is not held is a programming
// error and panics.
func (lm *LockManager) Release(tid common.TxnID, slot common.FrameID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	sl, ok := lm.slots[slot]
	assert.Assert(ok && sl.holds(tid),
		"txn %d releases slot %d it does not hold", tid, slot)

	lm.releaseLocked(sl, slot, tid)
}

func (lm *LockManager) releaseLocked(sl *slotLock, slot common.FrameID, tid common.TxnID) {
	delete(sl.shared, tid)
	if sl.exclusive == tid {
		sl.exclusive = common.NilTxnID
	}
	if held, ok := lm.held[tid]; ok {
		delete(held, slot)
		if len(held) == 0 {
			delete(lm.held, tid)
		}
	}

	lm.admitWaiters(sl, slot)

	if sl.unlocked() && len(sl.queue) == 0 {
		delete(lm.slots, slot)
	}
}

// admitWaiters grants the longest queue prefix compatible with the current
// holders, FIFO. Each grant is installed before the waiter's channel is
// closed, so a woken Acquire returns with the lock already held.
func (lm *LockManager) admitWaiters(sl *slotLock, slot common.FrameID) {
	for len(sl.queue) > 0 {
		w := sl.queue[0]
		if w.upgrade {
			if len(sl.shared) != 1 || !sl.holdsShared(w.txnID) ||
				sl.exclusive != common.NilTxnID {
				break
			}
		} else if w.mode == LockExclusive {
			if !sl.unlocked() {
				break
			}
		} else if sl.exclusive != common.NilTxnID {
			break
		}

		sl.queue = sl.queue[1:]
		lm.install(sl, slot, w.txnID, w.mode)
		lm.waitsFor.dropWaiter(w.txnID)
		close(w.granted)
	}
	lm.rebuildEdges(sl)
}

// rebuildEdges recomputes the wait-for out-edges of every waiter parked on
// this slot: edges to each incompatible holder, plus to incompatible
// waiters queued ahead, which keeps chains blocked behind a queued writer
// visible to the cycle check.
func (lm *LockManager) rebuildEdges(sl *slotLock) {
	for i, w := range sl.queue {
		blockers := make(map[common.TxnID]struct{})

		if sl.exclusive != common.NilTxnID && sl.exclusive != w.txnID {
			blockers[sl.exclusive] = struct{}{}
		}
		if w.mode == LockExclusive {
			for holder := range sl.shared {
				if holder != w.txnID {
					blockers[holder] = struct{}{}
				}
			}
		}
		for _, ahead := range sl.queue[:i] {
			if ahead.txnID == w.txnID {
				continue
			}
			if w.mode == LockExclusive || ahead.mode == LockExclusive {
				blockers[ahead.txnID] = struct{}{}
			}
		}

		lm.waitsFor.setEdges(w.txnID, blockers)
	}
}

// IsHolding reports whether tid holds any lock on slot. Non-blocking.
func (lm *LockManager) IsHolding(tid common.TxnID, slot common.FrameID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	sl, ok := lm.slots[slot]
	return ok && sl.holds(tid)
}

// IsLocked reports whether any transaction holds slot. The buffer pool
// consults it during eviction: a locked slot is never a victim.
func (lm *LockManager) IsLocked(slot common.FrameID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	sl, ok := lm.slots[slot]
	return ok && !sl.unlocked()
}

// ReleaseAll removes tid from every slot's holder set and wait queue.
// Under the one-thread-per-transaction discipline tid cannot be parked in
// Acquire while completing, so the queue sweep is purely defensive.
func (lm *LockManager) ReleaseAll(tid common.TxnID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for _, sl := range lm.slots {
		if len(sl.queue) > 0 {
			sl.dropWaiter(tid)
			lm.rebuildEdges(sl)
		}
	}
	lm.waitsFor.dropWaiter(tid)

	heldSlots := make([]common.FrameID, 0, len(lm.held[tid]))
	for slot := range lm.held[tid] {
		heldSlots = append(heldSlots, slot)
	}
	for _, slot := range heldSlots {
		sl, ok := lm.slots[slot]
		assert.Assert(ok, "txn %d holds slot %d with no lock table entry", tid, slot)
		lm.releaseLocked(sl, slot, tid)
	}
}

// ActiveTransactions lists every transaction currently holding at least one
// lock.
func (lm *LockManager) ActiveTransactions() []common.TxnID {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	out := make([]common.TxnID, 0, len(lm.held))
	for tid := range lm.held {
		out = append(out, tid)
	}
	return out
}

// AreAllQueuesEmpty reports whether no transaction is parked anywhere.
func (lm *LockManager) AreAllQueuesEmpty() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for _, sl := range lm.slots {
		if len(sl.queue) > 0 {
			return false
		}
	}
	return true
}
