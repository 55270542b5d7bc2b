package bufferpool

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Larkin2512/RelDB/src/pkg/assert"
	"github.com/Larkin2512/RelDB/src/pkg/common"
	"github.com/Larkin2512/RelDB/src/storage"
	"github.com/Larkin2512/RelDB/src/storage/page"
	"github.com/Larkin2512/RelDB/src/storage/record"
	"github.com/Larkin2512/RelDB/src/txns"
)

// ErrNoEvictablePage means every slot holds a dirty or locked page: the
// workload exceeds the buffer capacity and the requesting transaction must
// abort to make progress.
var ErrNoEvictablePage = errors.New("no evictable page: every slot is dirty or locked")

// Pool is the transactional page cache. It buffers a fixed number of pages,
// couples every access to a per-slot shared/exclusive lock, and enforces
// the NO-STEAL policy: a page dirtied by an uncommitted transaction never
// reaches disk through eviction.
//
// One mutex guards the slot array and eviction cursor. Lock waits happen
// outside it, so a blocked GetPage never stalls unrelated pool traffic.
type Pool struct {
	mu       sync.Mutex
	frames   []*page.HeapPage
	evictIdx int

	lock    *txns.LockManager
	catalog storage.Catalog
	wal     storage.WAL
	log     *zap.SugaredLogger
}

var _ storage.PageFetcher = (*Pool)(nil)

func New(
	numPages int,
	lock *txns.LockManager,
	catalog storage.Catalog,
	wal storage.WAL,
	log *zap.SugaredLogger,
) *Pool {
	assert.Assert(numPages > 0, "pool size must be greater than zero")

	return &Pool{
		frames:  make([]*page.HeapPage, numPages),
		lock:    lock,
		catalog: catalog,
		wal:     wal,
		log:     log,
	}
}

func (p *Pool) Capacity() int { return len(p.frames) }

// Lock exposes the pool's lock manager to the surrounding engine.
func (p *Pool) Lock() *txns.LockManager { return p.lock }

// GetPage returns the cached page for pid, loading it from the table's
// storage backend on a miss. The requested permission is acquired on the
// page's slot before the call returns; the reference stays valid for as
// long as the caller keeps that lock.
//
// Fails with txns.ErrDeadlockAborted when the lock wait would deadlock and
// with ErrNoEvictablePage when a miss finds every slot dirty or locked.
func (p *Pool) GetPage(
	tid common.TxnID,
	pid common.PageIdentity,
	perm common.Permissions,
) (*page.HeapPage, error) {
	mode := txns.ModeFor(perm)

	for {
		p.mu.Lock()

		empty := -1
		found := -1
		for i, pg := range p.frames {
			if pg == nil {
				empty = i
			} else if pg.ID() == pid {
				found = i
			}
		}

		if found >= 0 {
			p.mu.Unlock()
			if err := p.lock.Acquire(tid, common.FrameID(found), mode); err != nil {
				return nil, err
			}

			p.mu.Lock()
			if pg := p.frames[found]; pg != nil && pg.ID() == pid {
				p.mu.Unlock()
				return pg, nil
			}
			// the slot mutated while we waited for its lock; if we had
			// held it before the wait, eviction would have skipped it, so
			// this lock is ours alone to drop
			p.mu.Unlock()
			p.lock.Release(tid, common.FrameID(found))
			continue
		}

		if empty < 0 {
			if err := p.evictLocked(); err != nil {
				p.mu.Unlock()
				return nil, err
			}
			p.mu.Unlock()
			continue
		}

		p.mu.Unlock()
		if err := p.lock.Acquire(tid, common.FrameID(empty), mode); err != nil {
			return nil, err
		}

		p.mu.Lock()
		if pg := p.frames[empty]; pg != nil {
			if pg.ID() == pid {
				p.mu.Unlock()
				return pg, nil
			}
			p.mu.Unlock()
			p.lock.Release(tid, common.FrameID(empty))
			continue
		}
		if p.resident(pid) {
			// somebody loaded pid elsewhere while we waited
			p.mu.Unlock()
			p.lock.Release(tid, common.FrameID(empty))
			continue
		}

		// fill under the slot lock
		pg, err := p.readFromBackend(pid)
		if err != nil {
			p.mu.Unlock()
			p.lock.Release(tid, common.FrameID(empty))
			return nil, err
		}
		p.frames[empty] = pg
		p.mu.Unlock()
		return pg, nil
	}
}

func (p *Pool) resident(pid common.PageIdentity) bool {
	for _, pg := range p.frames {
		if pg != nil && pg.ID() == pid {
			return true
		}
	}
	return false
}

func (p *Pool) readFromBackend(pid common.PageIdentity) (*page.HeapPage, error) {
	file, err := p.catalog.DbFile(pid.TableID)
	if err != nil {
		return nil, err
	}
	pg, err := file.ReadPage(pid)
	if err != nil {
		return nil, err
	}
	p.log.Debugw("page loaded", "page", pid)
	return pg, nil
}

// evictLocked frees one slot under the NO-STEAL clock: the cursor rotates
// past dirty and locked slots until a clean unlocked resident page turns
// up. A clean page needs no log work, the slot is just emptied.
// Caller holds p.mu.
func (p *Pool) evictLocked() error {
	start := p.evictIdx
	for {
		pg := p.frames[p.evictIdx]
		if pg != nil &&
			pg.Dirtier() == common.NilTxnID &&
			!p.lock.IsLocked(common.FrameID(p.evictIdx)) {
			break
		}

		p.evictIdx = (p.evictIdx + 1) % len(p.frames)
		if p.evictIdx == start {
			p.log.Warnw("eviction failed", "capacity", len(p.frames))
			return ErrNoEvictablePage
		}
	}

	victim := p.frames[p.evictIdx]
	p.frames[p.evictIdx] = nil
	p.evictIdx = (p.evictIdx + 1) % len(p.frames)
	p.log.Debugw("page evicted", "page", victim.ID())
	return nil
}

// UnsafeReleasePage drops tid's lock on pid's slot without completing the
// transaction. Breaking two-phase locking this way forfeits repeatable
// reads on the page; the only sound use is a read-only probe that will
// never look at the page again.
func (p *Pool) UnsafeReleasePage(tid common.TxnID, pid common.PageIdentity) error {
	p.mu.Lock()
	slot := -1
	for i, pg := range p.frames {
		if pg != nil && pg.ID() == pid {
			slot = i
			break
		}
	}
	p.mu.Unlock()

	if slot < 0 {
		return fmt.Errorf("release %v: page is not resident", pid)
	}
	if !p.lock.IsHolding(tid, common.FrameID(slot)) {
		return fmt.Errorf("release %v: txn %d holds no lock on it", pid, tid)
	}
	p.lock.Release(tid, common.FrameID(slot))
	return nil
}

// HoldsLock reports whether pid is resident and tid holds any lock on its
// slot.
func (p *Pool) HoldsLock(tid common.TxnID, pid common.PageIdentity) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, pg := range p.frames {
		if pg != nil && pg.ID() == pid {
			return p.lock.IsHolding(tid, common.FrameID(i))
		}
	}
	return false
}

// InsertTuple adds t to the table on behalf of tid and marks every page the
// backend touched as dirtied by tid. The backend fetches its pages through
// GetPage with write permission, so locking is already covered.
func (p *Pool) InsertTuple(tid common.TxnID, tableID common.TableID, t *record.Tuple) error {
	file, err := p.catalog.DbFile(tableID)
	if err != nil {
		return err
	}
	dirtied, err := file.InsertTuple(tid, t)
	if err != nil {
		return err
	}
	p.markDirty(tid, dirtied)
	return nil
}

// DeleteTuple removes t from its table, symmetric to InsertTuple. The table
// is named by the tuple's record id.
func (p *Pool) DeleteTuple(tid common.TxnID, t *record.Tuple) error {
	if t.RID == nil {
		return errors.New("delete: tuple has no record id")
	}
	file, err := p.catalog.DbFile(t.RID.Page.TableID)
	if err != nil {
		return err
	}
	dirtied, err := file.DeleteTuple(tid, t)
	if err != nil {
		return err
	}
	p.markDirty(tid, dirtied)
	return nil
}

func (p *Pool) markDirty(tid common.TxnID, pages []*page.HeapPage) {
	for _, pg := range pages {
		pg.MarkDirty(tid)
	}
}

// TransactionComplete commits or aborts tid.
//
// Commit flushes every slot the transaction locks (WAL record and log force
// ahead of each page write) and refreshes before-images; abort empties
// every slot dirtied by tid, so the next GetPage re-reads pre-transaction
// bytes from disk. Only then are the transaction's locks released: the lock
// set is exactly how the pool knows which pages the transaction touched.
//
// A failed commit-time flush is returned with locks still held; the
// transaction is left doubtful for the surrounding engine's recovery.
func (p *Pool) TransactionComplete(tid common.TxnID, commit bool) error {
	p.mu.Lock()
	for i, pg := range p.frames {
		if pg == nil || !p.lock.IsHolding(tid, common.FrameID(i)) {
			continue
		}
		if commit {
			if err := p.flushFrameLocked(i); err != nil {
				p.mu.Unlock()
				return fmt.Errorf("commit txn %d: %w", tid, err)
			}
			pg.SetBeforeImage()
		} else if pg.Dirtier() == tid {
			p.frames[i] = nil
		}
	}
	p.mu.Unlock()

	if commit {
		if err := p.wal.LogCommit(tid); err != nil {
			return err
		}
		if err := p.wal.Force(); err != nil {
			return err
		}
	} else if err := p.wal.LogAbort(tid); err != nil {
		return err
	}

	p.lock.ReleaseAll(tid)
	p.log.Debugw("transaction complete", "txn", tid, "commit", commit)
	return nil
}

// FlushPage writes pid through to its backend if it is resident and dirty.
// Locks are untouched. Not resident is a no-op.
func (p *Pool) FlushPage(pid common.PageIdentity) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, pg := range p.frames {
		if pg != nil && pg.ID() == pid {
			return p.flushFrameLocked(i)
		}
	}
	return nil
}

// flushFrameLocked appends the WAL record tagged with the dirtier, forces
// the log, then writes the page image. Clean frames are a no-op.
// Caller holds p.mu.
func (p *Pool) flushFrameLocked(i int) error {
	pg := p.frames[i]
	dirtier := pg.Dirtier()
	if dirtier == common.NilTxnID {
		return nil
	}

	pid := pg.ID()
	if err := p.wal.LogWrite(dirtier, pid, pg.BeforeImage(), pg.Data()); err != nil {
		return fmt.Errorf("log write for %v: %w", pid, err)
	}
	if err := p.wal.Force(); err != nil {
		return fmt.Errorf("force log for %v: %w", pid, err)
	}

	file, err := p.catalog.DbFile(pid.TableID)
	if err != nil {
		return err
	}
	if err := file.WritePage(pg); err != nil {
		return fmt.Errorf("write %v: %w", pid, err)
	}

	pg.MarkClean()
	p.log.Debugw("page flushed", "page", pid, "txn", dirtier)
	return nil
}

// FlushAllPages writes every resident dirty page through. Checkpoint and
// test use only: invoked while uncommitted transactions run it writes their
// uncommitted data, stepping outside NO-STEAL.
func (p *Pool) FlushAllPages() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs error
	for i, pg := range p.frames {
		if pg == nil {
			continue
		}
		errs = errors.Join(errs, p.flushFrameLocked(i))
	}
	return errs
}

// RemovePage discards pid's slot without flushing. The recovery manager
// uses it to drop a rolled-back page, index code to reclaim a deleted one.
// Locks are untouched: the caller must have made sure nobody else holds
// the page.
func (p *Pool) RemovePage(pid common.PageIdentity) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, pg := range p.frames {
		if pg != nil && pg.ID() == pid {
			p.frames[i] = nil
			return
		}
	}
}
