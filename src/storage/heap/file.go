package heap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/Larkin2512/RelDB/src/pkg/common"
	"github.com/Larkin2512/RelDB/src/storage"
	"github.com/Larkin2512/RelDB/src/storage/page"
	"github.com/Larkin2512/RelDB/src/storage/record"
)

// File stores one table's tuples as an unordered collection of fixed-size
// pages. Table files are opened per call and closed on every exit path; the
// file system handle is never held across operations.
//
// Tuple edits go through the buffer pool: InsertTuple and DeleteTuple fetch
// every page they touch with write permission, so the pool's lock table
// covers them and the pool never has to re-fetch.
type File struct {
	fs       afero.Fs
	path     string
	id       common.TableID
	td       record.TupleDesc
	pageSize int
	pool     storage.PageFetcher

	// serializes WritePage extends so the file grows by whole pages
	wmu sync.Mutex
}

var _ storage.DbFile = (*File)(nil)

func NewFile(
	fs afero.Fs,
	path string,
	id common.TableID,
	td record.TupleDesc,
	pageSize int,
	pool storage.PageFetcher,
) (*File, error) {
	f, err := fs.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create heap file %q: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	return &File{
		fs:       fs,
		path:     path,
		id:       id,
		td:       td,
		pageSize: pageSize,
		pool:     pool,
	}, nil
}

func (f *File) ID() common.TableID { return f.id }

func (f *File) Desc() record.TupleDesc { return f.td }

func (f *File) PageSize() int { return f.pageSize }

// NumPages derives the page count from the file length.
func (f *File) NumPages() (uint64, error) {
	info, err := f.fs.Stat(f.path)
	if err != nil {
		return 0, fmt.Errorf("stat heap file %q: %w", f.path, err)
	}
	return uint64(info.Size()) / uint64(f.pageSize), nil
}

// ReadPage loads one page image from disk. Requests outside the file's
// current extent are a caller error.
func (f *File) ReadPage(pid common.PageIdentity) (*page.HeapPage, error) {
	if pid.TableID != f.id {
		return nil, fmt.Errorf("%v is not in table %d: %w", pid, f.id, page.ErrWrongPage)
	}
	n, err := f.NumPages()
	if err != nil {
		return nil, err
	}
	if uint64(pid.PageID) >= n {
		return nil, fmt.Errorf("read %v beyond %d pages: %w", pid, n, storage.ErrPageOutOfRange)
	}

	file, err := f.fs.Open(filepath.Clean(f.path))
	if err != nil {
		return nil, fmt.Errorf("open heap file %q: %w", f.path, err)
	}
	defer file.Close()

	data := make([]byte, f.pageSize)
	if _, err := file.ReadAt(data, int64(pid.PageID)*int64(f.pageSize)); err != nil {
		return nil, fmt.Errorf("read %v: %w", pid, err)
	}

	return page.New(pid, f.td, data)
}

// WritePage stores the page image at its offset. Writing at exactly
// NumPages extends the file by one page; anything past that is a caller
// error.
func (f *File) WritePage(pg *page.HeapPage) error {
	pid := pg.ID()
	if pid.TableID != f.id {
		return fmt.Errorf("%v is not in table %d: %w", pid, f.id, page.ErrWrongPage)
	}

	f.wmu.Lock()
	defer f.wmu.Unlock()

	n, err := f.NumPages()
	if err != nil {
		return err
	}
	if uint64(pid.PageID) > n {
		return fmt.Errorf("write %v past %d pages: %w", pid, n, storage.ErrPageOutOfRange)
	}

	file, err := f.fs.OpenFile(filepath.Clean(f.path), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open heap file %q: %w", f.path, err)
	}
	defer file.Close()

	if _, err := file.WriteAt(pg.Data(), int64(pid.PageID)*int64(f.pageSize)); err != nil {
		return fmt.Errorf("write %v: %w", pid, err)
	}
	return nil
}

// InsertTuple places t on the first page with a free slot, extending the
// file with a fresh page when every existing one is full. Pages are fetched
// through the pool with write permission; the returned pages are the ones
// the caller must mark dirty.
func (f *File) InsertTuple(tid common.TxnID, t *record.Tuple) ([]*page.HeapPage, error) {
	if !t.Desc.Equal(f.td) {
		return nil, fmt.Errorf("tuple schema does not match table %d", f.id)
	}

	n, err := f.NumPages()
	if err != nil {
		return nil, err
	}
	for pgNo := uint64(0); pgNo < n; pgNo++ {
		pid := common.PageIdentity{TableID: f.id, PageID: common.PageID(pgNo)}
		pg, err := f.pool.GetPage(tid, pid, common.PermReadWrite)
		if err != nil {
			return nil, err
		}
		if pg.NumUnusedSlots() == 0 {
			continue
		}
		if err := pg.InsertTuple(t); err != nil {
			return nil, err
		}
		return []*page.HeapPage{pg}, nil
	}

	// every page full: extend with an empty page on disk, then edit it
	// through the pool so the fill happens under the slot lock
	pid := common.PageIdentity{TableID: f.id, PageID: common.PageID(n)}
	empty, err := page.Empty(pid, f.td, f.pageSize)
	if err != nil {
		return nil, err
	}
	if err := f.WritePage(empty); err != nil {
		return nil, err
	}

	pg, err := f.pool.GetPage(tid, pid, common.PermReadWrite)
	if err != nil {
		return nil, err
	}
	if err := pg.InsertTuple(t); err != nil {
		return nil, err
	}
	return []*page.HeapPage{pg}, nil
}

// DeleteTuple clears t's slot on its resident page.
func (f *File) DeleteTuple(tid common.TxnID, t *record.Tuple) ([]*page.HeapPage, error) {
	if t.RID == nil {
		return nil, errors.New("tuple has no record id")
	}

	pg, err := f.pool.GetPage(tid, t.RID.Page, common.PermReadWrite)
	if err != nil {
		return nil, err
	}
	if err := pg.DeleteTuple(t); err != nil {
		return nil, err
	}
	return []*page.HeapPage{pg}, nil
}

// Iterate walks every tuple in the file under read permission, page by
// page. fn returning an error stops the walk.
func (f *File) Iterate(tid common.TxnID, fn func(*record.Tuple) error) error {
	n, err := f.NumPages()
	if err != nil {
		return err
	}
	for pgNo := uint64(0); pgNo < n; pgNo++ {
		pid := common.PageIdentity{TableID: f.id, PageID: common.PageID(pgNo)}
		pg, err := f.pool.GetPage(tid, pid, common.PermReadOnly)
		if err != nil {
			return err
		}
		for _, t := range pg.Tuples() {
			if err := fn(t); err != nil {
				return err
			}
		}
	}
	return nil
}
