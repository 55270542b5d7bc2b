package storage

import (
	"errors"

	"github.com/Larkin2512/RelDB/src/pkg/common"
	"github.com/Larkin2512/RelDB/src/storage/page"
	"github.com/Larkin2512/RelDB/src/storage/record"
)

var (
	ErrNoSuchTable    = errors.New("table is not registered")
	ErrPageOutOfRange = errors.New("page number outside the file")
)

// DbFile is a storage backend for one table: a paged on-disk heap.
// ReadPage and WritePage move raw page images; InsertTuple and DeleteTuple
// are the tuple-level edit paths and fetch the pages they touch through the
// buffer pool with write permission, so the pool never re-fetches.
type DbFile interface {
	ID() common.TableID
	Desc() record.TupleDesc
	ReadPage(pid common.PageIdentity) (*page.HeapPage, error)
	WritePage(pg *page.HeapPage) error
	InsertTuple(tid common.TxnID, t *record.Tuple) ([]*page.HeapPage, error)
	DeleteTuple(tid common.TxnID, t *record.Tuple) ([]*page.HeapPage, error)
	NumPages() (uint64, error)
}

// Catalog resolves a table to its storage backend.
type Catalog interface {
	DbFile(id common.TableID) (DbFile, error)
}

// PageFetcher is the slice of the buffer pool that storage backends call
// back into while editing tuples.
type PageFetcher interface {
	GetPage(
		tid common.TxnID,
		pid common.PageIdentity,
		perm common.Permissions,
	) (*page.HeapPage, error)
}

// WAL is the write-ahead log the buffer pool appends to. LogWrite followed
// by Force must complete before the described page image reaches its DbFile.
type WAL interface {
	LogBegin(tid common.TxnID) error
	LogWrite(tid common.TxnID, pid common.PageIdentity, before, after []byte) error
	LogCommit(tid common.TxnID) error
	LogAbort(tid common.TxnID) error
	Force() error
}
