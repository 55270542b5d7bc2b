package engine

import (
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Larkin2512/RelDB/src/bufferpool"
	"github.com/Larkin2512/RelDB/src/pkg/common"
	"github.com/Larkin2512/RelDB/src/recovery"
	"github.com/Larkin2512/RelDB/src/storage/catalog"
	"github.com/Larkin2512/RelDB/src/storage/heap"
	"github.com/Larkin2512/RelDB/src/storage/page"
	"github.com/Larkin2512/RelDB/src/storage/record"
	"github.com/Larkin2512/RelDB/src/txns"
)

const walFileName = "wal.log"

type Config struct {
	DataDir  string
	PoolSize int
	// PageSize must match the layout of any files already in DataDir.
	// Tests shrink it to force eviction with a handful of tuples.
	PageSize int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PoolSize == 0 {
		out.PoolSize = 50
	}
	if out.PageSize == 0 {
		out.PageSize = page.DefaultPageSize
	}
	return out
}

// Engine wires the storage stack together: one catalog, one write-ahead
// log, one lock manager and one buffer pool over a shared filesystem. It
// also owns the transaction ticker.
type Engine struct {
	fs      afero.Fs
	cfg     Config
	log     *zap.SugaredLogger
	catalog *catalog.Catalog
	wal     *recovery.TxnLogger
	pool    *bufferpool.Pool

	ticker atomic.Uint64
}

func New(fs afero.Fs, cfg Config, log *zap.SugaredLogger) (*Engine, error) {
	cfg = cfg.withDefaults()

	cat, err := catalog.New(fs, cfg.DataDir)
	if err != nil {
		return nil, err
	}

	wal, err := recovery.NewTxnLogger(fs, filepath.Join(cfg.DataDir, walFileName))
	if err != nil {
		return nil, err
	}

	pool := bufferpool.New(cfg.PoolSize, txns.NewLockManager(), cat, wal, log)

	return &Engine{
		fs:      fs,
		cfg:     cfg,
		log:     log,
		catalog: cat,
		wal:     wal,
		pool:    pool,
	}, nil
}

func (e *Engine) Pool() *bufferpool.Pool { return e.pool }

func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Begin hands out the next transaction id and logs its start.
func (e *Engine) Begin() (common.TxnID, error) {
	tid := common.TxnID(e.ticker.Add(1))
	if err := e.wal.LogBegin(tid); err != nil {
		return common.NilTxnID, err
	}
	return tid, nil
}

// Commit flushes everything tid touched and releases its locks.
func (e *Engine) Commit(tid common.TxnID) error {
	return e.pool.TransactionComplete(tid, true)
}

// Abort discards tid's in-memory modifications and releases its locks.
func (e *Engine) Abort(tid common.TxnID) error {
	return e.pool.TransactionComplete(tid, false)
}

// CreateTable registers a new heap file under name and returns its id.
func (e *Engine) CreateTable(name string, td record.TupleDesc) (common.TableID, error) {
	id := e.catalog.TableIDFor(name)
	path := filepath.Join(e.cfg.DataDir, name+".dat")

	file, err := heap.NewFile(e.fs, path, id, td, e.cfg.PageSize, e.pool)
	if err != nil {
		return 0, err
	}
	if err := e.catalog.Register(name, file); err != nil {
		return 0, err
	}

	e.log.Infow("table created", "name", name, "id", id)
	return id, nil
}

// Table looks a registered heap file up by name.
func (e *Engine) Table(name string) (*heap.File, error) {
	id, err := e.catalog.TableID(name)
	if err != nil {
		return nil, err
	}
	f, err := e.catalog.DbFile(id)
	if err != nil {
		return nil, err
	}
	hf, ok := f.(*heap.File)
	if !ok {
		return nil, fmt.Errorf("table %q is not a heap file", name)
	}
	return hf, nil
}

// Close syncs and closes the log. Pages dirtied by uncommitted transactions
// are lost by design.
func (e *Engine) Close() error {
	if err := e.wal.Force(); err != nil {
		return err
	}
	return e.wal.Close()
}
