package app

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants"
	"golang.org/x/sync/errgroup"

	"github.com/Larkin2512/RelDB/src/pkg/common"
	"github.com/Larkin2512/RelDB/src/storage/record"
	"github.com/Larkin2512/RelDB/src/txns"
)

type BenchOptions struct {
	Workers      int
	Txns         int
	Tables       int
	TuplesPerTxn int
	// every AbortEvery-th transaction rolls back on purpose
	AbortEvery int
}

// RunBench hammers the page cache with concurrent insert transactions
// and reports commit, deliberate-abort and deadlock-abort counts.
func (ep *Entrypoint) RunBench(opts BenchOptions) error {
	td := record.NewTupleDesc(2)

	tableIDs := make([]common.TableID, opts.Tables)
	g := errgroup.Group{}
	for i := 0; i < opts.Tables; i++ {
		g.Go(func() error {
			id, err := ep.e.CreateTable(fmt.Sprintf("bench_%d", i), td)
			if err != nil {
				return err
			}
			tableIDs[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	workerPool, err := ants.NewPool(opts.Workers)
	if err != nil {
		return err
	}
	defer workerPool.Release()

	var (
		wg        sync.WaitGroup
		committed atomic.Uint64
		aborted   atomic.Uint64
		deadlocks atomic.Uint64
		failures  atomic.Uint64
	)

	start := time.Now()
	for i := 0; i < opts.Txns; i++ {
		wg.Add(1)
		txnNo := i
		err := workerPool.Submit(func() {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(txnNo)))
			table := tableIDs[rng.Intn(len(tableIDs))]

			switch err := ep.runTxn(txnNo, table, td, rng, opts); {
			case err == nil:
				committed.Add(1)
			case errors.Is(err, errDeliberateAbort):
				aborted.Add(1)
			case errors.Is(err, txns.ErrDeadlockAborted):
				deadlocks.Add(1)
			default:
				failures.Add(1)
				ep.log.Errorw("bench txn failed", "txn", txnNo, "error", err)
			}
		})
		if err != nil {
			wg.Done()
			return err
		}
	}
	wg.Wait()

	ep.log.Infow("bench finished",
		"elapsed", time.Since(start),
		"committed", committed.Load(),
		"aborted", aborted.Load(),
		"deadlock_aborts", deadlocks.Load(),
		"failures", failures.Load(),
	)
	if n := failures.Load(); n > 0 {
		return fmt.Errorf("%d transactions failed", n)
	}
	return nil
}

var errDeliberateAbort = errors.New("deliberate abort")

func (ep *Entrypoint) runTxn(
	txnNo int,
	table common.TableID,
	td record.TupleDesc,
	rng *rand.Rand,
	opts BenchOptions,
) error {
	tid, err := ep.e.Begin()
	if err != nil {
		return err
	}

	rollback := func(cause error) error {
		if abortErr := ep.e.Abort(tid); abortErr != nil {
			return errors.Join(cause, abortErr)
		}
		return cause
	}

	for j := 0; j < opts.TuplesPerTxn; j++ {
		t, err := record.NewTuple(td, int64(txnNo), rng.Int63())
		if err != nil {
			return rollback(err)
		}
		if err := ep.e.Pool().InsertTuple(tid, table, t); err != nil {
			return rollback(err)
		}
	}

	if opts.AbortEvery > 0 && txnNo%opts.AbortEvery == 0 {
		return rollback(errDeliberateAbort)
	}
	return ep.e.Commit(tid)
}
