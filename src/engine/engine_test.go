package engine

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/panjf2000/ants"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Larkin2512/RelDB/src/storage/record"
	"github.com/Larkin2512/RelDB/src/txns"
)

var testDesc = record.NewTupleDesc(2)

func newTestEngine(t *testing.T, fs afero.Fs) *Engine {
	t.Helper()

	e, err := New(fs, Config{
		DataDir:  "/db",
		PoolSize: 8,
		PageSize: 128,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

func collect(t *testing.T, e *Engine, table string) [][]int64 {
	t.Helper()

	tid, err := e.Begin()
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Commit(tid)) }()

	f, err := e.Table(table)
	require.NoError(t, err)

	var out [][]int64
	require.NoError(t, f.Iterate(tid, func(tup *record.Tuple) error {
		out = append(out, tup.Fields)
		return nil
	}))
	return out
}

func TestCommitMakesTuplesVisible(t *testing.T) {
	e := newTestEngine(t, afero.NewMemMapFs())

	id, err := e.CreateTable("users", testDesc)
	require.NoError(t, err)

	tid, err := e.Begin()
	require.NoError(t, err)

	tup, err := record.NewTuple(testDesc, 1, 100)
	require.NoError(t, err)
	require.NoError(t, e.Pool().InsertTuple(tid, id, tup))
	require.NoError(t, e.Commit(tid))

	assert.Equal(t, [][]int64{{1, 100}}, collect(t, e, "users"))
}

func TestAbortErasesTuples(t *testing.T) {
	e := newTestEngine(t, afero.NewMemMapFs())

	id, err := e.CreateTable("users", testDesc)
	require.NoError(t, err)

	tid, err := e.Begin()
	require.NoError(t, err)
	tup, err := record.NewTuple(testDesc, 1, 100)
	require.NoError(t, err)
	require.NoError(t, e.Pool().InsertTuple(tid, id, tup))
	require.NoError(t, e.Abort(tid))

	assert.Empty(t, collect(t, e, "users"))
}

func TestCommittedDataSurvivesReopen(t *testing.T) {
	fs := afero.NewMemMapFs()

	first, err := New(fs, Config{DataDir: "/db", PoolSize: 8, PageSize: 128},
		zap.NewNop().Sugar())
	require.NoError(t, err)

	id, err := first.CreateTable("users", testDesc)
	require.NoError(t, err)

	tid, err := first.Begin()
	require.NoError(t, err)
	tup, err := record.NewTuple(testDesc, 5, 500)
	require.NoError(t, err)
	require.NoError(t, first.Pool().InsertTuple(tid, id, tup))
	require.NoError(t, first.Commit(tid))
	require.NoError(t, first.Close())

	// a fresh engine over the same filesystem sees the committed bytes
	second := newTestEngine(t, fs)
	_, err = second.CreateTable("users", testDesc)
	require.NoError(t, err)

	assert.Equal(t, [][]int64{{5, 500}}, collect(t, second, "users"))
}

func TestDeleteTuple(t *testing.T) {
	e := newTestEngine(t, afero.NewMemMapFs())

	id, err := e.CreateTable("users", testDesc)
	require.NoError(t, err)

	tid, err := e.Begin()
	require.NoError(t, err)
	keep, err := record.NewTuple(testDesc, 1, 1)
	require.NoError(t, err)
	drop, err := record.NewTuple(testDesc, 2, 2)
	require.NoError(t, err)
	require.NoError(t, e.Pool().InsertTuple(tid, id, keep))
	require.NoError(t, e.Pool().InsertTuple(tid, id, drop))
	require.NoError(t, e.Pool().DeleteTuple(tid, drop))
	require.NoError(t, e.Commit(tid))

	assert.Equal(t, [][]int64{{1, 1}}, collect(t, e, "users"))
}

func TestConcurrentTransfers_NoMoneyLost(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping slow test in short mode")
	}

	const (
		accounts     = 10
		startBalance = int64(100)
		transfers    = 300
		workers      = 8
	)

	e := newTestEngine(t, afero.NewMemMapFs())
	id, err := e.CreateTable("accounts", testDesc)
	require.NoError(t, err)

	setup, err := e.Begin()
	require.NoError(t, err)
	for i := 0; i < accounts; i++ {
		tup, err := record.NewTuple(testDesc, int64(i), startBalance)
		require.NoError(t, err)
		require.NoError(t, e.Pool().InsertTuple(setup, id, tup))
	}
	require.NoError(t, e.Commit(setup))

	workerPool, err := ants.NewPool(workers)
	require.NoError(t, err)
	defer workerPool.Release()

	var (
		wg        sync.WaitGroup
		committed atomic.Int64
		deadlocks atomic.Int64
	)

	// each transfer rewrites two rows: delete both, reinsert with moved
	// funds; deadlock victims roll back and simply drop the attempt
	transfer := func(n int) {
		defer wg.Done()

		tid, err := e.Begin()
		if !assert.NoError(t, err) {
			return
		}

		from := int64(n % accounts)
		to := int64((n + 3) % accounts)
		amount := int64(1)
		if from == to {
			assert.NoError(t, e.Abort(tid))
			return
		}

		f, err := e.Table("accounts")
		if !assert.NoError(t, err) {
			return
		}

		var fromTup, toTup *record.Tuple
		err = f.Iterate(tid, func(tup *record.Tuple) error {
			switch tup.Fields[0] {
			case from:
				fromTup = tup
			case to:
				toTup = tup
			}
			return nil
		})
		if err == nil && (fromTup == nil || toTup == nil) {
			err = errors.New("account row missing")
		}

		if err == nil {
			err = e.Pool().DeleteTuple(tid, fromTup)
		}
		if err == nil {
			err = e.Pool().DeleteTuple(tid, toTup)
		}
		if err == nil {
			var movedFrom, movedTo *record.Tuple
			movedFrom, err = record.NewTuple(testDesc, from, fromTup.Fields[1]-amount)
			if err == nil {
				movedTo, err = record.NewTuple(testDesc, to, toTup.Fields[1]+amount)
			}
			if err == nil {
				err = e.Pool().InsertTuple(tid, id, movedFrom)
			}
			if err == nil {
				err = e.Pool().InsertTuple(tid, id, movedTo)
			}
		}

		if err != nil {
			assert.ErrorIs(t, err, txns.ErrDeadlockAborted)
			deadlocks.Add(1)
			assert.NoError(t, e.Abort(tid))
			return
		}
		if assert.NoError(t, e.Commit(tid)) {
			committed.Add(1)
		}
	}

	for n := 0; n < transfers; n++ {
		wg.Add(1)
		require.NoError(t, workerPool.Submit(func() { transfer(n) }))
	}
	wg.Wait()

	t.Logf("committed=%d deadlock_aborts=%d", committed.Load(), deadlocks.Load())
	require.Positive(t, committed.Load())

	total := int64(0)
	rows := 0
	for _, fields := range collect(t, e, "accounts") {
		total += fields[1]
		rows++
	}
	assert.Equal(t, accounts, rows)
	assert.Equal(t, int64(accounts)*startBalance, total)

	assert.Empty(t, e.Pool().Lock().ActiveTransactions())
	assert.True(t, e.Pool().Lock().AreAllQueuesEmpty())
}
