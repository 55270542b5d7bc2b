package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Larkin2512/RelDB/src/pkg/common"
	"github.com/Larkin2512/RelDB/src/storage/record"
)

const testPageSize = 128

var testDesc = record.NewTupleDesc(2)

func testPID() common.PageIdentity {
	return common.PageIdentity{TableID: 1, PageID: 0}
}

func TestEmpty_SlotAccounting(t *testing.T) {
	pg, err := Empty(testPID(), testDesc, testPageSize)
	require.NoError(t, err)

	// 128 bytes, 16-byte tuples, 1 header bit each: 7 slots
	assert.Equal(t, uint16(7), pg.NumSlots())
	assert.Equal(t, pg.NumSlots(), pg.NumUnusedSlots())
	assert.Empty(t, pg.Tuples())
}

func TestInsertTuple_FillsAndStampsRID(t *testing.T) {
	pg, err := Empty(testPID(), testDesc, testPageSize)
	require.NoError(t, err)

	for i := uint16(0); i < pg.NumSlots(); i++ {
		tup, err := record.NewTuple(testDesc, int64(i), int64(i)*10)
		require.NoError(t, err)
		require.NoError(t, pg.InsertTuple(tup))
		require.NotNil(t, tup.RID)
		assert.Equal(t, common.RecordID{Page: testPID(), Slot: i}, *tup.RID)
	}
	assert.Equal(t, uint16(0), pg.NumUnusedSlots())

	extra, err := record.NewTuple(testDesc, 1, 2)
	require.NoError(t, err)
	assert.ErrorIs(t, pg.InsertTuple(extra), ErrPageFull)

	got := pg.Tuples()
	require.Len(t, got, int(pg.NumSlots()))
	assert.Equal(t, []int64{3, 30}, got[3].Fields)
}

func TestDeleteTuple_FreesSlot(t *testing.T) {
	pg, err := Empty(testPID(), testDesc, testPageSize)
	require.NoError(t, err)

	tup, err := record.NewTuple(testDesc, 7, 8)
	require.NoError(t, err)
	require.NoError(t, pg.InsertTuple(tup))

	require.NoError(t, pg.DeleteTuple(tup))
	assert.Nil(t, tup.RID)
	assert.Empty(t, pg.Tuples())

	// double delete is a caller error
	other, err := record.NewTuple(testDesc, 7, 8)
	require.NoError(t, err)
	other.RID = &common.RecordID{Page: testPID(), Slot: 0}
	assert.ErrorIs(t, pg.DeleteTuple(other), ErrSlotEmpty)
}

func TestDeleteTuple_WrongPage(t *testing.T) {
	pg, err := Empty(testPID(), testDesc, testPageSize)
	require.NoError(t, err)

	tup, err := record.NewTuple(testDesc, 1, 2)
	require.NoError(t, err)
	tup.RID = &common.RecordID{
		Page: common.PageIdentity{TableID: 9, PageID: 9},
		Slot: 0,
	}
	assert.ErrorIs(t, pg.DeleteTuple(tup), ErrWrongPage)
}

func TestDirtyLifecycle(t *testing.T) {
	pg, err := Empty(testPID(), testDesc, testPageSize)
	require.NoError(t, err)

	assert.Equal(t, common.NilTxnID, pg.Dirtier())

	pg.MarkDirty(common.TxnID(42))
	assert.Equal(t, common.TxnID(42), pg.Dirtier())

	pg.MarkClean()
	assert.Equal(t, common.NilTxnID, pg.Dirtier())

	assert.Panics(t, func() { pg.MarkDirty(common.NilTxnID) })
}

func TestBeforeImage_TracksLastCleanState(t *testing.T) {
	pg, err := Empty(testPID(), testDesc, testPageSize)
	require.NoError(t, err)

	clean := append([]byte(nil), pg.Data()...)

	tup, err := record.NewTuple(testDesc, 1, 2)
	require.NoError(t, err)
	require.NoError(t, pg.InsertTuple(tup))
	pg.MarkDirty(common.TxnID(1))

	// mutation must not leak into the undo image
	assert.Equal(t, clean, pg.BeforeImage())
	assert.NotEqual(t, clean, pg.Data())

	pg.SetBeforeImage()
	assert.Equal(t, pg.Data(), pg.BeforeImage())
}

func TestNew_RoundTripsDiskImage(t *testing.T) {
	pg, err := Empty(testPID(), testDesc, testPageSize)
	require.NoError(t, err)
	tup, err := record.NewTuple(testDesc, -5, 1<<40)
	require.NoError(t, err)
	require.NoError(t, pg.InsertTuple(tup))

	reloaded, err := New(testPID(), testDesc, append([]byte(nil), pg.Data()...))
	require.NoError(t, err)

	got := reloaded.Tuples()
	require.Len(t, got, 1)
	assert.Equal(t, []int64{-5, 1 << 40}, got[0].Fields)
}

func TestNew_TupleWiderThanPage(t *testing.T) {
	_, err := Empty(testPID(), record.NewTupleDesc(100), 64)
	assert.ErrorIs(t, err, ErrTupleTooLarge)
}
