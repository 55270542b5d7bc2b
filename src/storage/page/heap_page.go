package page

import (
	"errors"
	"fmt"

	"github.com/Larkin2512/RelDB/src/pkg/assert"
	"github.com/Larkin2512/RelDB/src/pkg/common"
	"github.com/Larkin2512/RelDB/src/storage/record"
)

// DefaultPageSize is the on-disk page size in bytes. Smaller sizes are used
// by tests to force eviction with few tuples.
const DefaultPageSize = 4096

var (
	ErrPageFull      = errors.New("no unused slot on page")
	ErrSlotEmpty     = errors.New("slot holds no tuple")
	ErrWrongPage     = errors.New("tuple does not belong to this page")
	ErrTupleTooLarge = errors.New("tuple does not fit on an empty page")
)

// HeapPage is one fixed-size page of a heap file: a used-slot bitmap followed
// by a flat array of fixed-width tuple slots.
//
// A page carries its transactional metadata: the dirtier (NilTxnID when the
// in-memory image matches disk) and the before-image, a snapshot of the page
// as of its last known-clean state. The before-image is the undo datum for
// the next write-ahead log record.
//
// HeapPage is not internally synchronized. Mutations happen under the buffer
// pool's exclusive slot lock; reads under at least a shared one.
type HeapPage struct {
	id   common.PageIdentity
	td   record.TupleDesc
	data []byte

	dirtyBy     common.TxnID
	beforeImage []byte
}

// slotCount is the simple-db packing rule: each tuple costs its width plus
// one header bit.
func slotCount(pageSize int, td record.TupleDesc) uint16 {
	return uint16(pageSize * 8 / (int(td.Size())*8 + 1))
}

func headerSize(numSlots uint16) int {
	return (int(numSlots) + 7) / 8
}

// New wraps a page image read from disk. The before-image is initialized to
// the loaded bytes: a freshly loaded page is known-clean.
func New(id common.PageIdentity, td record.TupleDesc, data []byte) (*HeapPage, error) {
	if slotCount(len(data), td) == 0 {
		return nil, ErrTupleTooLarge
	}
	p := &HeapPage{
		id:      id,
		td:      td,
		data:    data,
		dirtyBy: common.NilTxnID,
	}
	p.SetBeforeImage()
	return p, nil
}

// Empty returns a page with every slot unused.
func Empty(id common.PageIdentity, td record.TupleDesc, pageSize int) (*HeapPage, error) {
	return New(id, td, make([]byte, pageSize))
}

func (p *HeapPage) ID() common.PageIdentity { return p.id }

func (p *HeapPage) Desc() record.TupleDesc { return p.td }

// Data exposes the live page image. Callers flushing the page must not
// mutate it.
func (p *HeapPage) Data() []byte { return p.data }

func (p *HeapPage) PageSize() int { return len(p.data) }

// MarkDirty tags the page as modified by tid.
func (p *HeapPage) MarkDirty(tid common.TxnID) {
	assert.Assert(tid != common.NilTxnID, "page %v dirtied by nobody", p.id)
	p.dirtyBy = tid
}

func (p *HeapPage) MarkClean() {
	p.dirtyBy = common.NilTxnID
}

// Dirtier returns the transaction that modified the page, or NilTxnID if the
// page matches its on-disk image.
func (p *HeapPage) Dirtier() common.TxnID { return p.dirtyBy }

// SetBeforeImage snapshots the current contents as the new undo image.
// Called on load and after each commit-time flush; FlushPage and
// FlushAllPages leave the before-image as it was.
func (p *HeapPage) SetBeforeImage() {
	img := make([]byte, len(p.data))
	copy(img, p.data)
	p.beforeImage = img
}

func (p *HeapPage) BeforeImage() []byte { return p.beforeImage }

func (p *HeapPage) NumSlots() uint16 {
	return slotCount(len(p.data), p.td)
}

func (p *HeapPage) NumUnusedSlots() uint16 {
	unused := uint16(0)
	for i := uint16(0); i < p.NumSlots(); i++ {
		if !p.slotUsed(i) {
			unused++
		}
	}
	return unused
}

func (p *HeapPage) slotUsed(slot uint16) bool {
	return p.data[slot/8]&(1<<(slot%8)) != 0
}

func (p *HeapPage) setSlotUsed(slot uint16, used bool) {
	if used {
		p.data[slot/8] |= 1 << (slot % 8)
	} else {
		p.data[slot/8] &^= 1 << (slot % 8)
	}
}

func (p *HeapPage) slotOffset(slot uint16) int {
	return headerSize(p.NumSlots()) + int(slot)*int(p.td.Size())
}

// InsertTuple places t into the first unused slot and stamps its RID.
// The caller is responsible for marking the page dirty.
func (p *HeapPage) InsertTuple(t *record.Tuple) error {
	if !t.Desc.Equal(p.td) {
		return fmt.Errorf("schema mismatch on %v: %w", p.id, ErrWrongPage)
	}
	for slot := uint16(0); slot < p.NumSlots(); slot++ {
		if p.slotUsed(slot) {
			continue
		}
		off := p.slotOffset(slot)
		t.Marshal(p.data[off : off+int(p.td.Size())])
		p.setSlotUsed(slot, true)
		t.RID = &common.RecordID{Page: p.id, Slot: slot}
		return nil
	}
	return ErrPageFull
}

// DeleteTuple clears the slot named by t's RID.
func (p *HeapPage) DeleteTuple(t *record.Tuple) error {
	if t.RID == nil || t.RID.Page != p.id {
		return ErrWrongPage
	}
	slot := t.RID.Slot
	if slot >= p.NumSlots() || !p.slotUsed(slot) {
		return ErrSlotEmpty
	}
	p.setSlotUsed(slot, false)
	t.RID = nil
	return nil
}

// Tuples decodes every used slot, RIDs included.
func (p *HeapPage) Tuples() []*record.Tuple {
	var out []*record.Tuple
	for slot := uint16(0); slot < p.NumSlots(); slot++ {
		if !p.slotUsed(slot) {
			continue
		}
		off := p.slotOffset(slot)
		t := record.UnmarshalTuple(p.td, p.data[off:off+int(p.td.Size())])
		t.RID = &common.RecordID{Page: p.id, Slot: slot}
		out = append(out, t)
	}
	return out
}
