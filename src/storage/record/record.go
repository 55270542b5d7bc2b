package record

import (
	"encoding/binary"
	"fmt"

	"github.com/Larkin2512/RelDB/src/pkg/common"
)

// TupleDesc describes the schema of a table: a list of fixed-width int64
// columns. Fixed-width records keep the page layout a flat slot array.
type TupleDesc struct {
	NumFields uint16
}

func NewTupleDesc(numFields uint16) TupleDesc {
	return TupleDesc{NumFields: numFields}
}

// Size returns the on-page byte width of one tuple.
func (td TupleDesc) Size() uint32 {
	return uint32(td.NumFields) * 8
}

func (td TupleDesc) Equal(other TupleDesc) bool {
	return td.NumFields == other.NumFields
}

// Tuple is one row. RID is nil until the tuple is placed on a page.
type Tuple struct {
	Desc   TupleDesc
	Fields []int64
	RID    *common.RecordID
}

func NewTuple(td TupleDesc, fields ...int64) (*Tuple, error) {
	if uint16(len(fields)) != td.NumFields {
		return nil, fmt.Errorf(
			"tuple has %d fields, schema wants %d",
			len(fields),
			td.NumFields,
		)
	}
	return &Tuple{Desc: td, Fields: fields}, nil
}

// Marshal writes the tuple into buf, which must be at least Desc.Size() bytes.
func (t *Tuple) Marshal(buf []byte) {
	for i, f := range t.Fields {
		binary.BigEndian.PutUint64(buf[i*8:], uint64(f))
	}
}

// UnmarshalTuple decodes one tuple of the given schema from buf.
func UnmarshalTuple(td TupleDesc, buf []byte) *Tuple {
	fields := make([]int64, td.NumFields)
	for i := range fields {
		fields[i] = int64(binary.BigEndian.Uint64(buf[i*8:]))
	}
	return &Tuple{Desc: td, Fields: fields}
}

func (t *Tuple) String() string {
	return fmt.Sprintf("tuple%v", t.Fields)
}
