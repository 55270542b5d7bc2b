package recovery

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/afero"

	"github.com/Larkin2512/RelDB/src/pkg/common"
	"github.com/Larkin2512/RelDB/src/storage"
)

type RecordType uint8

const (
	RecordBegin RecordType = iota + 1
	RecordUpdate
	RecordCommit
	RecordAbort
)

func (t RecordType) String() string {
	switch t {
	case RecordBegin:
		return "BEGIN"
	case RecordUpdate:
		return "UPDATE"
	case RecordCommit:
		return "COMMIT"
	case RecordAbort:
		return "ABORT"
	}
	return fmt.Sprintf("RecordType(%d)", uint8(t))
}

// Record is one decoded log entry. Before and After are page images and are
// only present on UPDATE records.
type Record struct {
	Type   RecordType
	TxnID  common.TxnID
	Page   common.PageIdentity
	Before []byte
	After  []byte
}

// TxnLogger is the append-only write-ahead log. The log file is a
// process-wide long-lived resource: it stays open for the logger's
// lifetime, unlike table files which are opened per call.
//
// Framing, big-endian: type(1) txn(8) table(8) page(8)
// beforeLen(4) before afterLen(4) after. Non-update records carry two zero
// lengths.
type TxnLogger struct {
	mu sync.Mutex
	f  afero.File
}

var _ storage.WAL = (*TxnLogger)(nil)

func NewTxnLogger(fs afero.Fs, path string) (*TxnLogger, error) {
	f, err := fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open wal %q: %w", path, err)
	}
	return &TxnLogger{f: f}, nil
}

func (l *TxnLogger) LogBegin(tid common.TxnID) error {
	return l.append(Record{Type: RecordBegin, TxnID: tid})
}

// LogWrite appends the undo/redo pair for one page. The caller must Force
// before handing the after-image to the storage backend.
func (l *TxnLogger) LogWrite(
	tid common.TxnID,
	pid common.PageIdentity,
	before, after []byte,
) error {
	return l.append(Record{
		Type:   RecordUpdate,
		TxnID:  tid,
		Page:   pid,
		Before: before,
		After:  after,
	})
}

func (l *TxnLogger) LogCommit(tid common.TxnID) error {
	return l.append(Record{Type: RecordCommit, TxnID: tid})
}

func (l *TxnLogger) LogAbort(tid common.TxnID) error {
	return l.append(Record{Type: RecordAbort, TxnID: tid})
}

func (l *TxnLogger) append(r Record) error {
	buf := make([]byte, 0, 29+len(r.Before)+len(r.After))
	buf = append(buf, byte(r.Type))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.TxnID))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.Page.TableID))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.Page.PageID))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Before)))
	buf = append(buf, r.Before...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.After)))
	buf = append(buf, r.After...)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.f.Write(buf); err != nil {
		return fmt.Errorf("append %v record: %w", r.Type, err)
	}
	return nil
}

// Force makes every appended record durable.
func (l *TxnLogger) Force() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("force wal: %w", err)
	}
	return nil
}

func (l *TxnLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.f.Close()
}

// ReadLog decodes every record in the log file. Used by tests and by
// offline inspection; replay itself lives outside this engine.
func ReadLog(fs afero.Fs, path string) ([]Record, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wal %q: %w", path, err)
	}
	defer f.Close()

	var out []Record
	for {
		r, err := readRecord(f)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
}

func readRecord(f io.Reader) (Record, error) {
	var head [25]byte
	if _, err := io.ReadFull(f, head[:1]); err != nil {
		return Record{}, err
	}
	if _, err := io.ReadFull(f, head[1:25]); err != nil {
		return Record{}, fmt.Errorf("truncated record header: %w", err)
	}

	r := Record{
		Type:  RecordType(head[0]),
		TxnID: common.TxnID(binary.BigEndian.Uint64(head[1:])),
		Page: common.PageIdentity{
			TableID: common.TableID(binary.BigEndian.Uint64(head[9:])),
			PageID:  common.PageID(binary.BigEndian.Uint64(head[17:])),
		},
	}

	readImage := func() ([]byte, error) {
		var lenBuf [4]byte
		if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("truncated image length: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 {
			return nil, nil
		}
		img := make([]byte, n)
		if _, err := io.ReadFull(f, img); err != nil {
			return nil, fmt.Errorf("truncated image: %w", err)
		}
		return img, nil
	}

	var err error
	if r.Before, err = readImage(); err != nil {
		return Record{}, err
	}
	if r.After, err = readImage(); err != nil {
		return Record{}, err
	}
	return r, nil
}
