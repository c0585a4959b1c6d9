package wal

import (
	"encoding/binary"

	"github.com/Blackdeer1524/LogArchive/src/pkg/assert"
	"github.com/Blackdeer1524/LogArchive/src/pkg/common"
)

// Log record wire format, little-endian:
//
//	0..4   pid           u32
//	4..8   page_version  u32
//	8..10  len           u16  (total length including header)
//	10..11 type          u8
//	11..16 reserved
//	16..   payload
const (
	HeaderSize = 16

	// Alignment of record lengths. A quarter of a typical cache line.
	LogrecAlignment = 16

	MaxLogrecSize = 3 * 8192
	MaxDataSize   = MaxLogrecSize - HeaderSize
)

const (
	// TypeInvalid never names a real record.
	TypeInvalid uint8 = 0
	// TypeEOF is the synthetic record closing a partition file.
	TypeEOF uint8 = 255
)

type Flags uint8

const (
	FlagBad Flags = 0
	// FlagSystem marks records that are neither transaction- nor
	// page-related; they carry no undo/redo action.
	FlagSystem Flags = 1 << 0
	FlagUndo   Flags = 1 << 1
	FlagRedo   Flags = 1 << 2
	// FlagPageImg: the payload alone materializes the page, no earlier
	// history needed.
	FlagPageImg Flags = 1 << 3
	FlagEOF     Flags = 1 << 4
)

// flagTable maps a record type byte to its flag set. The record body
// encoding lives outside this module; collaborators install their table at
// startup. Type 0 stays invalid and type 255 is reserved for EOF.
var flagTable [256]Flags

func init() {
	flagTable[TypeEOF] = FlagEOF
}

// InitializeFlags installs the type table, assigning type bytes 1..len in
// order. Every entry must be a real flag set below FlagEOF; type 0 stays
// invalid and the EOF slot is managed internally.
func InitializeFlags(types []Flags) {
	assert.Assert(len(types) < int(TypeEOF)-1, "too many log record types: %d", len(types))

	for i := range flagTable {
		flagTable[i] = FlagBad
	}
	for i, f := range types {
		assert.Assert(f > 0 && f < FlagEOF, "invalid flag set %#x for type %d", f, i+1)
		flagTable[i+1] = f
	}
	flagTable[TypeEOF] = FlagEOF
}

// Record is a view over the bytes of one log record. It borrows the
// underlying memory (a ring-buffer block, the scanner's scratch buffer, or
// an mmap'd run file) and is valid only until the next call on the same
// cursor.
type Record []byte

func (r Record) PID() common.PageID {
	return binary.LittleEndian.Uint32(r[0:4])
}

func (r Record) PageVersion() uint32 {
	return binary.LittleEndian.Uint32(r[4:8])
}

func (r Record) Length() uint32 {
	return uint32(binary.LittleEndian.Uint16(r[8:10]))
}

func (r Record) Type() uint8 {
	return r[10]
}

func (r Record) Data() []byte {
	return r[HeaderSize:r.Length()]
}

func (r Record) Flags() Flags {
	return flagTable[r.Type()]
}

func (r Record) IsSystem() bool   { return r.Flags()&FlagSystem != 0 }
func (r Record) IsUndo() bool     { return r.Flags()&FlagUndo != 0 }
func (r Record) IsRedo() bool     { return r.Flags()&FlagRedo != 0 }
func (r Record) HasPageImg() bool { return r.Flags()&FlagPageImg != 0 }
func (r Record) IsEOF() bool      { return r.Flags()&FlagEOF != 0 }

// ValidHeader reports whether the first HeaderSize bytes look like a real
// record: aligned in-range length and a known type.
func (r Record) ValidHeader() bool {
	if len(r) < HeaderSize {
		return false
	}

	l := r.Length()
	if l < HeaderSize || l > MaxLogrecSize || l%LogrecAlignment != 0 {
		return false
	}

	return r.Flags() != FlagBad
}

func (r Record) SetPID(pid common.PageID) {
	binary.LittleEndian.PutUint32(r[0:4], pid)
}

func (r Record) SetPageVersion(v uint32) {
	binary.LittleEndian.PutUint32(r[4:8], v)
}

// InitHeader resets the header for the given type with an empty payload.
func (r Record) InitHeader(typ uint8, pid common.PageID) {
	r.SetPID(pid)
	binary.LittleEndian.PutUint32(r[4:8], 0)
	r[10] = typ
	for i := 11; i < HeaderSize; i++ {
		r[i] = 0
	}
	r.SetSize(0)
}

// SetSize records the payload length, rounding the total up to the record
// alignment. The padding bytes are zeroed; they take part in no checksum.
func (r Record) SetSize(payloadLen int) {
	assert.Assert(payloadLen >= 0 && payloadLen <= MaxDataSize,
		"payload of %d bytes out of range", payloadLen)

	total := HeaderSize + payloadLen
	aligned := (total + LogrecAlignment - 1) &^ (LogrecAlignment - 1)

	for i := total; i < aligned; i++ {
		r[i] = 0
	}
	binary.LittleEndian.PutUint16(r[8:10], uint16(aligned))
}

// NewRecord assembles a standalone record, mostly for tests and the
// partition writer. Production records come from the WAL insertion path,
// which is outside this module.
func NewRecord(typ uint8, pid common.PageID, version uint32, payload []byte) Record {
	total := HeaderSize + len(payload)
	aligned := (total + LogrecAlignment - 1) &^ (LogrecAlignment - 1)

	r := Record(make([]byte, aligned))
	r.InitHeader(typ, pid)
	r.SetPageVersion(version)
	copy(r[HeaderSize:], payload)
	r.SetSize(len(payload))
	return r
}

// NewEOFRecord builds the synthetic end-of-file marker appended when a
// partition is finalized.
func NewEOFRecord() Record {
	return NewRecord(TypeEOF, 0, 0, nil)
}
