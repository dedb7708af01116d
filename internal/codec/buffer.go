package codec

import (
	flatbuffers "github.com/google/flatbuffers/go"

	uperrors "github.com/modelup/modelup/internal/errors"
)

// buffer wraps an input byte slice with bounds-checked accessors. Every
// load goes through check first; the raw accessors assume it succeeded.
type buffer struct {
	data   []byte
	budget *budget
}

// budget is what one read may still decode. Offsets may be shared, so a
// small buffer can reference the same table or vector many times.
type budget struct {
	tables int
	bytes  int
}

// spendTable charges one table object of objLen bytes at pos.
func (b buffer) spendTable(pos, objLen int) error {
	if b.budget == nil {
		return nil
	}
	b.budget.tables--
	if b.budget.tables < 0 {
		return uperrors.CorruptBuffer("table at %d exceeds the table limit for a %d byte buffer", pos, len(b.data))
	}
	return b.spendBytes(pos, objLen, "table")
}

// spendBytes charges n decoded bytes of a region at pos.
func (b buffer) spendBytes(pos, n int, what string) error {
	if b.budget == nil {
		return nil
	}
	b.budget.bytes -= n
	if b.budget.bytes < 0 {
		return uperrors.CorruptBuffer("%s at %d exceeds the decoded size limit for a %d byte buffer", what, pos, len(b.data))
	}
	return nil
}

func (b buffer) len() int {
	return len(b.data)
}

// check fails with CorruptBuffer unless [off, off+size) lies inside the
// buffer.
func (b buffer) check(off, size int, what string) error {
	if off < 0 || size < 0 || off > len(b.data) || size > len(b.data)-off {
		return uperrors.CorruptBuffer("%s at offset %d (%d bytes) is outside the %d byte buffer",
			what, off, size, len(b.data))
	}
	return nil
}

func (b buffer) u8(off int) uint8 {
	return flatbuffers.GetUint8(b.data[off:])
}

func (b buffer) u16(off int) uint16 {
	return flatbuffers.GetUint16(b.data[off:])
}

func (b buffer) u32(off int) uint32 {
	return flatbuffers.GetUint32(b.data[off:])
}

func (b buffer) u64(off int) uint64 {
	return flatbuffers.GetUint64(b.data[off:])
}

// scalar loads a little-endian value of width size, zero-extended.
func (b buffer) scalar(off, size int) uint64 {
	switch size {
	case 1:
		return uint64(b.u8(off))
	case 2:
		return uint64(b.u16(off))
	case 4:
		return uint64(b.u32(off))
	default:
		return b.u64(off)
	}
}

// deref follows the uoffset stored at off.
func (b buffer) deref(off int, what string) (int, error) {
	if err := b.check(off, flatbuffers.SizeUOffsetT, what+" offset"); err != nil {
		return 0, err
	}
	target := int64(off) + int64(b.u32(off))
	if target > int64(len(b.data)) {
		return 0, uperrors.CorruptBuffer("%s offset at %d points past the end of the buffer", what, off)
	}
	return int(target), nil
}

// copyBytes returns an owned copy of [off, off+n).
func (b buffer) copyBytes(off, n int) []byte {
	out := make([]byte, n)
	copy(out, b.data[off:off+n])
	return out
}
