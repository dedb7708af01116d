package codec

import (
	flatbuffers "github.com/google/flatbuffers/go"

	uperrors "github.com/modelup/modelup/internal/errors"
)

// identifierSize is the width of the optional file identifier that follows
// the root offset.
const identifierSize = 4

// FileIdentifier returns the 4-byte identifier stored after the root
// offset. ok is false when the buffer is too short to hold one or the root
// table starts inside it.
func FileIdentifier(buf []byte) (string, bool) {
	if len(buf) < flatbuffers.SizeUOffsetT+identifierSize {
		return "", false
	}
	root := flatbuffers.GetUOffsetT(buf)
	if int64(root) < flatbuffers.SizeUOffsetT+identifierSize {
		return "", false
	}
	id := buf[flatbuffers.SizeUOffsetT : flatbuffers.SizeUOffsetT+identifierSize]
	for _, c := range id {
		if c < 0x20 || c > 0x7e {
			return "", false
		}
	}
	return string(id), true
}

// PeekVersion reads the uint32 stored in slot 0 of the root table without
// decoding the rest of the buffer. present is false when the slot is
// absent from the root vtable.
func PeekVersion(buf []byte) (version uint32, present bool, err error) {
	b := buffer{data: buf}
	pos, err := b.deref(0, "root table")
	if err != nil {
		return 0, false, err
	}
	vt, err := (&Reader{}).readVTable(b, pos)
	if err != nil {
		return 0, false, err
	}
	off := vt.slot(0)
	if off == 0 {
		return 0, false, nil
	}
	if off+flatbuffers.SizeUint32 > vt.objLen {
		return 0, false, uperrors.CorruptBuffer("root version field overruns the object")
	}
	return b.u32(pos + off), true, nil
}
