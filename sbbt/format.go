// Package sbbt reads and writes branch traces in the SBBT format.
//
// An SBBT trace is a 24-byte header followed by 16-byte packed branch
// records. All fields are little-endian. The trace may be stored plain
// (<name>.sbbt) or compressed by an external tool (<name>.sbbt.xz,
// <name>.sbbt.zst, <name>.sbbt.lz4 or <name>.sbbt.gz).
package sbbt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/sarchlab/bpsim/branch"
)

// Version of the format produced by the Writer.
const (
	VersionMajor = 1
	VersionMinor = 0
	VersionPatch = 0
)

const (
	// HeaderSize is the size in bytes of the trace header.
	HeaderSize = 24
	// RecordSize is the size in bytes of one packed branch record.
	RecordSize = 16

	// MaxInstrDelta is the largest instruction gap a record can encode.
	MaxInstrDelta = 0xFFF

	// EndOfTrace is the instruction number returned once no branch is left.
	EndOfTrace int64 = math.MaxInt64

	// formatMark reads as "SBBT\n" in the low 40 bits of the header mark.
	formatMark     uint64 = 0x0000000A54424253
	formatMarkMask uint64 = 0x000000FFFFFFFFFF
	versionShift          = 40

	opcodeMask   uint64 = 0x00F
	outcomeShift        = 11
	addrShift           = 12
	deltaMask    uint64 = 0xFFF
)

var (
	// ErrFormat reports a trace that is not a valid SBBT stream.
	ErrFormat = errors.New("sbbt: format error")
	// ErrIO reports a failure reading, writing or spawning a codec process.
	ErrIO = errors.New("sbbt: i/o error")
	// ErrProtocol reports a misuse of the Writer.
	ErrProtocol = errors.New("sbbt: protocol violation")
)

// Header holds the trace-wide counts stored at the beginning of a trace.
type Header struct {
	NumInstructions uint64
	NumBranches     uint64
}

func versionMark() uint64 {
	return formatMark |
		uint64(VersionMajor)<<versionShift |
		uint64(VersionMinor)<<(versionShift+8) |
		uint64(VersionPatch)<<(versionShift+16)
}

func encodeHeader(dst []byte, h Header) {
	binary.LittleEndian.PutUint64(dst[0:], versionMark())
	binary.LittleEndian.PutUint64(dst[8:], h.NumInstructions)
	binary.LittleEndian.PutUint64(dst[16:], h.NumBranches)
}

func decodeHeader(src []byte) (Header, error) {
	mark := binary.LittleEndian.Uint64(src[0:])
	if mark&formatMarkMask != formatMark {
		return Header{}, fmt.Errorf("%w: bad magic 0x%010x", ErrFormat,
			mark&formatMarkMask)
	}

	major := (mark >> versionShift) & 0xFF
	if major != VersionMajor {
		return Header{}, fmt.Errorf("%w: unsupported version %d (want %d)",
			ErrFormat, major, VersionMajor)
	}

	return Header{
		NumInstructions: binary.LittleEndian.Uint64(src[8:]),
		NumBranches:     binary.LittleEndian.Uint64(src[16:]),
	}, nil
}

// IsSignExtended52 tells whether addr is the sign extension of a 52-bit
// value, i.e. bits 51 to 63 are all equal.
func IsSignExtended52(addr uint64) bool {
	top := addr >> 51
	return top == 0 || top == 0x1FFF
}

// encodeRecord packs a branch into dst.
//
//	word 0: opcode[0:4] reserved[4:11] outcome[11] ip[12:64]
//	word 1: delta[0:12] target[12:64]
func encodeRecord(
	dst []byte,
	ip, target uint64,
	taken bool,
	opcode branch.OpCode,
	delta uint64,
) {
	w0 := ip<<addrShift | uint64(opcode)&opcodeMask
	if taken {
		w0 |= 1 << outcomeShift
	}

	w1 := target<<addrShift | delta&deltaMask

	binary.LittleEndian.PutUint64(dst[0:], w0)
	binary.LittleEndian.PutUint64(dst[8:], w1)
}

// decodeRecord unpacks the branch stored in src and returns it along with
// the number of instructions since the previous branch.
func decodeRecord(src []byte) (branch.Branch, uint64) {
	w0 := binary.LittleEndian.Uint64(src[0:])
	w1 := binary.LittleEndian.Uint64(src[8:])

	// Arithmetic shifts sign-extend the addresses from bit 51.
	ip := uint64(int64(w0) >> addrShift)
	target := uint64(int64(w1) >> addrShift)
	opcode := branch.OpCode(w0 & opcodeMask)
	taken := (w0>>outcomeShift)&1 == 1

	return branch.New(ip, target, opcode, taken), w1 & deltaMask
}
