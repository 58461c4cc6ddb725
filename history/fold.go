// Package history provides the folded views of branch history used to index
// and tag predictor tables.
package history

// XorFold returns the XOR of all the width-bit chunks of value.
// A width of zero yields zero.
func XorFold(value uint64, width uint) uint64 {
	if width == 0 {
		return 0
	}

	var fold uint64
	for i := uint(0); i < 64; i += width {
		fold ^= value
		value >>= width
	}

	return fold & (uint64(1)<<width - 1)
}

// Fold maintains the XorFold of the most recent bits of an unbounded bit
// stream. For a window of 31 bits folded into 7, the value is
//
//	h[0:7] ^ h[7:14] ^ h[14:21] ^ h[21:28] ^ h[28:31]
//
// where h[0] is the newest bit. The fold is updated in constant time as bits
// enter and leave the window; the caller keeps the raw history needed to
// know which bits leave.
type Fold struct {
	value   uint64
	winLen  uint
	foldLen uint
	bitOut  uint
}

// NewFold creates an empty fold of a winLen-bit window into foldLen bits.
// A fold of zero bits is always zero.
func NewFold(winLen, foldLen uint) Fold {
	f := Fold{winLen: winLen, foldLen: foldLen}
	if foldLen != 0 {
		f.bitOut = winLen % foldLen
	}

	return f
}

// Value returns the current fold.
func (f *Fold) Value() uint64 { return f.value }

// WindowLen returns the number of bits of the window.
func (f *Fold) WindowLen() uint { return f.winLen }

// Len returns the number of bits of the fold.
func (f *Fold) Len() uint { return f.foldLen }

// ShiftInAndOut pushes nbits bits into the window and drops the nbits bits
// that leave it. In both incoming and outgoing the lowest bit is the newest.
//
// Unless the fold has zero bits, nbits must not exceed Len(), and
// Len()+nbits must be below 64. These preconditions are not checked.
func (f *Fold) ShiftInAndOut(nbits uint, incoming, outgoing uint64) uint64 {
	// Outgoing bits are xored before the cyclic wrap, so the ones that
	// land above the fold are wrapped to their place together with the rest.
	f.value <<= nbits
	f.value ^= incoming ^ outgoing<<f.bitOut
	f.value ^= f.value >> f.foldLen
	f.value &= uint64(1)<<f.foldLen - 1

	return f.value
}
