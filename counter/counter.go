// Package counter provides fixed-width saturating counters.
//
// Counters only move by one step at a time and clamp at the limits of their
// range instead of wrapping around. Signed counters of width N hold values in
// [-2^(N-1), 2^(N-1)-1]; unsigned counters hold values in [0, 2^N-1].
package counter

// MaxWidth is the widest counter supported.
const MaxWidth = 31

// SignedMin returns the smallest value of a signed counter of the given
// width.
func SignedMin(width uint) int32 {
	return -(int32(1) << (width - 1))
}

// SignedMax returns the largest value of a signed counter of the given width.
func SignedMax(width uint) int32 {
	return int32(1)<<(width-1) - 1
}

// UnsignedMax returns the largest value of an unsigned counter of the given
// width.
func UnsignedMax(width uint) uint32 {
	return uint32(1)<<width - 1
}

// StepSigned moves a signed counter value one step up or down, saturating at
// the limits of width.
func StepSigned(v int32, up bool, width uint) int32 {
	if up {
		return min(v+1, SignedMax(width))
	}

	return max(v-1, SignedMin(width))
}

// StepUnsigned moves an unsigned counter value one step up or down,
// saturating at the limits of width.
func StepUnsigned(v uint32, up bool, width uint) uint32 {
	if up {
		return min(v+1, UnsignedMax(width))
	}

	if v == 0 {
		return 0
	}

	return v - 1
}

// Signed is a saturating two's complement counter.
type Signed struct {
	value int32
	width uint
}

// NewSigned creates a signed counter of the given width holding zero.
func NewSigned(width uint) Signed {
	return Signed{width: width}
}

// NewSignedWithValue creates a signed counter holding v, clamped into range.
func NewSignedWithValue(width uint, v int32) Signed {
	return Signed{
		value: min(max(v, SignedMin(width)), SignedMax(width)),
		width: width,
	}
}

// Value returns the counter value.
func (c Signed) Value() int32 { return c.value }

// Width returns the number of bits of the counter.
func (c Signed) Width() uint { return c.width }

// IsTaken tells whether the counter leans towards taken (value >= 0).
func (c Signed) IsTaken() bool { return c.value >= 0 }

// IsWeak tells whether the counter is one step away from changing sign.
func (c Signed) IsWeak() bool { return c.value == 0 || c.value == -1 }

// IsSaturated tells whether the counter sits at either end of its range.
func (c Signed) IsSaturated() bool {
	return c.value == SignedMin(c.width) || c.value == SignedMax(c.width)
}

// Inc adds one unless the counter is at its maximum.
func (c *Signed) Inc() { c.value = StepSigned(c.value, true, c.width) }

// Dec subtracts one unless the counter is at its minimum.
func (c *Signed) Dec() { c.value = StepSigned(c.value, false, c.width) }

// Update increments the counter if up is set and decrements it otherwise.
func (c *Signed) Update(up bool) { c.value = StepSigned(c.value, up, c.width) }

// Unsigned is a saturating non-negative counter.
type Unsigned struct {
	value uint32
	width uint
}

// NewUnsigned creates an unsigned counter of the given width holding zero.
func NewUnsigned(width uint) Unsigned {
	return Unsigned{width: width}
}

// NewUnsignedWithValue creates an unsigned counter holding v, clamped into
// range.
func NewUnsignedWithValue(width uint, v uint32) Unsigned {
	return Unsigned{value: min(v, UnsignedMax(width)), width: width}
}

// Value returns the counter value.
func (c Unsigned) Value() uint32 { return c.value }

// Width returns the number of bits of the counter.
func (c Unsigned) Width() uint { return c.width }

// IsUpperHalf tells whether the counter is in the upper half of its range,
// the taken side of a bimodal counter.
func (c Unsigned) IsUpperHalf() bool {
	return c.value > UnsignedMax(c.width)/2
}

// IsWeak tells whether the counter is one step away from leaving its half of
// the range.
func (c Unsigned) IsWeak() bool {
	mid := UnsignedMax(c.width) / 2
	return c.value == mid || c.value == mid+1
}

// Inc adds one unless the counter is at its maximum.
func (c *Unsigned) Inc() { c.value = StepUnsigned(c.value, true, c.width) }

// Dec subtracts one unless the counter is zero.
func (c *Unsigned) Dec() { c.value = StepUnsigned(c.value, false, c.width) }

// Update increments the counter if up is set and decrements it otherwise.
func (c *Unsigned) Update(up bool) {
	c.value = StepUnsigned(c.value, up, c.width)
}
