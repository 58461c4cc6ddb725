package history

// Global is a ring buffer with the most recent branch outcomes.
type Global struct {
	bits []uint8
	head int
}

// NewGlobal creates a history able to tell the bit leaving a window of up to
// maxLen bits.
func NewGlobal(maxLen uint) *Global {
	return &Global{bits: make([]uint8, maxLen+1)}
}

// Push records an outcome as the newest bit and returns it.
func (g *Global) Push(taken bool) uint64 {
	if g.head == 0 {
		g.head = len(g.bits)
	}

	g.head--

	var bit uint8
	if taken {
		bit = 1
	}

	g.bits[g.head] = bit

	return uint64(bit)
}

// At returns the bit pushed age pushes ago, 0 being the newest. Ages beyond
// the capacity of the history wrap around.
func (g *Global) At(age uint) uint64 {
	return uint64(g.bits[(g.head+int(age))%len(g.bits)])
}

// Capacity returns the number of bits kept.
func (g *Global) Capacity() int { return len(g.bits) }

// TableHash derives the index and tag of a tagged predictor table from a
// branch address and a slice of the global history.
type TableHash struct {
	histLen  uint
	idxWidth uint
	tagWidth uint
	tagShift uint

	idx Fold
	tag Fold
}

// NewTableHash creates the hash of a table indexed with idxWidth bits and
// tagged with tagWidth bits, over the histLen most recent outcomes.
func NewTableHash(histLen, idxWidth, tagWidth uint) TableHash {
	h := TableHash{
		histLen:  histLen,
		idxWidth: idxWidth,
		tagWidth: tagWidth,
		idx:      NewFold(histLen, idxWidth),
		tag:      NewFold(histLen, tagWidth),
	}

	// Tags take address bits from a different position than the index,
	// so that addresses sharing an entry are told apart.
	if tagWidth > idxWidth {
		h.tagShift = tagWidth - idxWidth
	}

	return h
}

// HistoryLen returns the number of outcomes hashed.
func (h *TableHash) HistoryLen() uint { return h.histLen }

// Index returns the entry index of ip, below 2^idxWidth.
func (h *TableHash) Index(ip uint64) uint64 {
	return XorFold(ip>>2, h.idxWidth) ^ h.idx.Value()
}

// Tag returns the tag of ip, below 2^tagWidth.
func (h *TableHash) Tag(ip uint64) uint64 {
	return XorFold(ip<<h.tagShift, h.tagWidth) ^ h.tag.Value()
}

// Update folds the newest outcome of g into the hash. It must be called once
// after every Push.
func (h *TableHash) Update(g *Global) {
	in := g.At(0)
	out := g.At(h.histLen)
	h.idx.ShiftInAndOut(1, in, out)
	h.tag.ShiftInAndOut(1, in, out)
}
