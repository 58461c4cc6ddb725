package history_test

import (
	"math/rand/v2"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/bpsim/history"
)

// bitStream keeps every bit pushed, newest last.
type bitStream []uint64

func (s bitStream) age(a uint) uint64 {
	if int(a) >= len(s) {
		return 0
	}

	return s[len(s)-1-int(a)]
}

func (s bitStream) naiveFold(winLen, foldLen uint) uint64 {
	if foldLen == 0 {
		return 0
	}

	var fold uint64
	for a := uint(0); a < winLen; a++ {
		fold ^= s.age(a) << (a % foldLen)
	}

	return fold
}

var _ = Describe("XorFold", func() {
	It("should xor all chunks", func() {
		Expect(history.XorFold(0xABCD, 4)).To(Equal(uint64(0xA ^ 0xB ^ 0xC ^ 0xD)))
		Expect(history.XorFold(0xFF00FF, 8)).To(Equal(uint64(0)))
		Expect(history.XorFold(0x8000_0000_0000_0002, 6)).
			To(Equal(uint64(2 ^ 1<<(63%6))))
	})

	It("should return the value for a full width", func() {
		Expect(history.XorFold(0x1234_5678_9ABC_DEF0, 64)).
			To(Equal(uint64(0x1234_5678_9ABC_DEF0)))
	})

	It("should return zero for a zero width", func() {
		Expect(history.XorFold(0xFFFF, 0)).To(BeZero())
	})
})

var _ = Describe("Fold", func() {
	It("should start empty", func() {
		f := history.NewFold(31, 7)
		Expect(f.Value()).To(BeZero())
		Expect(f.WindowLen()).To(Equal(uint(31)))
		Expect(f.Len()).To(Equal(uint(7)))
	})

	It("should stay zero with an empty window", func() {
		f := history.NewFold(0, 10)
		for range 20 {
			// With no window every bit leaves as soon as it enters.
			f.ShiftInAndOut(1, 1, 1)
		}
		Expect(f.Value()).To(BeZero())
	})

	DescribeTable("should match a full recomputation",
		func(winLen, foldLen, nbits uint) {
			rng := rand.New(rand.NewPCG(uint64(winLen), uint64(foldLen)))
			f := history.NewFold(winLen, foldLen)

			var s bitStream
			for range 1000 {
				incoming := rng.Uint64() & (uint64(1)<<nbits - 1)
				for j := int(nbits) - 1; j >= 0; j-- {
					s = append(s, incoming>>uint(j)&1)
				}

				var outgoing uint64
				for j := uint(0); j < nbits; j++ {
					outgoing |= s.age(winLen+j) << j
				}

				f.ShiftInAndOut(nbits, incoming, outgoing)
				Expect(f.Value()).To(Equal(s.naiveFold(winLen, foldLen)))
			}
		},
		Entry("31 into 7", uint(31), uint(7), uint(1)),
		Entry("window multiple of fold", uint(20), uint(10), uint(1)),
		Entry("window shorter than fold", uint(4), uint(10), uint(1)),
		Entry("long window", uint(257), uint(9), uint(1)),
		Entry("long window into tag", uint(191), uint(17), uint(1)),
		Entry("two bits at a time", uint(43), uint(12), uint(2)),
		Entry("fold-wide shifts", uint(58), uint(5), uint(5)),
		Entry("zero fold", uint(10), uint(0), uint(1)),
	)
})
