package btb_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/bpsim/predictor"
	"github.com/sarchlab/bpsim/predictor/btb"
)

var _ = Describe("BTB", func() {
	var b *btb.BTB

	BeforeEach(func() {
		var err error
		b, err = btb.New(btb.Config{Sets: 4, Ways: 2})
		Expect(err).NotTo(HaveOccurred())
	})

	It("should satisfy the target predictor interface", func() {
		var tp predictor.TargetPredictor = b
		Expect(tp).NotTo(BeNil())
	})

	It("should miss on a cold buffer", func() {
		_, ok := b.PredictTarget(0x1000)
		Expect(ok).To(BeFalse())

		stats := b.Stats()
		Expect(stats.Lookups).To(Equal(uint64(1)))
		Expect(stats.Misses).To(Equal(uint64(1)))
	})

	It("should hit after an update", func() {
		b.UpdateTarget(0x1000, 0x2000)

		target, ok := b.PredictTarget(0x1000)
		Expect(ok).To(BeTrue())
		Expect(target).To(Equal(uint64(0x2000)))
		Expect(b.Stats().HitRate()).To(BeNumerically("~", 1.0, 1e-9))
	})

	It("should keep the latest target", func() {
		b.UpdateTarget(0x1000, 0x2000)
		b.UpdateTarget(0x1000, 0x3000)

		target, _ := b.PredictTarget(0x1000)
		Expect(target).To(Equal(uint64(0x3000)))
		Expect(b.Occupancy()).To(Equal(1))
	})

	It("should tell apart addresses that differ in the low bits", func() {
		b.UpdateTarget(0x1001, 0xA)
		b.UpdateTarget(0x1002, 0xB)

		target, ok := b.PredictTarget(0x1001)
		Expect(ok).To(BeTrue())
		Expect(target).To(Equal(uint64(0xA)))

		target, ok = b.PredictTarget(0x1002)
		Expect(ok).To(BeTrue())
		Expect(target).To(Equal(uint64(0xB)))
	})

	It("should evict the least recently used entry of a set", func() {
		// With 4 sets, aligned addresses 16 bytes apart share a set.
		a, c, d := uint64(0x1000), uint64(0x1010), uint64(0x1020)

		b.UpdateTarget(a, 0xA)
		b.UpdateTarget(c, 0xC)
		b.PredictTarget(a)
		b.UpdateTarget(d, 0xD)

		_, ok := b.PredictTarget(c)
		Expect(ok).To(BeFalse())

		target, ok := b.PredictTarget(a)
		Expect(ok).To(BeTrue())
		Expect(target).To(Equal(uint64(0xA)))

		target, ok = b.PredictTarget(d)
		Expect(ok).To(BeTrue())
		Expect(target).To(Equal(uint64(0xD)))

		Expect(b.Stats().Evictions).To(Equal(uint64(1)))
	})

	It("should invalidate entries", func() {
		b.UpdateTarget(0x1000, 0x2000)
		b.Invalidate(0x1000)

		_, ok := b.PredictTarget(0x1000)
		Expect(ok).To(BeFalse())
	})

	It("should reset all entries", func() {
		b.UpdateTarget(0x1000, 0x2000)
		b.UpdateTarget(0x1004, 0x2000)
		b.Reset()

		Expect(b.Occupancy()).To(BeZero())
		Expect(b.Stats()).To(Equal(btb.Stats{}))
	})

	It("should reject bad geometries", func() {
		_, err := btb.New(btb.Config{Sets: 3, Ways: 2})
		Expect(err).To(MatchError(btb.ErrInvalidConfig))

		_, err = btb.New(btb.Config{Sets: 4})
		Expect(err).To(MatchError(btb.ErrInvalidConfig))
	})

	It("should default to 4K entries", func() {
		Expect(btb.DefaultConfig().Entries()).To(Equal(4096))
	})
})
