package tage_test

import (
	"math/rand/v2"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/bpsim/branch"
	"github.com/sarchlab/bpsim/predictor/tage"
)

func smallConfig() tage.Config {
	return tage.Config{Tables: []tage.TableSpec{
		{HistoryLen: 0, IndexWidth: 10, TagWidth: 0, CounterWidth: 2, UsefulWidth: 2},
		{HistoryLen: 4, IndexWidth: 8, TagWidth: 7, CounterWidth: 3, UsefulWidth: 2},
		{HistoryLen: 9, IndexWidth: 8, TagWidth: 8, CounterWidth: 3, UsefulWidth: 2},
		{HistoryLen: 23, IndexWidth: 8, TagWidth: 11, CounterWidth: 3, UsefulWidth: 2},
	}}
}

func conditional(ip uint64, taken bool) branch.Branch {
	return branch.New(ip, ip+0x40, branch.OpJump|branch.OpCND, taken)
}

// step runs one branch through p and returns whether it was predicted
// correctly.
func step(p *tage.Predictor, b branch.Branch) bool {
	correct := true
	if b.IsConditional() {
		correct = p.Predict(b.IP()) == b.IsTaken()
		p.Train(b)
	}

	p.Track(b)

	return correct
}

func randomBranches(seed uint64, n int) []branch.Branch {
	rng := rand.New(rand.NewPCG(seed, 0))
	ips := []uint64{0x4000, 0x4010, 0x4024, 0x5000, 0x7ff0, 0x12340}

	out := make([]branch.Branch, n)
	for i := range out {
		ip := ips[rng.IntN(len(ips))]
		op := branch.OpJump | branch.OpCND
		if rng.IntN(8) == 0 {
			op = branch.OpCall
		}
		out[i] = branch.New(ip, ip+0x100, op, rng.IntN(3) != 0)
	}

	return out
}

var _ = Describe("TAGE", func() {
	var p *tage.Predictor

	BeforeEach(func() {
		var err error
		p, err = tage.New(smallConfig())
		Expect(err).NotTo(HaveOccurred())
	})

	It("should predict an always-taken branch perfectly", func() {
		for range 100 {
			step(p, conditional(0x401000, true))
		}

		for range 1000 {
			Expect(step(p, conditional(0x401000, true))).To(BeTrue())
		}
	})

	It("should learn an alternating branch from history", func() {
		for i := range 2000 {
			step(p, conditional(0x401000, i%2 == 0))
		}

		for i := range 1000 {
			Expect(step(p, conditional(0x401000, i%2 == 0))).To(BeTrue())
		}
	})

	It("should learn a branch correlated with a preceding one", func() {
		rng := rand.New(rand.NewPCG(7, 7))

		misses := 0
		for i := range 6000 {
			dir := rng.IntN(2) == 0
			step(p, conditional(0x2000, dir))
			if !step(p, conditional(0x2040, dir)) && i >= 3000 {
				misses++
			}
		}

		// A bimodal predictor would miss half of them.
		Expect(misses).To(BeNumerically("<", 60))
	})

	It("should return the cached prediction until history changes", func() {
		first := p.Predict(0x3000)
		Expect(p.Predict(0x3000)).To(Equal(first))
		Expect(p.ExecutionStats()["predictions"]).To(Equal(uint64(2)))
	})

	It("should allocate an entry on a base table misprediction", func() {
		Expect(p.Predict(0x3000)).To(BeTrue())
		p.Train(conditional(0x3000, false))
		p.Track(conditional(0x3000, false))

		stats := p.ExecutionStats()
		Expect(stats["allocations"]).To(Equal(uint64(1)))
		Expect(stats["provider_t00"]).To(Equal(uint64(1)))
	})

	It("should be deterministic", func() {
		q, err := tage.New(smallConfig())
		Expect(err).NotTo(HaveOccurred())

		for _, b := range randomBranches(42, 20000) {
			Expect(step(p, b)).To(Equal(step(q, b)))
		}

		Expect(p.ExecutionStats()).To(Equal(q.ExecutionStats()))
	})

	It("should reset its statistics", func() {
		for _, b := range randomBranches(1, 500) {
			step(p, b)
		}
		Expect(p.ExecutionStats()["predictions"]).NotTo(BeZero())

		p.ResetExecutionStats()

		for _, v := range p.ExecutionStats() {
			Expect(v).To(BeZero())
		}
		Expect(p.Stats().ProviderHits).To(HaveLen(4))
	})

	It("should describe itself", func() {
		md := p.Metadata()
		Expect(md.Name).To(Equal("TAGE"))
		Expect(md.Params).To(Equal(smallConfig()))
		Expect(p.ExecutionStats()).To(HaveKey("provider_t03"))
	})
})

var _ = Describe("Config", func() {
	DescribeTable("rejects unusable tables",
		func(spec tage.TableSpec) {
			_, err := tage.New(tage.Config{Tables: []tage.TableSpec{spec}})
			Expect(err).To(MatchError(tage.ErrInvalidConfig))
		},
		Entry("zero index width", tage.TableSpec{CounterWidth: 2, UsefulWidth: 2}),
		Entry("wide tag", tage.TableSpec{IndexWidth: 8, TagWidth: 40, CounterWidth: 2, UsefulWidth: 2}),
		Entry("wide counter", tage.TableSpec{IndexWidth: 8, CounterWidth: 9, UsefulWidth: 2}),
		Entry("no useful counter", tage.TableSpec{IndexWidth: 8, CounterWidth: 3}),
	)

	It("rejects an empty config", func() {
		_, err := tage.New(tage.Config{})
		Expect(err).To(MatchError(tage.ErrInvalidConfig))
	})
})
