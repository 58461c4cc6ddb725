package branch_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/bpsim/branch"
)

var _ = Describe("Branch", func() {
	It("should expose the recorded fields", func() {
		b := branch.New(0x401000, 0x401020, branch.OpJump|branch.OpCND, true)

		Expect(b.IP()).To(Equal(uint64(0x401000)))
		Expect(b.Target()).To(Equal(uint64(0x401020)))
		Expect(b.IsTaken()).To(BeTrue())
		Expect(b.IsConditional()).To(BeTrue())
		Expect(b.IsIndirect()).To(BeFalse())
		Expect(b.Type()).To(Equal(branch.OpJump))
	})

	It("should classify indirect calls", func() {
		b := branch.New(0x10, 0x20, branch.OpCall|branch.OpIND, true)

		Expect(b.IsConditional()).To(BeFalse())
		Expect(b.IsIndirect()).To(BeTrue())
		Expect(b.Type()).To(Equal(branch.OpCall))
	})

	Describe("OpCode validity", func() {
		It("should accept every opcode with a known type", func() {
			for op := branch.OpCode(0); op < branch.NumOpCodes; op++ {
				Expect(op.IsValid()).To(Equal(op.Type() != branch.OpTypeMask))
			}
		})

		It("should reject opcodes wider than 4 bits", func() {
			Expect(branch.OpCode(0x10).IsValid()).To(BeFalse())
		})
	})

	It("should format like the trace dump", func() {
		b := branch.New(0x1000, 0x2000, branch.OpRet|branch.OpIND, false)
		Expect(b.String()).To(Equal(
			"0x0000000000001000 0x0000000000002000 IND UCD  RET NOT_TAKEN"))
	})
})
