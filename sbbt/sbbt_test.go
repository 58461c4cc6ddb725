package sbbt_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math/rand/v2"
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/bpsim/branch"
	"github.com/sarchlab/bpsim/sbbt"
)

type tracedBranch struct {
	instr int64
	b     branch.Branch
}

var validOpCodes = []branch.OpCode{
	branch.OpJump,
	branch.OpJump | branch.OpCND,
	branch.OpJump | branch.OpIND,
	branch.OpRet | branch.OpIND,
	branch.OpCall,
	branch.OpCall | branch.OpIND,
}

func randomAddr(rng *rand.Rand) uint64 {
	return uint64(int64(rng.Uint64()) >> 12)
}

func randomTrace(seed uint64, n int) []tracedBranch {
	rng := rand.New(rand.NewPCG(seed, 0))
	out := make([]tracedBranch, 0, n)

	instr := int64(0)
	for range n {
		instr += int64(rng.IntN(sbbt.MaxInstrDelta + 1))
		out = append(out, tracedBranch{
			instr: instr,
			b: branch.New(
				randomAddr(rng),
				randomAddr(rng),
				validOpCodes[rng.IntN(len(validOpCodes))],
				rng.IntN(2) == 1,
			),
		})
	}

	return out
}

func writeTrace(w *sbbt.Writer, trace []tracedBranch) {
	for _, t := range trace {
		Expect(w.AddBranch(uint64(t.instr), t.b.IP(), t.b.Target(),
			t.b.IsTaken(), t.b.OpCode())).To(Succeed())
	}
}

func readAll(r *sbbt.Reader) []tracedBranch {
	var out []tracedBranch

	for {
		var b branch.Branch

		instr, err := r.NextBranch(&b)
		if errors.Is(err, io.EOF) {
			Expect(instr).To(Equal(sbbt.EndOfTrace))
			return out
		}

		Expect(err).NotTo(HaveOccurred())
		out = append(out, tracedBranch{instr: instr, b: b})
	}
}

func lastInstr(trace []tracedBranch) uint64 {
	if len(trace) == 0 {
		return 0
	}

	return uint64(trace[len(trace)-1].instr)
}

var _ = Describe("Writer and Reader", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	Context("with a plain trace", func() {
		It("should round-trip branches", func() {
			path := filepath.Join(dir, "t.sbbt")
			trace := randomTrace(1, 2000)
			numInstr := lastInstr(trace) + 17

			w, err := sbbt.Create(path, numInstr, uint64(len(trace)))
			Expect(err).NotTo(HaveOccurred())
			writeTrace(w, trace)
			Expect(w.Close()).To(Succeed())

			r, err := sbbt.Open(path)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = r.Close() }()

			Expect(r.NumInstructions()).To(Equal(numInstr))
			Expect(r.NumBranches()).To(Equal(uint64(len(trace))))
			Expect(readAll(r)).To(Equal(trace))
			Expect(r.EOF()).To(BeTrue())
			Expect(r.LastInstrRead()).To(Equal(int64(lastInstr(trace))))
		})

		It("should have the exact size", func() {
			path := filepath.Join(dir, "t.sbbt")

			trace := randomTrace(2, 3)
			numInstr := lastInstr(trace) + 1

			w, err := sbbt.Create(path, numInstr, 3)
			Expect(err).NotTo(HaveOccurred())
			writeTrace(w, trace)
			Expect(w.CloseWithInstructions(numInstr)).To(Succeed())

			info, err := os.Stat(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Size()).To(Equal(int64(sbbt.HeaderSize + 3*sbbt.RecordSize)))
		})

		It("should compute the header of a deferred trace", func() {
			path := filepath.Join(dir, "d.sbbt")
			trace := randomTrace(3, 700)

			w, err := sbbt.CreateDeferred(path)
			Expect(err).NotTo(HaveOccurred())
			writeTrace(w, trace)
			Expect(w.Close()).To(Succeed())

			r, err := sbbt.Open(path)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = r.Close() }()

			Expect(r.NumInstructions()).To(Equal(lastInstr(trace)))
			Expect(r.NumBranches()).To(Equal(uint64(700)))
			Expect(readAll(r)).To(Equal(trace))

			_, err = os.Stat(path + ".tmp")
			Expect(os.IsNotExist(err)).To(BeTrue())
		})

		It("should return EndOfTrace for an empty trace", func() {
			path := filepath.Join(dir, "e.sbbt")

			w, err := sbbt.Create(path, 5, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(w.Close()).To(Succeed())

			r, err := sbbt.Open(path)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = r.Close() }()

			var b branch.Branch
			instr, err := r.NextBranch(&b)
			Expect(err).To(MatchError(io.EOF))
			Expect(instr).To(Equal(sbbt.EndOfTrace))
			Expect(r.EOF()).To(BeTrue())
		})
	})

	DescribeTable("compressed traces",
		func(ext string) {
			c, err := sbbt.DetectCompression("x.sbbt" + ext)
			Expect(err).NotTo(HaveOccurred())

			if _, err := exec.LookPath(c.Program()); err != nil {
				Skip(c.Program() + " is not installed")
			}

			path := filepath.Join(dir, "t.sbbt"+ext)
			trace := randomTrace(4, 10000)

			w, err := sbbt.Create(path, lastInstr(trace)+1, uint64(len(trace)))
			Expect(err).NotTo(HaveOccurred())
			writeTrace(w, trace)
			Expect(w.Close()).To(Succeed())

			r, err := sbbt.Open(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(readAll(r)).To(Equal(trace))
			Expect(r.Close()).To(Succeed())

			// Closing before the end must not report the killed process.
			r, err = sbbt.Open(path)
			Expect(err).NotTo(HaveOccurred())

			var b branch.Branch
			_, err = r.NextBranch(&b)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Close()).To(Succeed())
		},
		Entry("xz", ".xz"),
		Entry("zstd", ".zst"),
		Entry("lz4", ".lz4"),
		Entry("gzip", ".gz"),
	)

	It("should rewrite a deferred compressed trace", func() {
		if _, err := exec.LookPath("gzip"); err != nil {
			Skip("gzip is not installed")
		}

		path := filepath.Join(dir, "d.sbbt.gz")
		trace := randomTrace(5, 1500)

		w, err := sbbt.CreateDeferred(path)
		Expect(err).NotTo(HaveOccurred())
		writeTrace(w, trace)
		Expect(w.CloseWithInstructions(lastInstr(trace) + 100)).To(Succeed())

		r, err := sbbt.Open(path)
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = r.Close() }()

		Expect(r.NumInstructions()).To(Equal(lastInstr(trace) + 100))
		Expect(readAll(r)).To(Equal(trace))
	})
})

var _ = Describe("Writer", func() {
	var (
		dir  string
		path string
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		path = filepath.Join(dir, "w.sbbt")
	})

	It("should reject a trace without instructions", func() {
		_, err := sbbt.Create(path, 0, 0)
		Expect(err).To(MatchError(sbbt.ErrProtocol))
	})

	It("should reject unknown extensions", func() {
		_, err := sbbt.Create(filepath.Join(dir, "w.trace"), 10, 1)
		Expect(err).To(MatchError(sbbt.ErrFormat))
	})

	It("should reject more branches than declared", func() {
		w, err := sbbt.Create(path, 100, 3)
		Expect(err).NotTo(HaveOccurred())
		defer w.Abort()

		for i := uint64(1); i <= 3; i++ {
			Expect(w.AddBranch(i, 0x1000, 0x2000, true, branch.OpJump)).
				To(Succeed())
		}

		err = w.AddBranch(4, 0x1000, 0x2000, true, branch.OpJump)
		Expect(err).To(MatchError(sbbt.ErrProtocol))
		Expect(w.NumBranches()).To(Equal(uint64(3)))
	})

	It("should reject addresses that are not sign-extended", func() {
		w, err := sbbt.Create(path, 100, 1)
		Expect(err).NotTo(HaveOccurred())
		defer w.Abort()

		err = w.AddBranch(1, 0x0008_0000_0000_0000, 0x2000, true, branch.OpJump)
		Expect(err).To(MatchError(sbbt.ErrProtocol))

		err = w.AddBranch(1, 0x1000, 0x8000_0000_0000_0000, true, branch.OpJump)
		Expect(err).To(MatchError(sbbt.ErrProtocol))

		Expect(w.NumBranches()).To(BeZero())
	})

	It("should reject instruction gaps that do not fit a record", func() {
		w, err := sbbt.Create(path, 10000, 2)
		Expect(err).NotTo(HaveOccurred())
		defer w.Abort()

		Expect(w.AddBranch(4095, 0x1000, 0x2000, true, branch.OpJump)).
			To(Succeed())

		err = w.AddBranch(4095+4096, 0x1000, 0x2000, true, branch.OpJump)
		Expect(err).To(MatchError(sbbt.ErrProtocol))

		err = w.AddBranch(4000, 0x1000, 0x2000, true, branch.OpJump)
		Expect(err).To(MatchError(sbbt.ErrProtocol))
	})

	It("should reject invalid opcodes", func() {
		w, err := sbbt.Create(path, 10, 1)
		Expect(err).NotTo(HaveOccurred())
		defer w.Abort()

		err = w.AddBranch(1, 0x1000, 0x2000, true, branch.OpTypeMask)
		Expect(err).To(MatchError(sbbt.ErrProtocol))
	})

	It("should remove the trace when the counts do not match", func() {
		w, err := sbbt.Create(path, 10, 2)
		Expect(err).NotTo(HaveOccurred())

		Expect(w.AddBranch(1, 0x1000, 0x2000, true, branch.OpJump)).
			To(Succeed())
		Expect(w.Close()).To(MatchError(sbbt.ErrProtocol))

		_, err = os.Stat(path)
		Expect(os.IsNotExist(err)).To(BeTrue())
	})

	It("should remove the trace when the instruction count differs", func() {
		w, err := sbbt.Create(path, 10, 0)
		Expect(err).NotTo(HaveOccurred())

		Expect(w.CloseWithInstructions(11)).To(MatchError(sbbt.ErrProtocol))

		_, err = os.Stat(path)
		Expect(os.IsNotExist(err)).To(BeTrue())
	})

	It("should refuse to be used after Close", func() {
		w, err := sbbt.Create(path, 10, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Close()).To(Succeed())

		Expect(w.Close()).To(MatchError(sbbt.ErrProtocol))
		Expect(w.AddBranch(1, 0, 0, false, branch.OpJump)).
			To(MatchError(sbbt.ErrProtocol))

		w.Abort()
		_, err = os.Stat(path)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should remove the partial trace on Abort", func() {
		w, err := sbbt.Create(path, 10, 1)
		Expect(err).NotTo(HaveOccurred())
		w.Abort()

		_, err = os.Stat(path)
		Expect(os.IsNotExist(err)).To(BeTrue())
	})
})

var _ = Describe("Reader", func() {
	header := func(mark uint64, numInstr, numBranches uint64) []byte {
		raw := make([]byte, sbbt.HeaderSize)
		binary.LittleEndian.PutUint64(raw[0:], mark)
		binary.LittleEndian.PutUint64(raw[8:], numInstr)
		binary.LittleEndian.PutUint64(raw[16:], numBranches)

		return raw
	}

	It("should decode a stream", func() {
		var buf bytes.Buffer
		buf.Write(header(0x0000010A54424253, 50, 1))

		rec := make([]byte, sbbt.RecordSize)
		binary.LittleEndian.PutUint64(rec[0:], 0x4000<<12|1<<11|0b0001)
		binary.LittleEndian.PutUint64(rec[8:], 0x4010<<12|12)
		buf.Write(rec)

		r, err := sbbt.NewReader(&buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Header()).To(Equal(sbbt.Header{NumInstructions: 50, NumBranches: 1}))

		var b branch.Branch
		instr, err := r.NextBranch(&b)
		Expect(err).NotTo(HaveOccurred())
		Expect(instr).To(Equal(int64(12)))
		Expect(b.IP()).To(Equal(uint64(0x4000)))
		Expect(b.Target()).To(Equal(uint64(0x4010)))
		Expect(b.IsConditional()).To(BeTrue())
		Expect(b.IsTaken()).To(BeTrue())

		_, err = r.NextBranch(&b)
		Expect(err).To(MatchError(io.EOF))
	})

	It("should reject a bad magic", func() {
		_, err := sbbt.NewReader(bytes.NewReader(header(0x0000010A54424254, 1, 0)))
		Expect(err).To(MatchError(sbbt.ErrFormat))
	})

	It("should reject another major version", func() {
		_, err := sbbt.NewReader(bytes.NewReader(header(0x0000020A54424253, 1, 0)))
		Expect(err).To(MatchError(sbbt.ErrFormat))
	})

	It("should reject a truncated header", func() {
		_, err := sbbt.NewReader(bytes.NewReader(make([]byte, 10)))
		Expect(err).To(MatchError(sbbt.ErrFormat))
	})

	It("should reject a truncated record", func() {
		raw := append(header(0x0000010A54424253, 1, 1), make([]byte, 9)...)

		r, err := sbbt.NewReader(bytes.NewReader(raw))
		Expect(err).NotTo(HaveOccurred())

		var b branch.Branch
		_, err = r.NextBranch(&b)
		Expect(err).To(MatchError(sbbt.ErrFormat))
	})

	It("should fail to open a missing file", func() {
		_, err := sbbt.Open(filepath.Join(GinkgoT().TempDir(), "none.sbbt"))
		Expect(err).To(MatchError(sbbt.ErrIO))
	})
})

var _ = Describe("DetectCompression", func() {
	DescribeTable("classifies paths",
		func(path string, want sbbt.Compression) {
			c, err := sbbt.DetectCompression(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(c).To(Equal(want))
		},
		Entry("plain", "a/trace.sbbt", sbbt.CompressionNone),
		Entry("xz", "trace.sbbt.xz", sbbt.CompressionXZ),
		Entry("zstd", "trace.sbbt.zst", sbbt.CompressionZstd),
		Entry("lz4", "trace.sbbt.lz4", sbbt.CompressionLZ4),
		Entry("gzip", "trace.sbbt.gz", sbbt.CompressionGzip),
	)

	DescribeTable("rejects unknown formats",
		func(path string) {
			_, err := sbbt.DetectCompression(path)
			Expect(err).To(MatchError(sbbt.ErrFormat))
		},
		Entry("bare extension", ".sbbt"),
		Entry("other", "trace.bin"),
		Entry("bzip2", "trace.sbbt.bz2"),
	)
})
