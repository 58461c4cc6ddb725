package sbbt

import (
	"fmt"
	"io"
	"os"

	"github.com/sarchlab/bpsim/branch"
)

// bufferRecords is the number of records batched before a write.
const bufferRecords = 512

// Writer encodes branches into an SBBT trace.
//
// With Create the header counts are known up front and the trace is written
// in a single streaming pass. With CreateDeferred the header is only known
// once the writer is closed, so the whole trace is rewritten through a
// temporary file at that point.
type Writer struct {
	path        string
	compression Compression
	sink        io.WriteCloser

	buf []byte
	n   int

	lastInstr   uint64
	numBranches uint64

	headerWritten    bool
	declaredInstr    uint64
	declaredBranches uint64

	closed bool
}

// Create creates a trace at path declaring numInstructions instructions and
// numBranches branches. Exactly numBranches calls to AddBranch must follow.
func Create(path string, numInstructions, numBranches uint64) (*Writer, error) {
	if numInstructions == 0 {
		return nil, fmt.Errorf("%w: numInstructions must be positive",
			ErrProtocol)
	}

	w, err := newWriter(path)
	if err != nil {
		return nil, err
	}

	if err := w.writeHeader(numInstructions, numBranches); err != nil {
		w.Abort()
		return nil, err
	}

	return w, nil
}

// CreateDeferred creates a trace at path whose header counts are computed
// when the writer is closed.
func CreateDeferred(path string) (*Writer, error) {
	return newWriter(path)
}

func newWriter(path string) (*Writer, error) {
	c, err := DetectCompression(path)
	if err != nil {
		return nil, err
	}

	sink, err := openSink(path, c)
	if err != nil {
		return nil, err
	}

	return &Writer{
		path:        path,
		compression: c,
		sink:        sink,
		buf:         make([]byte, bufferRecords*RecordSize),
	}, nil
}

// NumBranches returns the number of branches added so far.
func (w *Writer) NumBranches() uint64 { return w.numBranches }

func (w *Writer) writeHeader(numInstructions, numBranches uint64) error {
	var raw [HeaderSize]byte
	encodeHeader(raw[:], Header{
		NumInstructions: numInstructions,
		NumBranches:     numBranches,
	})

	if _, err := w.sink.Write(raw[:]); err != nil {
		return fmt.Errorf("%w: writing header: %w", ErrIO, err)
	}

	w.headerWritten = true
	w.declaredInstr = numInstructions
	w.declaredBranches = numBranches

	return nil
}

// AddBranch appends a branch executed at instruction number instrNum.
//
// Nothing is written when the branch is rejected.
func (w *Writer) AddBranch(
	instrNum, ip, target uint64,
	taken bool,
	opcode branch.OpCode,
) error {
	if w.closed {
		return fmt.Errorf("%w: writer is closed", ErrProtocol)
	}

	if w.headerWritten && w.numBranches == w.declaredBranches {
		return fmt.Errorf("%w: more branches than the %d declared",
			ErrProtocol, w.declaredBranches)
	}

	if !IsSignExtended52(ip) {
		return fmt.Errorf("%w: ip 0x%x is not a sign-extended 52-bit address",
			ErrProtocol, ip)
	}

	if !IsSignExtended52(target) {
		return fmt.Errorf(
			"%w: target 0x%x is not a sign-extended 52-bit address",
			ErrProtocol, target)
	}

	if instrNum < w.lastInstr || instrNum-w.lastInstr > MaxInstrDelta {
		return fmt.Errorf(
			"%w: instruction %d is not within %d instructions after %d",
			ErrProtocol, instrNum, MaxInstrDelta, w.lastInstr)
	}

	if !opcode.IsValid() {
		return fmt.Errorf("%w: invalid opcode 0x%x", ErrProtocol, uint8(opcode))
	}

	if w.n == len(w.buf) {
		if err := w.Flush(); err != nil {
			return err
		}
	}

	encodeRecord(w.buf[w.n:], ip, target, taken, opcode, instrNum-w.lastInstr)
	w.n += RecordSize
	w.lastInstr = instrNum
	w.numBranches++

	return nil
}

// Flush writes all buffered branches to the output stream.
func (w *Writer) Flush() error {
	if w.n == 0 {
		return nil
	}

	_, err := w.sink.Write(w.buf[:w.n])
	w.n = 0

	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	return nil
}

// Close completes the trace. For deferred traces the number of
// instructions is taken to be the instruction number of the last branch.
func (w *Writer) Close() error {
	if w.headerWritten {
		return w.CloseWithInstructions(w.declaredInstr)
	}

	return w.CloseWithInstructions(w.lastInstr)
}

// CloseWithInstructions completes the trace declaring numInstructions
// instructions. If the writer was created with Create, numInstructions and
// the number of branches added must match the declared counts.
//
// If closing fails the partial output is removed.
func (w *Writer) CloseWithInstructions(numInstructions uint64) error {
	if w.closed {
		return fmt.Errorf("%w: writer is closed", ErrProtocol)
	}

	w.closed = true

	if err := w.finish(numInstructions); err != nil {
		w.removeOutput()
		return err
	}

	return nil
}

func (w *Writer) finish(numInstructions uint64) error {
	if w.headerWritten {
		if err := w.checkDeclared(numInstructions); err != nil {
			_ = w.sink.Close()
			return err
		}
	}

	if err := w.Flush(); err != nil {
		_ = w.sink.Close()
		return err
	}

	if err := w.sink.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	if w.headerWritten {
		return nil
	}

	return w.rewriteWithHeader(numInstructions)
}

func (w *Writer) checkDeclared(numInstructions uint64) error {
	if numInstructions != w.declaredInstr {
		return fmt.Errorf("%w: closing with %d instructions but %d declared",
			ErrProtocol, numInstructions, w.declaredInstr)
	}

	if w.numBranches != w.declaredBranches {
		return fmt.Errorf("%w: added %d branches but %d declared",
			ErrProtocol, w.numBranches, w.declaredBranches)
	}

	return nil
}

// rewriteWithHeader copies the header-less trace into a temporary file
// preceded by its header and moves the result over the original.
func (w *Writer) rewriteWithHeader(numInstructions uint64) error {
	src, err := openSource(w.path, w.compression)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	tmp := w.tmpPath()

	w.sink, err = openSink(tmp, w.compression)
	if err != nil {
		return err
	}

	if err := w.writeHeader(numInstructions, w.numBranches); err != nil {
		_ = w.sink.Close()
		return err
	}

	block := make([]byte, readSize)
	if _, err := io.CopyBuffer(w.sink, src, block); err != nil {
		_ = w.sink.Close()
		return fmt.Errorf("%w: rewriting trace: %w", ErrIO, err)
	}

	if err := src.Close(); err != nil {
		_ = w.sink.Close()
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	if err := w.sink.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	return nil
}

func (w *Writer) tmpPath() string {
	return w.path + ".tmp"
}

// Abort stops writing and removes the partial trace. It is safe to call
// after Close, in which case it does nothing.
func (w *Writer) Abort() {
	if w.closed {
		return
	}

	w.closed = true
	_ = w.sink.Close()
	w.removeOutput()
}

func (w *Writer) removeOutput() {
	_ = os.Remove(w.path)
	_ = os.Remove(w.tmpPath())
}
