package sbbt

import (
	"errors"
	"fmt"
	"io"

	"github.com/sarchlab/bpsim/branch"
)

// readSize matches the Linux pipe buffer size.
const readSize = 1 << 16

// Reader decodes the branches of an SBBT trace.
type Reader struct {
	src    io.Reader
	closer io.Closer
	path   string

	header Header

	// buf holds readSize bytes plus room for one partial record, so a full
	// read is always possible when less than one record is buffered.
	buf     []byte
	start   int
	end     int
	srcDone bool

	instrCtr int64
}

// Open opens the trace at path, starting a decompressor if the extension
// requires one, and reads its header.
func Open(path string) (*Reader, error) {
	c, err := DetectCompression(path)
	if err != nil {
		return nil, err
	}

	src, err := openSource(path, c)
	if err != nil {
		return nil, err
	}

	r, err := newReader(src, src)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	r.path = path

	return r, nil
}

// NewReader reads an uncompressed SBBT stream from src.
func NewReader(src io.Reader) (*Reader, error) {
	var closer io.Closer
	if c, ok := src.(io.Closer); ok {
		closer = c
	}

	return newReader(src, closer)
}

func newReader(src io.Reader, closer io.Closer) (*Reader, error) {
	r := &Reader{
		src:    src,
		closer: closer,
		buf:    make([]byte, readSize+RecordSize),
	}

	var raw [HeaderSize]byte
	if _, err := io.ReadFull(src, raw[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated header", ErrFormat)
		}

		return nil, fmt.Errorf("%w: reading header: %w", ErrIO, err)
	}

	h, err := decodeHeader(raw[:])
	if err != nil {
		return nil, err
	}

	r.header = h

	return r, nil
}

// Path returns the path the trace was opened from, if any.
func (r *Reader) Path() string { return r.path }

// Header returns the trace header.
func (r *Reader) Header() Header { return r.header }

// NumInstructions returns the number of instructions declared by the header.
func (r *Reader) NumInstructions() uint64 { return r.header.NumInstructions }

// NumBranches returns the number of branches declared by the header.
func (r *Reader) NumBranches() uint64 { return r.header.NumBranches }

// LastInstrRead returns the instruction number of the last branch read.
func (r *Reader) LastInstrRead() int64 { return r.instrCtr }

// EOF tells whether the whole trace has been consumed.
func (r *Reader) EOF() bool {
	return r.srcDone && r.end-r.start < RecordSize
}

// NextBranch stores the next branch of the trace in b and returns its
// instruction number. Once the trace is exhausted it returns EndOfTrace and
// io.EOF.
func (r *Reader) NextBranch(b *branch.Branch) (int64, error) {
	for r.end-r.start < RecordSize {
		if r.srcDone {
			if r.end > r.start {
				return EndOfTrace, fmt.Errorf("%w: truncated record (%d bytes)",
					ErrFormat, r.end-r.start)
			}

			return EndOfTrace, io.EOF
		}

		if err := r.fill(); err != nil {
			return EndOfTrace, err
		}
	}

	var delta uint64
	*b, delta = decodeRecord(r.buf[r.start : r.start+RecordSize])
	r.start += RecordSize
	r.instrCtr += int64(delta)

	return r.instrCtr, nil
}

// fill moves the partial record to the front of the buffer and performs a
// new read.
func (r *Reader) fill() error {
	copy(r.buf, r.buf[r.start:r.end])
	r.end -= r.start
	r.start = 0

	n, err := r.src.Read(r.buf[r.end:])
	r.end += n

	switch {
	case errors.Is(err, io.EOF):
		r.srcDone = true
	case err != nil:
		return fmt.Errorf("%w: reading trace: %w", ErrIO, err)
	}

	return nil
}

// Close releases the trace file and the decompressor, if any.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}

	err := r.closer.Close()
	r.closer = nil

	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	return nil
}
