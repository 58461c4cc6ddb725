package sbbt

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Compression identifies how a trace file is stored on disk.
type Compression int

// Supported storage formats.
const (
	CompressionNone Compression = iota
	CompressionXZ
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

const plainExt = ".sbbt"

// codecTool describes the external program used for one compression.
type codecTool struct {
	ext        string
	program    string
	compress   []string
	decompress []string
}

var codecTools = map[Compression]codecTool{
	CompressionXZ: {
		ext: ".xz", program: "xz",
		compress:   []string{"-z", "-c", "-q"},
		decompress: []string{"-d", "-c", "-q"},
	},
	CompressionZstd: {
		ext: ".zst", program: "zstd",
		compress:   []string{"-z", "-c", "-q", "-19"},
		decompress: []string{"-d", "-c", "-q"},
	},
	CompressionLZ4: {
		ext: ".lz4", program: "lz4",
		compress:   []string{"-z", "-c", "-q"},
		decompress: []string{"-d", "-c", "-q"},
	},
	CompressionGzip: {
		ext: ".gz", program: "gzip",
		compress:   []string{"-c", "-q"},
		decompress: []string{"-d", "-c", "-q"},
	},
}

func (c Compression) String() string {
	if c == CompressionNone {
		return "none"
	}

	t, ok := codecTools[c]
	if !ok {
		return fmt.Sprintf("Compression(%d)", int(c))
	}

	return t.program
}

// Program returns the external program used for the compression, or an
// empty string for plain traces.
func (c Compression) Program() string {
	return codecTools[c].program
}

// DetectCompression classifies a trace path by its compound extension.
func DetectCompression(path string) (Compression, error) {
	name := filepath.Base(path)

	if strings.HasSuffix(name, plainExt) && len(name) > len(plainExt) {
		return CompressionNone, nil
	}

	for c, t := range codecTools {
		suffix := plainExt + t.ext
		if strings.HasSuffix(name, suffix) && len(name) > len(suffix) {
			return c, nil
		}
	}

	return CompressionNone, fmt.Errorf(
		"%w: cannot recognize trace format of %q", ErrFormat, path)
}

// openSource returns a stream with the uncompressed contents of path.
func openSource(path string, c Compression) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	if c == CompressionNone {
		return f, nil
	}

	t := codecTools[c]
	cmd := exec.Command(t.program, t.decompress...)
	cmd.Stdin = f

	s := &processSource{cmd: cmd, file: f, name: t.program}
	cmd.Stderr = &s.stderr

	s.out, err = cmd.StdoutPipe()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	if err := cmd.Start(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: starting %s: %w", ErrIO, t.program, err)
	}

	return s, nil
}

// openSink returns a stream whose contents end up, compressed if required,
// in a newly created file at path.
func openSink(path string, c Compression) (io.WriteCloser, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	if c == CompressionNone {
		return f, nil
	}

	t := codecTools[c]
	cmd := exec.Command(t.program, t.compress...)
	cmd.Stdout = f

	s := &processSink{cmd: cmd, file: f, name: t.program}
	cmd.Stderr = &s.stderr

	s.in, err = cmd.StdinPipe()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	if err := cmd.Start(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: starting %s: %w", ErrIO, t.program, err)
	}

	return s, nil
}

// processSource reads the standard output of a decompressor whose standard
// input is the trace file.
type processSource struct {
	cmd    *exec.Cmd
	file   *os.File
	out    io.ReadCloser
	stderr bytes.Buffer
	name   string

	drained bool
	waited  bool
	waitErr error
}

func (s *processSource) Read(p []byte) (int, error) {
	n, err := s.out.Read(p)
	if errors.Is(err, io.EOF) {
		s.drained = true
		if werr := s.wait(); werr != nil {
			return n, werr
		}
	}

	return n, err
}

func (s *processSource) wait() error {
	if s.waited {
		return s.waitErr
	}

	s.waited = true
	err := s.cmd.Wait()
	_ = s.file.Close()

	if err != nil {
		s.waitErr = exitError(s.name, err, &s.stderr)
	}

	return s.waitErr
}

// Close reaps the decompressor. A decompressor that still has output
// pending is killed and its exit status ignored.
func (s *processSource) Close() error {
	if s.waited {
		return s.waitErr
	}

	if !s.drained {
		_ = s.cmd.Process.Kill()
		_ = s.wait()
		s.waitErr = nil

		return nil
	}

	return s.wait()
}

// processSink feeds the standard input of a compressor whose standard
// output is the trace file.
type processSink struct {
	cmd    *exec.Cmd
	file   *os.File
	in     io.WriteCloser
	stderr bytes.Buffer
	name   string
	closed bool
}

func (s *processSink) Write(p []byte) (int, error) {
	n, err := s.in.Write(p)
	if err != nil {
		return n, fmt.Errorf("writing to %s: %w", s.name, err)
	}

	return n, nil
}

// Close signals the end of input and waits for the compressor to finish.
func (s *processSink) Close() error {
	if s.closed {
		return nil
	}

	s.closed = true

	inErr := s.in.Close()
	waitErr := s.cmd.Wait()
	fileErr := s.file.Close()

	switch {
	case waitErr != nil:
		return exitError(s.name, waitErr, &s.stderr)
	case inErr != nil:
		return inErr
	default:
		return fileErr
	}
}

func exitError(name string, err error, stderr *bytes.Buffer) error {
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		return fmt.Errorf("%s: %w", name, err)
	}

	return fmt.Errorf("%s: %w: %s", name, err, msg)
}
