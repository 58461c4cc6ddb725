package sim

import (
	"os"

	"github.com/shirou/gopsutil/process"
)

// resourceSampleInterval is the number of branches between two samples.
const resourceSampleInterval = 1 << 18

// resourceSampler tracks the peak resident memory of the simulator
// process. A nil sampler does nothing.
type resourceSampler struct {
	proc    *process.Process
	peakRSS uint64
}

// newResourceSampler returns a sampler for the current process, or nil if
// the process cannot be inspected.
func newResourceSampler() *resourceSampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}

	s := &resourceSampler{proc: proc}
	s.sample()

	return s
}

func (s *resourceSampler) sample() {
	if s == nil {
		return
	}

	mem, err := s.proc.MemoryInfo()
	if err != nil {
		return
	}

	s.peakRSS = max(s.peakRSS, mem.RSS)
}

// usage takes a last sample and returns the resource use so far.
func (s *resourceSampler) usage() *ResourceUsage {
	if s == nil {
		return nil
	}

	s.sample()

	u := &ResourceUsage{PeakRSS: s.peakRSS}
	if cpu, err := s.proc.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}

	return u
}
