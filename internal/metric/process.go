package metric

import (
	"fmt"
	"os"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is one sample of this process's resource usage.
type ProcessStats struct {
	CPUPercent float64 `json:"cpuPercent"`
	RSSBytes   uint64  `json:"rssBytes"`
}

// ProcessSampler reads CPU and memory usage of the running process.
type ProcessSampler struct {
	mu   sync.Mutex
	proc *process.Process
	last ProcessStats
}

// NewProcessSampler attaches to the current process.
func NewProcessSampler() (*ProcessSampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("attaching to process: %w", err)
	}
	return &ProcessSampler{proc: p}, nil
}

// Sample returns CPU usage since the previous call (0 on the first) and the
// current RSS. On error the previous sample is returned with the error.
func (s *ProcessSampler) Sample() (ProcessStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cpu, err := s.proc.Percent(0)
	if err != nil {
		return s.last, fmt.Errorf("reading cpu: %w", err)
	}
	mem, err := s.proc.MemoryInfo()
	if err != nil {
		return s.last, fmt.Errorf("reading memory: %w", err)
	}
	s.last = ProcessStats{CPUPercent: cpu, RSSBytes: mem.RSS}
	return s.last, nil
}

// Last returns the most recent successful sample.
func (s *ProcessSampler) Last() ProcessStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
