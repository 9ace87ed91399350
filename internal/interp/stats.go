package interp

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Stats is a snapshot of the wrapper process.
type Stats struct {
	Running    bool      `json:"running"`
	PID        int       `json:"pid,omitempty"`
	Generation uint64    `json:"generation"`
	RSSBytes   uint64    `json:"rss_bytes,omitempty"`
	VMSBytes   uint64    `json:"vms_bytes,omitempty"`
	CPUPercent float64   `json:"cpu_percent,omitempty"`
	NumThreads int32     `json:"num_threads,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
}

// Stats reads process metrics without taking the call lock, so it works while
// a long script is running.
func (s *Session) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Generation: s.Generation()}
	pid := s.PID()
	if pid == 0 {
		return st, nil
	}
	st.Running = true
	st.PID = pid

	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return st, fmt.Errorf("process %d: %w", pid, err)
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return st, fmt.Errorf("memory info: %w", err)
	}
	st.RSSBytes = mem.RSS
	st.VMSBytes = mem.VMS

	cpu, err := p.CPUPercentWithContext(ctx)
	if err != nil {
		return st, fmt.Errorf("cpu percent: %w", err)
	}
	st.CPUPercent = cpu

	threads, err := p.NumThreadsWithContext(ctx)
	if err != nil {
		return st, fmt.Errorf("num threads: %w", err)
	}
	st.NumThreads = threads

	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return st, fmt.Errorf("create time: %w", err)
	}
	st.StartedAt = time.UnixMilli(created).UTC()
	return st, nil
}
