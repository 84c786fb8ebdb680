package worker

import (
	"runtime"
	"syscall"
	"time"
)

// usageSampler derives process CPU percent from rusage deltas between
// heartbeats, and reports the Go heap for memory.
type usageSampler struct {
	lastWall time.Time
	lastCPU  time.Duration
}

func newUsageSampler() *usageSampler {
	s := &usageSampler{lastWall: time.Now()}
	s.lastCPU = processCPU()
	return s
}

func (s *usageSampler) sample() (cpuPercent float64, memBytes uint64) {
	now := time.Now()
	cpu := processCPU()

	wallDelta := now.Sub(s.lastWall)
	cpuDelta := cpu - s.lastCPU
	s.lastWall, s.lastCPU = now, cpu

	if wallDelta > 0 && cpuDelta >= 0 {
		cpuPercent = 100 * cpuDelta.Seconds() / wallDelta.Seconds()
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return cpuPercent, mem.Alloc
}

func processCPU() time.Duration {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return timevalDuration(ru.Utime) + timevalDuration(ru.Stime)
}

func timevalDuration(tv syscall.Timeval) time.Duration {
	return time.Duration(tv.Sec)*time.Second + time.Duration(tv.Usec)*time.Microsecond
}
