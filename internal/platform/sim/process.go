package sim

import (
	"github.com/nkkko/axnotify/internal/domain"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessChecker reports on the liveness of host processes
type ProcessChecker interface {
	Exists(pid domain.ProcessID) (bool, error)
	Name(pid domain.ProcessID) (string, error)
}

// GopsutilChecker checks host processes through gopsutil
type GopsutilChecker struct{}

// Exists reports whether pid is a running process
func (GopsutilChecker) Exists(pid domain.ProcessID) (bool, error) {
	return process.PidExists(int32(pid))
}

// Name returns the executable name of pid
func (GopsutilChecker) Name(pid domain.ProcessID) (string, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", err
	}
	return p.Name()
}
