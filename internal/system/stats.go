package system

import (
	"path/filepath"
	"slices"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessAlive reports whether pid is a live, non-zombie process. When exe
// is set the process image must also match it, which guards against a
// recycled pid.
func ProcessAlive(pid int, exe string) bool {
	if pid <= 0 {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}

	if status, err := p.Status(); err == nil && slices.Contains(status, process.Zombie) {
		return false
	}

	if exe == "" {
		return true
	}
	actual, err := p.Exe()
	if err != nil {
		return false
	}
	if actual == exe {
		return true
	}
	resolved, err := filepath.EvalSymlinks(exe)
	return err == nil && actual == resolved
}
