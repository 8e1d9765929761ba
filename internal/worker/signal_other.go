//go:build !unix

package worker

import (
	"os"
	"os/exec"
)

func configureCmd(*exec.Cmd) {}

// Windows has no SIGTERM; closing stdin is the graceful path there.
func terminate(p *os.Process) error {
	return p.Kill()
}

func forceKill(p *os.Process) error {
	return p.Kill()
}
