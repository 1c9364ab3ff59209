//go:build !windows

package tui

import (
	"os"
	"os/exec"
)

// bestEffortResetTTY restores terminal modes after the watch program exits.
// Best-effort: failures are ignored, and it does nothing when stdin is not
// a terminal. Targets /dev/tty directly so redirected stdin does not matter.
func bestEffortResetTTY() {
	fi, err := os.Stdin.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return
	}
	_ = exec.Command("sh", "-lc", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}
