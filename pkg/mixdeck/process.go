package mixdeck

import (
	"fmt"

	ps "github.com/mitchellh/go-ps"
)

const systemSessionName = "system"

// processName resolves a session's owning process to its executable name
func processName(pid uint32) (string, error) {

	// pid 0 is the system sounds session on Windows
	if pid == 0 {
		return systemSessionName, nil
	}

	process, err := ps.FindProcess(int(pid))
	if err != nil {
		return "", fmt.Errorf("find process name by pid: %w", err)
	}

	// the process may have exited since the session was enumerated
	if process == nil {
		return "", fmt.Errorf("find process %d: %w", pid, ErrSessionNotFound)
	}

	return process.Executable(), nil
}
