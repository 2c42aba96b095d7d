package util

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// GetProcessPath returns the full path to the executable for the given process ID
func GetProcessPath(pid int) (string, error) {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return "", fmt.Errorf("open process %d: %w", pid, err)
	}
	defer windows.CloseHandle(handle)

	buf := make([]uint16, windows.MAX_LONG_PATH)
	size := uint32(len(buf))

	if err := windows.QueryFullProcessImageName(handle, 0, &buf[0], &size); err != nil {
		return "", fmt.Errorf("query process image name: %w", err)
	}

	return windows.UTF16ToString(buf[:size]), nil
}
