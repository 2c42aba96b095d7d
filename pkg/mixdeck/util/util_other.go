//go:build !linux && !windows

package util

import "errors"

// GetProcessPath isn't available on this platform
func GetProcessPath(pid int) (string, error) {
	return "", errors.New("Not implemented")
}
