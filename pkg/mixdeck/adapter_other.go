//go:build !windows && !linux

package mixdeck

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

func newPlatformAdapter(logger *zap.SugaredLogger, callback NotificationCallback) (Adapter, error) {
	return nil, fmt.Errorf("audio adapter for %s: %w", runtime.GOOS, ErrAdapterCallFailed)
}
