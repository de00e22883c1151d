//go:build unix

package orchestrator

import (
	"fmt"
	"syscall"

	"go.uber.org/zap"
)

// acquirePriority maps the level onto a nice value, saving the prior
// one for the release.
func acquirePriority(level string, logger *zap.Logger) (func(), error) {
	var nice int
	switch level {
	case "", "normal":
		return noopAcquire()
	case "low":
		nice = 10
	case "high":
		nice = -5
	default:
		return noopRelease, fmt.Errorf("unknown priority level: %q", level)
	}

	prev, err := syscall.Getpriority(syscall.PRIO_PROCESS, 0)
	if err != nil {
		return noopRelease, fmt.Errorf("read process priority: %w", err)
	}
	// Getpriority returns 20-nice to avoid the -1 ambiguity.
	prevNice := 20 - prev

	if err := syscall.Setpriority(syscall.PRIO_PROCESS, 0, nice); err != nil {
		return noopRelease, fmt.Errorf("set process priority: %w", err)
	}
	logger.Debug("process priority set",
		zap.String("level", level), zap.Int("nice", nice))

	return func() {
		if err := syscall.Setpriority(syscall.PRIO_PROCESS, 0, prevNice); err != nil {
			logger.Warn("restore process priority failed", zap.Error(err))
		}
	}, nil
}
