//go:build !unix

package orchestrator

import (
	"go.uber.org/zap"
)

func acquirePriority(level string, logger *zap.Logger) (func(), error) {
	logger.Debug("process priority not adjustable on this platform",
		zap.String("level", level))
	return noopAcquire()
}
