package orchestrator

import (
	"go.uber.org/zap"
)

// Guard is a scoped environmental acquisition: Acquire applies the
// side effect and returns the function restoring the previous state.
// Releases run on every exit path, including panics, via defer.
type Guard interface {
	// Name identifies the guard in logs.
	Name() string

	// Acquire applies the side effect. The returned release restores
	// prior state; it must be safe to call exactly once.
	Acquire() (release func(), err error)
}

// funcGuard adapts a pair of functions into a Guard.
type funcGuard struct {
	name    string
	acquire func() (func(), error)
}

func (g *funcGuard) Name() string             { return g.name }
func (g *funcGuard) Acquire() (func(), error) { return g.acquire() }

func noopRelease() {}

func noopAcquire() (func(), error) { return noopRelease, nil }

// PriorityGuard lowers or raises the process scheduling priority for
// the duration of the run. Levels: "low", "normal", "high". Platforms
// without adjustable priority acquire a no-op.
func PriorityGuard(level string, logger *zap.Logger) Guard {
	return &funcGuard{
		name: "process-priority",
		acquire: func() (func(), error) {
			return acquirePriority(level, logger)
		},
	}
}

// KeepAwakeGuard inhibits system sleep while collection runs. The
// concept maps to SetThreadExecutionState on Windows; elsewhere it
// acquires a no-op.
func KeepAwakeGuard(logger *zap.Logger) Guard {
	return &funcGuard{
		name: "keep-awake",
		acquire: func() (func(), error) {
			logger.Debug("keep-awake not supported on this platform")
			return noopAcquire()
		},
	}
}

// WERGuard suppresses the error-reporting UI for the duration of the
// run, restoring the saved value on release. The toggle lives in the
// current-user registry on Windows; elsewhere it acquires a no-op.
func WERGuard(logger *zap.Logger) Guard {
	return &funcGuard{
		name: "wer-dont-show-ui",
		acquire: func() (func(), error) {
			logger.Debug("error-reporting toggle not supported on this platform")
			return noopAcquire()
		},
	}
}

// JobBreakawayGuard flips the job object's breakaway bit when the host
// lacks nested-job support, restoring it on release. Only meaningful
// under Windows job objects; elsewhere it acquires a no-op.
func JobBreakawayGuard(logger *zap.Logger) Guard {
	return &funcGuard{
		name: "job-breakaway",
		acquire: func() (func(), error) {
			logger.Debug("job breakaway not supported on this platform")
			return noopAcquire()
		},
	}
}

// acquireGuards acquires every guard in order and returns one release
// running them in reverse. A failing guard is logged and skipped; the
// run proceeds.
func acquireGuards(guards []Guard, logger *zap.Logger) func() {
	releases := make([]func(), 0, len(guards))
	for _, g := range guards {
		release, err := g.Acquire()
		if err != nil {
			logger.Warn("guard acquisition failed",
				zap.String("guard", g.Name()),
				zap.Error(err))
			continue
		}
		logger.Debug("guard acquired", zap.String("guard", g.Name()))
		releases = append(releases, release)
	}
	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
}
