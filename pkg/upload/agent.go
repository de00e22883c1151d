// Package upload implements the message-driven upload agent.
//
// The orchestrator enqueues finished archives and manifests; the agent
// drains the queue on its own goroutine, streaming each file into the
// configured store. Completion of the whole queue is awaited with
// Complete. On the cancellation path the orchestrator must drop its
// agent handle before the queue so the agent can drain.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dfirkit/gograb/pkg/provider"
)

// Mode selects what happens to the local file after a successful
// upload.
type Mode int

const (
	// ModeCopy leaves the local file in place.
	ModeCopy Mode = iota

	// ModeMove deletes the local file once uploaded.
	ModeMove
)

// String returns the mode name.
func (m Mode) String() string {
	if m == ModeMove {
		return "move"
	}
	return "copy"
}

// ParseMode parses "copy" or "move". Unknown values default to copy
// with an error.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "copy":
		return ModeCopy, nil
	case "move":
		return ModeMove, nil
	default:
		return ModeCopy, fmt.Errorf("unknown upload mode: %q", s)
	}
}

// Request is one file to upload.
type Request struct {
	// LocalPath is the file to stream.
	LocalPath string

	// Key is the destination key.
	Key string

	// Mode selects copy or move semantics.
	Mode Mode

	// OnComplete, when set, is invoked with the upload outcome.
	OnComplete func(err error)
}

// ErrAgentClosed is returned when enqueueing after Complete.
var ErrAgentClosed = errors.New("upload agent is closed")

// Agent drains upload requests into a store.
type Agent struct {
	store  provider.Store
	logger *zap.Logger

	jobs   chan Request
	done   chan struct{}
	closed atomic.Bool

	mu       sync.Mutex
	failures []error
}

// NewAgent creates an agent over the given store and starts its worker.
func NewAgent(store provider.Store, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{
		store:  store,
		logger: logger,
		jobs:   make(chan Request, 64),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Request enqueues one upload.
func (a *Agent) Request(r Request) error {
	if a.closed.Load() {
		return ErrAgentClosed
	}
	a.jobs <- r
	return nil
}

// Exists probes the store for a previously uploaded object, returning
// its size. Used by pre-flight repeat decisions.
func (a *Agent) Exists(ctx context.Context, key string) (int64, bool, error) {
	meta, err := a.store.Head(ctx, key)
	if err != nil {
		if provider.IsNotFound(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return meta.Size, true, nil
}

// Complete closes the queue and waits until every pending upload has
// been processed or the context expires. Returns the first failure.
func (a *Agent) Complete(ctx context.Context) error {
	if a.closed.CompareAndSwap(false, true) {
		close(a.jobs)
	}
	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.failures) > 0 {
		return a.failures[0]
	}
	return nil
}

func (a *Agent) run() {
	defer close(a.done)
	for r := range a.jobs {
		err := a.upload(r)
		if err != nil {
			a.logger.Warn("upload failed",
				zap.String("path", r.LocalPath),
				zap.String("key", r.Key),
				zap.Error(err))
			a.mu.Lock()
			a.failures = append(a.failures, err)
			a.mu.Unlock()
		} else {
			a.logger.Debug("uploaded",
				zap.String("key", r.Key),
				zap.String("mode", r.Mode.String()))
		}
		if r.OnComplete != nil {
			r.OnComplete(err)
		}
	}
}

func (a *Agent) upload(r Request) error {
	f, err := os.Open(r.LocalPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", r.LocalPath, err)
	}
	fi, err := f.Stat()
	size := int64(-1)
	if err == nil {
		size = fi.Size()
	}

	putErr := a.store.Put(context.Background(), r.Key, f, size)
	_ = f.Close()
	if putErr != nil {
		return putErr
	}
	if r.Mode == ModeMove {
		if err := os.Remove(r.LocalPath); err != nil {
			return fmt.Errorf("remove after move: %w", err)
		}
	}
	return nil
}
