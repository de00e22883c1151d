// Package archive implements the incremental evidence archive builder.
//
// The underlying container format does not support appending, so the
// appender keeps the working set in a pair of rotating temporary
// stores: items are staged and compacted into the pair at the fastest
// compression level, and the expensive target-level compression runs
// exactly once, on Close, when the consolidated store is re-compressed
// into the final output path.
//
// The appender is a message-driven agent. Add enqueues an item; the
// agent goroutine consumes items FIFO, so per-item completion callbacks
// fire in Add order. Flush and Close block until the agent has
// processed them.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

// DefaultBudgetBytes bounds the growth of the pending store before the
// appender rotates.
const DefaultBudgetBytes int64 = 50 << 20 // 50 MiB

// DefaultSpoolMemoryMax is the per-item spool size kept in memory;
// larger items spool to a temporary file.
const DefaultSpoolMemoryMax int64 = 16 << 20 // 16 MiB

// Item is one named input stream to archive.
type Item struct {
	// Name is the archive-internal path of the entry.
	Name string

	// Source supplies the entry's bytes. Closed by the appender when it
	// implements io.Closer.
	Source io.Reader

	// OnComplete, when set, is invoked after the item's bytes have been
	// fully consumed, with the error that failed the item or nil.
	OnComplete func(err error)
}

// Config configures an Appender.
type Config struct {
	// OutputPath is where Close moves the finished archive.
	OutputPath string

	// TargetLevel is the compression level of the final pass.
	TargetLevel Level

	// WorkDir hosts the rotating temporaries. Empty resolves to the
	// parent of OutputPath, else the working directory.
	WorkDir string

	// BudgetBytes bounds pending-store growth before an automatic
	// rotation. Default DefaultBudgetBytes.
	BudgetBytes int64

	// SpoolMemoryMax bounds the in-memory spool per item. Default
	// DefaultSpoolMemoryMax.
	SpoolMemoryMax int64

	// Password, when non-empty, seals the final archive.
	Password string
}

// Errors returned by the appender.
var (
	// ErrClosed is returned when adding to a closed appender.
	ErrClosed = errors.New("archive appender is closed")

	// ErrNoOutput is returned when no output path is configured.
	ErrNoOutput = errors.New("archive output path is required")
)

type opKind int

const (
	opAdd opKind = iota
	opFlush
	opClose
)

type op struct {
	kind  opKind
	item  Item
	reply chan error
}

// stagedItem is a spooled, checksummed pending entry.
type stagedItem struct {
	name string
	size int64
	sum  uint64
	mem  []byte // nil when spooled to file
	path string
}

func (s *stagedItem) open() (io.ReadCloser, error) {
	if s.mem != nil {
		return io.NopCloser(bytes.NewReader(s.mem)), nil
	}
	return os.Open(s.path)
}

func (s *stagedItem) release() {
	if s.path != "" {
		_ = os.Remove(s.path)
	}
	s.mem = nil
}

// Appender is the incremental archive builder.
type Appender struct {
	cfg Config

	ops  chan op
	done chan struct{}

	// Agent-owned state.
	tmpA, tmpB   string
	srcPath      string // temp currently holding the consolidated store
	pending      []stagedItem
	pendingBytes int64

	mu        sync.Mutex
	items     []string // names archived successfully, in completion order
	finalPath string
	closed    bool
	agentErr  error
}

// New creates an appender and starts its agent.
func New(cfg Config) (*Appender, error) {
	if cfg.OutputPath == "" {
		return nil, ErrNoOutput
	}
	if cfg.BudgetBytes <= 0 {
		cfg.BudgetBytes = DefaultBudgetBytes
	}
	if cfg.SpoolMemoryMax <= 0 {
		cfg.SpoolMemoryMax = DefaultSpoolMemoryMax
	}
	if cfg.WorkDir == "" {
		if parent := filepath.Dir(cfg.OutputPath); parent != "" && parent != "." {
			cfg.WorkDir = parent
		} else {
			cfg.WorkDir = "."
		}
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	a := &Appender{
		cfg:  cfg,
		ops:  make(chan op, 64),
		done: make(chan struct{}),
	}

	// The two temporaries are pre-allocated in the working directory.
	for _, p := range []*string{&a.tmpA, &a.tmpB} {
		f, err := os.CreateTemp(cfg.WorkDir, "gograb-archive-*.tmp")
		if err != nil {
			return nil, fmt.Errorf("create temporary store: %w", err)
		}
		*p = f.Name()
		_ = f.Close()
	}

	go a.run()
	return a, nil
}

// FinalPath returns the path of the finished archive. Valid after
// Close.
func (a *Appender) FinalPath() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finalPath
}

// Items returns the names of entries archived successfully, in
// completion order.
func (a *Appender) Items() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.items))
	copy(out, a.items)
	return out
}

// Add enqueues an item. The item's OnComplete fires on the agent
// goroutine once the source has been fully consumed.
func (a *Appender) Add(item Item) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.mu.Unlock()
	a.ops <- op{kind: opAdd, item: item}
	return nil
}

// Flush compacts pending items into the consolidated store. Blocks
// until the agent has rotated.
func (a *Appender) Flush() error {
	reply := make(chan error, 1)
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.mu.Unlock()
	a.ops <- op{kind: opFlush, reply: reply}
	return <-reply
}

// Close re-compresses the store at the target level into the output
// path, seals it when a password is configured, and releases the
// temporaries. Blocks until done.
func (a *Appender) Close() error {
	reply := make(chan error, 1)
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.closed = true
	a.mu.Unlock()
	a.ops <- op{kind: opClose, reply: reply}
	err := <-reply
	<-a.done
	return err
}

// TerminateAllAndComplete closes the archive and releases the
// temporaries. Items already queued ahead of the close are archived
// first; items that race the close fail with ErrClosed. Safe to call
// from termination handlers; idempotent.
func (a *Appender) TerminateAllAndComplete() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	reply := make(chan error, 1)
	a.ops <- op{kind: opClose, reply: reply}
	err := <-reply
	<-a.done
	return err
}

// run is the agent loop.
func (a *Appender) run() {
	defer close(a.done)
	for o := range a.ops {
		switch o.kind {
		case opAdd:
			a.handleAdd(o.item)
		case opFlush:
			o.reply <- a.rotate(LevelFastest, "")
		case opClose:
			o.reply <- a.finish()
			a.drainAfterClose()
			return
		}
	}
}

// drainAfterClose fails any items that raced the close.
func (a *Appender) drainAfterClose() {
	for {
		select {
		case o := <-a.ops:
			switch o.kind {
			case opAdd:
				a.completeItem(o.item, ErrClosed)
			default:
				if o.reply != nil {
					o.reply <- ErrClosed
				}
			}
		default:
			return
		}
	}
}

func (a *Appender) completeItem(item Item, err error) {
	if c, ok := item.Source.(io.Closer); ok {
		_ = c.Close()
	}
	if item.OnComplete != nil {
		item.OnComplete(err)
	}
}

// handleAdd spools the item and stages it for the next rotation. A
// failure fails only this item; later items are still accepted.
func (a *Appender) handleAdd(item Item) {
	staged, err := a.spool(item)
	if err != nil {
		a.completeItem(item, err)
		return
	}
	a.pending = append(a.pending, staged)
	a.pendingBytes += staged.size

	a.mu.Lock()
	a.items = append(a.items, staged.name)
	a.mu.Unlock()

	a.completeItem(item, nil)

	if a.pendingBytes > a.cfg.BudgetBytes {
		// Budget approached: spill into the rotating pair early.
		_ = a.rotate(LevelFastest, "")
	}
}

// spool reads the item source fully, in memory up to SpoolMemoryMax,
// else into a temporary file, checksumming as it reads.
func (a *Appender) spool(item Item) (stagedItem, error) {
	h := xxhash.New()
	tee := io.TeeReader(item.Source, h)

	mem, err := io.ReadAll(io.LimitReader(tee, a.cfg.SpoolMemoryMax+1))
	if err != nil {
		return stagedItem{}, fmt.Errorf("spool %s: %w", item.Name, err)
	}
	if int64(len(mem)) <= a.cfg.SpoolMemoryMax {
		return stagedItem{name: item.Name, size: int64(len(mem)), sum: h.Sum64(), mem: mem}, nil
	}

	f, err := os.CreateTemp(a.cfg.WorkDir, "gograb-spool-*.tmp")
	if err != nil {
		return stagedItem{}, fmt.Errorf("spool %s: %w", item.Name, err)
	}
	if _, err := f.Write(mem); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return stagedItem{}, fmt.Errorf("spool %s: %w", item.Name, err)
	}
	n, err := io.Copy(f, tee)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return stagedItem{}, fmt.Errorf("spool %s: %w", item.Name, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return stagedItem{}, fmt.Errorf("spool %s: %w", item.Name, err)
	}
	return stagedItem{
		name: item.Name,
		size: int64(len(mem)) + n,
		sum:  h.Sum64(),
		path: f.Name(),
	}, nil
}

// rotate merges the consolidated store and the pending items into the
// idle temporary at the given level, then swaps roles. When finalPath
// is non-empty the result is written there instead of the idle
// temporary (the Close pass).
func (a *Appender) rotate(level Level, finalPath string) error {
	if finalPath == "" && len(a.pending) == 0 {
		return nil
	}

	dst := a.tmpB
	if a.srcPath == a.tmpB {
		dst = a.tmpA
	}
	if finalPath != "" {
		dst = finalPath
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("open rotation target: %w", err)
	}
	zw := zip.NewWriter(out)
	flateLvl := level.flateLevel()
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flateLvl)
	})

	method := uint16(zip.Deflate)
	if level == LevelNone {
		method = zip.Store
	}

	rotateErr := a.copyConsolidated(zw, level, finalPath != "", method)
	if rotateErr == nil {
		rotateErr = a.appendPending(zw, method)
	}

	if err := zw.Close(); err != nil && rotateErr == nil {
		rotateErr = fmt.Errorf("close rotation target: %w", err)
	}
	if err := out.Close(); err != nil && rotateErr == nil {
		rotateErr = fmt.Errorf("close rotation target: %w", err)
	}
	if rotateErr != nil {
		return rotateErr
	}

	// Truncate the old source and swap roles. The final pass leaves the
	// temporaries for release by finish.
	if finalPath == "" {
		if a.srcPath != "" {
			if err := os.Truncate(a.srcPath, 0); err != nil {
				return fmt.Errorf("truncate rotated store: %w", err)
			}
		}
		a.srcPath = dst
	}

	for i := range a.pending {
		a.pending[i].release()
	}
	a.pending = nil
	a.pendingBytes = 0
	return nil
}

// copyConsolidated carries the existing store's entries into the new
// rotation target. Intermediate rotations copy raw compressed bytes;
// the final pass re-compresses each entry at the target level.
func (a *Appender) copyConsolidated(zw *zip.Writer, level Level, recompress bool, method uint16) error {
	if a.srcPath == "" {
		return nil
	}
	if fi, err := os.Stat(a.srcPath); err != nil || fi.Size() == 0 {
		return nil
	}
	zr, err := zip.OpenReader(a.srcPath)
	if err != nil {
		return fmt.Errorf("open consolidated store: %w", err)
	}
	defer func() { _ = zr.Close() }()

	for _, f := range zr.File {
		if !recompress {
			if err := zw.Copy(f); err != nil {
				return fmt.Errorf("carry %s: %w", f.Name, err)
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("reopen %s: %w", f.Name, err)
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.Name, Method: method, Modified: f.Modified})
		if err != nil {
			_ = rc.Close()
			return fmt.Errorf("recompress %s: %w", f.Name, err)
		}
		if _, err := io.Copy(w, rc); err != nil {
			_ = rc.Close()
			return fmt.Errorf("recompress %s: %w", f.Name, err)
		}
		_ = rc.Close()
	}
	return nil
}

// appendPending writes the staged items, verifying each payload against
// the checksum captured at spool time.
func (a *Appender) appendPending(zw *zip.Writer, method uint16) error {
	for i := range a.pending {
		s := &a.pending[i]
		rc, err := s.open()
		if err != nil {
			return fmt.Errorf("reopen staged %s: %w", s.name, err)
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: s.name, Method: method})
		if err != nil {
			_ = rc.Close()
			return fmt.Errorf("append %s: %w", s.name, err)
		}
		h := xxhash.New()
		if _, err := io.Copy(w, io.TeeReader(rc, h)); err != nil {
			_ = rc.Close()
			return fmt.Errorf("append %s: %w", s.name, err)
		}
		_ = rc.Close()
		if h.Sum64() != s.sum {
			return fmt.Errorf("append %s: staged payload checksum mismatch", s.name)
		}
	}
	return nil
}

// finish runs the final target-level pass, seals when configured,
// moves the result into place and releases the temporaries.
func (a *Appender) finish() error {
	defer a.releaseTemps()

	finalTmp := a.cfg.OutputPath + ".part"
	err := a.rotate(a.cfg.TargetLevel, finalTmp)
	if err != nil {
		_ = os.Remove(finalTmp)
		return err
	}

	outPath := a.cfg.OutputPath
	if a.cfg.Password != "" {
		outPath += ".enc"
		if err := sealFile(finalTmp, outPath, a.cfg.Password); err != nil {
			_ = os.Remove(finalTmp)
			return err
		}
		_ = os.Remove(finalTmp)
	} else {
		if err := os.Rename(finalTmp, outPath); err != nil {
			_ = os.Remove(finalTmp)
			return fmt.Errorf("move archive into place: %w", err)
		}
	}

	a.mu.Lock()
	a.finalPath = outPath
	a.mu.Unlock()
	return nil
}

func (a *Appender) releaseTemps() {
	for i := range a.pending {
		a.pending[i].release()
	}
	a.pending = nil
	_ = os.Remove(a.tmpA)
	_ = os.Remove(a.tmpB)
}

