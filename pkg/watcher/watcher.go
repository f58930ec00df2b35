// Package watcher reports edits to a single file, preferring fsnotify
// events and falling back to stat polling where inotify is unreliable.
//
// A running session watches its configuration file with this package so
// edits apply without a restart. Network and FUSE mounts drop or delay
// inotify events, so paths on such filesystems poll instead;
// CW_FORCE_POLLING=1 forces polling everywhere.
package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval is the stat interval in polling mode.
const DefaultPollInterval = 2 * time.Second

// Common errors.
var (
	ErrFileRemoved    = errors.New("watched file was removed")
	ErrPermission     = errors.New("permission denied")
	ErrAlreadyStarted = errors.New("watcher already started")
)

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period for coalescing change events.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounceWindow = d
	}
}

// WithPollInterval sets the stat interval used in polling mode.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) {
		w.pollInterval = d
	}
}

// WithOnChange sets the callback invoked after a debounced change.
func WithOnChange(fn func()) Option {
	return func(w *Watcher) {
		w.onChange = fn
	}
}

// WithOnError sets the callback invoked on watch errors, including
// removal of the watched file.
func WithOnError(fn func(error)) Option {
	return func(w *Watcher) {
		w.onError = fn
	}
}

// WithForcePoll skips fsnotify and polls unconditionally.
func WithForcePoll(force bool) Option {
	return func(w *Watcher) {
		w.forcePoll = force
	}
}

// Watcher monitors one file. Callbacks run on the watcher's goroutines
// and must not block for long.
type Watcher struct {
	path           string
	debounceWindow time.Duration
	pollInterval   time.Duration
	onChange       func()
	onError        func(error)
	forcePoll      bool

	mu        sync.Mutex
	started   bool
	polling   bool
	fsType    FilesystemType
	mtime     time.Time
	size      int64
	fsw       *fsnotify.Watcher
	debouncer *Debouncer
	cancel    context.CancelFunc

	changes chan struct{}
}

// New creates a watcher for the given path. The file does not have to
// exist yet; its creation counts as the first change.
func New(path string, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:           abs,
		debounceWindow: DefaultDebounce,
		pollInterval:   DefaultPollInterval,
		onChange:       func() {},
		onError:        func(error) {},
		changes:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.debouncer = NewDebouncer(w.debounceWindow)
	return w, nil
}

// Start begins watching. It picks the mechanism once: fsnotify on local
// filesystems, polling on remote ones, when forced, or when the event
// watch cannot be established.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return ErrAlreadyStarted
	}
	if err := w.seedStatLocked(); err != nil {
		return err
	}

	w.fsType = DetectFilesystemType(w.path)
	w.polling = w.forcePoll ||
		envBool("CW_FORCE_POLLING") || envBool("CW_FORCE_POLL") ||
		isRemoteFilesystem(w.fsType)

	if !w.polling {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			w.polling = true
		} else if err := fsw.Add(filepath.Dir(w.path)); err != nil {
			// Watching the parent keeps the watch alive across
			// replace-by-rename saves.
			fsw.Close()
			w.polling = true
		} else {
			w.fsw = fsw
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.started = true

	if w.polling {
		go w.poll(ctx)
	} else {
		go w.consume(ctx, w.fsw)
	}
	return nil
}

// Stop ends watching. The Changed channel stays open: closing it would
// wake a blocked reader with an endless stream of zero values.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return
	}
	w.cancel()
	if w.fsw != nil {
		w.fsw.Close()
		w.fsw = nil
	}
	w.debouncer.Cancel()
	w.started = false
}

// Changed returns a channel that receives after each debounced change,
// as an alternative to the OnChange callback. At most one notification
// is buffered for a reader that fell behind.
func (w *Watcher) Changed() <-chan struct{} {
	return w.changes
}

// Path returns the watched path in absolute form.
func (w *Watcher) Path() string {
	return w.path
}

// Polling reports whether the watcher runs in polling mode.
func (w *Watcher) Polling() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.polling
}

// Started reports whether the watcher is running.
func (w *Watcher) Started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// FilesystemType returns the classification probed at Start.
func (w *Watcher) FilesystemType() FilesystemType {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fsType
}

// PollInterval returns the configured stat interval.
func (w *Watcher) PollInterval() time.Duration {
	return w.pollInterval
}

// seedStatLocked records the baseline the polling comparison starts
// from. A missing file leaves a zero baseline so its creation registers
// as a change.
func (w *Watcher) seedStatLocked() error {
	info, err := os.Stat(w.path)
	switch {
	case err == nil:
		w.mtime = info.ModTime()
		w.size = info.Size()
	case os.IsPermission(err):
		return ErrPermission
	default:
		w.mtime = time.Time{}
		w.size = 0
	}
	return nil
}

// consume turns directory events for the watched file into debounced
// change callbacks. Closing the fsnotify watcher ends the loop.
func (w *Watcher) consume(ctx context.Context, fsw *fsnotify.Watcher) {
	base := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			switch {
			case ev.Op&fsnotify.Remove != 0:
				w.onError(ErrFileRemoved)
			case ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0:
				w.debouncer.Trigger(w.fire)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.onError(err)
		}
	}
}

// poll stats the file on an interval and fires when its modification
// time or size moved.
func (w *Watcher) poll(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.compare()
		}
	}
}

func (w *Watcher) compare() {
	info, err := os.Stat(w.path)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			w.mu.Lock()
			existed := !w.mtime.IsZero()
			w.mu.Unlock()
			if existed {
				w.onError(ErrFileRemoved)
			}
		case os.IsPermission(err):
			w.onError(ErrPermission)
		default:
			w.onError(err)
		}
		return
	}

	w.mu.Lock()
	changed := info.ModTime().After(w.mtime) || info.Size() != w.size
	if changed {
		w.mtime = info.ModTime()
		w.size = info.Size()
	}
	w.mu.Unlock()

	if changed {
		w.debouncer.Trigger(w.fire)
	}
}

// fire delivers one change: the callback first, then a non-blocking
// send on the channel. A stopped watcher delivers nothing.
func (w *Watcher) fire() {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return
	}

	w.onChange()

	select {
	case w.changes <- struct{}{}:
	default:
	}
}

func envBool(name string) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return false
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
