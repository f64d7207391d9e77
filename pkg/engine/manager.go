// Package engine keeps a tree.Store in sync with a remote filesystem. A Manager is the
// only writer of remote-derived state into its store: it turns caller intents and
// change notifications into store mutations and records failures as per-path messages.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fruitsalade/sandboxfs/pkg/flight"
	"github.com/fruitsalade/sandboxfs/pkg/pathutil"
	"github.com/fruitsalade/sandboxfs/pkg/remote"
	"github.com/fruitsalade/sandboxfs/pkg/tree"
)

// DefaultDebounceWindow is used when Config.DebounceWindow is zero.
const DefaultDebounceWindow = 100 * time.Millisecond

var (
	// ErrClosed is returned by operations on a closed manager.
	ErrClosed = errors.New("engine: manager closed")
	// ErrOutsideRoot is returned for paths that are not under the manager's root.
	ErrOutsideRoot = errors.New("engine: path outside root")
)

// Config tunes a Manager.
type Config struct {
	DebounceWindow time.Duration
	// MaxConcurrent bounds remote calls in flight across all paths. Zero means no bound.
	MaxConcurrent int
	WatchTimeout  time.Duration
	ReadFormat    remote.Format

	DownloadUser   string
	UseSignature   bool
	DownloadExpiry time.Duration

	Logger  *zap.Logger
	Metrics Recorder
}

// Recorder receives operational measurements. internal/metrics provides the
// Prometheus implementation.
type Recorder interface {
	RemoteCall(op string, d time.Duration, err error)
	Coalesced(kind string)
	WatchEvent(t remote.EventType)
	WatcherError()
	TreeSize(n int)
}

type nopRecorder struct{}

func (nopRecorder) RemoteCall(string, time.Duration, error) {}
func (nopRecorder) Coalesced(string)                         {}
func (nopRecorder) WatchEvent(remote.EventType)              {}
func (nopRecorder) WatcherError()                            {}
func (nopRecorder) TreeSize(int)                             {}

// Manager synchronizes one store with one remote root.
type Manager struct {
	fs    remote.Filesystem
	store *tree.Store
	root  string
	cfg   Config
	log   *zap.Logger
	rec   Recorder

	dirs  *flight.Group[string, struct{}]
	files *flight.Group[string, struct{}]
	sem   *semaphore.Weighted

	// writeMu serializes compound store mutations made by this manager.
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	watch  remote.Watch
	wg     sync.WaitGroup
}

// NewManager creates a manager for store and subscribes to changes below the store's
// root. A failed subscription is recorded as the store's watcher error; the manager
// is usable either way. ctx bounds the manager's lifetime.
func NewManager(ctx context.Context, fs remote.Filesystem, store *tree.Store, cfg Config) *Manager {
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	if cfg.ReadFormat == "" {
		cfg.ReadFormat = remote.FormatBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopRecorder{}
	}

	m := &Manager{
		fs:    fs,
		store: store,
		root:  store.RootPath(),
		cfg:   cfg,
		log:   cfg.Logger.Named("engine").With(zap.String("root", store.RootPath())),
		rec:   cfg.Metrics,
		dirs:  flight.New[string, struct{}](cfg.DebounceWindow),
		files: flight.New[string, struct{}](cfg.DebounceWindow),
	}
	m.dirs.OnJoin = func(string) { m.rec.Coalesced("directory") }
	m.files.OnJoin = func(string) { m.rec.Coalesced("file") }
	if cfg.MaxConcurrent > 0 {
		m.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.startWatch()
	return m
}

// Store returns the store this manager writes to.
func (m *Manager) Store() *tree.Store {
	return m.store
}

// Root returns the normalized root path.
func (m *Manager) Root() string {
	return m.root
}

func (m *Manager) startWatch() {
	start := time.Now()
	w, err := m.fs.WatchDir(m.ctx, m.root, remote.WatchOptions{
		Recursive: true,
		Timeout:   m.cfg.WatchTimeout,
	})
	m.rec.RemoteCall("watch", time.Since(start), err)
	if err != nil {
		m.log.Warn("watch failed", zap.Error(err))
		m.rec.WatcherError()
		m.store.SetWatcherError(Message(OpWatch, err))
		return
	}

	m.mu.Lock()
	m.watch = w
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.watchLoop(w)
	}()
}

// StopWatching ends the change subscription. It is safe to call more than once.
func (m *Manager) StopWatching() error {
	m.mu.Lock()
	w := m.watch
	m.watch = nil
	m.mu.Unlock()

	if w == nil {
		return nil
	}
	return w.Stop()
}

// watching reports whether w is still the manager's subscription.
func (m *Manager) watching(w remote.Watch) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watch == w
}

// Close stops watching, cancels outstanding remote calls and waits for all work
// started by the manager to finish. No store mutation happens after Close returns.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	err := m.StopWatching()
	m.dirs.Close()
	m.files.Close()
	m.cancel()
	m.wg.Wait()
	m.log.Debug("manager closed")
	return err
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// begin registers a unit of work. It fails once the manager is closed.
func (m *Manager) begin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	return true
}

func (m *Manager) end() {
	m.wg.Done()
}

// spawn runs fn in a goroutine tracked by Close.
func (m *Manager) spawn(fn func()) {
	if !m.begin() {
		return
	}
	go func() {
		defer m.end()
		fn()
	}()
}

// callContext returns a context cancelled when either ctx or the manager ends.
func (m *Manager) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// remoteCall runs fn under the concurrency bound and records its outcome.
func (m *Manager) remoteCall(ctx context.Context, op string, fn func(context.Context) error) error {
	if m.sem != nil {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer m.sem.Release(1)
	}
	start := time.Now()
	err := fn(ctx)
	m.rec.RemoteCall(op, time.Since(start), err)
	return err
}

// resolve normalizes p and checks that it lies under the root.
func (m *Manager) resolve(p string) (string, error) {
	p = pathutil.Normalize(p)
	if p != m.root && !pathutil.IsDescendant(m.root, p) {
		return "", ErrOutsideRoot
	}
	return p, nil
}

func waitErr(err error) error {
	if errors.Is(err, flight.ErrClosed) {
		return ErrClosed
	}
	return err
}
