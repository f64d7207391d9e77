package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/sandboxfs/pkg/pathutil"
	"github.com/fruitsalade/sandboxfs/pkg/remote"
	"github.com/fruitsalade/sandboxfs/pkg/tree"
)

// fakeFS is an in-memory remote filesystem with call counting, optional gating of
// List calls and a watch stream the test drives.
type fakeFS struct {
	mu       sync.Mutex
	dirs     map[string][]remote.Entry
	files    map[string][]byte
	listErr  map[string]error
	readErr  map[string]error
	watchErr error

	lists map[string]int
	reads map[string]int

	// gate, when set, blocks List until closed or the call's context ends.
	gate     chan struct{}
	inflight int32
	peak     int32

	stream *remote.Stream
	stops  int32
}

func newFakeFS() *fakeFS {
	return &fakeFS{
		dirs:    map[string][]remote.Entry{},
		files:   map[string][]byte{},
		listErr: map[string]error{},
		readErr: map[string]error{},
		lists:   map[string]int{},
		reads:   map[string]int{},
	}
}

func (f *fakeFS) addDir(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addEntryLocked(remote.Entry{Name: pathutil.Base(p), Path: p, Type: remote.TypeDir})
	if _, ok := f.dirs[p]; !ok {
		f.dirs[p] = []remote.Entry{}
	}
}

func (f *fakeFS) addFile(p, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addEntryLocked(remote.Entry{Name: pathutil.Base(p), Path: p, Type: remote.TypeFile, Size: int64(len(data))})
	f.files[p] = []byte(data)
}

func (f *fakeFS) addEntryLocked(e remote.Entry) {
	if e.Path == "/" {
		return
	}
	parent := pathutil.Parent(e.Path)
	entries := f.dirs[parent]
	for i, existing := range entries {
		if existing.Path == e.Path {
			entries[i] = e
			return
		}
	}
	f.dirs[parent] = append(entries, e)
}

func (f *fakeFS) remove(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parent := pathutil.Parent(p)
	entries := f.dirs[parent][:0]
	for _, e := range f.dirs[parent] {
		if e.Path != p {
			entries = append(entries, e)
		}
	}
	f.dirs[parent] = entries
	delete(f.files, p)
	delete(f.dirs, p)
}

func (f *fakeFS) setListErr(p string, err error) {
	f.mu.Lock()
	f.listErr[p] = err
	f.mu.Unlock()
}

func (f *fakeFS) setReadErr(p string, err error) {
	f.mu.Lock()
	f.readErr[p] = err
	f.mu.Unlock()
}

func (f *fakeFS) listCount(p string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists[p]
}

func (f *fakeFS) readCount(p string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads[p]
}

func (f *fakeFS) List(ctx context.Context, p string) ([]remote.Entry, error) {
	f.mu.Lock()
	f.lists[p]++
	gate := f.gate
	f.mu.Unlock()

	n := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	for {
		peak := atomic.LoadInt32(&f.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&f.peak, peak, n) {
			break
		}
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listErr[p]; err != nil {
		return nil, err
	}
	entries, ok := f.dirs[p]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return append([]remote.Entry(nil), entries...), nil
}

func (f *fakeFS) Read(_ context.Context, p string, _ remote.ReadOptions) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads[p]++
	if err := f.readErr[p]; err != nil {
		return nil, err
	}
	data, ok := f.files[p]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return data, nil
}

func (f *fakeFS) Write(_ context.Context, p string, data []byte) error {
	f.addFile(p, string(data))
	return nil
}

func (f *fakeFS) WatchDir(context.Context, string, remote.WatchOptions) (remote.Watch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	f.stream = remote.NewStream(16, func() error {
		atomic.AddInt32(&f.stops, 1)
		return nil
	})
	return f.stream, nil
}

func (f *fakeFS) DownloadURL(context.Context, string, remote.DownloadOptions) (string, error) {
	return "", remote.ErrUnsupported
}

func (f *fakeFS) emit(t *testing.T, typ remote.EventType, name string) {
	t.Helper()
	f.mu.Lock()
	s := f.stream
	f.mu.Unlock()
	require.NotNil(t, s, "no watch established")
	require.True(t, s.Emit(remote.Event{Type: typ, Name: name}))
}

// mockFS overrides DownloadURL with testify expectations.
type mockFS struct {
	*fakeFS
	mock.Mock
}

func (m *mockFS) DownloadURL(ctx context.Context, p string, opts remote.DownloadOptions) (string, error) {
	args := m.Called(p, opts)
	return args.String(0), args.Error(1)
}

// countingRecorder records metrics calls.
type countingRecorder struct {
	coalesced     int32
	watcherErrors int32
	events        int32
}

func (r *countingRecorder) RemoteCall(string, time.Duration, error) {}
func (r *countingRecorder) Coalesced(string)                        { atomic.AddInt32(&r.coalesced, 1) }
func (r *countingRecorder) WatchEvent(remote.EventType)             { atomic.AddInt32(&r.events, 1) }
func (r *countingRecorder) WatcherError()                           { atomic.AddInt32(&r.watcherErrors, 1) }
func (r *countingRecorder) TreeSize(int)                            {}

const testWindow = 20 * time.Millisecond

func newTestManager(t *testing.T, fs remote.Filesystem, cfg Config) (*Manager, *tree.Store) {
	t.Helper()
	if cfg.DebounceWindow == 0 {
		cfg.DebounceWindow = testWindow
	}
	store := tree.New("/")
	m := NewManager(context.Background(), fs, store, cfg)
	t.Cleanup(func() { _ = m.Close() })
	return m, store
}

func mustCheck(t *testing.T, s *tree.Store) {
	t.Helper()
	require.NoError(t, s.Snapshot().Check())
}

func childNames(s *tree.Store, p string) []string {
	var out []string
	for _, n := range s.GetChildren(p) {
		out = append(out, n.Name)
	}
	return out
}
