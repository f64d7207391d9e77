package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/sandboxfs/pkg/models"
	"github.com/fruitsalade/sandboxfs/pkg/remote"
	"github.com/fruitsalade/sandboxfs/pkg/tree"
)

func TestLoadDirectoryPopulatesStore(t *testing.T) {
	fs := newFakeFS()
	fs.addFile("/file10.txt", "x")
	fs.addFile("/file2.txt", "x")
	fs.addDir("/src")
	m, store := newTestManager(t, fs, Config{})

	require.NoError(t, m.LoadDirectory(context.Background(), "/"))

	assert.Equal(t, []string{"src", "file2.txt", "file10.txt"}, childNames(store, "/"))
	assert.True(t, store.IsLoaded("/"))
	assert.False(t, store.IsLoading("/"))
	assert.False(t, store.IsLoaded("/src"))
	assert.False(t, store.LastUpdated().IsZero())
	mustCheck(t, store)
}

func TestLoadDirectoryOnFileIsNoop(t *testing.T) {
	fs := newFakeFS()
	fs.addFile("/a.txt", "x")
	m, _ := newTestManager(t, fs, Config{})
	ctx := context.Background()

	require.NoError(t, m.LoadDirectory(ctx, "/"))
	require.NoError(t, m.LoadDirectory(ctx, "/a.txt"))
	assert.Equal(t, 0, fs.listCount("/a.txt"))
}

func TestLoadDirectoryOutsideRoot(t *testing.T) {
	fs := newFakeFS()
	store := tree.New("/work")
	m := NewManager(context.Background(), fs, store, Config{})
	defer m.Close()

	assert.ErrorIs(t, m.LoadDirectory(context.Background(), "/etc"), ErrOutsideRoot)
}

func TestConcurrentLoadsShareOneList(t *testing.T) {
	fs := newFakeFS()
	fs.addDir("/d")
	fs.addFile("/d/x", "1")
	fs.gate = make(chan struct{})
	rec := &countingRecorder{}
	m, store := newTestManager(t, fs, Config{Metrics: rec})

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.LoadDirectory(context.Background(), "/d")
		}()
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&rec.coalesced) == callers-1
	}, 2*time.Second, time.Millisecond)
	// Let the trailing timer fire while the first list is still running.
	time.Sleep(3 * testWindow)
	close(fs.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, fs.listCount("/d"))
	assert.Equal(t, []string{"x"}, childNames(store, "/d"))
	mustCheck(t, store)
}

func TestFullRefreshRemovesVanishedChildren(t *testing.T) {
	fs := newFakeFS()
	fs.addDir("/d")
	fs.addDir("/d/a")
	fs.addDir("/d/b")
	fs.addFile("/d/b/deep.txt", "x")
	fs.addFile("/d/c", "x")
	m, store := newTestManager(t, fs, Config{})
	ctx := context.Background()

	require.NoError(t, m.LoadDirectory(ctx, "/"))
	require.NoError(t, m.LoadDirectory(ctx, "/d"))
	require.NoError(t, m.LoadDirectory(ctx, "/d/b"))
	require.NoError(t, store.SetSelected("/d/b/deep.txt"))
	assert.Equal(t, []string{"a", "b", "c"}, childNames(store, "/d"))

	fs.remove("/d/b")
	require.NoError(t, m.LoadDirectoryImmediate(ctx, "/d"))

	assert.Equal(t, []string{"a", "c"}, childNames(store, "/d"))
	_, ok := store.GetNode("/d/b/deep.txt")
	assert.False(t, ok)
	assert.False(t, store.IsLoaded("/d/b"))
	_, selected := store.Selected()
	assert.False(t, selected)
	mustCheck(t, store)
}

func TestLoadFailureIsRecorded(t *testing.T) {
	fs := newFakeFS()
	fs.addDir("/d")
	m, store := newTestManager(t, fs, Config{})
	ctx := context.Background()
	require.NoError(t, m.LoadDirectory(ctx, "/"))

	fs.setListErr("/d", fmt.Errorf("list /d: %w", remote.ErrPermission))
	require.NoError(t, m.LoadDirectory(ctx, "/d"))

	msg, ok := store.Error("/d")
	require.True(t, ok)
	assert.Equal(t, "Permission denied", msg)
	assert.True(t, store.IsLoaded("/d"))
	assert.False(t, store.IsLoading("/d"))

	fs.setListErr("/d", nil)
	require.NoError(t, m.LoadDirectoryImmediate(ctx, "/d"))
	_, ok = store.Error("/d")
	assert.False(t, ok)
	mustCheck(t, store)
}

func TestLoadUnknownDirectorySynthesizesNode(t *testing.T) {
	fs := newFakeFS()
	fs.addDir("/a")
	fs.addDir("/a/b")
	fs.addFile("/a/b/c.txt", "x")
	m, store := newTestManager(t, fs, Config{})

	require.NoError(t, m.LoadDirectory(context.Background(), "/a/b"))
	assert.Equal(t, []string{"c.txt"}, childNames(store, "/a/b"))
	assert.Equal(t, []string{"a"}, childNames(store, "/"))
	mustCheck(t, store)
}

func TestReadFile(t *testing.T) {
	fs := newFakeFS()
	fs.addFile("/notes.txt", "hello")
	fs.addFile("/blob.bin", "\x00\x01\x02")
	fs.addFile("/broken.txt", "x")
	fs.setReadErr("/broken.txt", errors.New("read tcp 10.0.0.1:443: connection reset by peer"))
	m, store := newTestManager(t, fs, Config{})
	ctx := context.Background()
	require.NoError(t, m.LoadDirectory(ctx, "/"))

	require.NoError(t, m.ReadFile(ctx, "/notes.txt"))
	c, ok := store.GetFileContent("/notes.txt")
	require.True(t, ok)
	assert.Equal(t, models.ContentState{Kind: models.ContentText, Text: "hello"}, c)

	require.NoError(t, m.ReadFile(ctx, "/blob.bin"))
	c, _ = store.GetFileContent("/blob.bin")
	assert.Equal(t, models.ContentUnreadable, c.Kind)
	_, hasErr := store.Error("/blob.bin")
	assert.False(t, hasErr, "unrenderable content is not an error")

	require.NoError(t, m.ReadFile(ctx, "/broken.txt"))
	c, _ = store.GetFileContent("/broken.txt")
	assert.Equal(t, models.ContentUnreadable, c.Kind)
	msg, _ := store.Error("/broken.txt")
	assert.Equal(t, "Connection to the sandbox was lost", msg)
	assert.True(t, store.IsLoaded("/broken.txt"))

	assert.ErrorIs(t, m.ReadFile(ctx, "/missing"), tree.ErrNotFound)
	mustCheck(t, store)
}

func TestReadFileRejectsDirectory(t *testing.T) {
	fs := newFakeFS()
	fs.addDir("/d")
	m, _ := newTestManager(t, fs, Config{})
	require.NoError(t, m.LoadDirectory(context.Background(), "/"))

	assert.ErrorIs(t, m.ReadFile(context.Background(), "/d"), tree.ErrNotFile)
	assert.Equal(t, 0, fs.readCount("/d"))
}

func TestMaxConcurrentBoundsRemoteCalls(t *testing.T) {
	fs := newFakeFS()
	for _, d := range []string{"/a", "/b", "/c"} {
		fs.addDir(d)
	}
	m, _ := newTestManager(t, fs, Config{MaxConcurrent: 1})
	ctx := context.Background()
	require.NoError(t, m.LoadDirectory(ctx, "/"))

	fs.mu.Lock()
	fs.gate = make(chan struct{})
	fs.mu.Unlock()

	var wg sync.WaitGroup
	for _, d := range []string{"/a", "/b", "/c"} {
		wg.Add(1)
		go func(d string) {
			defer wg.Done()
			assert.NoError(t, m.LoadDirectory(ctx, d))
		}(d)
	}
	time.Sleep(50 * time.Millisecond)
	close(fs.gate)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fs.peak))
}

func TestCloseDiscardsLateResults(t *testing.T) {
	fs := newFakeFS()
	fs.addDir("/d")
	store := tree.New("/")
	m := NewManager(context.Background(), fs, store, Config{DebounceWindow: testWindow})
	require.NoError(t, m.LoadDirectory(context.Background(), "/"))

	fs.mu.Lock()
	fs.gate = make(chan struct{})
	fs.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- m.LoadDirectory(context.Background(), "/d") }()
	require.Eventually(t, func() bool { return fs.listCount("/d") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.Close())
	require.NoError(t, <-done)

	assert.False(t, store.IsLoaded("/d"))
	_, hasErr := store.Error("/d")
	assert.False(t, hasErr)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fs.stops))

	assert.ErrorIs(t, m.LoadDirectory(context.Background(), "/d"), ErrClosed)
	assert.NoError(t, m.Close())
}

func TestWatchFailureSetsWatcherError(t *testing.T) {
	fs := newFakeFS()
	fs.watchErr = fmt.Errorf("watch /: %w", remote.ErrUnsupported)
	_, store := newTestManager(t, fs, Config{})

	msg, ok := store.WatcherError()
	require.True(t, ok)
	assert.Equal(t, "This operation is not supported by the sandbox", msg)
}

func TestWatchLossSetsWatcherError(t *testing.T) {
	fs := newFakeFS()
	rec := &countingRecorder{}
	_, store := newTestManager(t, fs, Config{Metrics: rec})

	fs.stream.Fail(errors.New("connection closed"))
	require.Eventually(t, func() bool {
		_, ok := store.WatcherError()
		return ok
	}, time.Second, time.Millisecond)
	msg, _ := store.WatcherError()
	assert.Equal(t, "Connection to the sandbox was lost", msg)
	assert.Equal(t, int32(1), atomic.LoadInt32(&rec.watcherErrors))
}

func TestStopWatchingIsQuiet(t *testing.T) {
	fs := newFakeFS()
	m, store := newTestManager(t, fs, Config{})

	require.NoError(t, m.StopWatching())
	require.NoError(t, m.StopWatching())
	time.Sleep(20 * time.Millisecond)

	_, ok := store.WatcherError()
	assert.False(t, ok)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fs.stops))
}

func TestUngatedConcurrentLoadsCollapse(t *testing.T) {
	fs := newFakeFS()
	fs.addDir("/d")
	fs.addFile("/d/x", "1")
	m, store := newTestManager(t, fs, Config{})

	const callers = 10
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			assert.NoError(t, m.LoadDirectory(context.Background(), "/d"))
		}()
	}
	close(start)
	wg.Wait()
	time.Sleep(3 * testWindow)

	n := fs.listCount("/d")
	assert.GreaterOrEqual(t, n, 1)
	assert.LessOrEqual(t, n, 2, "a burst is one leading and at most one trailing list")
	assert.Equal(t, []string{"x"}, childNames(store, "/d"))
	mustCheck(t, store)
}

func TestRepeatedLoadAfterQuietWindowRunsAgain(t *testing.T) {
	fs := newFakeFS()
	fs.addDir("/d")
	m, _ := newTestManager(t, fs, Config{})
	ctx := context.Background()

	require.NoError(t, m.LoadDirectory(ctx, "/d"))
	time.Sleep(3 * testWindow)
	require.NoError(t, m.LoadDirectory(ctx, "/d"))
	assert.Equal(t, 2, fs.listCount("/d"))
}
