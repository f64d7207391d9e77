package localfs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/sandboxfs/pkg/remote"
)

func newFS(t *testing.T) (*FS, string) {
	t.Helper()
	dir := t.TempDir()
	f, err := New(Config{Dir: dir})
	require.NoError(t, err)
	return f, dir
}

func TestNewRejectsFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err := New(Config{Dir: file})
	assert.Error(t, err)
}

func TestListReadWrite(t *testing.T) {
	f, dir := newFS(t)
	ctx := context.Background()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("abc"), 0o644))

	entries, err := f.List(ctx, "/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	byName := map[string]remote.Entry{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	assert.Equal(t, remote.TypeDir, byName["sub"].Type)
	assert.Equal(t, "/sub", byName["sub"].Path)
	assert.Equal(t, remote.TypeFile, byName["a.txt"].Type)
	assert.Equal(t, int64(3), byName["a.txt"].Size)

	require.NoError(t, f.Write(ctx, "/sub/b.txt", []byte("hello")))
	data, err := f.Read(ctx, "sub//b.txt", remote.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	// No temp files left behind.
	names, err := os.ReadDir(filepath.Join(dir, "sub"))
	require.NoError(t, err)
	assert.Len(t, names, 1)
}

func TestErrorsMapToSentinels(t *testing.T) {
	f, dir := newFS(t)
	ctx := context.Background()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "d"), 0o755))

	_, err := f.List(ctx, "/missing")
	assert.ErrorIs(t, err, remote.ErrNotFound)

	_, err = f.Read(ctx, "/missing.txt", remote.ReadOptions{})
	assert.ErrorIs(t, err, remote.ErrNotFound)
	assert.Contains(t, err.Error(), "no such file")

	_, err = f.Read(ctx, "/d", remote.ReadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is a directory")

	_, err = f.DownloadURL(ctx, "/missing", remote.DownloadOptions{})
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestPathsStayInsideRoot(t *testing.T) {
	f, dir := newFS(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "passwd"), []byte("inside"), 0o644))

	data, err := f.Read(context.Background(), "/../../passwd", remote.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "inside", string(data))
}

func TestDownloadURL(t *testing.T) {
	f, dir := newFS(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a b.txt"), nil, 0o644))

	u, err := f.DownloadURL(context.Background(), "/a b.txt", remote.DownloadOptions{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "file://"), u)
	assert.Contains(t, u, "a%20b.txt")
}

// waitFor reads events until one matches, ignoring others.
func waitFor(t *testing.T, w remote.Watch, want remote.Event) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if ev == want {
				return
			}
		case err := <-w.Errors():
			t.Fatalf("watch error: %v", err)
		case <-deadline:
			t.Fatalf("timeout waiting for %+v", want)
		}
	}
}

func TestWatchRecursive(t *testing.T) {
	f, dir := newFS(t)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "existing"), 0o755))

	w, err := f.WatchDir(context.Background(), "/", remote.WatchOptions{Recursive: true, Timeout: time.Second})
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("1"), 0o644))
	waitFor(t, w, remote.Event{Type: remote.EventCreate, Name: "a.txt"})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "existing", "b.txt"), []byte("1"), 0o644))
	waitFor(t, w, remote.Event{Type: remote.EventCreate, Name: "existing/b.txt"})

	require.NoError(t, os.Mkdir(filepath.Join(dir, "fresh"), 0o755))
	waitFor(t, w, remote.Event{Type: remote.EventCreate, Name: "fresh"})
	// The new directory is registered before its create event is delivered.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fresh", "c.txt"), []byte("1"), 0o644))
	waitFor(t, w, remote.Event{Type: remote.EventCreate, Name: "fresh/c.txt"})

	require.NoError(t, os.Remove(filepath.Join(dir, "a.txt")))
	waitFor(t, w, remote.Event{Type: remote.EventRemove, Name: "a.txt"})
}

func TestWatchStop(t *testing.T) {
	f, _ := newFS(t)
	w, err := f.WatchDir(context.Background(), "/", remote.WatchOptions{})
	require.NoError(t, err)
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	select {
	case _, ok := <-w.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestWatchMissingDir(t *testing.T) {
	f, _ := newFS(t)
	_, err := f.WatchDir(context.Background(), "/nope", remote.WatchOptions{Recursive: true})
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestWatchReportsClosedNotifier(t *testing.T) {
	f, dir := newFS(t)
	fw, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	w := &watch{fs: f, root: dir, watcher: fw, stream: remote.NewStream(1, nil)}
	w.stream.Go(w.loop)
	defer w.stream.Stop()

	require.NoError(t, fw.Close())
	select {
	case err := <-w.stream.Errors():
		assert.ErrorIs(t, err, remote.ErrWatchClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("closed notifier was not reported")
	}
}
