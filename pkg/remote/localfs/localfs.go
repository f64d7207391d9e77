// Package localfs serves a directory on local disk as a sandbox filesystem. It backs
// development setups and tests that need real change notification.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/charlievieth/fastwalk"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fruitsalade/sandboxfs/pkg/pathutil"
	"github.com/fruitsalade/sandboxfs/pkg/remote"
)

// Config holds the backend configuration.
type Config struct {
	Dir    string
	Logger *zap.Logger
}

// FS maps slash paths onto a local directory. Paths cannot escape it.
type FS struct {
	dir string
	log *zap.Logger
}

var _ remote.Filesystem = (*FS)(nil)

// New returns a backend rooted at cfg.Dir, which must be an existing directory.
func New(cfg Config) (*FS, error) {
	abs, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.Dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &FS{dir: abs, log: cfg.Logger.Named("localfs")}, nil
}

func (f *FS) resolve(p string) string {
	return filepath.Join(f.dir, filepath.FromSlash(pathutil.Normalize(p)))
}

func mapErr(op, p string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s %s: %w", op, p, remote.ErrNotFound)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%s %s: %w", op, p, remote.ErrPermission)
	default:
		return fmt.Errorf("%s %s: %w", op, p, err)
	}
}

// List returns the entries of the directory at p.
func (f *FS) List(ctx context.Context, p string) ([]remote.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p = pathutil.Normalize(p)
	dirents, err := os.ReadDir(f.resolve(p))
	if err != nil {
		return nil, mapErr("list", p, err)
	}

	entries := make([]remote.Entry, 0, len(dirents))
	for _, d := range dirents {
		info, err := d.Info()
		if err != nil {
			// Vanished between ReadDir and Info.
			continue
		}
		e := remote.Entry{
			Name:    d.Name(),
			Path:    pathutil.Join(p, d.Name()),
			Type:    remote.TypeFile,
			ModTime: info.ModTime(),
		}
		if info.IsDir() {
			e.Type = remote.TypeDir
		} else {
			e.Size = info.Size()
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Read returns the content of the file at p.
func (f *FS) Read(ctx context.Context, p string, _ remote.ReadOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p = pathutil.Normalize(p)
	local := f.resolve(p)
	info, err := os.Stat(local)
	if err != nil {
		return nil, mapErr("read", p, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("read %s: is a directory", p)
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return nil, mapErr("read", p, err)
	}
	return data, nil
}

// Write atomically replaces the file at p through a temp file and rename.
func (f *FS) Write(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p = pathutil.Normalize(p)
	if p == pathutil.Root {
		return fmt.Errorf("write %s: is a directory", p)
	}
	local := f.resolve(p)

	tmp, err := os.CreateTemp(filepath.Dir(local), "."+filepath.Base(local)+".*.tmp")
	if err != nil {
		return mapErr("write", p, err)
	}
	tempPath := tmp.Name()

	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("write %s: %w", p, err)
	}

	if err := os.Rename(tempPath, local); err != nil {
		os.Remove(tempPath)
		return mapErr("write", p, err)
	}
	return nil
}

// DownloadURL returns a file:// URL for p.
func (f *FS) DownloadURL(ctx context.Context, p string, _ remote.DownloadOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p = pathutil.Normalize(p)
	local := f.resolve(p)
	if _, err := os.Stat(local); err != nil {
		return "", mapErr("download url", p, err)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(local)}
	return u.String(), nil
}

// WatchDir watches p with fsnotify. With Recursive, every directory below p is
// registered up front and directories created later are added as they appear.
func (f *FS) WatchDir(ctx context.Context, p string, opts remote.WatchOptions) (remote.Watch, error) {
	p = pathutil.Normalize(p)
	root := f.resolve(p)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", p, err)
	}

	setupCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		setupCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	w := &watch{
		fs:        f,
		root:      root,
		recursive: opts.Recursive,
		watcher:   watcher,
	}
	if err := w.add(setupCtx, root); err != nil {
		watcher.Close()
		return nil, mapErr("watch", p, err)
	}

	w.stream = remote.NewStream(100, watcher.Close)
	w.stream.Go(w.loop)
	w.stream.StopOnDone(ctx)
	return w.stream, nil
}

type watch struct {
	fs        *FS
	root      string
	recursive bool
	watcher   *fsnotify.Watcher
	stream    *remote.Stream
}

// add registers dir and, for recursive watches, every directory below it.
func (w *watch) add(ctx context.Context, dir string) error {
	if !w.recursive {
		return w.watcher.Add(dir)
	}

	var mu sync.Mutex
	var dirs []string
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			mu.Lock()
			dirs = append(dirs, path)
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, d := range dirs {
		if err := w.watcher.Add(d); err != nil {
			if d == dir {
				return err
			}
			w.fs.log.Debug("skip watch", zap.String("dir", d), zap.Error(err))
		}
	}
	return nil
}

func (w *watch) loop() {
	for {
		select {
		case <-w.stream.Done():
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				w.stream.Fail(remote.ErrWatchClosed)
				return
			}
			if !w.handle(ev) {
				return
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.stream.Fail(remote.ErrWatchClosed)
				return
			}
			w.fs.log.Warn("fsnotify error", zap.Error(err))
			w.stream.Fail(err)
		}
	}
}

var opOrder = []struct {
	op  fsnotify.Op
	typ remote.EventType
}{
	{fsnotify.Create, remote.EventCreate},
	{fsnotify.Write, remote.EventWrite},
	{fsnotify.Remove, remote.EventRemove},
	{fsnotify.Rename, remote.EventRename},
	{fsnotify.Chmod, remote.EventChmod},
}

func (w *watch) handle(ev fsnotify.Event) bool {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || rel == "." {
		return true
	}
	name := filepath.ToSlash(rel)

	if w.recursive && ev.Has(fsnotify.Create) {
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			if err := w.add(context.Background(), ev.Name); err != nil {
				w.fs.log.Debug("watch new directory", zap.String("dir", ev.Name), zap.Error(err))
			}
		}
	}

	for _, o := range opOrder {
		if ev.Has(o.op) {
			if !w.stream.Emit(remote.Event{Type: o.typ, Name: name}) {
				return false
			}
		}
	}
	return true
}
