package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/sandboxfs/pkg/content"
	"github.com/fruitsalade/sandboxfs/pkg/models"
	"github.com/fruitsalade/sandboxfs/pkg/pathutil"
	"github.com/fruitsalade/sandboxfs/pkg/remote"
	"github.com/fruitsalade/sandboxfs/pkg/tree"
)

// LoadDirectory lists the directory at p and merges the result into the store.
// Concurrent and rapidly repeated requests for the same path share one remote call.
// Loading a file is a no-op. Remote failures are recorded in the store, not returned.
func (m *Manager) LoadDirectory(ctx context.Context, p string) error {
	p, err := m.resolve(p)
	if err != nil {
		return err
	}
	if n, ok := m.store.GetNode(p); ok && n.IsFile() {
		return nil
	}

	call := m.dirs.Do(p, func() (struct{}, error) {
		return struct{}{}, m.LoadDirectoryImmediate(m.ctx, p)
	})
	_, err = call.Wait(ctx)
	return waitErr(err)
}

// RefreshDirectory re-lists p if it is a directory that has been loaded before.
func (m *Manager) RefreshDirectory(ctx context.Context, p string) error {
	p, err := m.resolve(p)
	if err != nil {
		return err
	}
	n, ok := m.store.GetNode(p)
	if !ok || !n.IsDir() || !m.store.IsLoaded(p) {
		return nil
	}
	return m.LoadDirectory(ctx, p)
}

// LoadDirectoryImmediate lists p without coalescing. It returns at once if a load of
// p is already running. Children that are missing from the listing are removed
// together with their subtrees.
func (m *Manager) LoadDirectoryImmediate(ctx context.Context, p string) error {
	p, err := m.resolve(p)
	if err != nil {
		return err
	}
	if !m.begin() {
		return ErrClosed
	}
	defer m.end()

	m.writeMu.Lock()
	n, ok := m.store.GetNode(p)
	switch {
	case ok && n.IsFile():
		m.writeMu.Unlock()
		return nil
	case m.store.IsLoading(p):
		m.writeMu.Unlock()
		return nil
	case !ok:
		// Give the directory a node to hang state on.
		if err := m.store.AddNodes(p, nil); err != nil {
			m.writeMu.Unlock()
			return err
		}
	}
	m.store.SetLoading(p, true)
	m.store.SetError(p, "")
	m.writeMu.Unlock()

	ctx, cancel := m.callContext(ctx)
	defer cancel()

	var entries []remote.Entry
	err = m.remoteCall(ctx, "list", func(ctx context.Context) error {
		var err error
		entries, err = m.fs.List(ctx, p)
		return err
	})

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.isClosed() {
		return nil
	}
	if n, ok := m.store.GetNode(p); !ok {
		// Removed while the listing was in flight.
		return nil
	} else if !n.IsDir() {
		m.store.SetLoading(p, false)
		return nil
	}

	if err != nil {
		m.log.Warn("list failed", zap.String("path", p), zap.Error(err))
		m.store.SetError(p, Message(OpList, err))
	} else if err := m.applyListing(p, entries); err != nil {
		m.log.Warn("apply listing failed", zap.String("path", p), zap.Error(err))
		m.store.SetError(p, Message(OpList, err))
	} else {
		m.store.SetLastUpdated(time.Now())
	}
	m.store.SetLoading(p, false)
	m.store.SetLoaded(p, true)
	m.rec.TreeSize(m.store.Len())
	return nil
}

// applyListing makes the children of p match entries.
func (m *Manager) applyListing(p string, entries []remote.Entry) error {
	nodes := make([]models.Node, 0, len(entries))
	keep := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = pathutil.Base(e.Path)
		}
		child := pathutil.Join(p, name)
		if child == p || pathutil.Parent(child) != p {
			m.log.Debug("skipping entry outside directory", zap.String("path", p), zap.String("name", name))
			continue
		}
		node := models.NewFile(pathutil.Base(child), child)
		if e.IsDir() {
			node = models.NewDir(pathutil.Base(child), child)
		}
		nodes = append(nodes, node)
		keep[child] = struct{}{}
	}

	if err := m.store.AddNodes(p, nodes); err != nil {
		return fmt.Errorf("add nodes: %w", err)
	}

	dir, _ := m.store.GetNode(p)
	for _, c := range dir.Children {
		if _, ok := keep[c]; !ok {
			m.store.RemoveNode(c)
		}
	}
	return nil
}

// ReadFile fetches and classifies the content of the file at p. Requests are
// coalesced as in LoadDirectory. Remote failures are recorded in the store and leave
// Unreadable content behind.
func (m *Manager) ReadFile(ctx context.Context, p string) error {
	p, err := m.resolve(p)
	if err != nil {
		return err
	}
	if err := m.requireFile(p); err != nil {
		return err
	}

	call := m.files.Do(p, func() (struct{}, error) {
		return struct{}{}, m.ReadFileImmediate(m.ctx, p)
	})
	_, err = call.Wait(ctx)
	return waitErr(err)
}

// ReadFileImmediate reads p without coalescing. It returns at once if a read of p is
// already running.
func (m *Manager) ReadFileImmediate(ctx context.Context, p string) error {
	p, err := m.resolve(p)
	if err != nil {
		return err
	}
	if !m.begin() {
		return ErrClosed
	}
	defer m.end()

	m.writeMu.Lock()
	if err := m.requireFile(p); err != nil {
		m.writeMu.Unlock()
		return err
	}
	if m.store.IsLoading(p) {
		m.writeMu.Unlock()
		return nil
	}
	m.store.SetLoading(p, true)
	m.store.SetError(p, "")
	m.writeMu.Unlock()

	ctx, cancel := m.callContext(ctx)
	defer cancel()

	var data []byte
	err = m.remoteCall(ctx, "read", func(ctx context.Context) error {
		var err error
		data, err = m.fs.Read(ctx, p, remote.ReadOptions{Format: m.cfg.ReadFormat})
		return err
	})

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.isClosed() {
		return nil
	}
	if n, ok := m.store.GetNode(p); !ok {
		return nil
	} else if !n.IsFile() {
		m.store.SetLoading(p, false)
		return nil
	}

	if err != nil {
		m.log.Warn("read failed", zap.String("path", p), zap.Error(err))
		m.store.SetError(p, Message(OpRead, err))
		m.store.SetFileContent(p, models.ContentState{Kind: models.ContentUnreadable})
	} else {
		m.store.SetFileContent(p, content.Classify(data, pathutil.Base(p)))
		m.store.SetLastUpdated(time.Now())
	}
	m.store.SetLoading(p, false)
	m.store.SetLoaded(p, true)
	return nil
}

// GetDownloadURL asks the remote side for a fresh download URL for the file at p.
// Nothing is cached and the store is not touched.
func (m *Manager) GetDownloadURL(ctx context.Context, p string) (string, error) {
	p, err := m.resolve(p)
	if err != nil {
		return "", err
	}
	if err := m.checkFile(p); err != nil {
		return "", err
	}
	if !m.begin() {
		return "", ErrClosed
	}
	defer m.end()

	ctx, cancel := m.callContext(ctx)
	defer cancel()

	var url string
	err = m.remoteCall(ctx, "download_url", func(ctx context.Context) error {
		var err error
		url, err = m.fs.DownloadURL(ctx, p, remote.DownloadOptions{
			User:         m.cfg.DownloadUser,
			UseSignature: m.cfg.UseSignature,
			Expiration:   m.cfg.DownloadExpiry,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return url, nil
}

// checkFile rejects paths known to be directories. Unknown paths pass; the remote
// side decides.
func (m *Manager) checkFile(p string) error {
	if n, ok := m.store.GetNode(p); ok && n.IsDir() {
		return fmt.Errorf("%s: %w", p, tree.ErrNotFile)
	}
	return nil
}

// requireFile checks that p is a file known to the store.
func (m *Manager) requireFile(p string) error {
	n, ok := m.store.GetNode(p)
	if !ok {
		return fmt.Errorf("%s: %w", p, tree.ErrNotFound)
	}
	if !n.IsFile() {
		return fmt.Errorf("%s: %w", p, tree.ErrNotFile)
	}
	return nil
}
