package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fruitsalade/sandboxfs/pkg/tree"
)

// The operations below are what a browsing UI calls. They only fail for structural
// reasons (unknown path, wrong node kind, closed manager) or when ctx ends before the
// work settles; remote failures end up in the store.

// ToggleDirectory flips the expansion of the directory at p. Expanding a directory
// that was never loaded loads it.
func (m *Manager) ToggleDirectory(ctx context.Context, p string) error {
	p, err := m.resolve(p)
	if err != nil {
		return err
	}
	n, ok := m.store.GetNode(p)
	if !ok {
		return fmt.Errorf("toggle %s: %w", p, tree.ErrNotFound)
	}
	if !n.IsDir() {
		return fmt.Errorf("toggle %s: %w", p, tree.ErrNotDirectory)
	}

	expand := !n.IsExpanded
	if err := m.store.SetExpanded(p, expand); err != nil {
		return err
	}
	if expand && !m.store.IsLoaded(p) && !m.store.IsLoading(p) {
		return m.LoadDirectory(ctx, p)
	}
	return nil
}

// SelectNode selects the file at p and fetches its content unless it is cached or
// already being fetched. The selection itself needs no network access.
func (m *Manager) SelectNode(ctx context.Context, p string) error {
	p, err := m.resolve(p)
	if err != nil {
		return err
	}
	if err := m.store.SetSelected(p); err != nil {
		return err
	}
	if _, cached := m.store.GetFileContent(p); cached || m.store.IsLoading(p) {
		return nil
	}
	return m.ReadFile(ctx, p)
}

// ResetSelected clears the selection.
func (m *Manager) ResetSelected() {
	m.store.ResetSelected()
}

// RefreshFile re-reads the file at p.
func (m *Manager) RefreshFile(ctx context.Context, p string) error {
	return m.ReadFile(ctx, p)
}

// DownloadFile resolves a download URL for the file at p. On failure the message is
// recorded for p, cached content is left alone and "" is returned.
func (m *Manager) DownloadFile(ctx context.Context, p string) (string, error) {
	p, err := m.resolve(p)
	if err != nil {
		return "", err
	}
	if err := m.requireFile(p); err != nil {
		return "", err
	}

	if !m.begin() {
		return "", ErrClosed
	}
	defer m.end()

	url, err := m.GetDownloadURL(ctx, p)
	if err == nil {
		return url, nil
	}
	if errors.Is(err, ErrClosed) || ctx.Err() != nil {
		return "", err
	}

	m.log.Warn("download url failed", zap.String("path", p), zap.Error(err))
	m.writeMu.Lock()
	if !m.isClosed() {
		if _, ok := m.store.GetNode(p); ok {
			m.store.SetError(p, Message(OpDownload, err))
		}
	}
	m.writeMu.Unlock()
	return "", nil
}
