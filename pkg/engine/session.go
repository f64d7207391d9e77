package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/sandboxfs/pkg/models"
	"github.com/fruitsalade/sandboxfs/pkg/pathutil"
	"github.com/fruitsalade/sandboxfs/pkg/remote"
	"github.com/fruitsalade/sandboxfs/pkg/tree"
)

// SessionConfig configures a Session.
type SessionConfig struct {
	Manager Config
	// Seed holds already-known entries keyed by parent path. Entries outside the
	// current root are ignored.
	Seed         map[string][]models.Node
	StoreOptions []tree.Option
}

// Session owns the store and manager for one connection and root. Switching the root
// or the connection replaces both; the old manager is fully shut down before the new
// pair is created, so two managers never write at the same time.
type Session struct {
	ctx context.Context
	cfg SessionConfig

	mu      sync.Mutex
	fs      remote.Filesystem
	store   *tree.Store
	manager *Manager
	closed  bool
}

// Open starts a session on root. The store is seeded before Open returns; the root
// listing is fetched in the background.
func Open(ctx context.Context, fs remote.Filesystem, root string, cfg SessionConfig) (*Session, error) {
	if fs == nil {
		return nil, errors.New("engine: nil filesystem")
	}
	s := &Session{ctx: ctx, cfg: cfg, fs: fs}
	s.startLocked(pathutil.Normalize(root))
	return s, nil
}

// Store returns the current store.
func (s *Session) Store() *tree.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

// Manager returns the current manager.
func (s *Session) Manager() *Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager
}

// SetRoot switches the session to a new root on the same connection.
func (s *Session) SetRoot(root string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	err := s.stopLocked()
	s.startLocked(pathutil.Normalize(root))
	return err
}

// Reconnect switches the session to a new connection, keeping the root.
func (s *Session) Reconnect(fs remote.Filesystem) error {
	if fs == nil {
		return errors.New("engine: nil filesystem")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	root := s.store.RootPath()
	err := s.stopLocked()
	s.fs = fs
	s.startLocked(root)
	return err
}

// Close shuts the session down and waits for outstanding work.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.stopLocked()
}

func (s *Session) stopLocked() error {
	if s.manager == nil {
		return nil
	}
	if err := s.manager.Close(); err != nil {
		return fmt.Errorf("stop manager: %w", err)
	}
	return nil
}

func (s *Session) startLocked(root string) {
	opts := append([]tree.Option(nil), s.cfg.StoreOptions...)
	if seed := seedUnder(root, s.cfg.Seed); len(seed) > 0 {
		opts = append(opts, tree.WithSeed(seed))
	}
	s.store = tree.New(root, opts...)
	s.manager = NewManager(s.ctx, s.fs, s.store, s.cfg.Manager)

	m := s.manager
	m.spawn(func() {
		if err := m.LoadDirectory(m.ctx, root); err != nil && !errors.Is(err, ErrClosed) {
			m.log.Debug("root load ended", zap.Error(err))
		}
	})
}

func seedUnder(root string, seed map[string][]models.Node) map[string][]models.Node {
	out := make(map[string][]models.Node, len(seed))
	for parent, nodes := range seed {
		parent = pathutil.Normalize(parent)
		if parent == root || pathutil.IsDescendant(root, parent) {
			out[parent] = nodes
		}
	}
	return out
}
