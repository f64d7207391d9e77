package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/sandboxfs/pkg/pathutil"
	"github.com/fruitsalade/sandboxfs/pkg/remote"
)

// watchLoop applies change notifications in delivery order until the subscription
// ends. Re-listing and re-reading run asynchronously so one slow path does not hold
// up the events behind it.
func (m *Manager) watchLoop(w remote.Watch) {
	events, errs := w.Events(), w.Errors()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if m.watching(w) && !m.isClosed() {
					m.log.Warn("watch ended")
					m.rec.WatcherError()
					m.store.SetWatcherError(Message(OpWatch, remote.ErrWatchClosed))
				}
				return
			}
			m.rec.WatchEvent(ev.Type)
			m.reconcile(ev)
		case err := <-errs:
			if m.isClosed() {
				continue
			}
			m.log.Warn("watch error", zap.Error(err))
			m.rec.WatcherError()
			m.store.SetWatcherError(Message(OpWatch, err))
		}
	}
}

// reconcile applies one event. Names are relative to the watched root.
func (m *Manager) reconcile(ev remote.Event) {
	if m.isClosed() {
		return
	}
	p := pathutil.Join(m.root, ev.Name)
	log := m.log.With(zap.String("event", string(ev.Type)), zap.String("path", p))

	switch ev.Type {
	case remote.EventCreate, remote.EventRename:
		// Always a full re-list of the parent; patching in single entries risks
		// duplicates and wrong order.
		parent := pathutil.Parent(p)
		n, ok := m.store.GetNode(parent)
		if !ok || !n.IsDir() || !m.store.IsLoaded(parent) {
			log.Debug("parent not loaded, ignoring")
			return
		}
		m.spawn(func() {
			if err := m.RefreshDirectory(m.ctx, parent); err != nil {
				log.Debug("refresh skipped", zap.Error(err))
			}
		})

	case remote.EventRemove:
		m.writeMu.Lock()
		n, known := m.store.GetNode(p)
		m.store.RemoveNode(p)
		if known && n.IsFile() {
			m.store.ResetFileContent(p)
		}
		m.store.SetLastUpdated(time.Now())
		m.writeMu.Unlock()
		m.rec.TreeSize(m.store.Len())

	case remote.EventWrite:
		n, ok := m.store.GetNode(p)
		if !ok || !n.IsFile() {
			return
		}
		if _, read := m.store.GetFileContent(p); !read && !m.store.IsLoaded(p) {
			log.Debug("file never read, ignoring")
			return
		}
		m.spawn(func() {
			if err := m.ReadFile(m.ctx, p); err != nil {
				log.Debug("re-read skipped", zap.Error(err))
			}
		})

	case remote.EventChmod:
		// Nothing cached depends on permission bits.

	default:
		log.Info("unknown watch event")
	}
}
