// Package poll provides change notification for backends that have none by diffing
// periodic listings.
package poll

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/sandboxfs/pkg/pathutil"
	"github.com/fruitsalade/sandboxfs/pkg/remote"
)

// DefaultInterval is used when Options.Interval is zero.
const DefaultInterval = 5 * time.Second

type Options struct {
	Interval  time.Duration
	Recursive bool
	// Timeout bounds the baseline scan. Zero means no bound.
	Timeout time.Duration
	Logger  *zap.Logger
}

type state struct {
	dir     bool
	size    int64
	modTime time.Time
}

type snapshot map[string]state

// Watch takes a baseline listing of root and then reports differences between
// successive listings as create, remove and write events. A failed listing is
// reported on Errors and the previous snapshot is kept.
func Watch(ctx context.Context, lister remote.Lister, root string, opts Options) (remote.Watch, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	root = pathutil.Normalize(root)

	pollCtx, cancel := context.WithCancel(context.Background())
	p := &poller{
		lister:    lister,
		root:      root,
		recursive: opts.Recursive,
		interval:  opts.Interval,
		log:       opts.Logger.Named("poll"),
	}

	scanCtx := pollCtx
	if opts.Timeout > 0 {
		var scanCancel context.CancelFunc
		scanCtx, scanCancel = context.WithTimeout(pollCtx, opts.Timeout)
		defer scanCancel()
	}
	base, err := p.scan(scanCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}
	p.last = base

	p.stream = remote.NewStream(100, func() error {
		cancel()
		return nil
	})
	p.stream.Go(func() { p.loop(pollCtx) })
	p.stream.StopOnDone(ctx)
	return p.stream, nil
}

type poller struct {
	lister    remote.Lister
	root      string
	recursive bool
	interval  time.Duration
	log       *zap.Logger
	stream    *remote.Stream
	last      snapshot
}

func (p *poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		next, err := p.scan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("poll failed", zap.String("root", p.root), zap.Error(err))
			p.stream.Fail(fmt.Errorf("poll %s: %w", p.root, err))
			continue
		}

		for _, ev := range diff(p.last, next) {
			if !p.stream.Emit(ev) {
				return
			}
		}
		p.last = next
	}
}

// scan lists root and, when recursive, every directory below it. Directories that
// vanish mid-scan are skipped.
func (p *poller) scan(ctx context.Context) (snapshot, error) {
	snap := snapshot{}
	queue := []string{p.root}

	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		entries, err := p.lister.List(ctx, dir)
		if err != nil {
			if dir != p.root && errors.Is(err, remote.ErrNotFound) {
				continue
			}
			return nil, err
		}

		for _, e := range entries {
			full := e.Path
			if full == "" {
				full = pathutil.Join(dir, e.Name)
			}
			rel, ok := pathutil.Rel(p.root, full)
			if !ok || rel == "" {
				continue
			}
			snap[rel] = state{dir: e.IsDir(), size: e.Size, modTime: e.ModTime}
			if e.IsDir() && p.recursive {
				queue = append(queue, pathutil.Normalize(full))
			}
		}
	}
	return snap, nil
}

// diff returns the events that turn old into next, parents before children. Removal
// of a directory is reported once, not for each descendant.
func diff(old, next snapshot) []remote.Event {
	var events []remote.Event

	var removed []string
	for name, o := range old {
		n, ok := next[name]
		if !ok || n.dir != o.dir {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	gone := map[string]bool{}
	for _, name := range removed {
		if gone[pathutil.Parent("/"+name)[1:]] {
			gone[name] = true
			continue
		}
		gone[name] = true
		events = append(events, remote.Event{Type: remote.EventRemove, Name: name})
	}

	var created, written []string
	for name, n := range next {
		o, ok := old[name]
		switch {
		case !ok || o.dir != n.dir:
			created = append(created, name)
		case !n.dir && (o.size != n.size || !o.modTime.Equal(n.modTime)):
			written = append(written, name)
		}
	}
	sort.Strings(created)
	sort.Strings(written)
	for _, name := range created {
		events = append(events, remote.Event{Type: remote.EventCreate, Name: name})
	}
	for _, name := range written {
		events = append(events, remote.Event{Type: remote.EventWrite, Name: name})
	}
	return events
}
