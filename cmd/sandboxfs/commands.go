package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/sandboxfs/pkg/engine"
	"github.com/fruitsalade/sandboxfs/pkg/models"
	"github.com/fruitsalade/sandboxfs/pkg/pathutil"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, s *engine.Session, args []string, w io.Writer) error
}

var commands = []command{
	{"tree", "tree [-depth n]      Print the tree under the root", cmdTree},
	{"ls", "ls [path]            List a directory", cmdLs},
	{"cat", "cat <path>           Print a file's content", cmdCat},
	{"url", "url <path>           Print a download link for a file", cmdURL},
	{"watch", "watch [-interval d]  Print the tree whenever it changes", cmdWatch},
}

func findCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// loadTree loads directories breadth first, depth levels below the root.
func loadTree(ctx context.Context, s *engine.Session, depth int) error {
	m := s.Manager()
	level := []string{m.Root()}
	for d := 0; d < depth && len(level) > 0; d++ {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(8)
		for _, p := range level {
			p := p
			g.Go(func() error { return m.LoadDirectory(gctx, p) })
		}
		if err := g.Wait(); err != nil {
			return err
		}

		var next []string
		for _, p := range level {
			for _, c := range s.Store().GetChildren(p) {
				if c.IsDir() {
					next = append(next, c.Path)
				}
			}
		}
		level = next
	}
	return nil
}

func printTree(s *engine.Session, w io.Writer) {
	snap := s.Store().Snapshot()
	for _, line := range snap.Dump() {
		fmt.Fprintln(w, line)
	}

	paths := make([]string, 0, len(snap.Errors))
	for p := range snap.Errors {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		fmt.Fprintf(w, "! %s: %s\n", p, snap.Errors[p])
	}
	if msg, ok := s.Store().WatcherError(); ok {
		fmt.Fprintf(w, "! watch: %s\n", msg)
	}
}

func cmdTree(ctx context.Context, s *engine.Session, args []string, w io.Writer) error {
	fl := flag.NewFlagSet("tree", flag.ContinueOnError)
	depth := fl.Int("depth", 2, "Directory levels to load")
	if err := fl.Parse(args); err != nil {
		return err
	}
	if err := loadTree(ctx, s, *depth); err != nil {
		return err
	}
	printTree(s, w)
	return nil
}

// storeError turns the message recorded for p into an error.
func storeError(s *engine.Session, p string) error {
	if msg, ok := s.Store().Error(p); ok {
		return fmt.Errorf("%s: %s", p, msg)
	}
	return nil
}

func cmdLs(ctx context.Context, s *engine.Session, args []string, w io.Writer) error {
	p := s.Manager().Root()
	if len(args) > 0 {
		p = pathutil.Normalize(args[0])
	}
	if err := s.Manager().LoadDirectory(ctx, p); err != nil {
		return err
	}
	if err := storeError(s, p); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE")
	for _, n := range s.Store().GetChildren(p) {
		name := n.Name
		if n.IsDir() {
			name += "/"
		}
		fmt.Fprintf(tw, "%s\t%s\n", name, n.Kind)
	}
	return tw.Flush()
}

// loadParent makes the node at p known by listing its parent.
func loadParent(ctx context.Context, s *engine.Session, p string) error {
	parent := pathutil.Parent(p)
	if err := s.Manager().LoadDirectory(ctx, parent); err != nil {
		return err
	}
	if _, ok := s.Store().GetNode(p); !ok {
		if err := storeError(s, parent); err != nil {
			return err
		}
		return fmt.Errorf("%s: %s", p, engine.Message(engine.OpRead, errors.New("not found")))
	}
	return nil
}

func cmdCat(ctx context.Context, s *engine.Session, args []string, w io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: sandboxfs cat <path>")
	}
	p := pathutil.Normalize(args[0])
	if err := loadParent(ctx, s, p); err != nil {
		return err
	}
	if err := s.Manager().ReadFile(ctx, p); err != nil {
		return err
	}
	if err := storeError(s, p); err != nil {
		return err
	}

	content, _ := s.Store().GetFileContent(p)
	switch content.Kind {
	case models.ContentText:
		_, err := io.WriteString(w, content.Text)
		return err
	case models.ContentImage:
		_, err := fmt.Fprintln(w, content.DataURI)
		return err
	default:
		return fmt.Errorf("%s: cannot display content", p)
	}
}

func cmdURL(ctx context.Context, s *engine.Session, args []string, w io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: sandboxfs url <path>")
	}
	p := pathutil.Normalize(args[0])
	if err := loadParent(ctx, s, p); err != nil {
		return err
	}
	u, err := s.Manager().DownloadFile(ctx, p)
	if err != nil {
		return err
	}
	if u == "" {
		if err := storeError(s, p); err != nil {
			return err
		}
		return fmt.Errorf("%s: no download link", p)
	}
	_, err = fmt.Fprintln(w, u)
	return err
}

// cmdWatch reprints the tree after every store update until ctx is done.
func cmdWatch(ctx context.Context, s *engine.Session, args []string, w io.Writer) error {
	fl := flag.NewFlagSet("watch", flag.ContinueOnError)
	interval := fl.Duration("interval", 500*time.Millisecond, "How often to check for changes")
	depth := fl.Int("depth", 1, "Directory levels to load up front")
	if err := fl.Parse(args); err != nil {
		return err
	}
	if err := loadTree(ctx, s, *depth); err != nil {
		return err
	}
	printTree(s, w)

	last := s.Store().LastUpdated()
	lastWatchErr, _ := s.Store().WatcherError()
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		updated := s.Store().LastUpdated()
		watchErr, _ := s.Store().WatcherError()
		if updated.Equal(last) && watchErr == lastWatchErr {
			continue
		}
		last, lastWatchErr = updated, watchErr
		fmt.Fprintf(w, "--- %s\n", updated.Format(time.RFC3339))
		printTree(s, w)
	}
}
