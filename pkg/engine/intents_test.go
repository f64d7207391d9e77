package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/sandboxfs/pkg/models"
	"github.com/fruitsalade/sandboxfs/pkg/remote"
	"github.com/fruitsalade/sandboxfs/pkg/tree"
)

func TestToggleDirectory(t *testing.T) {
	fs := newFakeFS()
	fs.addDir("/d")
	fs.addFile("/d/x", "1")
	fs.addFile("/f.txt", "1")
	m, store := newTestManager(t, fs, Config{})
	ctx := context.Background()
	require.NoError(t, m.LoadDirectory(ctx, "/"))

	assert.ErrorIs(t, m.ToggleDirectory(ctx, "/f.txt"), tree.ErrNotDirectory)
	assert.ErrorIs(t, m.ToggleDirectory(ctx, "/nope"), tree.ErrNotFound)

	require.NoError(t, m.ToggleDirectory(ctx, "/d"))
	assert.True(t, store.IsExpanded("/d"))
	assert.Equal(t, []string{"x"}, childNames(store, "/d"))
	assert.Equal(t, 1, fs.listCount("/d"))

	require.NoError(t, m.ToggleDirectory(ctx, "/d"))
	assert.False(t, store.IsExpanded("/d"))
	require.NoError(t, m.ToggleDirectory(ctx, "/d"))
	assert.True(t, store.IsExpanded("/d"))
	assert.Equal(t, 1, fs.listCount("/d"), "loaded directory is not listed again")
}

func TestSelectNode(t *testing.T) {
	fs := newFakeFS()
	fs.addDir("/d")
	fs.addFile("/a.txt", "alpha")
	m, store := newTestManager(t, fs, Config{})
	ctx := context.Background()
	require.NoError(t, m.LoadDirectory(ctx, "/"))

	assert.ErrorIs(t, m.SelectNode(ctx, "/d"), tree.ErrNotFile)

	require.NoError(t, m.SelectNode(ctx, "/a.txt"))
	assert.True(t, store.IsSelected("/a.txt"))
	c, ok := store.GetFileContent("/a.txt")
	require.True(t, ok)
	assert.Equal(t, "alpha", c.Text)

	require.NoError(t, m.SelectNode(ctx, "/a.txt"))
	assert.Equal(t, 1, fs.readCount("/a.txt"), "cached content is not fetched again")

	require.NoError(t, m.RefreshFile(ctx, "/a.txt"))
	assert.Equal(t, 2, fs.readCount("/a.txt"))

	m.ResetSelected()
	_, selected := store.Selected()
	assert.False(t, selected)
}

func TestDownloadFile(t *testing.T) {
	fs := &mockFS{fakeFS: newFakeFS()}
	fs.addFile("/a.txt", "alpha")
	fs.addFile("/b.txt", "beta")
	opts := remote.DownloadOptions{User: "alice", UseSignature: true, Expiration: time.Minute}
	fs.On("DownloadURL", "/a.txt", opts).Return("https://sandbox.example/files?path=/a.txt", nil).Once()
	fs.On("DownloadURL", "/b.txt", opts).Return("", errors.New("boom")).Once()

	m, store := newTestManager(t, fs, Config{DownloadUser: "alice", UseSignature: true, DownloadExpiry: time.Minute})
	ctx := context.Background()
	require.NoError(t, m.LoadDirectory(ctx, "/"))
	require.NoError(t, m.ReadFile(ctx, "/b.txt"))

	url, err := m.DownloadFile(ctx, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "https://sandbox.example/files?path=/a.txt", url)

	url, err = m.DownloadFile(ctx, "/b.txt")
	require.NoError(t, err)
	assert.Empty(t, url)
	msg, ok := store.Error("/b.txt")
	require.True(t, ok)
	assert.Equal(t, "Failed to get download link", msg)
	c, _ := store.GetFileContent("/b.txt")
	assert.Equal(t, models.ContentState{Kind: models.ContentText, Text: "beta"}, c)

	_, err = m.DownloadFile(ctx, "/missing")
	assert.ErrorIs(t, err, tree.ErrNotFound)

	fs.AssertExpectations(t)
}

func TestGetDownloadURLReturnsRemoteError(t *testing.T) {
	fs := newFakeFS()
	fs.addFile("/a.txt", "x")
	m, store := newTestManager(t, fs, Config{})
	require.NoError(t, m.LoadDirectory(context.Background(), "/"))

	_, err := m.GetDownloadURL(context.Background(), "/a.txt")
	assert.ErrorIs(t, err, remote.ErrUnsupported)
	_, hasErr := store.Error("/a.txt")
	assert.False(t, hasErr)
}

func TestMessage(t *testing.T) {
	tests := []struct {
		op   Op
		err  error
		want string
	}{
		{OpList, remote.ErrNotFound, "File or directory not found"},
		{OpRead, remote.ErrPermission, "Permission denied"},
		{OpList, context.DeadlineExceeded, "The sandbox did not respond in time"},
		{OpRead, errors.New("dial tcp: connection refused"), "Cannot connect to the sandbox"},
		{OpRead, errors.New("unexpected EOF"), "Connection to the sandbox was lost"},
		{OpRead, errors.New("read /d: is a directory"), "Cannot open a directory as a file"},
		{OpRead, errors.New("file too large: more than 10 bytes"), "File is too large to display"},
		{OpList, errors.New("boom"), "Failed to load directory"},
		{OpRead, errors.New("boom"), "Failed to read file"},
		{OpDownload, errors.New("boom"), "Failed to get download link"},
		{OpWatch, errors.New("boom"), "Live updates are unavailable"},
		{Op("other"), errors.New("boom"), "Something went wrong"},
		{OpList, nil, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Message(tt.op, tt.err), "%s: %v", tt.op, tt.err)
	}
}
