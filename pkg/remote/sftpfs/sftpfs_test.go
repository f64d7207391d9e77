package sftpfs

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/fruitsalade/sandboxfs/pkg/remote"
)

func TestRemotePath(t *testing.T) {
	tests := []struct {
		base, p, want string
	}{
		{"/home/sandbox", "/", "/home/sandbox"},
		{"/home/sandbox", "a/b.txt", "/home/sandbox/a/b.txt"},
		{"/home/sandbox", "/../../etc/passwd", "/home/sandbox/etc/passwd"},
		{"/", "/x", "/x"},
	}
	for _, tt := range tests {
		if got := remotePath(tt.base, tt.p); got != tt.want {
			t.Errorf("remotePath(%q, %q) = %q, want %q", tt.base, tt.p, got, tt.want)
		}
	}
}

func TestClientConfigRequiresAuth(t *testing.T) {
	_, err := ClientConfig(Config{User: "u", InsecureIgnoreHostKey: true})
	assert.Error(t, err)
}

func TestClientConfigRequiresHostKeyPolicy(t *testing.T) {
	_, err := ClientConfig(Config{User: "u", Password: "p"})
	assert.Error(t, err)

	cfg, err := ClientConfig(Config{User: "u", Password: "p", InsecureIgnoreHostKey: true})
	require.NoError(t, err)
	assert.Equal(t, "u", cfg.User)
	assert.Len(t, cfg.Auth, 1)
}

func TestClientConfigKeyAndKnownHosts(t *testing.T) {
	dir := t.TempDir()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	keyFile := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(block), 0o600))

	hostPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostKey, err := ssh.NewPublicKey(hostPub)
	require.NoError(t, err)
	knownHostsFile := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{"sandbox.example:22"}, hostKey)
	require.NoError(t, os.WriteFile(knownHostsFile, []byte(line+"\n"), 0o600))

	cfg, err := ClientConfig(Config{User: "u", KeyFile: keyFile, KnownHostsFile: knownHostsFile})
	require.NoError(t, err)
	require.Len(t, cfg.Auth, 1)

	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 22}
	assert.NoError(t, cfg.HostKeyCallback("sandbox.example:22", addr, hostKey))

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherKey, err := ssh.NewPublicKey(otherPub)
	require.NoError(t, err)
	assert.Error(t, cfg.HostKeyCallback("sandbox.example:22", addr, otherKey))
}

func TestClientConfigBadKeyFile(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "bad")
	require.NoError(t, os.WriteFile(keyFile, []byte("not a key"), 0o600))
	_, err := ClientConfig(Config{User: "u", KeyFile: keyFile, InsecureIgnoreHostKey: true})
	assert.Error(t, err)
}

func TestDownloadURLUnsupported(t *testing.T) {
	f := &FS{}
	_, err := f.DownloadURL(context.Background(), "/a", remote.DownloadOptions{})
	assert.ErrorIs(t, err, remote.ErrUnsupported)
}
