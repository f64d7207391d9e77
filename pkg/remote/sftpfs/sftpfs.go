// Package sftpfs serves a directory on an SSH host as a sandbox filesystem. Changes
// are detected by polling.
package sftpfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/fruitsalade/sandboxfs/pkg/pathutil"
	"github.com/fruitsalade/sandboxfs/pkg/remote"
	"github.com/fruitsalade/sandboxfs/pkg/remote/poll"
)

// Config holds connection settings.
type Config struct {
	Addr     string
	User     string
	Password string
	KeyFile  string
	// KnownHostsFile verifies the host key. InsecureIgnoreHostKey skips verification
	// and is meant for throwaway sandboxes only.
	KnownHostsFile        string
	InsecureIgnoreHostKey bool
	// BaseDir is the remote directory that "/" maps to.
	BaseDir      string
	Timeout      time.Duration
	PollInterval time.Duration
	Logger       *zap.Logger
}

// FS is an SFTP-backed filesystem.
type FS struct {
	sshClient    *ssh.Client
	client       *sftp.Client
	base         string
	pollInterval time.Duration
	log          *zap.Logger
}

var _ remote.Filesystem = (*FS)(nil)

// ClientConfig builds the SSH client configuration for cfg.
func ClientConfig(cfg Config) (*ssh.ClientConfig, error) {
	config := &ssh.ClientConfig{
		User:    cfg.User,
		Timeout: cfg.Timeout,
	}

	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key: %w", err)
		}
		config.Auth = append(config.Auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		config.Auth = append(config.Auth, ssh.Password(cfg.Password))
	}
	if len(config.Auth) == 0 {
		return nil, errors.New("sftp: no authentication method configured")
	}

	switch {
	case cfg.KnownHostsFile != "":
		callback, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("known hosts: %w", err)
		}
		config.HostKeyCallback = callback
	case cfg.InsecureIgnoreHostKey:
		config.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	default:
		return nil, errors.New("sftp: known hosts file required unless host key checking is disabled")
	}
	return config, nil
}

// Dial connects to the SSH host and starts an SFTP session.
func Dial(ctx context.Context, cfg Config) (*FS, error) {
	config, err := ClientConfig(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, cfg.Addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", cfg.Addr, err)
	}
	sshClient := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("sftp session: %w", err)
	}

	base := cfg.BaseDir
	if base == "" {
		if wd, err := client.Getwd(); err == nil {
			base = wd
		} else {
			base = "/"
		}
	}

	f := &FS{
		sshClient:    sshClient,
		client:       client,
		base:         path.Clean(base),
		pollInterval: cfg.PollInterval,
		log:          cfg.Logger.Named("sftpfs"),
	}
	f.log.Info("connected", zap.String("addr", cfg.Addr), zap.String("base", f.base))
	return f, nil
}

// Close ends the SFTP session and the SSH connection.
func (f *FS) Close() error {
	err := f.client.Close()
	if cerr := f.sshClient.Close(); err == nil {
		err = cerr
	}
	return err
}

func remotePath(base, p string) string {
	return path.Join(base, pathutil.Normalize(p))
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
	infos, err := f.client.ReadDir(remotePath(f.base, p))
	if err != nil {
		return nil, mapErr("list", p, err)
	}

	entries := make([]remote.Entry, 0, len(infos))
	for _, info := range infos {
		e := remote.Entry{
			Name:    info.Name(),
			Path:    pathutil.Join(p, info.Name()),
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
	rp := remotePath(f.base, p)

	info, err := f.client.Stat(rp)
	if err != nil {
		return nil, mapErr("read", p, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("read %s: is a directory", p)
	}

	file, err := f.client.Open(rp)
	if err != nil {
		return nil, mapErr("read", p, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, mapErr("read", p, err)
	}
	return data, nil
}

// Write replaces the file at p.
func (f *FS) Write(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p = pathutil.Normalize(p)

	file, err := f.client.OpenFile(remotePath(f.base, p), os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return mapErr("write", p, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return mapErr("write", p, err)
	}
	if err := file.Close(); err != nil {
		return mapErr("write", p, err)
	}
	return nil
}

// WatchDir polls p for changes.
func (f *FS) WatchDir(ctx context.Context, p string, opts remote.WatchOptions) (remote.Watch, error) {
	return poll.Watch(ctx, f, p, poll.Options{
		Interval:  f.pollInterval,
		Recursive: opts.Recursive,
		Timeout:   opts.Timeout,
		Logger:    f.log,
	})
}

// DownloadURL is not available over SFTP.
func (f *FS) DownloadURL(_ context.Context, p string, _ remote.DownloadOptions) (string, error) {
	return "", fmt.Errorf("download url %s: %w", pathutil.Normalize(p), remote.ErrUnsupported)
}
