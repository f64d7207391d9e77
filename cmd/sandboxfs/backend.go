package main

import (
	"context"
	"fmt"

	"github.com/fruitsalade/sandboxfs/internal/config"
	"github.com/fruitsalade/sandboxfs/internal/logging"
	"github.com/fruitsalade/sandboxfs/internal/metrics"
	"github.com/fruitsalade/sandboxfs/pkg/engine"
	"github.com/fruitsalade/sandboxfs/pkg/remote"
	"github.com/fruitsalade/sandboxfs/pkg/remote/httpfs"
	"github.com/fruitsalade/sandboxfs/pkg/remote/localfs"
	"github.com/fruitsalade/sandboxfs/pkg/remote/s3fs"
	"github.com/fruitsalade/sandboxfs/pkg/remote/sftpfs"
)

// openBackend connects to the configured remote. The returned func releases it.
func openBackend(ctx context.Context, cfg *config.Config) (remote.Filesystem, func() error, error) {
	log := logging.L()
	noop := func() error { return nil }

	switch cfg.Backend {
	case config.BackendHTTP:
		c := httpfs.New(httpfs.Config{
			BaseURL:        cfg.HTTPBaseURL,
			AccessToken:    cfg.HTTPAccessToken,
			WatchTransport: httpfs.Transport(cfg.HTTPWatchTransport),
			Logger:         log,
		})
		return c, noop, nil

	case config.BackendLocal:
		f, err := localfs.New(localfs.Config{Dir: cfg.LocalDir, Logger: log})
		if err != nil {
			return nil, nil, err
		}
		return f, noop, nil

	case config.BackendSFTP:
		f, err := sftpfs.Dial(ctx, sftpfs.Config{
			Addr:                  cfg.SFTPAddr,
			User:                  cfg.SFTPUser,
			Password:              cfg.SFTPPassword,
			KeyFile:               cfg.SFTPKeyFile,
			KnownHostsFile:        cfg.SFTPKnownHosts,
			InsecureIgnoreHostKey: cfg.SFTPInsecure,
			BaseDir:               cfg.SFTPBaseDir,
			Timeout:               cfg.SFTPTimeout,
			PollInterval:          cfg.PollInterval,
			Logger:                log,
		})
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil

	case config.BackendS3:
		f, err := s3fs.New(ctx, s3fs.Config{
			Endpoint:     cfg.S3Endpoint,
			Bucket:       cfg.S3Bucket,
			Prefix:       cfg.S3Prefix,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Region:       cfg.S3Region,
			PathStyle:    cfg.S3PathStyle,
			PollInterval: cfg.PollInterval,
			Logger:       log,
		})
		if err != nil {
			return nil, nil, err
		}
		return f, noop, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func managerConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		DebounceWindow: cfg.Debounce,
		MaxConcurrent:  cfg.MaxConcurrent,
		WatchTimeout:   cfg.WatchTimeout,
		DownloadUser:   cfg.DownloadUser,
		UseSignature:   cfg.UseSignature,
		DownloadExpiry: cfg.DownloadExpiry,
		Logger:         logging.Named("engine"),
		Metrics:        metrics.NewRecorder(cfg.Backend),
	}
}
