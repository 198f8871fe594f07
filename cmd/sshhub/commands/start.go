package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/sshhub/auth"
	"github.com/cyberinferno/sshhub/cacher"
	"github.com/cyberinferno/sshhub/config"
	"github.com/cyberinferno/sshhub/hub"
	"github.com/cyberinferno/sshhub/logger"
	"github.com/cyberinferno/sshhub/metrics"
	"github.com/cyberinferno/sshhub/sshserver"
)

const serviceName = "sshhub"

func newStartCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the SSH server",
		Long: `Start the SSH server in the foreground. It stops on SIGINT/SIGTERM or
when server.shutdown_after elapses.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}

			log, err := newLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() {
				_ = log.Close()
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, log)
		},
	}
}

func newLogger(cfg config.LoggingConfig) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	switch {
	case cfg.Dir != "":
		return logger.NewZerologFileLogger(serviceName, cfg.Dir, level)
	case cfg.Format == "json":
		return logger.NewWriterLogger(os.Stdout, serviceName, level), nil
	default:
		return logger.NewConsoleLogger(serviceName, level), nil
	}
}

// serve runs the server until ctx is cancelled or the shutdown timer fires.
func serve(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	authn, closeAuth, err := newAuthenticator(ctx, cfg.Auth, log)
	if err != nil {
		return err
	}
	defer closeAuth()

	signers, err := hostSigners(cfg.SSH, log)
	if err != nil {
		return err
	}

	var (
		reg = prometheus.NewRegistry()
		m   *metrics.Metrics
		h   *hub.Hub
	)
	if cfg.Metrics.Enabled {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg, func() int {
			return h.Registry().Len()
		})
	}

	h = hub.New(hub.Options{
		Logger:         log,
		Metrics:        m,
		Authenticator:  authn,
		ForwardTimeout: cfg.Server.ForwardTimeout,
	})

	srv, err := sshserver.New(sshserver.Config{
		Name:                     serviceName,
		Addr:                     cfg.Server.Listen,
		HostSigners:              signers,
		ServerVersion:            cfg.SSH.ServerVersion,
		InactivityTimeout:        cfg.SSH.InactivityTimeout,
		AuthRejectionTime:        cfg.SSH.AuthRejectionTime,
		AuthRejectionTimeInitial: cfg.SSH.AuthRejectionTimeInitial,
		AuthTimeout:              cfg.SSH.AuthTimeout,
		MaxAuthTries:             cfg.SSH.MaxAuthTries,
		KeyExchanges:             cfg.SSH.KeyExchanges,
		Ciphers:                  cfg.SSH.Ciphers,
		MACs:                     cfg.SSH.MACs,
		OutboundQueue:            cfg.Server.OutboundQueue,
		ShutdownGrace:            cfg.Server.ShutdownGrace,
	}, h, log)
	if err != nil {
		return err
	}

	if cfg.Server.ShutdownAfter > 0 {
		srv.StartShutdownTimer(cfg.Server.ShutdownAfter, cfg.Server.ShutdownReason)
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		// The metrics server follows the SSH server down.
		defer cancel()
		return srv.Serve(runCtx)
	})

	if cfg.Metrics.Enabled {
		log.Info("metrics enabled", logger.Field{Key: "addr", Value: cfg.Metrics.Addr})
		g.Go(func() error {
			return metrics.Serve(runCtx, cfg.Metrics.Addr, reg)
		})
	}

	err = g.Wait()
	if err != nil {
		// A failed metrics listener must not leave SSH clients connected.
		srv.Shutdown(cfg.Server.ShutdownReason)
	}
	return err
}

func hostSigners(cfg config.SSHConfig, log logger.Logger) ([]ssh.Signer, error) {
	if len(cfg.HostKeys) > 0 {
		return sshserver.LoadHostKeys(cfg.HostKeys)
	}

	signer, err := sshserver.GenerateHostKey()
	if err != nil {
		return nil, err
	}
	log.Warn("no host key configured, generated an ephemeral Ed25519 key",
		logger.Field{Key: "fingerprint", Value: ssh.FingerprintSHA256(signer.PublicKey())})

	return []ssh.Signer{signer}, nil
}

// newAuthenticator builds the accept-all authenticator, wrapped in the
// configured decision cache.
func newAuthenticator(ctx context.Context, cfg config.AuthConfig, log logger.Logger) (auth.Authenticator, func(), error) {
	base := auth.AcceptAll{}
	ttl := cfg.Cache.TTL

	switch cfg.Cache.Backend {
	case "memory":
		log.Info("auth decisions cached in memory", logger.Field{Key: "ttl", Value: ttl.String()})
		return auth.NewCached(base, cacher.NewMemoryCacher[bool](ttl, 2*ttl), ttl), func() {}, nil

	case "redis":
		rc := cfg.Cache.Redis
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    rc.Addrs,
			Username: rc.Username,
			Password: rc.Password,
			DB:       rc.DB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis auth cache: %w", err)
		}

		log.Info("auth decisions cached in redis",
			logger.Field{Key: "addrs", Value: rc.Addrs},
			logger.Field{Key: "namespace", Value: rc.Namespace})
		closeFn := func() {
			_ = client.Close()
		}
		return auth.NewCached(base, cacher.NewRedisCacher[bool](client, rc.Namespace), ttl), closeFn, nil

	default:
		return base, func() {}, nil
	}
}
