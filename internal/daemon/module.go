package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/matheus3301/wsync/internal/api"
	"github.com/matheus3301/wsync/internal/bus"
	"github.com/matheus3301/wsync/internal/config"
	"github.com/matheus3301/wsync/internal/lock"
	"github.com/matheus3301/wsync/internal/logging"
	"github.com/matheus3301/wsync/internal/metrics"
	"github.com/matheus3301/wsync/internal/outbox"
	"github.com/matheus3301/wsync/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// expirySweep is how often pending messages are checked for expiry.
const expirySweep = 30 * time.Second

// Params holds the command line overrides passed to the fx module.
type Params struct {
	Account string
	Root    string // optional override of ~/.wsync
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLayout,
			provideConfig,
			provideLogger,
			provideBus,
			provideMetrics,
			provideLock,
			provideRegistry,
			provideManager,
			provideComposer,
			api.NewControl,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLayout(p Params) (session.Layout, error) {
	l := session.DefaultLayout()
	if p.Root != "" {
		l = session.Layout{Root: p.Root}
	}
	return l, l.EnsureDir()
}

func provideConfig(l session.Layout) (*config.Config, error) {
	return config.LoadOrDefault(l.ConfigPath())
}

func provideLogger(l session.Layout, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(l.LogPath(), cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

// provideLock keeps a second daemon from serving the same root.
func provideLock(l session.Layout, logger *zap.Logger) (*lock.Lock, error) {
	lk, err := lock.Acquire(l.Root)
	if err != nil {
		return nil, err
	}
	logger.Info("daemon lock acquired", zap.String("path", lk.Path()))
	return lk, nil
}

func provideRegistry(l session.Layout, cfg *config.Config) (*session.Registry, error) {
	reg, err := session.LoadRegistry(l.RegistryPath())
	if err != nil {
		return nil, err
	}
	if cfg.TokenStore == "keyring" {
		if err := reg.UseTokenStore(session.KeyringTokens{}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func provideManager(l session.Layout, cfg *config.Config, reg *session.Registry, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) (*session.Manager, error) {
	return session.NewManager(session.Env{
		Layout:  l,
		Config:  cfg,
		Bus:     b,
		Metrics: m,
		Logger:  logger,
	}, reg)
}

func provideComposer(b *bus.Bus, logger *zap.Logger) *outbox.Composer {
	return outbox.NewComposer(b, outbox.DefaultExpiry, logger)
}

func residentAccounts(m *session.Manager) func() []outbox.Account {
	return func() []outbox.Account {
		var out []outbox.Account
		for _, s := range m.Resident() {
			out = append(out, s)
		}
		return out
	}
}

type lifecycleParams struct {
	fx.In

	Params   Params
	Config   *config.Config
	Server   *Server
	Lock     *lock.Lock
	Manager  *session.Manager
	Composer *outbox.Composer
	Metrics  *metrics.Metrics
	Bus      *bus.Bus
	Logger   *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	var metricsSrv *http.Server
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := p.Server.Start(); err != nil {
					p.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if p.Config.MetricsAddr != "" {
				ln, err := net.Listen("tcp", p.Config.MetricsAddr)
				if err != nil {
					return err
				}
				metricsSrv = &http.Server{
					Handler:           newHTTPHandler(p.Metrics, p.Manager, p.Bus),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
						p.Logger.Error("metrics server error", zap.Error(err))
					}
				}()
				p.Logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
			}

			p.Composer.Start(context.Background(), expirySweep, residentAccounts(p.Manager))

			id := session.Resolve(p.Params.Account, p.Config, p.Manager.Registry())
			if id == "" {
				p.Logger.Info("no account selected, login required")
				return nil
			}
			// Selecting syncs in the background so a slow backend does not
			// hold up startup.
			go func() {
				if _, err := p.Manager.Select(context.Background(), id); err != nil {
					p.Logger.Warn("could not select account", zap.String("account", id), zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Server.Stop(ctx)
			p.Composer.Stop()
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(ctx)
			}
			if err := p.Manager.Close(); err != nil {
				p.Logger.Warn("error closing sessions", zap.Error(err))
			}
			p.Bus.Close()
			if err := p.Lock.Release(); err != nil {
				p.Logger.Warn("error releasing lock", zap.Error(err))
			}
			p.Logger.Info("daemon stopped")
			_ = p.Logger.Sync()
			return nil
		},
	})
}
