// Package kernelkeeper supervises a sing-box kernel process and relays its
// telemetry streams to local subscribers.
package kernelkeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/kernelkeeper/internal/acquire"
	cfg "github.com/loykin/kernelkeeper/internal/config"
	"github.com/loykin/kernelkeeper/internal/events"
	"github.com/loykin/kernelkeeper/internal/history"
	"github.com/loykin/kernelkeeper/internal/history/factory"
	"github.com/loykin/kernelkeeper/internal/metrics"
	"github.com/loykin/kernelkeeper/internal/process"
	"github.com/loykin/kernelkeeper/internal/relay"
	iapi "github.com/loykin/kernelkeeper/internal/server"
	"github.com/loykin/kernelkeeper/internal/supervisor"
	itls "github.com/loykin/kernelkeeper/internal/tls"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Status = supervisor.Status

type State = supervisor.State

type Details = process.Details

type Progress = acquire.Progress

type Release = acquire.Release

type SessionHealth = relay.SessionHealth

type HistorySink = history.Sink

var (
	ErrKernelNotFound = supervisor.ErrKernelNotFound
	ErrAlreadyRunning = supervisor.ErrAlreadyRunning
	ErrNotRunning     = supervisor.ErrNotRunning
	ErrStopTimeout    = supervisor.ErrStopTimeout
)

func LoadConfig(path string) (*Config, error) { return cfg.LoadConfig(path) }

// Keeper wires the supervisor, relay, acquisition and event hub built from
// one Config. Construct it once and pass it where needed.
type Keeper struct {
	cfg   *Config
	log   *slog.Logger
	sup   *supervisor.Supervisor
	relay *relay.Relay
	acq   *acquire.Acquirer
	hub   *events.Hub
	sinks []history.Sink
}

type Option func(*options)

type options struct {
	log   *slog.Logger
	sinks []history.Sink
}

// WithLogger overrides the logger built from the [log] section.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithHistorySinks adds sinks next to the ones configured in [history].
func WithHistorySinks(s ...HistorySink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s...) }
}

func New(c *Config, opts ...Option) (*Keeper, error) {
	if c == nil {
		return nil, errors.New("nil config")
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	log := o.log
	if log == nil {
		log = c.Logger().NewSlogger()
	}

	sc, err := c.Supervisor()
	if err != nil {
		return nil, fmt.Errorf("kernel config: %w", err)
	}
	sinks := o.sinks
	if c.History.Enabled {
		configured, err := factory.NewSinks(c.History.Sinks)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, configured...)
	}

	k := &Keeper{
		cfg:   c,
		log:   log,
		sup:   supervisor.New(sc, supervisor.WithLogger(log)),
		acq:   acquire.New(c.Acquirer(), acquire.WithLogger(log)),
		hub:   events.NewHub(events.DefaultBuffer, log),
		sinks: sinks,
	}
	k.sup.SetHistory(sinks...)

	var tokens relay.TokenProvider
	ropts := []relay.Option{relay.WithLogger(log)}
	if c.RelayEndpoint() != "" {
		tokens = relay.StaticToken(c.API.Secret)
	} else {
		ct := relay.ConfigToken{Path: c.KernelConfigPath()}
		tokens = ct
		ropts = append(ropts, relay.WithEndpointResolver(ct.Endpoint))
	}
	k.relay = relay.New(c.Relayer(), tokens, k.hub, ropts...)

	k.sup.OnTransition(k.onTransition)
	return k, nil
}

func (k *Keeper) onTransition(t supervisor.Transition) {
	if err := k.hub.Publish(events.EventKernelStatus, t.Status); err != nil {
		k.log.Debug("kernel status not delivered", "error", err)
	}
	if !k.cfg.Relay.FollowKernel {
		return
	}
	switch {
	case t.To == supervisor.StateRunning:
		if _, err := k.relay.StartAll(context.Background()); err != nil {
			k.log.Warn("relay start after kernel start", "error", err)
		}
	case t.From == supervisor.StateRunning:
		k.relay.Stop()
	}
}

func (k *Keeper) Config() *Config      { return k.cfg }
func (k *Keeper) Logger() *slog.Logger { return k.log }
func (k *Keeper) Events() *events.Hub  { return k.hub }

// Supervisor exposes the kernel supervisor, e.g. to add transition observers.
func (k *Keeper) Supervisor() *supervisor.Supervisor { return k.sup }

func (k *Keeper) Start() error   { return k.sup.Start() }
func (k *Keeper) Stop() error    { return k.sup.Stop() }
func (k *Keeper) Restart() error { return k.sup.Restart() }
func (k *Keeper) Status() Status { return k.sup.Status() }

func (k *Keeper) Details(ctx context.Context) (Details, error) { return k.sup.Details(ctx) }
func (k *Keeper) Version(ctx context.Context) (string, error)  { return k.sup.Version(ctx) }

// Download installs the latest kernel, publishing progress as download-progress
// in addition to calling progress (which may be nil).
func (k *Keeper) Download(ctx context.Context, progress func(Progress)) (string, error) {
	return k.acq.Download(ctx, func(p acquire.Progress) {
		_ = k.hub.Publish(events.EventDownloadProgress, p)
		if progress != nil {
			progress(p)
		}
	})
}

func (k *Keeper) Latest(ctx context.Context) (Release, error) { return k.acq.Latest(ctx) }

// StartRelay starts a new relay session, replacing the current one.
func (k *Keeper) StartRelay(ctx context.Context) (SessionHealth, error) {
	s, err := k.relay.StartAll(ctx)
	return s.Health(), err
}

func (k *Keeper) StopRelay() bool                    { return k.relay.Stop() }
func (k *Keeper) RelayHealth() (SessionHealth, bool) { return k.relay.Health() }

// Handler returns the daemon HTTP API mounted at server.base_path.
func (k *Keeper) Handler() http.Handler {
	return iapi.NewRouter(iapi.Deps{
		Kernel:   k.sup,
		Relay:    k.relay,
		Acquirer: k.acq,
		Hub:      k.hub,
		Logger:   k.log,
	}, k.cfg.Server.BasePath).Handler()
}

// Serve runs the API (and the metrics endpoint when enabled) until ctx is
// done, then closes the Keeper and shuts the servers down.
func (k *Keeper) Serve(ctx context.Context) error {
	tlsConfig, err := itls.Setup(k.cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	srv, err := iapi.NewServer(k.cfg.Server.Listen, k.Handler(), tlsConfig)
	if err != nil {
		return fmt.Errorf("listen %s: %w", k.cfg.Server.Listen, err)
	}
	k.log.Info("api listening", "addr", srv.Addr, "base_path", k.cfg.Server.BasePath, "tls", tlsConfig != nil)

	servers := []*http.Server{srv}
	if k.cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			_ = srv.Close()
			return fmt.Errorf("register metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		msrv, err := iapi.NewServer(k.cfg.Metrics.Listen, mux, nil)
		if err != nil {
			_ = srv.Close()
			return fmt.Errorf("listen %s: %w", k.cfg.Metrics.Listen, err)
		}
		k.log.Info("metrics listening", "addr", msrv.Addr)
		servers = append(servers, msrv)
	}

	<-ctx.Done()
	k.log.Info("shutting down")
	errs := []error{k.Close()}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range servers {
		errs = append(errs, s.Shutdown(sctx))
	}
	return errors.Join(errs...)
}

// Close stops the relay and the kernel, ends event streams and releases
// history sinks.
func (k *Keeper) Close() error {
	k.relay.Stop()
	err := k.sup.Shutdown()
	k.hub.Close()
	k.acq.Close()
	return errors.Join(err, history.CloseAll(k.sinks))
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
