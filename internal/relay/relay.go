package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultQueueSize        = 32
	DefaultHandshakeTimeout = 10 * time.Second
)

// Config for a Relay.
type Config struct {
	Endpoint         string  // base stream endpoint, e.g. ws://127.0.0.1:9090
	Topics           []Topic // defaults to Topics
	QueueSize        int
	HandshakeTimeout time.Duration
}

// Relay launches sessions of relay channels. At most one session is current;
// starting a new one stops the previous one first.
type Relay struct {
	cfg    Config
	tokens TokenProvider
	sink   Sink
	log    *slog.Logger

	dialer  *websocket.Dialer
	resolve func() (string, error)

	mu  sync.Mutex
	cur *Session
}

type Option func(*Relay)

func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.log = l
		}
	}
}

// WithEndpointResolver resolves the base endpoint on every StartAll instead of
// using Config.Endpoint.
func WithEndpointResolver(fn func() (string, error)) Option {
	return func(r *Relay) { r.resolve = fn }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(r *Relay) {
		if d != nil {
			r.dialer = d
		}
	}
}

func New(cfg Config, tokens TokenProvider, sink Sink, opts ...Option) *Relay {
	if len(cfg.Topics) == 0 {
		cfg.Topics = Topics
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	r := &Relay{
		cfg:    cfg,
		tokens: tokens,
		sink:   sink,
		log:    slog.Default(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With("component", "relay")
	return r
}

// StartAll stops the current session, then launches one channel per topic and
// returns without waiting for any connection. Each launch is independent: the
// returned error joins a *LaunchError per channel that could not be launched,
// while the others keep running in the returned session.
func (r *Relay) StartAll(ctx context.Context) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cur != nil {
		r.cur.Stop()
		r.cur = nil
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		id:        uuid.NewString(),
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	endpoint, eerr := r.endpoint()

	var errs []error
	for _, topic := range r.cfg.Topics {
		var (
			ch  *Channel
			err = eerr
		)
		if err == nil {
			ch, err = r.launch(ctx, endpoint, topic)
		}
		if err != nil {
			lerr := &LaunchError{Topic: topic, Err: err}
			r.log.Warn("relay launch failed", "topic", string(topic), "error", err)
			errs = append(errs, lerr)
			s.channels = append(s.channels, failedChannel(topic, lerr))
			continue
		}
		s.channels = append(s.channels, ch)
		s.group.Go(func() error { return ch.Run(sctx) })
	}
	go func() {
		s.err = s.group.Wait()
		close(s.done)
	}()

	r.cur = s
	r.log.Info("relay session started", "session", s.id, "channels", len(s.channels), "failed", len(errs))
	return s, errors.Join(errs...)
}

func (r *Relay) endpoint() (string, error) {
	if r.resolve != nil {
		return r.resolve()
	}
	return r.cfg.Endpoint, nil
}

// launch captures the token for one channel and builds its stream URL.
func (r *Relay) launch(ctx context.Context, endpoint string, topic Topic) (*Channel, error) {
	token, err := r.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	u, err := StreamURL(endpoint, topic, token)
	if err != nil {
		return nil, err
	}
	return newChannel(topic, u, r.sink, r.dialer, r.cfg.QueueSize, r.log), nil
}

// Stop stops the current session. It reports whether one was running.
func (r *Relay) Stop() bool {
	r.mu.Lock()
	s := r.cur
	r.cur = nil
	r.mu.Unlock()
	if s == nil {
		return false
	}
	s.Stop()
	r.log.Info("relay session stopped", "session", s.id)
	return true
}

// Session returns the current session, or nil.
func (r *Relay) Session() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur
}

// Health reports the current session; ok is false when there is none.
func (r *Relay) Health() (SessionHealth, bool) {
	s := r.Session()
	if s == nil {
		return SessionHealth{}, false
	}
	return s.Health(), true
}

// Session is the cancellation scope of one StartAll: it owns every reader and
// forwarder it launched and records how each channel ended.
type Session struct {
	id        string
	startedAt time.Time
	cancel    context.CancelFunc
	group     errgroup.Group
	channels  []*Channel
	done      chan struct{}
	err       error
	stopOnce  sync.Once
}

// SessionHealth is a snapshot of a session.
type SessionHealth struct {
	ID        string          `json:"id"`
	StartedAt time.Time       `json:"started_at"`
	Active    bool            `json:"active"`
	Channels  []ChannelHealth `json:"channels"`
}

func (s *Session) ID() string { return s.id }

// Stop cancels all channels, closing their stream connections, and waits for
// every task to end.
func (s *Session) Stop() {
	s.stopOnce.Do(s.cancel)
	<-s.done
}

// Done is closed when every task of the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the first channel error once Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Channels returns the session's channels in launch order.
func (s *Session) Channels() []*Channel {
	return append([]*Channel(nil), s.channels...)
}

func (s *Session) Health() SessionHealth {
	h := SessionHealth{ID: s.id, StartedAt: s.startedAt, Active: true}
	select {
	case <-s.done:
		h.Active = false
	default:
	}
	for _, c := range s.channels {
		h.Channels = append(h.Channels, c.Health())
	}
	return h
}
