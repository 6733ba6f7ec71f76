package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/kernelkeeper/internal/metrics"
)

// ChannelState is the connection state of one relay channel.
type ChannelState string

const (
	ChannelIdle       ChannelState = "idle"
	ChannelConnecting ChannelState = "connecting"
	ChannelStreaming  ChannelState = "streaming"
	ChannelClosed     ChannelState = "closed"
	ChannelFailed     ChannelState = "failed"
)

// ChannelHealth is a snapshot of a channel for operators and tests.
type ChannelHealth struct {
	Topic     Topic        `json:"topic"`
	State     ChannelState `json:"state"`
	Error     string       `json:"error,omitempty"`
	Received  uint64       `json:"received"`
	Forwarded uint64       `json:"forwarded"`
	Skipped   uint64       `json:"skipped"`
	Queued    int          `json:"queued"`
}

// Channel bridges one kernel topic to the sink: a reader decodes stream
// messages into a bounded queue and a forwarder emits them in order.
type Channel struct {
	topic  Topic
	url    string
	sink   Sink
	dialer *websocket.Dialer
	queue  *queue
	log    *slog.Logger

	mu    sync.Mutex
	state ChannelState
	err   error

	received  atomic.Uint64
	forwarded atomic.Uint64
	skipped   atomic.Uint64
}

// StreamURL builds endpoint/topic?token=<token>. The endpoint must be a ws or
// wss URL with a host.
func StreamURL(endpoint string, topic Topic, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid endpoint %q: scheme must be ws or wss", endpoint)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid endpoint %q: missing host", endpoint)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + string(topic)
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func newChannel(topic Topic, streamURL string, sink Sink, dialer *websocket.Dialer, queueSize int, log *slog.Logger) *Channel {
	return &Channel{
		topic:  topic,
		url:    streamURL,
		sink:   sink,
		dialer: dialer,
		queue:  newQueue(queueSize),
		log:    log.With("topic", string(topic)),
		state:  ChannelIdle,
	}
}

// failedChannel records a launch failure so it shows up in session health.
func failedChannel(topic Topic, err error) *Channel {
	return &Channel{topic: topic, state: ChannelFailed, err: err}
}

func (c *Channel) Topic() Topic { return c.topic }

func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err is the termination reason: nil while running or after a clean close.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Channel) Health() ChannelHealth {
	c.mu.Lock()
	h := ChannelHealth{Topic: c.topic, State: c.state}
	if c.err != nil {
		h.Error = c.err.Error()
	}
	c.mu.Unlock()
	h.Received = c.received.Load()
	h.Forwarded = c.forwarded.Load()
	h.Skipped = c.skipped.Load()
	if c.queue != nil {
		h.Queued = c.queue.len()
	}
	return h
}

func (c *Channel) setState(s ChannelState, err error) {
	c.mu.Lock()
	c.state = s
	if err != nil {
		c.err = err
	}
	c.mu.Unlock()
}

// Run connects, then reads and forwards until the stream ends or ctx is
// cancelled. A close frame or cancellation is a clean stop (nil). A failed
// connect returns *ConnectError, a transport error *StreamError. There is no
// reconnect.
func (c *Channel) Run(ctx context.Context) error {
	c.setState(ChannelConnecting, nil)
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if ctx.Err() != nil {
			c.setState(ChannelClosed, nil)
			c.finish()
			return nil
		}
		cerr := &ConnectError{Topic: c.topic, Err: err}
		c.log.Warn("relay connect failed", "error", err)
		c.setState(ChannelFailed, cerr)
		c.finish()
		return cerr
	}
	c.setState(ChannelStreaming, nil)
	c.log.Debug("relay streaming")

	var g errgroup.Group
	g.Go(func() error {
		defer c.queue.close()
		return c.read(ctx, conn)
	})
	g.Go(func() error {
		c.forward(ctx)
		return nil
	})
	err = g.Wait()
	c.finish()
	return err
}

func (c *Channel) finish() {
	metrics.IncRelayChannelEnd(string(c.topic), string(c.State()))
}

func (c *Channel) read(ctx context.Context, conn *websocket.Conn) error {
	// unblock ReadMessage on cancellation
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() { _ = conn.Close() }()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				c.setState(ChannelClosed, nil)
				return nil
			}
			// 1006 is synthesized by the client for a dropped connection, not sent by the peer
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
				c.log.Debug("relay stream closed by kernel", "code", ce.Code)
				c.setState(ChannelClosed, nil)
				return nil
			}
			serr := &StreamError{Topic: c.topic, Err: err}
			c.log.Error("relay stream read failed", "error", err)
			c.setState(ChannelFailed, serr)
			return serr
		}
		if mt != websocket.TextMessage {
			continue
		}
		c.received.Add(1)
		// json.Valid accepts invalid UTF-8 inside strings
		if !utf8.Valid(data) || !json.Valid(data) {
			c.skipped.Add(1)
			metrics.IncRelayDecodeSkipped(string(c.topic))
			continue
		}
		if err := c.queue.push(ctx, Event{Topic: c.topic, Payload: data}); err != nil {
			c.setState(ChannelClosed, nil)
			return nil
		}
	}
}

func (c *Channel) forward(ctx context.Context) {
	name := c.topic.EventName()
	for {
		ev, ok := c.queue.pop(ctx)
		if !ok {
			return
		}
		if err := c.sink.Emit(ctx, name, ev.Payload); err != nil {
			metrics.IncRelayEmitFailure(string(c.topic))
			c.log.Debug("relay emit failed", "event", name, "error", err)
			continue
		}
		c.forwarded.Add(1)
		metrics.IncRelayForwarded(string(c.topic))
	}
}
