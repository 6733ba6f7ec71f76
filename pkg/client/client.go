package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
)

const DefaultBaseURL = "http://127.0.0.1:9530/api"

// Client talks to the kernelkeeper daemon API.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *resty.Client
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration // per request; downloads and Watch are bounded by ctx only
	Logger   *slog.Logger  // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	rc := resty.New().
		SetBaseURL(config.BaseURL).
		SetHeader("Accept", "application/json")
	dialer := *websocket.DefaultDialer

	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			rc.SetTLSClientConfig(tlsConfig)
			dialer.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		timeout: config.Timeout,
		http:    rc,
		dialer:  &dialer,
		logger:  config.Logger,
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Status(ctx, false)
	var apiErr *APIError
	reachable := err == nil || (errors.As(err, &apiErr) && apiErr.StatusCode != http.StatusNotFound)
	c.logger.Debug("Daemon reachability check", "reachable", reachable, "error", err)
	return reachable
}

func (c *Client) Start(ctx context.Context) (Status, error) {
	var st Status
	return st, c.do(ctx, http.MethodPost, "/kernel/start", nil, &st)
}

func (c *Client) Stop(ctx context.Context) (Status, error) {
	var st Status
	return st, c.do(ctx, http.MethodPost, "/kernel/stop", nil, &st)
}

func (c *Client) Restart(ctx context.Context) (Status, error) {
	var st Status
	return st, c.do(ctx, http.MethodPost, "/kernel/restart", nil, &st)
}

// Status returns the kernel status; detail adds process details when running.
func (c *Client) Status(ctx context.Context, detail bool) (Status, error) {
	var q url.Values
	if detail {
		q = url.Values{"detail": {"1"}}
	}
	var st Status
	return st, c.do(ctx, http.MethodGet, "/kernel/status", q, &st)
}

func (c *Client) Version(ctx context.Context) (Version, error) {
	var v Version
	return v, c.do(ctx, http.MethodGet, "/kernel/version", nil, &v)
}

func (c *Client) Latest(ctx context.Context) (Latest, error) {
	var l Latest
	return l, c.do(ctx, http.MethodGet, "/kernel/latest", nil, &l)
}

// Download asks the daemon to install the latest kernel. Progress is published
// on the event stream; see Watch.
func (c *Client) Download(ctx context.Context) (Download, error) {
	var d Download
	return d, c.exec(ctx, http.MethodPost, "/kernel/download", nil, &d)
}

func (c *Client) RelayStart(ctx context.Context) (RelayStart, error) {
	var r RelayStart
	return r, c.do(ctx, http.MethodPost, "/relay/start", nil, &r)
}

func (c *Client) RelayStop(ctx context.Context) (bool, error) {
	var r struct {
		Stopped bool `json:"stopped"`
	}
	err := c.do(ctx, http.MethodPost, "/relay/stop", nil, &r)
	return r.Stopped, err
}

func (c *Client) RelayStatus(ctx context.Context) (RelayStatus, error) {
	var r RelayStatus
	return r, c.do(ctx, http.MethodGet, "/relay/status", nil, &r)
}

// Watch streams daemon events over the WebSocket endpoint until ctx is done,
// the server closes the stream, or fn returns an error. Names filter the
// events; none means all.
func (c *Client) Watch(ctx context.Context, names []string, fn func(Event) error) error {
	u, err := c.wsURL("/ws")
	if err != nil {
		return err
	}
	if len(names) > 0 {
		u += "?events=" + url.QueryEscape(strings.Join(names, ","))
	}
	conn, resp, err := c.dialer.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("connect %s: %w", u, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() { _ = conn.Close() }()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func (c *Client) wsURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// do performs a request bounded by the client timeout.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.exec(ctx, method, path, query, out)
}

func (c *Client) exec(ctx context.Context, method, path string, query url.Values, out any) error {
	req := c.http.R().
		SetContext(ctx).
		SetError(&ErrorResponse{})
	if out != nil {
		req.SetResult(out)
	}
	if len(query) > 0 {
		req.SetQueryParamsFromValues(query)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "method", method, "path", path)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return c.apiError(resp)
	}
	return nil
}

func (c *Client) apiError(resp *resty.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode(), Message: resp.Status()}
	if e, ok := resp.Error().(*ErrorResponse); ok && e.Error != "" {
		apiErr.Message = e.Error
		apiErr.Instructions = e.Instructions
	} else if body := resp.Body(); len(body) > 0 {
		var er ErrorResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			apiErr.Message = er.Error
			apiErr.Instructions = er.Instructions
		}
	}
	c.logger.Debug("API request failed", "error", apiErr.Message, "status", apiErr.StatusCode)
	return apiErr
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}
