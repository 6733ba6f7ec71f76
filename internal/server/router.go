package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/kernelkeeper/internal/acquire"
	"github.com/loykin/kernelkeeper/internal/events"
	"github.com/loykin/kernelkeeper/internal/kernel"
	"github.com/loykin/kernelkeeper/internal/process"
	"github.com/loykin/kernelkeeper/internal/relay"
	"github.com/loykin/kernelkeeper/internal/supervisor"
)

// Kernel is the lifecycle surface of the supervisor.
type Kernel interface {
	Start() error
	Stop() error
	Restart() error
	Status() supervisor.Status
	Details(ctx context.Context) (process.Details, error)
	Version(ctx context.Context) (string, error)
}

type Relay interface {
	StartAll(ctx context.Context) (*relay.Session, error)
	Stop() bool
	Health() (relay.SessionHealth, bool)
}

type Acquirer interface {
	Download(ctx context.Context, progress acquire.ProgressFunc) (string, error)
	Latest(ctx context.Context) (acquire.Release, error)
}

// Deps are the components served by the router. Nil components answer 503.
type Deps struct {
	Kernel   Kernel
	Relay    Relay
	Acquirer Acquirer
	Hub      *events.Hub
	Logger   *slog.Logger
}

// Router provides embeddable HTTP handlers for the kernel daemon.
// Endpoints (relative to basePath):
//
//	POST /kernel/start|stop|restart
//	GET  /kernel/status          ?detail=1 adds OS process details
//	GET  /kernel/version
//	POST /kernel/download        progress is emitted as download-progress
//	GET  /kernel/latest
//	POST /relay/start|stop
//	GET  /relay/status
//	GET  /events                 Server-Sent Events, ?events=a,b
//	GET  /ws                     WebSocket, JSON frames
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	deps     Deps
	basePath string
	log      *slog.Logger

	downloading sync.Mutex
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(deps Deps, basePath string) *Router {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{deps: deps, basePath: sanitizeBase(basePath), log: log}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g.Group(r.basePath))
	return g
}

// Register adds the routes to an existing gin group.
func (r *Router) Register(group *gin.RouterGroup) {
	k := group.Group("/kernel", r.require(r.deps.Kernel != nil, "kernel"))
	k.POST("/start", r.handleStart)
	k.POST("/stop", r.handleStop)
	k.POST("/restart", r.handleRestart)
	k.GET("/status", r.handleStatus)
	k.GET("/version", r.handleVersion)

	a := group.Group("/kernel", r.require(r.deps.Acquirer != nil, "acquisition"))
	a.POST("/download", r.handleDownload)
	a.GET("/latest", r.handleLatest)

	rl := group.Group("/relay", r.require(r.deps.Relay != nil, "relay"))
	rl.POST("/start", r.handleRelayStart)
	rl.POST("/stop", r.handleRelayStop)
	rl.GET("/status", r.handleRelayStatus)

	if r.deps.Hub != nil {
		group.GET("/events", r.deps.Hub.SSE())
		group.GET("/ws", r.deps.Hub.WS())
	}
}

func (r *Router) require(ok bool, what string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ok {
			writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: what + " is not configured"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// NewServer listens on addr and serves h in the background, over TLS when
// tlsConfig is non-nil. The returned server's Addr is the bound address.
func NewServer(addr string, h http.Handler, tlsConfig *tls.Config) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           h,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no WriteTimeout: /events and /ws are long-lived streams
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		if tlsConfig != nil {
			_ = server.ServeTLS(ln, "", "")
			return
		}
		_ = server.Serve(ln)
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error        string `json:"error"`
	Instructions string `json:"instructions,omitempty"`
}

type statusResp struct {
	supervisor.Status
	Details *process.Details `json:"details,omitempty"`
}

type versionResp struct {
	Version string `json:"version"`
	Raw     string `json:"raw"`
}

type downloadResp struct {
	Path string `json:"path"`
}

type latestResp struct {
	Latest          string `json:"latest"`
	Tag             string `json:"tag"`
	Installed       string `json:"installed,omitempty"`
	UpdateAvailable bool   `json:"update_available"`
}

type relayStartResp struct {
	Session relay.SessionHealth `json:"session"`
	Errors  []string            `json:"errors,omitempty"`
}

type relayStatusResp struct {
	Running bool                 `json:"running"`
	Session *relay.SessionHealth `json:"session,omitempty"`
}

type relayStopResp struct {
	Stopped bool `json:"stopped"`
}

func (r *Router) lifecycle(op func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := op(); err != nil {
			writeError(c, err)
			return
		}
		writeJSON(c, http.StatusOK, r.deps.Kernel.Status())
	}
}

func (r *Router) handleStart(c *gin.Context)   { r.lifecycle(r.deps.Kernel.Start)(c) }
func (r *Router) handleStop(c *gin.Context)    { r.lifecycle(r.deps.Kernel.Stop)(c) }
func (r *Router) handleRestart(c *gin.Context) { r.lifecycle(r.deps.Kernel.Restart)(c) }

func (r *Router) handleStatus(c *gin.Context) {
	resp := statusResp{Status: r.deps.Kernel.Status()}
	if isTrue(c.Query("detail")) && resp.PID != nil {
		if d, err := r.deps.Kernel.Details(c.Request.Context()); err == nil {
			resp.Details = &d
		} else {
			r.log.Debug("kernel details unavailable", "error", err)
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleVersion(c *gin.Context) {
	out, err := r.deps.Kernel.Version(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, versionResp{Version: kernel.ParseVersion(out), Raw: out})
}

func (r *Router) handleDownload(c *gin.Context) {
	if !r.downloading.TryLock() {
		writeJSON(c, http.StatusConflict, errorResp{Error: "a kernel download is already in progress"})
		return
	}
	defer r.downloading.Unlock()

	path, err := r.deps.Acquirer.Download(c.Request.Context(), func(p acquire.Progress) {
		if r.deps.Hub == nil {
			return
		}
		if err := r.deps.Hub.Publish(events.EventDownloadProgress, p); err != nil {
			r.log.Debug("download progress not delivered", "error", err)
		}
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, downloadResp{Path: path})
}

func (r *Router) handleLatest(c *gin.Context) {
	rel, err := r.deps.Acquirer.Latest(c.Request.Context())
	if err != nil {
		writeError(c, &acquire.Error{Stage: acquire.StageChecking, Err: err})
		return
	}
	resp := latestResp{Latest: rel.Version(), Tag: rel.TagName, UpdateAvailable: true}
	if r.deps.Kernel != nil {
		if out, err := r.deps.Kernel.Version(c.Request.Context()); err == nil {
			resp.Installed = kernel.ParseVersion(out)
			resp.UpdateAvailable = kernel.CompareVersions(resp.Installed, resp.Latest) < 0
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleRelayStart(c *gin.Context) {
	sess, err := r.deps.Relay.StartAll(c.Request.Context())
	resp := relayStartResp{Session: sess.Health()}
	if err != nil {
		var le *relay.LaunchError
		for _, e := range unjoin(err) {
			if errors.As(e, &le) {
				resp.Errors = append(resp.Errors, le.Error())
			}
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleRelayStop(c *gin.Context) {
	writeJSON(c, http.StatusOK, relayStopResp{Stopped: r.deps.Relay.Stop()})
}

func (r *Router) handleRelayStatus(c *gin.Context) {
	h, ok := r.deps.Relay.Health()
	resp := relayStatusResp{Running: ok && h.Active}
	if ok {
		resp.Session = &h
	}
	writeJSON(c, http.StatusOK, resp)
}

func unjoin(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}
