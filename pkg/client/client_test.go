package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/kernelkeeper/internal/events"
)

func jsonHandler(code int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}
}

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/api/", Timeout: 2 * time.Second})
}

func TestLifecycleCalls(t *testing.T) {
	var methods []string
	mux := http.NewServeMux()
	for _, op := range []string{"start", "stop", "restart"} {
		mux.HandleFunc("/api/kernel/"+op, func(w http.ResponseWriter, r *http.Request) {
			methods = append(methods, r.Method+" "+r.URL.Path)
			jsonHandler(200, `{"status":"running","pid":77,"last_error":null}`)(w, r)
		})
	}
	c := newTestClient(t, mux)
	ctx := context.Background()

	st, err := c.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, "running", st.Status)
	require.NotNil(t, st.PID)
	assert.Equal(t, 77, *st.PID)
	assert.Nil(t, st.LastError)

	_, err = c.Stop(ctx)
	require.NoError(t, err)
	_, err = c.Restart(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"POST /api/kernel/start", "POST /api/kernel/stop", "POST /api/kernel/restart",
	}, methods)
}

func TestStatusDetailQuery(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/kernel/status", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("detail") == "1" {
			jsonHandler(200, `{"status":"running","pid":5,"last_error":null,"details":{"rss_bytes":2048,"created_at":"2024-05-01T12:00:00Z"}}`)(w, r)
			return
		}
		jsonHandler(200, `{"status":"crashed","pid":null,"last_error":"kernel exited unexpectedly: exit status 1"}`)(w, r)
	})
	c := newTestClient(t, mux)

	st, err := c.Status(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "crashed", st.Status)
	assert.Nil(t, st.PID)
	require.NotNil(t, st.LastError)
	assert.Contains(t, *st.LastError, "unexpectedly")
	assert.Nil(t, st.Details)

	st, err = c.Status(context.Background(), true)
	require.NoError(t, err)
	require.NotNil(t, st.Details)
	assert.Equal(t, uint64(2048), st.Details.RSSBytes)
}

func TestAPIErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/kernel/start", jsonHandler(404, `{"error":"kernel binary not found"}`))
	mux.HandleFunc("/api/kernel/download", jsonHandler(502, `{"error":"no matching asset","instructions":"1. open ..."}`))
	mux.HandleFunc("/api/kernel/stop", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	})
	c := newTestClient(t, mux)

	_, err := c.Start(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "kernel binary not found", apiErr.Message)
	assert.Equal(t, "API error (404): kernel binary not found", err.Error())

	_, err = c.Download(context.Background())
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "1. open ...", apiErr.Instructions)

	_, err = c.Stop(context.Background())
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "500")
}

func TestVersionLatestAndRelay(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/kernel/version", jsonHandler(200, `{"version":"1.9.3","raw":"sing-box version 1.9.3\n"}`))
	mux.HandleFunc("/api/kernel/latest", jsonHandler(200, `{"latest":"1.10.0","tag":"v1.10.0","installed":"1.9.3","update_available":true}`))
	mux.HandleFunc("/api/relay/start", jsonHandler(200, `{"session":{"id":"abc","active":true,"channels":[{"topic":"traffic","state":"connecting"}]},"errors":["relay memory: launch failed"]}`))
	mux.HandleFunc("/api/relay/stop", jsonHandler(200, `{"stopped":true}`))
	mux.HandleFunc("/api/relay/status", jsonHandler(200, `{"running":false}`))
	c := newTestClient(t, mux)
	ctx := context.Background()

	v, err := c.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.9.3", v.Version)

	l, err := c.Latest(ctx)
	require.NoError(t, err)
	assert.True(t, l.UpdateAvailable)
	assert.Equal(t, "v1.10.0", l.Tag)

	rs, err := c.RelayStart(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", rs.Session.ID)
	require.Len(t, rs.Session.Channels, 1)
	assert.Equal(t, "traffic", rs.Session.Channels[0].Topic)
	assert.Len(t, rs.Errors, 1)

	stopped, err := c.RelayStop(ctx)
	require.NoError(t, err)
	assert.True(t, stopped)

	st, err := c.RelayStatus(ctx)
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Nil(t, st.Session)
}

func TestTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/kernel/status", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL + "/api", Timeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := c.Status(context.Background(), false)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestIsReachable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/kernel/status", jsonHandler(200, `{"status":"stopped","pid":null,"last_error":null}`))
	c := newTestClient(t, mux)
	assert.True(t, c.IsReachable(context.Background()))

	empty := newTestClient(t, http.NewServeMux())
	assert.False(t, empty.IsReachable(context.Background()))

	down := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: time.Second})
	assert.False(t, down.IsReachable(context.Background()))
}

func TestWSURL(t *testing.T) {
	u, err := New(Config{BaseURL: "http://localhost:9530/api"}).wsURL("/ws")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:9530/api/ws", u)

	u, err = New(Config{BaseURL: "https://kk.example/api"}).wsURL("/ws")
	require.NoError(t, err)
	assert.Equal(t, "wss://kk.example/api/ws", u)

	_, err = New(Config{BaseURL: "ftp://x"}).wsURL("/ws")
	require.Error(t, err)
}

func hubServer(t *testing.T) (*events.Hub, *Client) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := events.NewHub(8, nil)
	g := gin.New()
	g.GET("/api/ws", hub.WS())
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return hub, New(Config{BaseURL: srv.URL + "/api"})
}

func TestWatchDeliversFilteredEvents(t *testing.T) {
	hub, c := hubServer(t)
	defer hub.Close()

	errEnough := errors.New("enough")
	var got []Event
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(context.Background(), []string{"traffic-data"}, func(ev Event) error {
			got = append(got, ev)
			if len(got) == 2 {
				return errEnough
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Publish("memory-data", map[string]int{"inuse": 1}))
	require.NoError(t, hub.Publish("traffic-data", map[string]int{"up": 1}))
	require.NoError(t, hub.Publish("traffic-data", map[string]int{"up": 2}))

	select {
	case err := <-done:
		require.ErrorIs(t, err, errEnough)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not return")
	}
	require.Len(t, got, 2)
	assert.Equal(t, "traffic-data", got[0].Event)
	assert.JSONEq(t, `{"up":1}`, string(got[0].Payload))
	assert.JSONEq(t, `{"up":2}`, string(got[1].Payload))
}

func TestWatchEndsWhenHubCloses(t *testing.T) {
	hub, c := hubServer(t)

	done := make(chan error, 1)
	go func() {
		done <- c.Watch(context.Background(), nil, func(Event) error { return nil })
	}()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not return")
	}
}

func TestWatchCancel(t *testing.T) {
	hub, c := hubServer(t)
	defer hub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, nil, func(Event) error { return nil })
	}()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not return")
	}
}

func TestWatchConnectError(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1/api"})
	err := c.Watch(context.Background(), nil, func(Event) error { return nil })
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "connect ws://127.0.0.1:1/api/ws"))
}
