package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/kernelkeeper/internal/jsonconfig"
)

// TokenProvider supplies the access token for the kernel's streaming endpoint.
// It is consulted once per connect; an open channel keeps its token.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

var (
	clashAPIPath   = []string{"experimental", "clash_api"}
	secretPath     = append(append([]string(nil), clashAPIPath...), "secret")
	controllerPath = append(append([]string(nil), clashAPIPath...), "external_controller")
)

// ConfigToken reads experimental.clash_api.secret from the kernel's config file
// on every call. A config without a secret yields an empty token.
type ConfigToken struct {
	Path string
}

func (c ConfigToken) Token(context.Context) (string, error) {
	doc, err := jsonconfig.Load(c.Path)
	if err != nil {
		return "", err
	}
	v, err := doc.Get(secretPath...)
	if errors.Is(err, jsonconfig.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: secret is %T, not a string", c.Path, v)
	}
	return s, nil
}

// Endpoint returns ws://<external_controller> from the kernel config.
func (c ConfigToken) Endpoint() (string, error) {
	doc, err := jsonconfig.Load(c.Path)
	if err != nil {
		return "", err
	}
	v, err := doc.Get(controllerPath...)
	if err != nil {
		return "", err
	}
	addr, ok := v.(string)
	if !ok || strings.TrimSpace(addr) == "" {
		return "", fmt.Errorf("%s: external_controller is not set", c.Path)
	}
	addr = strings.TrimSpace(addr)
	// a wildcard listen address is reachable on loopback
	if strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "127.0.0.1:" + strings.TrimPrefix(addr, "0.0.0.0:")
	} else if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "ws://" + addr, nil
}
