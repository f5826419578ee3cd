// Package rpcproxy reverse-proxies JSON-RPC traffic to whichever backend
// the routing table names for the transaction's decoded `to` address,
// falling back to a configured default backend.
package rpcproxy

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethproofgate/relayproxy/rlp"
)

// ErrUpstreamUnreachable maps to a 502 response.
var ErrUpstreamUnreachable = errors.New("rpcproxy: upstream unreachable")

// ErrUpstreamTimeout maps to a 504 response.
var ErrUpstreamTimeout = errors.New("rpcproxy: upstream timeout")

// DefaultForwardTimeout is the per-request deadline applied to each
// upstream forward, per spec.md §4.8.
const DefaultForwardTimeout = 30 * time.Second

// TargetResolver is the subset of store.Store the dispatcher needs to look
// up an installed backend by contract address.
type TargetResolver interface {
	GetTarget(addr string) (string, bool)
}

// Dispatcher is an HTTP handler that decodes the raw transaction out of a
// JSON-RPC request body, resolves a backend by its `to` address, and
// reverse-proxies the request there with its method, path, query and body
// unchanged. Headers are not all kept: the director rewrites Host and
// removes X-Forwarded-For, X-Forwarded-Host, X-Forwarded-Proto, X-Real-Ip,
// Forwarded, Via and Authorization.
type Dispatcher struct {
	resolver       TargetResolver
	defaultBackend *url.URL
	timeout        time.Duration

	mu      sync.RWMutex
	proxies map[string]*httputil.ReverseProxy
}

// NewDispatcher builds a Dispatcher. defaultBackend is used whenever the
// body carries no decodable transaction or no route is installed for the
// decoded address.
func NewDispatcher(resolver TargetResolver, defaultBackend string, timeout time.Duration) (*Dispatcher, error) {
	target, err := url.Parse(defaultBackend)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultForwardTimeout
	}
	return &Dispatcher{
		resolver:       resolver,
		defaultBackend: target,
		timeout:        timeout,
		proxies:        make(map[string]*httputil.ReverseProxy),
	}, nil
}

// ServeHTTP implements http.Handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, `{"error":"Proxy Error"}`, http.StatusBadGateway)
		return
	}
	req.Body.Close()

	backend := d.defaultBackend
	if toAddr, ok := extractToAddr(body); ok {
		if resolved, found := d.resolver.GetTarget(toAddr); found {
			if parsed, parseErr := url.Parse(resolved); parseErr == nil {
				backend = parsed
			}
		}
	}

	proxy := d.proxyFor(backend)

	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))

	ctx, cancel := context.WithTimeout(req.Context(), d.timeout)
	defer cancel()
	proxy.ServeHTTP(w, req.WithContext(ctx))
}

// proxyFor returns a cached reverse proxy for target's full URL, building one
// the first time it is seen.
func (d *Dispatcher) proxyFor(target *url.URL) *httputil.ReverseProxy {
	d.mu.RLock()
	p, ok := d.proxies[target.String()]
	d.mu.RUnlock()
	if ok {
		return p
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.proxies[target.String()]; ok {
		return p
	}
	p = newReverseProxy(target)
	d.proxies[target.String()] = p
	return p
}

func newReverseProxy(target *url.URL) *httputil.ReverseProxy {
	rp := httputil.NewSingleHostReverseProxy(target)

	base := rp.Director
	rp.Director = func(req *http.Request) {
		base(req)
		req.Header.Del("X-Forwarded-For")
		req.Header.Del("X-Forwarded-Host")
		req.Header.Del("X-Forwarded-Proto")
		req.Header.Del("X-Real-Ip")
		req.Header.Del("Forwarded")
		req.Header.Del("Via")
		req.Header.Del("Authorization")
		req.Host = target.Host
	}

	rp.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		if errors.Is(req.Context().Err(), context.DeadlineExceeded) {
			slog.Error("rpcproxy: upstream timeout", "backend", target.String(), "err", err)
			http.Error(w, `{"error":"Proxy Timeout"}`, http.StatusGatewayTimeout)
			return
		}
		slog.Error("rpcproxy: upstream unreachable", "backend", target.String(), "err", err)
		http.Error(w, `{"error":"Proxy Error"}`, http.StatusBadGateway)
	}

	return rp
}

// requestProbe matches the field names spec.md §4.8 names as carrying a
// raw transaction: {params|raw|data|transaction}.
type requestProbe struct {
	Params      []json.RawMessage `json:"params"`
	Raw         string            `json:"raw"`
	Data        string            `json:"data"`
	Transaction string            `json:"transaction"`
}

// extractToAddr inspects a JSON-RPC request body for a raw transaction hex
// string and decodes its `to` field. Returns ok=false whenever the body is
// not JSON, carries no recognized field, or the transaction is
// undecodable — callers fall back to the default backend in all such
// cases, per spec.md §4.8's failure mode.
func extractToAddr(body []byte) (string, bool) {
	var probe requestProbe
	if err := json.Unmarshal(body, &probe); err != nil {
		return "", false
	}

	rawHex := probe.Raw
	if rawHex == "" {
		rawHex = probe.Data
	}
	if rawHex == "" {
		rawHex = probe.Transaction
	}
	if rawHex == "" && len(probe.Params) > 0 {
		var first string
		if err := json.Unmarshal(probe.Params[0], &first); err == nil {
			rawHex = first
		}
	}
	if rawHex == "" {
		return "", false
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(rawHex, "0x"))
	if err != nil {
		return "", false
	}

	to, absent, err := rlp.ExtractTo(raw)
	if err != nil || absent {
		return "", false
	}
	return hex.EncodeToString(to), true
}
