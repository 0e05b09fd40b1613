package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klyr/klyr/internal/config"
	"github.com/klyr/klyr/internal/decision"
	"github.com/klyr/klyr/internal/inspect"
	"github.com/klyr/klyr/internal/request"
)

const (
	defaultMaxReadBytes = 1 << 20
	defaultTimeout      = 5 * time.Second
	requestIDHeader     = "X-Request-Id"
)

var errBodyTooLarge = errors.New("request body too large")

// Gateway inspects every request and either answers it with the decided
// action or proxies it to the route's upstream.
type Gateway struct {
	inspector    *inspect.Inspector
	store        *config.Store
	proxies      map[string]*httputil.ReverseProxy
	maxReadBytes int64
	timeout      time.Duration
	logger       *slog.Logger
}

// New builds proxies for the upstreams of the active configuration.
// Upstream changes take effect on the next New.
func New(store *config.Store, ins *inspect.Inspector) (*Gateway, error) {
	if store == nil || ins == nil {
		return nil, errors.New("config store and inspector are required")
	}

	type settings struct {
		upstreams    []config.Upstream
		maxReadBytes int64
		timeout      time.Duration
	}
	s, ok := config.With(store, func(cfg *config.Config) settings {
		return settings{
			upstreams:    append([]config.Upstream(nil), cfg.Upstreams...),
			maxReadBytes: cfg.Server.MaxReadBytes,
			timeout:      cfg.Server.Timeout,
		}
	})
	if !ok {
		return nil, errors.New("no configuration loaded")
	}
	if s.maxReadBytes <= 0 {
		s.maxReadBytes = defaultMaxReadBytes
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}

	transport := newTransport(s.timeout)
	proxies := make(map[string]*httputil.ReverseProxy, len(s.upstreams))
	for _, upstream := range s.upstreams {
		target, err := url.Parse(upstream.URL)
		if err != nil {
			return nil, fmt.Errorf("parse upstream %s: %w", upstream.Name, err)
		}
		proxy := httputil.NewSingleHostReverseProxy(target)
		proxy.Transport = transport
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			switch {
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
				http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
			default:
				http.Error(w, "upstream error", http.StatusBadGateway)
			}
		}
		proxies[upstream.Name] = proxy
	}

	return &Gateway{
		inspector:    ins,
		store:        store,
		proxies:      proxies,
		maxReadBytes: s.maxReadBytes,
		timeout:      s.timeout,
		logger:       slog.Default(),
	}, nil
}

func (g *Gateway) SetLogger(logger *slog.Logger) {
	if logger != nil {
		g.logger = logger
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), g.timeout)
	defer cancel()

	raw, err := RequestFromHTTP(r, g.maxReadBytes)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	w.Header().Set(requestIDHeader, raw.Meta.RequestID)

	res, err := g.inspector.Inspect(ctx, raw)
	if err != nil {
		g.logger.Warn("inspection aborted", "error", err, "request_id", raw.Meta.RequestID)
	}
	if res.Decision.Blocked() {
		WriteAction(w, res.Decision.Action)
		return
	}

	proxy, ok := g.upstreamFor(raw)
	if !ok {
		http.NotFound(w, r)
		return
	}
	proxy.ServeHTTP(w, r.WithContext(ctx))
}

func (g *Gateway) upstreamFor(raw request.RawRequest) (*httputil.ReverseProxy, bool) {
	path := raw.RoutePath()
	name, _ := config.With(g.store, func(cfg *config.Config) string {
		route, _, ok := cfg.MatchRoute(raw.Host(), path)
		if !ok {
			return ""
		}
		return route.Upstream
	})
	proxy, ok := g.proxies[name]
	return proxy, ok
}

// WriteAction sends a decided action as the HTTP response.
func WriteAction(w http.ResponseWriter, action decision.Action) {
	for k, v := range action.Headers {
		w.Header().Set(k, v)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	status := action.Status
	if status < 100 || status > 999 {
		status = http.StatusForbidden
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, action.Content)
}

// RequestFromHTTP reads r into a RawRequest, buffering at most maxBody
// bytes of body. The body of r is replaced so it can still be proxied.
func RequestFromHTTP(r *http.Request, maxBody int64) (request.RawRequest, error) {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		headers[name] = strings.Join(values, ", ")
	}

	requestID := r.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	raw := request.RawRequest{
		IP:      clientIP(r),
		Headers: headers,
		Meta: request.Meta{
			Method:    r.Method,
			Path:      r.URL.RequestURI(),
			Authority: r.Host,
			Protocol:  r.Proto,
			RequestID: requestID,
		},
	}

	if r.Body == nil || r.Body == http.NoBody {
		return raw, nil
	}
	if r.ContentLength > maxBody {
		return raw, errBodyTooLarge
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return raw, err
	}
	if int64(len(body)) > maxBody {
		return raw, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	if len(body) > 0 {
		raw.Body = body
	}
	return raw, nil
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

func newTransport(timeout time.Duration) *http.Transport {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
}
