// Package proxy implements the Subdomain Router/Proxy (§4.G) as a
// standalone net/http server, separate from the Fiber API listener, so
// WebSocket upgrades and streamed bodies go through httputil.ReverseProxy's
// own hijack path rather than a framework adaptor (§4.J).
package proxy

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/training/sandbox-orchestrator/internal/logging"
	"github.com/training/sandbox-orchestrator/internal/ports"
)

// Server is the subdomain-routing reverse proxy.
type Server struct {
	registry ports.ContainerRegistry
	activity ports.ActivityTracker
	timeout  time.Duration
	log      zerolog.Logger
}

// New constructs a Server. timeout applies to both the upstream round-trip
// and idle connections per §6.4's PROXY_TIMEOUT.
func New(registry ports.ContainerRegistry, activity ports.ActivityTracker, timeout time.Duration) *Server {
	return &Server{
		registry: registry,
		activity: activity,
		timeout:  timeout,
		log:      logging.WithComponent("proxy"),
	}
}

// Handler builds the http.Handler this server's listener should serve.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serve)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	subdomain, ok := extractSubdomain(r.Host)
	if !ok {
		// Pass-through: not a sandbox hostname. Out of scope to route this
		// anywhere further (§4.G), so a 404 is the correct terminal response
		// for a standalone proxy listener.
		http.NotFound(w, r)
		return
	}

	rec, err := s.registry.GetBySubdomainRunning(r.Context(), subdomain)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "Container not found or not running", subdomain)
		return
	}

	target, err := url.Parse("http://127.0.0.1:" + rec.HostPort)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "invalid backend target", subdomain)
		return
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.Transport = &http.Transport{
		ResponseHeaderTimeout: s.timeout,
		IdleConnTimeout:       s.timeout,
	}

	originalDirector := rp.Director
	rp.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = target.Host
		addForwardedFor(req)
	}

	headersSent := false
	rp.ModifyResponse = func(resp *http.Response) error {
		headersSent = true
		return nil
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if headersSent {
			// Headers already flushed to the client; abort silently (§4.G).
			return
		}
		s.log.Warn().Err(err).Str("subdomain", subdomain).Msg("upstream error")
		writeJSONError(w, http.StatusBadGateway, "Proxy error", err.Error())
	}

	ctx := r.Context()
	cancel := func() {}
	if !isWebSocketUpgrade(r) {
		// A WebSocket upgrade must be allowed to run for the life of the
		// connection; everything else gets the round-trip timeout (§4.G).
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	defer cancel()

	s.activity.Touch(subdomain, time.Now())
	rp.ServeHTTP(w, r.WithContext(ctx))
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func extractSubdomain(host string) (string, bool) {
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		h = host
	}
	labels := strings.Split(h, ".")
	if len(labels) < 3 {
		return "", false
	}
	candidate := labels[0]
	if _, err := uuid.Parse(candidate); err != nil {
		return "", false
	}
	return candidate, true
}

func addForwardedFor(r *http.Request) {
	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		clientIP = r.RemoteAddr
	}
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		r.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		r.Header.Set("X-Forwarded-For", clientIP)
	}
	r.Header.Set("X-Forwarded-Host", r.Host)
}

func writeJSONError(w http.ResponseWriter, status int, errMsg string, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{"error": errMsg}
	if status == http.StatusNotFound {
		body["subdomain"] = detail
	} else {
		body["message"] = detail
	}
	_ = json.NewEncoder(w).Encode(body)
}
