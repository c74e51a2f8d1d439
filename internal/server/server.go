package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/open-policy-agent/opa-bundle-sidecar/internal/logging"
	"github.com/open-policy-agent/opa-bundle-sidecar/internal/store"
)

// BundlePath is the route the evaluation agent polls. The path shape is what
// OPA's bundle service config expects for the "opa" service/bundle pair.
const BundlePath = "/opa/v1/opa/bundle.tar.gz"

const shutdownTimeout = 10 * time.Second

// Server exposes the current bundle over HTTP. Handlers only read the bundle
// store, so retrievals never block each other or the rebuild coordinator.
type Server struct {
	store *store.Store
	log   *logging.Logger
	addr  string
}

func New(st *store.Store, log *logging.Logger) *Server {
	return &Server{store: st, log: log, addr: ":3030"}
}

func (s *Server) WithAddress(addr string) *Server {
	s.addr = addr
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+BundlePath, s.handleBundle)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully so in-flight
// retrievals complete against the last published bundle.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	s.log.Infof("serving bundle endpoint on %s", s.addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

// handleBundle serves the current archive. The content digest doubles as the
// ETag so the polling agent can skip unchanged bundles via If-None-Match.
// Before the first successful build the endpoint is not ready rather than
// broken, which 503 + Retry-After communicates to a tolerant poller.
func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	b, ok := s.store.Current()
	if !ok {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "no bundle built yet", http.StatusServiceUnavailable)
		return
	}

	etag := `"` + b.Digest + `"`
	w.Header().Set("ETag", etag)

	if matchesETag(r.Header.Values("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Length", strconv.Itoa(len(b.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(b.Data); err != nil {
		s.log.Debugf("bundle response aborted: %v", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if _, ok := s.store.Current(); !ok {
		http.Error(w, "waiting for first bundle build", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

// matchesETag reports whether any client-supplied validator matches. Weak
// comparison is fine here: the digest is content-derived, so a weak match
// still means identical bytes.
func matchesETag(headers []string, etag string) bool {
	for _, header := range headers {
		for _, candidate := range strings.Split(header, ",") {
			candidate = strings.TrimSpace(candidate)
			if candidate == "*" {
				return true
			}
			candidate = strings.TrimPrefix(candidate, "W/")
			if candidate == etag {
				return true
			}
		}
	}
	return false
}
