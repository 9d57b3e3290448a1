// Package fileserver exposes a repository root over HTTP for the duration
// of one build run.
//
// The server binds an ephemeral port on the loopback interface and serves
// files read-only. It exists so in-progress builds can resolve dependencies
// against artifacts imported earlier in the same run; it provides no
// authentication and must never be bound to a routable interface.
package fileserver

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/farmbuild/farmbuild/internal/observability"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Server serves one directory tree read-only over HTTP.
type Server struct {
	root string

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
}

// New returns a server rooted at the given directory. The directory must
// exist before Start is called.
func New(root string) *Server {
	return &Server{root: filepath.Clean(root)}
}

// Root returns the directory the server exposes.
func (s *Server) Root() string {
	return s.root
}

// Handler returns the HTTP handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/*", s.serveFile)
	r.Head("/*", s.serveFile)
	return r
}

// Start binds 127.0.0.1 on an OS-assigned port and begins serving.
//
// It returns the bound host and port. Calling Start twice without an
// intervening Stop is a programming error and returns an error.
func (s *Server) Start() (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return "", 0, fmt.Errorf("file server already started")
	}

	resolved, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		return "", 0, fmt.Errorf("resolve server root: %w", err)
	}
	s.root = resolved

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", 0, fmt.Errorf("bind file server: %w", err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{Handler: s.Handler()}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			observability.CLILogger.Warn("Repository file server stopped", zap.Error(err))
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	observability.CLILogger.Info("Serving local repository",
		zap.String("root", s.root),
		zap.String("host", addr.IP.String()),
		zap.Int("port", addr.Port),
	)
	return addr.IP.String(), addr.Port, nil
}

// Stop releases the listener. It is idempotent and a no-op when the server
// was never started.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpSrv == nil {
		return
	}
	// Close rather than Shutdown: the port must be reusable promptly and
	// in-flight repository fetches are retried by the package manager.
	_ = s.httpSrv.Close()
	s.httpSrv = nil
	s.listener = nil
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	full, ok := s.resolve(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, full)
}

// resolve maps a request path to a filesystem path confined to the server
// root. Requests escaping the root report not-found rather than an error
// that would leak filesystem layout.
func (s *Server) resolve(urlPath string) (string, bool) {
	rel := strings.TrimPrefix(urlPath, "/")
	full := filepath.Join(s.root, filepath.FromSlash(rel))

	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		if !os.IsNotExist(err) {
			observability.CLILogger.Debug("Failed to resolve request path",
				zap.String("path", urlPath), zap.Error(err))
		}
		return "", false
	}
	if resolved != s.root && !strings.HasPrefix(resolved, s.root+string(filepath.Separator)) {
		return "", false
	}
	return resolved, true
}
