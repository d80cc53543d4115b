// Package web serves the HTTP surface around the voice relay: the persona
// catalogue, the credential check endpoints, and the single-page client
// bundle.
package web

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"slices"
	"strings"
	"sync/atomic"
)

// Catalog is the hot-swappable list of selectable persona names.
//
// Catalog is safe for concurrent use.
type Catalog struct {
	names atomic.Pointer[[]string]
}

// NewCatalog returns a catalogue holding names.
func NewCatalog(names ...string) *Catalog {
	c := &Catalog{}
	c.Set(names)
	return c
}

// Set replaces the catalogue contents.
func (c *Catalog) Set(names []string) {
	cp := slices.Clone(names)
	if cp == nil {
		cp = []string{}
	}
	c.names.Store(&cp)
}

// Names returns a copy of the current persona names.
func (c *Catalog) Names() []string {
	return slices.Clone(*c.names.Load())
}

// Verifier checks a client credential. A nil error means the credential is
// accepted.
type Verifier interface {
	Verify(ctx context.Context, token string) error
}

// VerifierFunc adapts an ordinary function to the [Verifier] interface.
type VerifierFunc func(ctx context.Context, token string) error

// Verify calls f(ctx, token).
func (f VerifierFunc) Verify(ctx context.Context, token string) error { return f(ctx, token) }

// AcceptAny accepts every non-empty credential. Emptiness is checked by the
// handler before the verifier runs.
var AcceptAny Verifier = VerifierFunc(func(context.Context, string) error { return nil })

// Config wires the handlers.
type Config struct {
	// Characters backs GET /api/characters. Required.
	Characters *Catalog

	// Verifier backs POST /api/auth/verify. Nil uses [AcceptAny].
	Verifier Verifier

	// Static is the client bundle. Nil disables static serving.
	Static fs.FS
}

// Server holds the HTTP handlers.
type Server struct {
	characters *Catalog
	verifier   Verifier
	static     fs.FS
}

// New creates a [Server] from cfg.
func New(cfg Config) *Server {
	if cfg.Verifier == nil {
		cfg.Verifier = AcceptAny
	}
	if cfg.Characters == nil {
		cfg.Characters = NewCatalog()
	}
	return &Server{
		characters: cfg.Characters,
		verifier:   cfg.Verifier,
		static:     cfg.Static,
	}
}

// Register adds the API routes and the static catch-all to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/characters", s.Characters)
	mux.HandleFunc("POST /api/auth/verify", s.VerifyAuth)
	mux.HandleFunc("GET /api/auth/status", s.AuthStatus)
	mux.HandleFunc("GET /", s.Static)
}

// Characters lists the selectable personas.
func (s *Server) Characters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"characters": s.characters.Names()})
}

type verifyRequest struct {
	Token    string `json:"token"`
	UserInfo *struct {
		Email string `json:"email"`
	} `json:"user_info"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// VerifyAuth checks the credential in the JSON body {token, user_info}.
func (s *Server) VerifyAuth(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		slog.Warn("auth verification with unreadable body", "err", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if req.Token == "" {
		slog.Warn("auth verification attempt with no token")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "No token provided"})
		return
	}

	email := "unknown"
	if req.UserInfo != nil && req.UserInfo.Email != "" {
		email = req.UserInfo.Email
	}
	if err := s.verifier.Verify(r.Context(), req.Token); err != nil {
		slog.Error("auth verification failed", "user", email, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	slog.Info("user authenticated", "user", email, "token_prefix", tokenPrefix(req.Token))

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Authentication successful",
	})
}

func tokenPrefix(tok string) string {
	const n = 20
	if len(tok) <= n {
		return tok + "..."
	}
	return tok[:n] + "..."
}

// AuthStatus reports that the credential check is available.
func (s *Server) AuthStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"auth_enabled": true,
		"message":      "Authentication service is running",
	})
}

// Static serves a file of the client bundle, or index.html for any path that
// does not name a regular file so client-side routes resolve.
func (s *Server) Static(w http.ResponseWriter, r *http.Request) {
	if s.static == nil {
		http.NotFound(w, r)
		return
	}
	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if name == "" {
		name = "."
	}
	if s.serveFile(w, r, name) {
		return
	}
	if !s.serveFile(w, r, "index.html") {
		http.NotFound(w, r)
	}
}

// serveFile writes name if it is a regular file and reports whether it did.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, name string) bool {
	f, err := s.static.Open(name)
	if err != nil {
		return false
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil || st.IsDir() {
		return false
	}
	rs, ok := f.(io.ReadSeeker)
	if !ok {
		b, err := io.ReadAll(f)
		if err != nil {
			return false
		}
		rs = strings.NewReader(string(b))
	}
	http.ServeContent(w, r, st.Name(), st.ModTime(), rs)
	return true
}

// CORS allows cross-origin requests from any origin and answers preflight
// requests.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
				h.Set("Access-Control-Allow-Headers", req)
			}
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
