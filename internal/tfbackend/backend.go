// Package tfbackend implements the embedded Terraform HTTP state backend:
// the standard remote-state get/put/lock/unlock protocol, with per-project
// mutual exclusion and a lazily minted per-state secret used for HTTP basic
// auth.
package tfbackend

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// project holds the state body and lock holder for one Terraform "project"
// (a destination's logical project is "<environment>.<release.project_id>",
// i.e. the state_id itself). Its own mutex gives per-project serialization,
// distinct from the backend-wide mutex that only protects the maps of
// projects and secrets.
type project struct {
	mu     sync.Mutex
	state  []byte
	lockID string // "" means unlocked
}

// Backend is the in-memory Terraform state/lock store.
type Backend struct {
	mu       sync.Mutex
	projects map[string]*project
	secrets  map[string]string
	logger   *slog.Logger
}

// New creates an empty Backend.
func New(logger *slog.Logger) *Backend {
	return &Backend{
		projects: make(map[string]*project),
		secrets:  make(map[string]string),
		logger:   logger,
	}
}

func (b *Backend) projectFor(stateID string) *project {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.projects[stateID]
	if !ok {
		p = &project{}
		b.projects[stateID] = p
	}
	return p
}

// SecretFor returns the stable per-state secret, minting it on first use.
// Called by the Terraform driver before it spawns terraform, so the secret
// always exists by the time an HTTP request for stateID arrives.
func (b *Backend) SecretFor(stateID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.secrets[stateID]
	if !ok {
		s = uuid.NewString()
		b.secrets[stateID] = s
	}
	return s
}

// Handler returns the chi router implementing the remote-state protocol.
// The driver identifies itself with its configured Identifier in
// TF_HTTP_USERNAME; this backend does not check the username, only that the
// password matches the minted secret for the requested state.
func (b *Backend) Handler() http.Handler {
	r := chi.NewRouter()
	// Authentication runs as inline middleware so that the stateID URL
	// parameter is already resolved when it executes.
	r.Group(func(r chi.Router) {
		r.Use(b.authenticate)
		r.Get("/{stateID}", b.handleGet)
		r.Post("/{stateID}", b.handlePost)
		r.Post("/{stateID}/lock", b.handleLock)
		r.Post("/{stateID}/unlock", b.handleUnlock)
	})
	return r
}

func (b *Backend) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stateID := chi.URLParam(r, "stateID")

		_, password, ok := r.BasicAuth()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		b.mu.Lock()
		secret, known := b.secrets[stateID]
		b.mu.Unlock()

		if !known || password != secret {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (b *Backend) handleGet(w http.ResponseWriter, r *http.Request) {
	stateID := chi.URLParam(r, "stateID")
	p := b.projectFor(stateID)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(p.state)
}

func (b *Backend) handlePost(w http.ResponseWriter, r *http.Request) {
	stateID := chi.URLParam(r, "stateID")
	lockID := r.URL.Query().Get("ID")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	p := b.projectFor(stateID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lockID == "" || p.lockID != lockID {
		http.Error(w, "state is not locked under the supplied lock id", http.StatusBadRequest)
		return
	}

	p.state = body
	w.WriteHeader(http.StatusOK)
}

type lockRequest struct {
	ID string `json:"ID"`
}

func (b *Backend) handleLock(w http.ResponseWriter, r *http.Request) {
	stateID := chi.URLParam(r, "stateID")

	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "invalid lock request body", http.StatusBadRequest)
		return
	}

	p := b.projectFor(stateID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lockID != "" && p.lockID != req.ID {
		w.WriteHeader(http.StatusConflict)
		return
	}

	p.lockID = req.ID
	w.WriteHeader(http.StatusOK)
}

func (b *Backend) handleUnlock(w http.ResponseWriter, r *http.Request) {
	stateID := chi.URLParam(r, "stateID")

	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "invalid unlock request body", http.StatusBadRequest)
		return
	}

	p := b.projectFor(stateID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lockID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if p.lockID != req.ID {
		http.Error(w, "lock is held by a different lock id", http.StatusBadRequest)
		return
	}

	p.lockID = ""
	w.WriteHeader(http.StatusOK)
}
