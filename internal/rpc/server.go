// Package rpc exposes the transport-neutral Release RPC surface: artifact
// annotation/lookup, release creation, a streaming wait-for-release
// endpoint, staging session CRUD, and destination CRUD, as a single
// JSON+SSE HTTP API, go-chi routed and go-chi/cors guarded.
package rpc

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/forest-release/forest/internal/destination"
	"github.com/forest-release/forest/internal/release"
	"github.com/forest-release/forest/internal/releaseerr"
	"github.com/forest-release/forest/internal/staging"
)

// Server implements the Release RPC surface.
type Server struct {
	releases     *release.Registry
	staging      *staging.Registry
	destinations *destination.Registry
	hub          *Hub
	logger       *slog.Logger
	cors         []string
}

// New builds a Server.
func New(releases *release.Registry, stagingReg *staging.Registry, destinations *destination.Registry, hub *Hub, corsOrigins []string, logger *slog.Logger) *Server {
	return &Server{releases: releases, staging: stagingReg, destinations: destinations, hub: hub, logger: logger, cors: corsOrigins}
}

// Handler returns the routed http.Handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cors,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	}))

	r.Post("/v1/artifacts/annotate", s.handleAnnotate)
	r.Get("/v1/artifacts/slug/{slug}", s.handleGetArtifactBySlug)
	r.Get("/v1/projects/{namespace}/{project}/artifacts", s.handleGetArtifactsByProject)
	r.Get("/v1/namespaces", s.handleGetNamespaces)
	r.Get("/v1/namespaces/{namespace}/projects", s.handleGetProjectsByNamespace)

	r.Post("/v1/releases", s.handleRelease)
	r.Get("/v1/releases/{intentID}/wait", s.handleWaitRelease)

	r.Post("/v1/staging", s.handleCreateStaging)
	r.Post("/v1/staging/{stagingID}/files", s.handleUploadFile)
	r.Post("/v1/staging/{stagingID}/commit", s.handleCommitStaging)

	r.Post("/v1/destinations", s.handleCreateDestination)
	r.Get("/v1/destinations", s.handleListDestinations)
	r.Get("/v1/destinations/{id}", s.handleGetDestination)
	r.Post("/v1/destinations/{name}/metadata", s.handleUpdateDestination)

	return r
}

type annotateRequest struct {
	ArtifactID uuid.UUID      `json:"artifact_id"`
	Slug       string         `json:"slug,omitempty"`
	Metadata   map[string]any `json:"metadata"`
	Source     map[string]any `json:"source"`
	Context    map[string]any `json:"context"`
	Namespace  string         `json:"namespace"`
	Project    string         `json:"project"`
	Ref        map[string]any `json:"ref"`
}

func (s *Server) handleAnnotate(w http.ResponseWriter, r *http.Request) {
	var req annotateRequest
	if !s.decode(w, r, &req) {
		return
	}

	ann, err := s.releases.Annotate(r.Context(), req.ArtifactID, req.Slug, req.Metadata, req.Source, req.Context, req.Namespace, req.Project, req.Ref)
	if !s.handleErr(w, err) {
		s.writeJSON(w, http.StatusOK, ann)
	}
}

func (s *Server) handleGetArtifactBySlug(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	ann, err := s.releases.GetAnnotationBySlug(r.Context(), slug)
	if !s.handleErr(w, err) {
		s.writeJSON(w, http.StatusOK, ann)
	}
}

func (s *Server) handleGetArtifactsByProject(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	project := chi.URLParam(r, "project")
	anns, err := s.releases.GetAnnotationsByProject(r.Context(), namespace, project)
	if !s.handleErr(w, err) {
		s.writeJSON(w, http.StatusOK, anns)
	}
}

func (s *Server) handleGetNamespaces(w http.ResponseWriter, r *http.Request) {
	out, err := s.releases.GetNamespaces(r.Context())
	if !s.handleErr(w, err) {
		s.writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleGetProjectsByNamespace(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	out, err := s.releases.GetProjectsByNamespace(r.Context(), namespace)
	if !s.handleErr(w, err) {
		s.writeJSON(w, http.StatusOK, out)
	}
}

type releaseRequest struct {
	ArtifactID   uuid.UUID `json:"artifact_id"`
	Destinations []string  `json:"destinations"`
	Environments []string  `json:"environments"`
}

type releaseResponse struct {
	ReleaseIntentID int64                        `json:"release_intent_id"`
	Intents         []release.MatchedDestination `json:"intents"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !s.decode(w, r, &req) {
		return
	}

	intentID, matched, err := s.releases.Release(r.Context(), req.ArtifactID, req.Destinations, req.Environments)
	if !s.handleErr(w, err) {
		s.writeJSON(w, http.StatusOK, releaseResponse{ReleaseIntentID: intentID, Intents: matched})
	}
}

// handleWaitRelease streams StatusUpdate and LogLine events for every
// release in the intent until all have reached a terminal status. It
// subscribes to the Hub before reading the current snapshot, so no
// transition between the snapshot read and the subscription can be missed.
func (s *Server) handleWaitRelease(w http.ResponseWriter, r *http.Request) {
	intentID, err := strconv.ParseInt(chi.URLParam(r, "intentID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid intent id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, cancel := s.hub.Subscribe(intentID)
	defer cancel()

	views, err := s.releases.GetReleaseStatusByIntent(r.Context(), intentID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(views) == 0 {
		http.Error(w, "unknown release intent", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	remaining := make(map[string]bool, len(views))
	for _, v := range views {
		remaining[v.DestinationName] = !v.Status.Terminal()
		s.writeSSE(w, Event{Kind: EventKindStatus, Destination: v.DestinationName, Status: v.Status})
	}
	flusher.Flush()
	if !anyTrue(remaining) {
		return
	}

	ctx := r.Context()
	for {
		select {
		case ev := <-ch:
			s.writeSSE(w, ev)
			flusher.Flush()
			if ev.Kind == EventKindStatus {
				remaining[ev.Destination] = !ev.Status.Terminal()
				if !anyTrue(remaining) {
					return
				}
			}
		case <-ctx.Done():
			return
		case <-time.After(30 * time.Second):
			// Idle keepalive comment line, per the SSE spec.
			w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		}
	}
}

func anyTrue(m map[string]bool) bool {
	for _, v := range m {
		if v {
			return true
		}
	}
	return false
}

func (s *Server) handleCreateStaging(w http.ResponseWriter, r *http.Request) {
	id, err := s.staging.CreateStaging(r.Context())
	if !s.handleErr(w, err) {
		s.writeJSON(w, http.StatusOK, map[string]string{"staging_id": id.String()})
	}
}

type uploadFileRequest struct {
	Env           string `json:"env"`
	Destination   string `json:"destination"`
	Path          string `json:"path"`
	ContentBase64 string `json:"content_base64"`
}

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	stagingID, err := staging.ParseID(chi.URLParam(r, "stagingID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req uploadFileRequest
	if !s.decode(w, r, &req) {
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		http.Error(w, "invalid base64 content", http.StatusBadRequest)
		return
	}

	err = s.staging.UploadFile(r.Context(), stagingID, staging.File{
		Env: req.Env, Destination: req.Destination, Path: req.Path, Content: content,
	})
	if !s.handleErr(w, err) {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleCommitStaging(w http.ResponseWriter, r *http.Request) {
	stagingID, err := staging.ParseID(chi.URLParam(r, "stagingID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	artifactID, err := s.staging.CommitStaging(r.Context(), stagingID)
	if !s.handleErr(w, err) {
		s.writeJSON(w, http.StatusOK, map[string]string{"artifact_id": artifactID.String()})
	}
}

type createDestinationRequest struct {
	Name        string                 `json:"name"`
	Environment string                 `json:"environment"`
	Metadata    map[string]any         `json:"metadata"`
	DriverType  destination.DriverType `json:"driver_type"`
}

func (s *Server) handleCreateDestination(w http.ResponseWriter, r *http.Request) {
	var req createDestinationRequest
	if !s.decode(w, r, &req) {
		return
	}

	d, err := s.destinations.Create(r.Context(), req.Name, req.Environment, req.Metadata, req.DriverType)
	if !s.handleErr(w, err) {
		s.writeJSON(w, http.StatusOK, d)
	}
}

func (s *Server) handleListDestinations(w http.ResponseWriter, r *http.Request) {
	out, err := s.destinations.List(r.Context())
	if !s.handleErr(w, err) {
		s.writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleGetDestination(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid destination id", http.StatusBadRequest)
		return
	}

	d, err := s.destinations.Get(r.Context(), id)
	if !s.handleErr(w, err) {
		s.writeJSON(w, http.StatusOK, d)
	}
}

type updateDestinationRequest struct {
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleUpdateDestination(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req updateDestinationRequest
	if !s.decode(w, r, &req) {
		return
	}

	err := s.destinations.Update(r.Context(), name, req.Metadata)
	if !s.handleErr(w, err) {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writing json response", "error", err)
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("marshaling sse event", "error", err)
		return
	}
	w.Write([]byte("data: "))
	w.Write(b)
	w.Write([]byte("\n\n"))
}

// handleErr writes the HTTP status matching err's error-code taxonomy and
// reports whether it did so (true = caller should stop).
func (s *Server) handleErr(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}

	status := http.StatusInternalServerError
	switch releaseerr.CodeOf(err) {
	case releaseerr.CodeValidation:
		status = http.StatusBadRequest
	case releaseerr.CodeNotFound, releaseerr.CodeUnknownDriver:
		status = http.StatusNotFound
	case releaseerr.CodeConflict:
		status = http.StatusConflict
	case releaseerr.CodeDriverFailure, releaseerr.CodeDatabase, releaseerr.CodeInternal:
		status = http.StatusInternalServerError
	}

	s.logger.Error("rpc request failed", "error", err, "status", status)
	http.Error(w, err.Error(), status)
	return true
}
