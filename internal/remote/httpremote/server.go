// Package httpremote exposes a remote.Store and remote.MediaStorage over HTTP
// and provides the matching client.
//
// Routes:
//
//	PUT    /entities/{id}?base=N          body: document JSON  -> {"version": N}
//	DELETE /entities/{id}?base=N&time=T                        -> {"version": N}
//	GET    /changes?since=N[&id=..]                            -> [change...]
//	POST   /media?name=K                  body: blob           -> {"url": "..."}
//	GET    /media/{key}                                        -> blob
//
// A version conflict is 409 with the remote.ConflictError as body. 413 means
// quota exceeded, 422 a corrupt blob, other 4xx a rejection; 5xx is transient.
package httpremote

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/mux"

	"github.com/roach88/itemsync/internal/model"
	"github.com/roach88/itemsync/internal/remote"
)

// Backend is the store served over HTTP. *memremote.Store implements it.
type Backend interface {
	remote.Store
	Changes(since int64) []model.Change
}

// VersionResponse is the body of successful entity writes.
type VersionResponse struct {
	Version int64 `json:"version"`
}

// UploadResponse is the body of a successful media upload.
type UploadResponse struct {
	URL string `json:"url"`
}

// ErrorResponse is the body of every non-conflict error.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Server routes the reference protocol to a backend.
type Server struct {
	backend Backend
	media   remote.MediaStorage
	logger  *slog.Logger

	mu   sync.RWMutex
	blob map[string]string // media key -> backend URL
}

// NewServer returns a server for backend and media. A nil logger uses slog.Default().
func NewServer(backend Backend, media remote.MediaStorage, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		backend: backend,
		media:   media,
		logger:  logger,
		blob:    make(map[string]string),
	}
}

// Router returns the HTTP handler.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter().UseEncodedPath()
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "OK\n")
	}).Methods(http.MethodGet)
	r.HandleFunc("/entities/{id}", s.handlePut).Methods(http.MethodPut)
	r.HandleFunc("/entities/{id}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/changes", s.handleChanges).Methods(http.MethodGet)
	r.HandleFunc("/media", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/media/{key}", s.handleDownload).Methods(http.MethodGet)
	return r
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	id, err := pathVar(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), model.ReasonRejected)
		return
	}
	base, err := queryInt(r, "base")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), model.ReasonRejected)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read body: "+err.Error(), model.ReasonRejected)
		return
	}
	delta, err := model.ParseDocument(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), model.ReasonRejected)
		return
	}

	version, err := s.backend.Put(r.Context(), model.EntityID(id), delta, base)
	if err != nil {
		s.writeStoreError(w, "put", model.EntityID(id), err)
		return
	}
	writeJSON(w, http.StatusOK, VersionResponse{Version: version})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathVar(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), model.ReasonRejected)
		return
	}
	base, err := queryInt(r, "base")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), model.ReasonRejected)
		return
	}
	clientTime, err := queryInt(r, "time")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), model.ReasonRejected)
		return
	}

	version, err := s.backend.Delete(r.Context(), model.EntityID(id), base, clientTime)
	if err != nil {
		s.writeStoreError(w, "delete", model.EntityID(id), err)
		return
	}
	writeJSON(w, http.StatusOK, VersionResponse{Version: version})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	since, err := queryInt(r, "since")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), model.ReasonRejected)
		return
	}
	filter := remote.Filter{Since: since}
	for _, id := range r.URL.Query()["id"] {
		filter.IDs = append(filter.IDs, model.EntityID(id))
	}

	changes := []model.Change{}
	for _, c := range s.backend.Changes(since) {
		if filter.Match(c) {
			changes = append(changes, c)
		}
	}
	writeJSON(w, http.StatusOK, changes)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("name")
	if key == "" {
		s.writeError(w, http.StatusBadRequest, "name is required", model.ReasonRejected)
		return
	}

	backendURL, err := s.media.Upload(r.Context(), key, r.Header.Get("Content-Type"), r.Body)
	if err != nil {
		s.writeStoreError(w, "upload", "", err)
		return
	}

	s.mu.Lock()
	s.blob[key] = backendURL
	s.mu.Unlock()

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	writeJSON(w, http.StatusCreated, UploadResponse{URL: fmt.Sprintf("%s://%s/media/%s", scheme, r.Host, key)})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	key, err := pathVar(r, "key")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), model.ReasonRejected)
		return
	}

	s.mu.RLock()
	backendURL, ok := s.blob[key]
	s.mu.RUnlock()
	if !ok {
		s.writeError(w, http.StatusNotFound, "blob not found", model.ReasonMissingBlob)
		return
	}

	rc, err := s.media.Download(r.Context(), backendURL)
	if err != nil {
		s.writeStoreError(w, "download", "", err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("media download interrupted", "key", key, "error", err)
	}
}

// writeStoreError maps the remote error taxonomy to status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, op string, id model.EntityID, err error) {
	if ce, ok := remote.IsConflict(err); ok {
		writeJSON(w, http.StatusConflict, ce)
		return
	}
	if reason, ok := remote.PermanentReason(err); ok {
		s.writeError(w, reasonStatus(reason), err.Error(), reason)
		return
	}
	if errors.Is(err, remote.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error(), model.ReasonMissingBlob)
		return
	}
	if remote.IsTransient(err) {
		s.writeError(w, http.StatusServiceUnavailable, err.Error(), model.ReasonTransient)
		return
	}
	s.logger.Error("remote request failed", "op", op, "entity", id, "error", err)
	s.writeError(w, http.StatusInternalServerError, err.Error(), model.ReasonTransient)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg, reason string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Reason: reason})
}

func reasonStatus(reason string) int {
	switch reason {
	case model.ReasonQuotaExceeded:
		return http.StatusRequestEntityTooLarge
	case model.ReasonCorruptBlob:
		return http.StatusUnprocessableEntity
	case model.ReasonMissingBlob:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// pathVar returns the decoded route variable. The router matches on the
// escaped path so IDs may contain slashes.
func pathVar(r *http.Request, name string) (string, error) {
	v, err := url.PathUnescape(mux.Vars(r)[name])
	if err != nil {
		return "", fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func queryInt(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return n, nil
}
