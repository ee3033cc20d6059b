// Package api serves the daemon's JSON interface on a unix socket and exposes metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"bmc-flashd/internal/firmware"
	"bmc-flashd/internal/security"
	"bmc-flashd/internal/updater"
)

// Registry is the part of the version registry the API drives. Every call is made
// from the registry's event loop.
type Registry interface {
	List() []updater.Info
	Get(id string) (updater.Info, error)
	Associations() []updater.Association
	RequestActivation(ctx context.Context, id string) error
	SetPriority(ctx context.Context, id string, priority uint8) error
	Erase(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) error
	FactoryReset(ctx context.Context) error
	FieldMode() bool
	SetFieldMode(ctx context.Context, enable bool) error
}

// Fetcher downloads an image archive from the remote store into dir.
type Fetcher interface {
	Fetch(ctx context.Context, key, dir, expectedSHA256 string) (string, error)
}

// Locker holds named busy locks.
type Locker interface {
	TryLock(ctx context.Context, name string) (bool, error)
	ReleaseLock(ctx context.Context, name string) error
}

// Executor runs fn on the registry's event loop.
type Executor interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

type Config struct {
	Logger   logrus.FieldLogger
	Registry Registry
	Loop     Executor

	// Fetcher and Locks serve /v1/images:fetch. Fetches are refused without a Fetcher.
	Fetcher Fetcher
	Locks   Locker

	// UploadDir receives archives posted to /v1/images.
	UploadDir string
	Security  *security.Config
}

type Server struct {
	logger logrus.FieldLogger
	cfg    Config
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Security == nil {
		cfg.Security = security.DefaultConfig()
	}
	return &Server{
		logger: cfg.Logger.WithField("component", "api"),
		cfg:    cfg,
	}
}

// Handler returns the routes of the daemon interface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/software", s.handleList)
	mux.HandleFunc("GET /v1/software/{id}", s.handleGet)
	mux.HandleFunc("POST /v1/software/{id}/activate", s.handleActivate)
	mux.HandleFunc("PUT /v1/software/{id}/priority", s.handlePriority)
	mux.HandleFunc("DELETE /v1/software/{id}", s.handleDelete)
	mux.HandleFunc("POST /v1/software:deleteAll", s.handleDeleteAll)
	mux.HandleFunc("POST /v1/reset", s.handleReset)
	mux.HandleFunc("GET /v1/fieldmode", s.handleGetFieldMode)
	mux.HandleFunc("POST /v1/fieldmode", s.handleFieldMode)
	mux.HandleFunc("GET /v1/associations", s.handleAssociations)
	mux.HandleFunc("POST /v1/images", s.handleUpload)
	mux.HandleFunc("POST /v1/images:fetch", s.handleFetch)
	return mux
}

// Serve listens on the unix socket at path until ctx is done.
func (s *Server) Serve(ctx context.Context, path string) error {
	os.Remove(path)
	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen on unix socket %s, %w", path, err)
	}
	defer os.Remove(path)

	server := &http.Server{
		Handler: h2c.NewHandler(s.Handler(), &http2.Server{}),
	}
	return serve(ctx, s.logger, server, listener)
}

// ServeMetrics exposes the prometheus registry on addr until ctx is done.
func ServeMetrics(ctx context.Context, logger logrus.FieldLogger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s, %w", addr, err)
	}
	return serve(ctx, logger.WithField("component", "metrics"), &http.Server{Handler: mux}, listener)
}

func serve(ctx context.Context, logger logrus.FieldLogger, server *http.Server, listener net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	logger.WithField("addr", listener.Addr().String()).Info("listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("failed to shutdown http server")
	}
	return nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var list []updater.Info
	err := s.cfg.Loop.Do(r.Context(), func(context.Context) error {
		list = s.cfg.Registry.List()
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	var info updater.Info
	err := s.cfg.Loop.Do(r.Context(), func(context.Context) (err error) {
		info, err = s.cfg.Registry.Get(r.PathValue("id"))
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.cfg.Loop.Do(r.Context(), func(ctx context.Context) error {
		return s.cfg.Registry.RequestActivation(ctx, id)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type priorityRequest struct {
	Priority *uint8 `json:"priority"`
}

func (s *Server) handlePriority(w http.ResponseWriter, r *http.Request) {
	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Priority == nil {
		writeMessage(w, http.StatusBadRequest, "priority between 0 and 255 required")
		return
	}
	id := r.PathValue("id")
	err := s.cfg.Loop.Do(r.Context(), func(ctx context.Context) error {
		return s.cfg.Registry.SetPriority(ctx, id, *req.Priority)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.cfg.Loop.Do(r.Context(), func(ctx context.Context) error {
		return s.cfg.Registry.Erase(ctx, id)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	err := s.cfg.Loop.Do(r.Context(), s.cfg.Registry.DeleteAll)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	err := s.cfg.Loop.Do(r.Context(), s.cfg.Registry.FactoryReset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type fieldModeBody struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleGetFieldMode(w http.ResponseWriter, r *http.Request) {
	var enabled bool
	err := s.cfg.Loop.Do(r.Context(), func(context.Context) error {
		enabled = s.cfg.Registry.FieldMode()
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fieldModeBody{Enabled: &enabled})
}

func (s *Server) handleFieldMode(w http.ResponseWriter, r *http.Request) {
	var req fieldModeBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeMessage(w, http.StatusBadRequest, "enabled required")
		return
	}
	err := s.cfg.Loop.Do(r.Context(), func(ctx context.Context) error {
		return s.cfg.Registry.SetFieldMode(ctx, *req.Enabled)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAssociations(w http.ResponseWriter, r *http.Request) {
	var list []updater.Association
	err := s.cfg.Loop.Do(r.Context(), func(context.Context) error {
		list = s.cfg.Registry.Associations()
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleUpload stores a posted image archive in the upload directory, where the watcher
// unpacks it.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" || name != filepath.Base(name) || !security.IsArchive(name) {
		writeMessage(w, http.StatusBadRequest, "name must be a tar archive file name")
		return
	}
	if s.cfg.UploadDir == "" {
		writeMessage(w, http.StatusServiceUnavailable, "uploads are disabled")
		return
	}
	if r.ContentLength > 0 {
		if err := s.cfg.Security.ValidateFileSize(r.ContentLength, "tar"); err != nil {
			writeMessage(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
	}

	tmp, err := os.CreateTemp(s.cfg.UploadDir, ".upload-*")
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer os.Remove(tmp.Name())

	body := io.Reader(r.Body)
	if s.cfg.Security.MaxTarSize > 0 {
		body = http.MaxBytesReader(w, r.Body, s.cfg.Security.MaxTarSize)
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeMessage(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		s.writeError(w, fmt.Errorf("failed to store upload: %w", err))
		return
	}
	if err := tmp.Close(); err != nil {
		s.writeError(w, err)
		return
	}

	dest := filepath.Join(s.cfg.UploadDir, strings.ToLower(ulid.Make().String())+"-"+name)
	if err := os.Rename(tmp.Name(), dest); err != nil {
		s.writeError(w, fmt.Errorf("failed to store upload: %w", err))
		return
	}
	s.logger.WithField("path", dest).Info("image uploaded")
	writeJSON(w, http.StatusAccepted, map[string]string{"path": dest})
}

type fetchRequest struct {
	Key    string `json:"key"`
	SHA256 string `json:"sha256"`
}

// handleFetch downloads an archive from the remote store into the upload directory.
// Concurrent fetches of the same key are refused.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		writeMessage(w, http.StatusBadRequest, "key required")
		return
	}
	if s.cfg.Fetcher == nil || s.cfg.UploadDir == "" {
		writeMessage(w, http.StatusServiceUnavailable, "no remote image store configured")
		return
	}

	if s.cfg.Locks != nil {
		lock := "fetch:" + req.Key
		ok, err := s.cfg.Locks.TryLock(r.Context(), lock)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if !ok {
			writeMessage(w, http.StatusConflict, "a fetch of "+req.Key+" is already running")
			return
		}
		defer func() {
			if err := s.cfg.Locks.ReleaseLock(context.WithoutCancel(r.Context()), lock); err != nil {
				s.logger.WithError(err).WithField("key", req.Key).Warn("failed to release fetch lock")
			}
		}()
	}

	path, err := s.cfg.Fetcher.Fetch(r.Context(), req.Key, s.cfg.UploadDir, req.SHA256)
	if err != nil {
		s.logger.WithError(err).WithField("key", req.Key).Error("fetch failed")
		writeMessage(w, http.StatusBadGateway, err.Error())
		return
	}
	s.logger.WithFields(logrus.Fields{"key": req.Key, "path": path}).Info("image fetched")
	writeJSON(w, http.StatusAccepted, map[string]string{"path": path})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("request failed")
	}
	body := errorBody{Message: err.Error()}
	var fe *firmware.Error
	if errors.As(err, &fe) {
		body.Error = fe
	}
	writeJSON(w, status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, firmware.ErrUnknownVersion):
		return http.StatusNotFound
	case errors.Is(err, firmware.ErrNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, firmware.ErrNoPriority), firmware.KindOf(err) == firmware.KindDeleteRefused:
		return http.StatusConflict
	case errors.Is(err, updater.ErrStopped), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Message string          `json:"message"`
	Error   *firmware.Error `json:"error,omitempty"`
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
