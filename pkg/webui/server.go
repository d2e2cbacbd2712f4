// Package webui exposes the administrative HTTP API: configuration
// editing, identity-mapping management, aggregate status and start/stop
// control of the bridge components.
package webui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/luoshen/wxbridge/pkg/config"
	"github.com/luoshen/wxbridge/pkg/endpoint"
	"github.com/luoshen/wxbridge/pkg/logger"
	"github.com/luoshen/wxbridge/pkg/sched"
	"github.com/luoshen/wxbridge/pkg/wsclient"
)

// SocketClient is the control surface the admin API needs from the
// WebSocket client.
type SocketClient interface {
	Start(ctx context.Context) error
	Stop()
	Status() wsclient.Status
}

// MessageRouter is the control surface of the frame router.
type MessageRouter interface {
	IsRunning() bool
	Status() map[string]interface{}
}

type Server struct {
	cfg      *config.Config
	cfgPath  string
	client   SocketClient
	router   MessageRouter
	endpoint endpoint.Endpoint
	sched    *sched.Scheduler

	httpServer *http.Server
}

func NewServer(cfg *config.Config, cfgPath string, client SocketClient, rt MessageRouter, ep endpoint.Endpoint, sch *sched.Scheduler) *Server {
	return &Server{
		cfg:      cfg,
		cfgPath:  cfgPath,
		client:   client,
		router:   rt,
		endpoint: ep,
		sched:    sch,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/config", s.handleGetConfig)
		r.Post("/config", s.handleUpdateConfig)
		r.Post("/config/validate", s.handleValidateConfig)

		r.Route("/monitor/users", func(r chi.Router) {
			r.Get("/", s.handleListMappings)
			r.Post("/", s.handleAddMapping)
			r.Delete("/{username}", s.handleRemoveMapping)
		})

		r.Get("/status", s.handleStatus)
		r.Post("/control/{service}/{action}", s.handleControl)
	})

	return r
}

func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.WebUI.Host, s.cfg.WebUI.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoCF("webui", "Admin API listening", map[string]interface{}{
			"addr": addr,
		})
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("webui", "Admin API server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.GetAll())
}

// handleUpdateConfig merges a partial config tree. The change is
// validated against a copy first so an invalid update never reaches the
// running components.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var updates map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	candidate, err := s.cfg.MergedCopy(updates)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errs := candidate.Validate(); len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": errs})
		return
	}

	if err := s.cfg.Merge(updates); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := config.SaveConfig(s.cfgPath, s.cfg); err != nil {
		logger.WarnCF("webui", "Config save failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	writeJSON(w, http.StatusOK, s.cfg.GetAll())
}

func (s *Server) handleValidateConfig(w http.ResponseWriter, r *http.Request) {
	var updates map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	candidate, err := s.cfg.MergedCopy(updates)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	errs := candidate.Validate()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":  len(errs) == 0,
		"errors": errs,
	})
}

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Mappings())
}

func (s *Server) handleAddMapping(w http.ResponseWriter, r *http.Request) {
	var entry config.IdentityMapping
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if entry.Nickname == "" {
		writeError(w, http.StatusBadRequest, "nickname is required")
		return
	}

	if !s.cfg.AddMapping(entry) {
		writeError(w, http.StatusConflict, "mapping already exists")
		return
	}
	if err := config.SaveConfig(s.cfgPath, s.cfg); err != nil {
		logger.WarnCF("webui", "Config save failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	writeJSON(w, http.StatusCreated, s.cfg.Mappings())
}

func (s *Server) handleRemoveMapping(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !s.cfg.RemoveMapping(username) {
		writeError(w, http.StatusNotFound, "no such mapping")
		return
	}
	if err := config.SaveConfig(s.cfgPath, s.cfg); err != nil {
		logger.WarnCF("webui", "Config save failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	writeJSON(w, http.StatusOK, s.cfg.Mappings())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"websocket": s.client.Status(),
		"router":    s.router.Status(),
		"endpoint": map[string]interface{}{
			"name":    s.endpoint.Name(),
			"running": s.endpoint.IsRunning(),
		},
	}
	if s.sched != nil {
		status["tasks"] = s.sched.Status()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	action := chi.URLParam(r, "action")

	if action != "start" && action != "stop" {
		writeError(w, http.StatusBadRequest, "action must be start or stop")
		return
	}

	var err error
	switch service {
	case "websocket":
		if action == "start" {
			err = s.client.Start(context.Background())
		} else {
			s.client.Stop()
		}
	case "endpoint":
		if action == "start" {
			err = s.endpoint.Start(context.Background())
		} else {
			err = s.endpoint.Stop(context.Background())
		}
	default:
		writeError(w, http.StatusNotFound, "unknown service: "+service)
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logger.InfoCF("webui", "Control action applied", map[string]interface{}{
		"service": service,
		"action":  action,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": service,
		"action":  action,
		"ok":      true,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WarnCF("webui", "Response encode failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]interface{}{"error": message})
}
