package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/botcraft/botcraft/internal/lifecycle"
)

func (s *Server) handleBotConfiguration(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	cfg, err := s.bots.Configuration(ctx, ownerOf(r), pathParam(r, "botID"))
	if err != nil {
		s.writeBotError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleBotConfigVersions(w http.ResponseWriter, r *http.Request) {
	botID := pathParam(r, "botID")
	limit := 50
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	versions, err := s.bots.ConfigVersions(ctx, ownerOf(r), botID, limit)
	if err != nil {
		s.writeBotError(w, r, err)
		return
	}
	current := 0
	if len(versions) > 0 {
		current = versions[0].Version
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bot_id":          botID,
		"current_version": current,
		"versions":        versions,
	})
}

type rollbackRequest struct {
	Version int `json:"version"`
}

// handleBotConfigRollback hot-reloads the bot with a stored configuration
// version. The rollback itself becomes the newest version.
func (s *Server) handleBotConfigRollback(w http.ResponseWriter, r *http.Request) {
	botID := pathParam(r, "botID")
	var req rollbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Version <= 0 {
		writeError(w, http.StatusBadRequest, "version must be > 0")
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()

	versions, err := s.bots.ConfigVersions(ctx, ownerOf(r), botID, 200)
	if err != nil {
		s.writeBotError(w, r, err)
		return
	}
	for _, v := range versions {
		if v.Version != req.Version {
			continue
		}
		cfg := v.Configuration
		view, err := s.bots.Update(ctx, ownerOf(r), botID, lifecycle.UpdateRequest{Configuration: &cfg})
		if err != nil {
			s.writeBotError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toBot(view))
		return
	}
	writeError(w, http.StatusNotFound, "version not found")
}
