package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/botcraft/botcraft/internal/domain"
	"github.com/botcraft/botcraft/internal/webappstore"
)

const recentActionsLimit = 20

// loadWebAppBot returns the bot behind a companion page, or writes the
// response itself and returns nil. Bots without the companion feature are
// reported as not found. A bot may enable the feature without a webApp block.
func (s *Server) loadWebAppBot(w http.ResponseWriter, r *http.Request) *domain.BotRecord {
	botID := pathParam(r, "botID")
	if !s.limiter.Allow(botID) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return nil
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	rec, err := s.bots.PublicBot(ctx, botID)
	if err != nil {
		s.writeBotError(w, r, err)
		return nil
	}
	if !rec.Configuration.Features.WebApp {
		writeError(w, http.StatusNotFound, "bot not found")
		return nil
	}
	return rec
}

func (s *Server) handleWebAppData(w http.ResponseWriter, r *http.Request) {
	rec := s.loadWebAppBot(w, r)
	if rec == nil {
		return
	}
	cfg := rec.Configuration
	data := webAppData{
		BotID:         rec.ID,
		Fields:        cfg.Fields,
		RecentActions: []recentAction{},
	}
	if cfg.WebApp != nil {
		data.Title = cfg.WebApp.Title
		data.Pages = cfg.WebApp.Pages
	}
	if data.Pages == nil {
		data.Pages = []domain.WebAppPage{}
	}
	if data.Fields == nil {
		data.Fields = []domain.DataField{}
	}
	actions, err := s.actions.ListActions(rec.ID, recentActionsLimit)
	if err != nil {
		s.log.WithError(err).WithField("bot_id", rec.ID).Warn("list webapp actions failed")
	}
	for _, a := range actions {
		data.RecentActions = append(data.RecentActions, recentAction{Type: a.Type, CreatedAt: a.CreatedAt})
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleWebAppAction(w http.ResponseWriter, r *http.Request) {
	rec := s.loadWebAppBot(w, r)
	if rec == nil {
		return
	}
	var req webAppActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	a, err := s.actions.AppendAction(domain.WebAppAction{
		BotID:   rec.ID,
		UserID:  req.UserID,
		Type:    req.Type,
		Payload: req.Payload,
	})
	if err != nil {
		if errors.Is(err, webappstore.ErrInvalidAction) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeBotError(w, r, err)
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "created_at": a.CreatedAt})
}

// handleWebAppPage serves the companion page generated into the bot's workspace.
func (s *Server) handleWebAppPage(w http.ResponseWriter, r *http.Request) {
	botID := pathParam(r, "botID")
	if !s.limiter.Allow(botID) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	path, err := s.bots.CompanionPage(ctx, botID)
	if err != nil {
		s.writeBotError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, path)
}
