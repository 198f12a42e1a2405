package server

import (
	"context"
	"net/http"
	"time"

	"github.com/botcraft/botcraft/internal/lifecycle"
)

// lifecycle operations may wait out a stop grace period; a client that goes
// away must not cut a half-applied update short, so the request's
// cancellation is dropped.
const opTimeout = 60 * time.Second

func opContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), opTimeout)
}

func (s *Server) handleBotsCreate(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	v, err := s.bots.Create(ctx, ownerOf(r), lifecycle.CreateRequest{
		DisplayName:   req.Name,
		Description:   req.Description,
		Credential:    req.Credential,
		Configuration: req.Configuration,
	})
	if err != nil {
		s.writeBotError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBot(v))
}

func (s *Server) handleBotsList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	views, err := s.bots.List(ctx, ownerOf(r))
	if err != nil {
		s.writeBotError(w, r, err)
		return
	}
	out := make([]Bot, 0, len(views))
	for _, v := range views {
		out = append(out, toBot(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBotGet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	v, err := s.bots.Get(ctx, ownerOf(r), pathParam(r, "botID"))
	if err != nil {
		s.writeBotError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBot(v))
}

func (s *Server) handleBotUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateBotRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	v, err := s.bots.Update(ctx, ownerOf(r), pathParam(r, "botID"), lifecycle.UpdateRequest{
		DisplayName:   req.Name,
		Description:   req.Description,
		Credential:    req.Credential,
		Configuration: req.Configuration,
	})
	if err != nil {
		s.writeBotError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBot(v))
}

func (s *Server) handleBotDelete(w http.ResponseWriter, r *http.Request) {
	botID := pathParam(r, "botID")
	ctx, cancel := opContext(r)
	defer cancel()
	if err := s.bots.Delete(ctx, ownerOf(r), botID); err != nil {
		s.writeBotError(w, r, err)
		return
	}
	s.limiter.Forget(botID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleBotStart(w http.ResponseWriter, r *http.Request) {
	s.runBotOp(w, r, s.bots.Start)
}

// handleBotStop 幂等：没有进程也返回 200
func (s *Server) handleBotStop(w http.ResponseWriter, r *http.Request) {
	s.runBotOp(w, r, s.bots.Stop)
}

func (s *Server) handleBotRestart(w http.ResponseWriter, r *http.Request) {
	s.runBotOp(w, r, s.bots.Restart)
}

func (s *Server) runBotOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, ownerID, id string) (lifecycle.BotView, error)) {
	ctx, cancel := opContext(r)
	defer cancel()
	v, err := op(ctx, ownerOf(r), pathParam(r, "botID"))
	if err != nil {
		s.writeBotError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBot(v))
}

func (s *Server) handleBotStatus(w http.ResponseWriter, r *http.Request) {
	botID := pathParam(r, "botID")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	v, err := s.bots.Get(ctx, ownerOf(r), botID)
	if err != nil {
		s.writeBotError(w, r, err)
		return
	}
	p, err := s.bots.ProcessInfo(ctx, ownerOf(r), botID)
	if err != nil {
		s.writeBotError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bot": toBot(v), "process": p})
}
