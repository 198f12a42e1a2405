package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"
)

const (
	defaultTailLines = 200
	maxTailLines     = 5000
	tailWindowBytes  = 256 * 1024
)

func (s *Server) handleBotLogsTail(w http.ResponseWriter, r *http.Request) {
	botID := pathParam(r, "botID")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	logPath, err := s.bots.LogPath(ctx, ownerOf(r), botID)
	if err != nil {
		s.writeBotError(w, r, err)
		return
	}

	n := defaultTailLines
	if v, err := strconv.Atoi(r.URL.Query().Get("tail")); err == nil && v > 0 {
		n = min(v, maxTailLines)
	}
	lines, err := tailLines(logPath, n, tailWindowBytes)
	switch {
	case os.IsNotExist(err):
		lines = []string{}
	case err != nil:
		s.writeBotError(w, r, fmt.Errorf("read log: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bot_id": botID, "lines": lines})
}

// handleBotLogsStream follows the bot's process log as server-sent events,
// starting at the current end of the file.
func (s *Server) handleBotLogsStream(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	logPath, err := s.bots.LogPath(ctx, ownerOf(r), pathParam(r, "botID"))
	cancel()
	if err != nil {
		s.writeBotError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	follow := newLogFollower(logPath)
	defer follow.close()
	found, err := follow.open(true)
	if err != nil {
		s.writeBotError(w, r, fmt.Errorf("open log: %w", err))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if !found {
		fmt.Fprint(w, "event: info\ndata: log file not found yet\n\n")
	}
	flusher.Flush()

	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()
	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-poll.C:
			lines, err := follow.poll()
			for _, line := range lines {
				fmt.Fprintf(w, "data: %s\n\n", escapeSSE(line))
			}
			if err != nil {
				fmt.Fprintf(w, "event: error\ndata: %s\n\n", escapeSSE(err.Error()))
				flusher.Flush()
				return
			}
			if len(lines) > 0 {
				flusher.Flush()
			}
		}
	}
}
