package server

import (
	_ "embed"
	"net/http"
)

//go:embed static/console.html
var consoleHTML []byte

// handleUI serves the operator console. It carries no data: every call it
// makes goes through the authenticated API with the token the operator pastes.
func (s *Server) handleUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(consoleHTML)
}
