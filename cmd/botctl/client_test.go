package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_SendsTokenAndDecodes(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"b1","name":"shop","status":"running","running":true,"pid":42,"platform_identity":{"username":"shop_bot"}}]`))
	}))
	defer srv.Close()

	bots, err := newClient(srv.URL+"/", "tok").list()
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/bots", gotPath)
	require.Len(t, bots, 1)
	assert.Equal(t, "@shop_bot", handle(bots[0]))
	assert.Contains(t, renderBots(bots), "b1")
}

func TestClient_ErrorCarriesReasonAndProblems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalid configuration", "problems": []string{"no scenes"}})
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, "").create(map[string]any{})
	var ae *apiError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusBadRequest, ae.Status)
	assert.Equal(t, []string{"no scenes"}, ae.Problems)
	assert.Contains(t, err.Error(), "no scenes")
}

func TestClient_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := newClient(srv.URL, "").remove("b1")
	var ae *apiError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "bad gateway", ae.Message)
}

func TestReadConfiguration(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"scenes":[{"id":"start","message":"hi"}]}`), 0o644))
	require.NoError(t, os.WriteFile(bad, []byte(`{"scenes":`), 0o644))

	raw, err := readConfiguration(good)
	require.NoError(t, err)
	assert.JSONEq(t, `{"scenes":[{"id":"start","message":"hi"}]}`, string(raw))

	_, err = readConfiguration(bad)
	assert.Error(t, err)
	_, err = readConfiguration(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
