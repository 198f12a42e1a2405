package tokencheck

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	goodToken     = "123456:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	rejectedToken = "123456:RRRRRRRRRRRRRRRRRRRRRRRRRRRRRRRRRRR"
	garbageToken  = "123456:GGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG"
	downToken     = "123456:DDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDD"
	humanToken    = "123456:HHHHHHHHHHHHHHHHHHHHHHHHHHHHHHHHHHH"
)

func fakePlatform(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		token := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/bot"), "/getMe")
		w.Header().Set("Content-Type", "application/json")
		switch token {
		case goodToken:
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":777,"is_bot":true,"first_name":"Shop","username":"shop_bot","can_join_groups":true}}`))
		case humanToken:
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":778,"is_bot":false,"first_name":"Human"}}`))
		case rejectedToken:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
		case garbageToken:
			_, _ = w.Write([]byte(`<html>proxy error</html>`))
		case downToken:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":502,"description":"Bad Gateway"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestValidate_Valid(t *testing.T) {
	var calls int32
	srv := fakePlatform(t, &calls)
	v := New(Options{BaseURL: srv.URL, Timeout: time.Second})

	res := v.Validate(context.Background(), goodToken)
	require.True(t, res.Valid)
	require.NotNil(t, res.Identity)
	assert.Equal(t, int64(777), res.Identity.ID)
	assert.Equal(t, "shop_bot", res.Identity.Username)
	assert.True(t, res.Identity.CanJoinGroups)

	res = v.Validate(context.Background(), goodToken)
	assert.True(t, res.Valid)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second check served from cache")

	v.Forget(goodToken)
	v.Validate(context.Background(), goodToken)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestValidate_Failures(t *testing.T) {
	var calls int32
	srv := fakePlatform(t, &calls)
	v := New(Options{BaseURL: srv.URL, Timeout: time.Second})

	cases := []struct {
		token  string
		reason Reason
	}{
		{"BAD:TOKEN", ReasonInvalidFormat},
		{"", ReasonInvalidFormat},
		{rejectedToken, ReasonRejected},
		{humanToken, ReasonRejected},
		{garbageToken, ReasonNetwork},
		{downToken, ReasonNetwork},
	}
	for _, tc := range cases {
		res := v.Validate(context.Background(), tc.token)
		assert.False(t, res.Valid, tc.token)
		assert.Nil(t, res.Identity, tc.token)
		assert.Equal(t, tc.reason, res.Reason, tc.token)
	}
}

func TestValidate_FormatCheckMakesNoCall(t *testing.T) {
	var calls int32
	srv := fakePlatform(t, &calls)
	v := New(Options{BaseURL: srv.URL})
	v.Validate(context.Background(), "BAD:TOKEN")
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestValidate_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	v := New(Options{BaseURL: url, Timeout: 500 * time.Millisecond})
	res := v.Validate(context.Background(), goodToken)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonNetwork, res.Reason)
	assert.NotContains(t, res.Detail, goodToken[7:], "token is redacted from error details")
}

func TestValidate_CanceledContext(t *testing.T) {
	var calls int32
	srv := fakePlatform(t, &calls)
	v := New(Options{BaseURL: srv.URL})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := v.Validate(ctx, goodToken)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonNetwork, res.Reason)
}
