package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	a := New("s3cret", "botcraft")
	tok, err := a.IssueToken("alice", time.Hour)
	require.NoError(t, err)

	owner, err := a.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)

	_, err = New("other", "botcraft").Parse(tok)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = New("s3cret", "someone-else").Parse(tok)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = a.IssueToken(" ", time.Hour)
	assert.Error(t, err)
}

func TestParse_RejectsExpiredAndNone(t *testing.T) {
	a := New("s3cret", "")
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}})
	raw, err := expired.SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = a.Parse(raw)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"}})
	raw, err = unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = a.Parse(raw)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := New("s3cret", "botcraft")
	r := gin.New()
	r.GET("/me", a.Middleware(), func(c *gin.Context) {
		c.String(http.StatusOK, OwnerFrom(c.Request.Context()))
	})

	tok, err := a.IssueToken("alice", time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		query  string
		status int
		body   string
	}{
		{"bearer", "Bearer " + tok, "", http.StatusOK, "alice"},
		{"lowercase scheme", "bearer " + tok, "", http.StatusOK, "alice"},
		{"query token", "", "?access_token=" + tok, http.StatusOK, "alice"},
		{"missing", "", "", http.StatusUnauthorized, ""},
		{"garbage", "Bearer nope", "", http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.body != "" {
				assert.Equal(t, tc.body, rec.Body.String())
			}
		})
	}
}
