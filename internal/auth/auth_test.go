package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"FarmEscrow/internal/relay"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func newAuth(t *testing.T) *Authenticator {
	t.Helper()
	a, err := New(Config{Secret: "s3cret", Issuer: "farm-escrow"}, nil)
	require.NoError(t, err)
	return a
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New(Config{Secret: "  "}, nil)
	require.Error(t, err)
}

func TestIssueAndVerify(t *testing.T) {
	a := newAuth(t)
	now := time.Now()

	tok, err := a.Issue("buyer-1", false, time.Hour, now)
	require.NoError(t, err)
	actor, err := a.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, relay.Actor{ID: "buyer-1"}, actor)

	tok, err = a.Issue("marketplace", true, time.Hour, now)
	require.NoError(t, err)
	actor, err = a.Verify(tok)
	require.NoError(t, err)
	require.True(t, actor.Service)
}

func TestVerifyRejects(t *testing.T) {
	a := newAuth(t)
	now := time.Now()

	expired, err := a.Issue("buyer-1", false, time.Minute, now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = a.Verify(expired)
	require.ErrorIs(t, err, ErrInvalidToken)

	other, err := New(Config{Secret: "other", Issuer: "farm-escrow"}, nil)
	require.NoError(t, err)
	forged, err := other.Issue("buyer-1", false, time.Hour, now)
	require.NoError(t, err)
	_, err = a.Verify(forged)
	require.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer, err := New(Config{Secret: "s3cret", Issuer: "elsewhere"}, nil)
	require.NoError(t, err)
	tok, err := wrongIssuer.Issue("buyer-1", false, time.Hour, now)
	require.NoError(t, err)
	_, err = a.Verify(tok)
	require.ErrorIs(t, err, ErrInvalidToken)

	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    "farm-escrow",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = a.Verify(noSub)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = a.Verify("garbage")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	a := newAuth(t)
	var seen relay.Actor
	h := a.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		http.Error(w, err.Error(), http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ActorFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/escrows", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), ErrMissingToken.Error())

	tok, err := a.Issue("farmer-1", false, time.Hour, time.Now())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/escrows", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "farmer-1", seen.ID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events?access_token="+tok, nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestExtractBearer(t *testing.T) {
	require.Equal(t, "abc", extractBearer("Bearer abc"))
	require.Equal(t, "abc", extractBearer("bearer  abc "))
	require.Empty(t, extractBearer("Basic abc"))
	require.Empty(t, extractBearer(""))
}
