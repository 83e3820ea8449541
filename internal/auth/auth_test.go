package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/score-integrity/internal/config"
	"github.com/score-integrity/internal/domain"
)

var now = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func newVerifier(secret string) *Verifier {
	return NewVerifier(&config.AuthConfig{JWTSecret: secret, Issuer: "score-integrity"}).
		WithClock(func() time.Time { return now })
}

func TestSignAndParse(t *testing.T) {
	v := newVerifier("s3cret")
	token, err := v.Sign(Identity{UserID: "u1", Username: "ada", Role: RoleModerator}, time.Hour)
	require.NoError(t, err)

	id, err := v.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "u1", Username: "ada", Role: RoleModerator}, id)

	guest, err := v.Sign(Identity{UserID: "g1", Guest: true}, time.Hour)
	require.NoError(t, err)
	id, err = v.Parse(guest)
	require.NoError(t, err)
	assert.True(t, id.Guest)
}

func TestParseRejects(t *testing.T) {
	v := newVerifier("s3cret")
	valid, err := v.Sign(Identity{UserID: "u1"}, time.Hour)
	require.NoError(t, err)

	expired, err := v.Sign(Identity{UserID: "u1"}, -time.Minute)
	require.NoError(t, err)

	otherKey, err := newVerifier("other").Sign(Identity{UserID: "u1"}, time.Hour)
	require.NoError(t, err)

	otherIssuer, err := NewVerifier(&config.AuthConfig{JWTSecret: "s3cret", Issuer: "elsewhere"}).
		WithClock(func() time.Time { return now }).
		Sign(Identity{UserID: "u1"}, time.Hour)
	require.NoError(t, err)

	noSubject, err := v.Sign(Identity{}, time.Hour)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"expired":      expired,
		"wrong key":    otherKey,
		"wrong issuer": otherIssuer,
		"no subject":   noSubject,
		"garbage":      "not.a.token",
		"truncated":    valid[:len(valid)-4],
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Parse(token)
			assert.ErrorIs(t, err, domain.ErrUnauthorized)
		})
	}
}

func TestParseWithoutSecret(t *testing.T) {
	// An HS256 token keyed with the empty string.
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}).SigningString()
	require.NoError(t, err)
	mac := hmac.New(sha256.New, nil)
	mac.Write([]byte(unsigned))
	token := unsigned + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	_, err = newVerifier("").Parse(token)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func identityEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok {
			w.Write([]byte("anonymous"))
			return
		}
		w.Write([]byte(id.UserID))
	})
}

func do(h http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestOptional(t *testing.T) {
	v := newVerifier("s3cret")
	token, err := v.Sign(Identity{UserID: "u1"}, time.Hour)
	require.NoError(t, err)

	h := v.Optional(identityEcho())
	assert.Equal(t, "u1", do(h, token).Body.String())
	assert.Equal(t, "anonymous", do(h, "").Body.String())
	assert.Equal(t, "anonymous", do(h, "bogus").Body.String())
}

func TestRequired(t *testing.T) {
	v := newVerifier("s3cret")
	moderator, err := v.Sign(Identity{UserID: "m1", Role: RoleModerator}, time.Hour)
	require.NoError(t, err)
	player, err := v.Sign(Identity{UserID: "p1", Role: RolePlayer}, time.Hour)
	require.NoError(t, err)

	h := v.Required(RoleModerator, RoleAdmin)(identityEcho())

	rec := do(h, moderator)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "m1", rec.Body.String())

	rec = do(h, player)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"FORBIDDEN"}`, rec.Body.String())

	rec = do(h, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"UNAUTHORIZED"}`, rec.Body.String())

	// Identity attached by Optional is reused.
	rec = do(v.Optional(h), moderator)
	assert.Equal(t, http.StatusOK, rec.Code)
}
