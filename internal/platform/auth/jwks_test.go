package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

func newJWKSServer(t *testing.T, kid string, pub *rsa.PublicKey) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"jwks_uri": srv.URL + "/jwks"})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{{
			"kty": "RSA",
			"kid": kid,
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}}})
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestJWKSCache_FetchesAndCaches(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	srv, hits := newJWKSServer(t, "k1", &priv.PublicKey)

	cache := NewJWKSCache(srv.URL+"/jwks", time.Minute)
	key, err := cache.GetKey("k1")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if key.N.Cmp(priv.PublicKey.N) != 0 || key.E != priv.PublicKey.E {
		t.Error("parsed key does not match")
	}
	if _, err := cache.GetKey("k1"); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected cached key, got %d fetches", hits.Load())
	}
	if _, err := cache.GetKey("unknown"); err == nil {
		t.Error("expected error for unknown kid")
	}
}

func TestDiscoverJWKSURL(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv, _ := newJWKSServer(t, "k1", &priv.PublicKey)

	url, err := DiscoverJWKSURL(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	if url != srv.URL+"/jwks" {
		t.Errorf("unexpected jwks url %s", url)
	}
}

func TestJWTMiddleware_RS256ViaIssuerDiscovery(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv, _ := newJWKSServer(t, "k1", &priv.PublicKey)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "reviewer-1",
			Issuer:    srv.URL,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{"reviewer"},
	})
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatal(err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	c := e.NewContext(req, httptest.NewRecorder())

	var caller string
	err = JWTMiddleware(JWTConfig{Issuer: srv.URL})(func(c echo.Context) error {
		caller = UserIDFromContext(c.Request().Context())
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if caller != "reviewer-1" {
		t.Errorf("expected reviewer-1, got %q", caller)
	}
}
