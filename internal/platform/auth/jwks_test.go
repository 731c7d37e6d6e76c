package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func rsaPublicKeyToJWK(privateKey *rsa.PrivateKey, kid string) JWKSKey {
	pub := &privateKey.PublicKey
	return JWKSKey{
		Kty: "RSA",
		Kid: kid,
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func mustRSA(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

func TestJWKSCache_CachesWithinTTL(t *testing.T) {
	key := mustRSA(t)
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		json.NewEncoder(w).Encode(JWKSResponse{Keys: []JWKSKey{rsaPublicKeyToJWK(key, "a")}})
	}))
	defer srv.Close()

	cache := NewJWKSCache(srv.URL, time.Minute)
	for i := 0; i < 3; i++ {
		got, err := cache.Key("a")
		if err != nil {
			t.Fatalf("Key: %v", err)
		}
		if got.N.Cmp(key.PublicKey.N) != 0 || got.E != key.PublicKey.E {
			t.Fatal("key does not match")
		}
	}
	if fetches != 1 {
		t.Errorf("expected 1 fetch, got %d", fetches)
	}
}

func TestJWKSCache_RefetchesAfterTTL(t *testing.T) {
	k1, k2 := mustRSA(t), mustRSA(t)
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		keys := []JWKSKey{rsaPublicKeyToJWK(k1, "one")}
		if fetches > 1 {
			keys = append(keys, rsaPublicKeyToJWK(k2, "two"))
		}
		json.NewEncoder(w).Encode(JWKSResponse{Keys: keys})
	}))
	defer srv.Close()

	cache := NewJWKSCache(srv.URL, time.Millisecond)
	if _, err := cache.Key("one"); err != nil {
		t.Fatalf("Key(one): %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	got, err := cache.Key("two")
	if err != nil {
		t.Fatalf("Key(two) after rotation: %v", err)
	}
	if got.N.Cmp(k2.PublicKey.N) != 0 {
		t.Error("rotated key does not match")
	}
}

func TestJWKSCache_UnknownKidRefetchIsBounded(t *testing.T) {
	key := mustRSA(t)
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		json.NewEncoder(w).Encode(JWKSResponse{Keys: []JWKSKey{rsaPublicKeyToJWK(key, "a")}})
	}))
	defer srv.Close()

	cache := NewJWKSCache(srv.URL, time.Hour)
	for i := 0; i < 5; i++ {
		if _, err := cache.Key("missing"); err == nil {
			t.Fatal("expected error for unknown kid")
		}
	}
	if fetches != 1 {
		t.Errorf("expected unknown kids to share one refetch, got %d", fetches)
	}
}

func TestJWKSCache_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := NewJWKSCache(srv.URL, time.Minute).Key("any"); err == nil {
		t.Fatal("expected error for server error response")
	}
}

func TestJWKSCache_SkipsNonSigningKeys(t *testing.T) {
	key := mustRSA(t)
	enc := rsaPublicKeyToJWK(key, "enc")
	enc.Use = "enc"
	ec := JWKSKey{Kty: "EC", Kid: "ec"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(JWKSResponse{Keys: []JWKSKey{enc, ec}})
	}))
	defer srv.Close()

	cache := NewJWKSCache(srv.URL, time.Minute)
	for _, kid := range []string{"enc", "ec"} {
		if _, err := cache.Key(kid); err == nil {
			t.Errorf("expected %s to be skipped", kid)
		}
	}
}

func TestJWKSCache_KeyfuncRequiresKid(t *testing.T) {
	cache := NewJWKSCache("http://127.0.0.1:1", time.Minute)
	if _, err := cache.Keyfunc(&jwt.Token{Header: map[string]interface{}{}}); err == nil {
		t.Fatal("expected error for token without kid")
	}
}

func TestParseRSAPublicKey(t *testing.T) {
	key := mustRSA(t)
	pub, err := parseRSAPublicKey(rsaPublicKeyToJWK(key, "p"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pub.N.Cmp(key.PublicKey.N) != 0 || pub.E != key.PublicKey.E {
		t.Error("parsed key does not match")
	}

	bad := []JWKSKey{
		{Kty: "RSA", N: "!!!", E: "AQAB"},
		{Kty: "RSA", N: "AQAB", E: "!!!"},
		{Kty: "RSA", N: "", E: "AQAB"},
	}
	for i, k := range bad {
		if _, err := parseRSAPublicKey(k); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestDiscoverOIDC(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"issuer":   srv.URL,
			"jwks_uri": srv.URL + "/jwks",
		})
	}))
	defer srv.Close()

	p, err := DiscoverOIDC(context.Background(), srv.URL+"/")
	if err != nil {
		t.Fatalf("DiscoverOIDC: %v", err)
	}
	if p.JWKSURI != srv.URL+"/jwks" {
		t.Errorf("unexpected jwks_uri %q", p.JWKSURI)
	}
}

func TestDiscoverOIDC_Errors(t *testing.T) {
	missing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"issuer": "x"})
	}))
	defer missing.Close()
	notFound := httptest.NewServer(http.NotFoundHandler())
	defer notFound.Close()

	for name, url := range map[string]string{
		"missing jwks_uri": missing.URL,
		"404":              notFound.URL,
		"unreachable":      "http://127.0.0.1:1",
	} {
		if _, err := DiscoverOIDC(context.Background(), url); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
