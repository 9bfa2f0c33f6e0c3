package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func tokenServer(t *testing.T, tokens ...string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		tok := tokens[len(tokens)-1]
		if n <= len(tokens) {
			tok = tokens[n-1]
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": tok,
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testClient(host string) *http.Client {
	return &http.Client{Transport: &rewriteTransport{Transport: http.DefaultTransport, host: host}}
}

func TestTokenSource_GetCached(t *testing.T) {
	srv, calls := tokenServer(t, "test-token-123")
	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", HTTPClient: testClient(srv.URL)}

	for i := 0; i < 2; i++ {
		tok, err := ts.Get(context.Background())
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if tok != "test-token-123" {
			t.Errorf("Get() = %s, want test-token-123", tok)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 API call, got %d", calls.Load())
	}
}

func TestTokenSource_InvalidateForcesRefresh(t *testing.T) {
	srv, calls := tokenServer(t, "fresh-1", "fresh-2")
	ts := &TokenSource{ClientID: "c", ClientSecret: "s", HTTPClient: testClient(srv.URL)}
	ts.SetToken("seeded", time.Now().Add(time.Hour))

	if tok, _ := ts.Get(context.Background()); tok != "seeded" {
		t.Fatalf("seeded token = %q", tok)
	}
	ts.Invalidate()
	if tok, _ := ts.Get(context.Background()); tok != "fresh-1" {
		t.Fatalf("after invalidate = %q", tok)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestTokenSource_NearExpiryRefreshes(t *testing.T) {
	srv, _ := tokenServer(t, "fresh")
	ts := &TokenSource{ClientID: "c", ClientSecret: "s", HTTPClient: testClient(srv.URL)}
	ts.SetToken("old", time.Now().Add(30*time.Second))
	if tok, _ := ts.Get(context.Background()); tok != "fresh" {
		t.Fatalf("token inside the 1m buffer was reused: %q", tok)
	}
}

func TestTokenSource_SendsClientCredentials(t *testing.T) {
	var form atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form.Store(r.PostForm)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"app","expires_in":3600,"token_type":"bearer"}`))
	}))
	defer srv.Close()
	ts := &TokenSource{ClientID: "cid", ClientSecret: "secret", HTTPClient: testClient(srv.URL)}
	if tok, err := ts.Get(context.Background()); err != nil || tok != "app" {
		t.Fatalf("Get() = %q, %v", tok, err)
	}
	got, _ := form.Load().(url.Values)
	if got.Get("grant_type") != "client_credentials" || got.Get("client_id") != "cid" || got.Get("client_secret") != "secret" {
		t.Fatalf("form = %v", got)
	}
}

func TestTokenSource_Errors(t *testing.T) {
	if _, err := (&TokenSource{}).Get(context.Background()); err == nil || !strings.Contains(err.Error(), "missing client id/secret") {
		t.Fatalf("missing creds err = %v", err)
	}

	srv, _ := tokenServer(t, "")
	ts := &TokenSource{ClientID: "c", ClientSecret: "s", HTTPClient: testClient(srv.URL)}
	if _, err := ts.Get(context.Background()); err == nil || !strings.Contains(err.Error(), "access_token") {
		t.Fatalf("empty token err = %v", err)
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer bad.Close()
	ts = &TokenSource{ClientID: "c", ClientSecret: "s", HTTPClient: testClient(bad.URL)}
	if _, err := ts.Get(context.Background()); err == nil {
		t.Fatal("expected error on 401")
	}
}
