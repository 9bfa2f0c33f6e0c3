package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockTokenServer mocks an OAuth2 token endpoint at /token. It records the
// refresh tokens it was asked to exchange.
type MockTokenServer struct {
	*httptest.Server

	mu        sync.Mutex
	refreshes []string
	access    string
	refresh   string
	expiresIn int
	status    int
}

// NewMockTokenServer creates a token server that answers every refresh with
// access (and refresh, when non-empty) valid for expiresIn seconds.
func NewMockTokenServer(t *testing.T, access, refresh string, expiresIn int) *MockTokenServer {
	t.Helper()
	m := &MockTokenServer{access: access, refresh: refresh, expiresIn: expiresIn, status: http.StatusOK}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = r.ParseForm()
		m.mu.Lock()
		m.refreshes = append(m.refreshes, r.Form.Get("refresh_token"))
		status := m.status
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"}) //nolint:errcheck // test mock response
			return
		}
		resp := map[string]any{
			"access_token": m.access,
			"expires_in":   m.expiresIn,
			"token_type":   "bearer",
		}
		if m.refresh != "" {
			resp["refresh_token"] = m.refresh
		}
		_ = json.NewEncoder(w).Encode(resp) //nolint:errcheck // test mock response
	}))
	t.Cleanup(m.Close)
	return m
}

// TokenURL is the endpoint to configure as the token URL.
func (m *MockTokenServer) TokenURL() string { return m.URL + "/token" }

// Fail makes subsequent requests return status.
func (m *MockTokenServer) Fail(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

// Refreshes returns the refresh tokens received so far.
func (m *MockTokenServer) Refreshes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.refreshes...)
}
