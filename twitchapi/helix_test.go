package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func init() { helixRetryDelay = time.Millisecond }

func seededClient(host string) *HelixClient {
	ts := &TokenSource{ClientID: "test-client-id", ClientSecret: "test-secret", HTTPClient: testClient(host)}
	ts.SetToken("test-token", time.Now().Add(time.Hour))
	return &HelixClient{AppTokenSource: ts, ClientID: "test-client-id", HTTPClient: testClient(host)}
}

func TestHelixClient_GetUserID(t *testing.T) {
	tests := []struct {
		response    any
		name        string
		login       string
		wantUserID  string
		errContains string
		wantErr     bool
	}{
		{
			name:       "successful user lookup",
			login:      "testuser",
			response:   map[string]any{"data": []map[string]string{{"id": "12345", "login": "testuser"}}},
			wantUserID: "12345",
		},
		{
			name:        "user not found",
			login:       "nonexistent",
			response:    map[string]any{"data": []map[string]string{}},
			wantErr:     true,
			errContains: "user not found",
		},
		{
			name:        "empty login",
			login:       "",
			wantErr:     true,
			errContains: "login empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Client-Id") != "test-client-id" {
					t.Errorf("missing or wrong Client-Id header")
				}
				if r.Header.Get("Authorization") != "Bearer test-token" {
					t.Errorf("missing or wrong Authorization header")
				}
				if got := r.URL.Query().Get("login"); got != tt.login {
					t.Errorf("login query param = %s, want %s", got, tt.login)
				}
				_ = json.NewEncoder(w).Encode(tt.response)
			}))
			defer server.Close()

			userID, err := seededClient(server.URL).GetUserID(context.Background(), tt.login)
			if (err != nil) != tt.wantErr {
				t.Fatalf("GetUserID() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("error = %v, want containing %q", err, tt.errContains)
			}
			if userID != tt.wantUserID {
				t.Errorf("GetUserID() = %v, want %v", userID, tt.wantUserID)
			}
		})
	}
}

func TestHelixClient_401RefreshRetry(t *testing.T) {
	userAttempts := 0
	tokenRequests := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			tokenRequests++
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh-token", "token_type": "bearer", "expires_in": 3600})
		case "/helix/users":
			userAttempts++
			if userAttempts == 1 {
				if got := r.Header.Get("Authorization"); got != "Bearer stale-token" {
					t.Errorf("first attempt auth = %q, want stale token", got)
				}
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if got := r.Header.Get("Authorization"); got != "Bearer fresh-token" {
				t.Errorf("second attempt auth = %q, want refreshed token", got)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{{"id": "u-123"}}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := seededClient(server.URL)
	client.AppTokenSource.SetToken("stale-token", time.Now().Add(time.Hour))

	userID, err := client.GetUserID(context.Background(), "testuser")
	if err != nil {
		t.Fatalf("GetUserID() unexpected error = %v", err)
	}
	if userID != "u-123" || tokenRequests != 1 || userAttempts != 2 {
		t.Fatalf("id=%q token requests=%d attempts=%d", userID, tokenRequests, userAttempts)
	}
}

func TestHelixClient_401OnFinalAttemptStillRefreshes(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh-token", "expires_in": 3600})
		case "/helix/streams":
			attempts++
			switch {
			case attempts < helixMaxRetries:
				w.WriteHeader(http.StatusInternalServerError)
			case attempts == helixMaxRetries:
				w.WriteHeader(http.StatusUnauthorized)
			default:
				_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{}})
			}
		}
	}))
	defer server.Close()

	if _, err := seededClient(server.URL).GetStreams(context.Background(), "x"); err != nil {
		t.Fatalf("GetStreams() error = %v", err)
	}
	if attempts != helixMaxRetries+1 {
		t.Fatalf("attempts = %d, want %d", attempts, helixMaxRetries+1)
	}
}

func TestHelixClient_5xxExhausts(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := seededClient(server.URL).GetStreams(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("err = %v", err)
	}
	if attempts != helixMaxRetries {
		t.Fatalf("attempts = %d, want %d", attempts, helixMaxRetries)
	}
}

func TestHelixClient_Status(t *testing.T) {
	live := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/helix/streams" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.URL.Query().Get("user_login"); got != "k4sen" {
			t.Errorf("user_login=%q want k4sen", got)
		}
		data := []map[string]string{}
		if live {
			data = append(data, map[string]string{
				"id":            "s1",
				"type":          "live",
				"title":         "Ranked Valorant night",
				"game_name":     "VALORANT",
				"started_at":    "2024-10-15T14:30:00Z",
				"thumbnail_url": "https://static-cdn.jtvnw.net/previews-ttv/live_user_k4sen-{width}x{height}.jpg",
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer server.Close()

	client := seededClient(server.URL)
	st, err := client.Status(context.Background(), "k4sen")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !st.Live || st.Title != "Ranked Valorant night" || st.Topic != "VALORANT" || !strings.HasSuffix(st.Thumb, "-1280x720.jpg") {
		t.Fatalf("Status() = %+v", st)
	}

	live = false
	st, err = client.Status(context.Background(), "k4sen")
	if err != nil || st.Live {
		t.Fatalf("offline Status() = %+v, %v", st, err)
	}
}

// rewriteTransport rewrites all requests to use the test server
type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	if t.host != "" {
		host := strings.TrimPrefix(t.host, "http://")
		host = strings.TrimPrefix(host, "https://")
		req.URL.Host = host
	}
	return t.Transport.RoundTrip(req)
}
