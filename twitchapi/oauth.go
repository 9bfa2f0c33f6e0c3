package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const tokenURL = "https://id.twitch.tv/oauth2/token"

// BotProvider is the TokenStore key of the IRC bot's user token.
const BotProvider = "twitch_bot"

// TokenStore persists OAuth tokens by provider.
type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, raw string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, raw string, err error)
}

// RefreshResult represents the response from a refresh_token grant.
type RefreshResult struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	Scope        []string `json:"scope"`
	ExpiresIn    int      `json:"expires_in"`
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

// RefreshToken exchanges a refresh token for a new access token.
func RefreshToken(ctx context.Context, hc *http.Client, clientID, clientSecret, refreshToken string) (*RefreshResult, error) {
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("twitch refresh failed: %s: %s", resp.Status, string(b))
	}
	var res RefreshResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// UserToken supplies the IRC bot's user access token, refreshing it through
// the stored refresh token when it is about to expire.
type UserToken struct {
	ClientID     string
	ClientSecret string
	Store        TokenStore
	HTTPClient   *http.Client

	mu      sync.Mutex
	access  string
	refresh string
	expiry  time.Time
	loaded  bool
}

// Seed installs a token from configuration, used when the store is empty.
func (u *UserToken) Seed(access, refresh string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.access == "" {
		u.access, u.refresh = access, refresh
	}
}

// Get returns a usable access token.
func (u *UserToken) Get(ctx context.Context) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.loaded && u.Store != nil {
		u.loaded = true
		access, refresh, expiry, _, err := u.Store.GetOAuthToken(ctx, BotProvider)
		if err != nil {
			slog.Warn("load twitch bot token", slog.Any("err", err))
		} else if access != "" {
			u.access, u.refresh, u.expiry = access, refresh, expiry
		}
	}
	if u.access == "" {
		return "", errors.New("no twitch bot token")
	}
	// A zero expiry means the token came from config and was never refreshed.
	if u.expiry.IsZero() || time.Until(u.expiry) > 5*time.Minute || u.refresh == "" {
		return u.access, nil
	}
	res, err := RefreshToken(ctx, u.HTTPClient, u.ClientID, u.ClientSecret, u.refresh)
	if err != nil {
		return u.access, fmt.Errorf("refresh twitch bot token: %w", err)
	}
	u.access = res.AccessToken
	if res.RefreshToken != "" {
		u.refresh = res.RefreshToken
	}
	u.expiry = ComputeExpiry(res.ExpiresIn)
	if u.Store != nil {
		raw, _ := json.Marshal(res)
		if err := u.Store.UpsertOAuthToken(ctx, BotProvider, u.access, u.refresh, u.expiry, string(raw)); err != nil {
			slog.Warn("save twitch bot token", slog.Any("err", err))
		}
	}
	return u.access, nil
}
