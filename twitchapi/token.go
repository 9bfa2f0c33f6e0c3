package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// appTokenSkew is how long before expiry a cached app token is replaced.
const appTokenSkew = time.Minute

// TokenSource caches a Twitch app access token from the client credentials
// grant. Helix stream lookups use it; IRC needs a user token (UserToken).
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client

	mu  sync.Mutex
	tok *oauth2.Token
}

// Get returns the cached token, fetching a new one when none is cached or
// the cached one expires within a minute. Concurrent callers share a fetch.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.tok != nil && ts.tok.AccessToken != "" && time.Until(ts.tok.Expiry) > appTokenSkew {
		return ts.tok.AccessToken, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	cc := clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("twitch app token: %w", err)
	}
	ts.tok = tok
	return tok.AccessToken, nil
}

// SetToken seeds the cache, e.g. with a token restored from storage.
func (ts *TokenSource) SetToken(tok string, expiresAt time.Time) {
	ts.mu.Lock()
	ts.tok = &oauth2.Token{AccessToken: tok, Expiry: expiresAt}
	ts.mu.Unlock()
}

// Invalidate drops the cached token after Helix rejected it.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.tok = nil
	ts.mu.Unlock()
}
