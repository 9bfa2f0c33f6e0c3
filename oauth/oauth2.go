package oauth

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/oauth2"
)

// OAuth2 refreshes through a standard OAuth2 token endpoint. The scope
// result carries the whole token as JSON so readers can restore its extra
// fields.
func OAuth2(cfg *oauth2.Config) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		raw, err := json.Marshal(tok)
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return tok.AccessToken, tok.RefreshToken, tok.Expiry, string(raw), nil
	}
}
