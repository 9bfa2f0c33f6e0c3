// Package twitchapi contains minimal helpers to ask Twitch whether a channel
// is live: the Helix API with an app access token, and the public GQL
// endpoint as a credential-free fallback.
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
	"time"

	"github.com/onnwee/bilirelay/probe"
)

const helixBase = "https://api.twitch.tv/helix"

// helixMaxRetries bounds attempts on 5xx and 429 responses. A single token
// refresh after a 401 does not consume an attempt.
const helixMaxRetries = 3

var helixRetryDelay = 200 * time.Millisecond

// HelixClient provides the few Helix calls the relay needs.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// get performs an authenticated GET with retry and decodes the JSON body.
func (hc *HelixClient) get(ctx context.Context, path string, q url.Values, out any) error {
	if hc.AppTokenSource == nil {
		return errors.New("twitch app token source not configured")
	}
	refreshed := false
	var lastErr error
	for attempt := 0; attempt < helixMaxRetries; {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, helixBase+path+"?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := hc.http().Do(req)
		if err != nil {
			return err
		}
		status := resp.StatusCode
		if status == http.StatusOK {
			err = json.NewDecoder(resp.Body).Decode(out)
			closeBody(resp)
			return err
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		closeBody(resp)
		lastErr = fmt.Errorf("helix %s: %d: %s", path, status, string(body))

		switch {
		case status == http.StatusUnauthorized && !refreshed:
			refreshed = true
			hc.AppTokenSource.Invalidate()
			slog.Info("helix token rejected, refreshing", slog.String("path", path))
			continue
		case status == http.StatusTooManyRequests || status >= 500:
			attempt++
			if attempt >= helixMaxRetries {
				return lastErr
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(helixRetryDelay * time.Duration(1<<(attempt-1))):
			}
			continue
		}
		return lastErr
	}
	return lastErr
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/users", url.Values{"login": {login}}, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// Stream is one entry of /helix/streams. Only live streams are returned.
type Stream struct {
	ID           string    `json:"id"`
	UserLogin    string    `json:"user_login"`
	GameName     string    `json:"game_name"`
	Type         string    `json:"type"`
	Title        string    `json:"title"`
	StartedAt    time.Time `json:"started_at"`
	ThumbnailURL string    `json:"thumbnail_url"`
}

var thumbSize = strings.NewReplacer("{width}", "1280", "{height}", "720")

// Thumbnail fills the {width}x{height} template Helix returns.
func (s Stream) Thumbnail() string {
	if s.ThumbnailURL == "" {
		return ""
	}
	return thumbSize.Replace(s.ThumbnailURL)
}

// GetStreams lists live streams for the given logins.
func (hc *HelixClient) GetStreams(ctx context.Context, logins ...string) ([]Stream, error) {
	if len(logins) == 0 {
		return nil, fmt.Errorf("login empty")
	}
	q := url.Values{}
	for _, l := range logins {
		q.Add("user_login", l)
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.get(ctx, "/streams", q, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// Status implements probe.Source for a Twitch login.
func (hc *HelixClient) Status(ctx context.Context, login string) (probe.Status, error) {
	streams, err := hc.GetStreams(ctx, login)
	if err != nil {
		return probe.Status{}, err
	}
	for _, s := range streams {
		if s.Type == "" || s.Type == "live" {
			return probe.Status{Live: true, Title: s.Title, Topic: s.GameName, StreamID: s.ID, Thumb: s.Thumbnail()}, nil
		}
	}
	return probe.Status{}, nil
}
