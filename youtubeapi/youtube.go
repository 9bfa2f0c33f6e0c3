// Package youtubeapi answers YouTube live status through the Data API and the
// Holodex aggregator. OAuth tokens for the Data API are persisted via the
// provided TokenStore so a refreshed token survives restarts.
package youtubeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/bilirelay/config"
	"github.com/onnwee/bilirelay/probe"
)

const provider = "youtube"

// TokenStore persists OAuth tokens by provider name.
type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, raw string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, raw string, err error)
}

// Service queries the Data API with either an API key or a stored OAuth token.
// The API key wins when both are configured.
type Service struct {
	apiKey string
	db     TokenStore
	oauth  *oauth2.Config
	opts   []option.ClientOption
}

// New builds a Service from configuration. ts may be nil in API-key mode.
func New(cfg *config.Config, ts TokenStore, opts ...option.ClientOption) *Service {
	scopes := []string{"https://www.googleapis.com/auth/youtube.readonly"}
	if cfg.YTScopes != "" {
		if fields := strings.Fields(strings.ReplaceAll(cfg.YTScopes, ",", " ")); len(fields) > 0 {
			scopes = fields
		}
	}
	oauth := &oauth2.Config{
		ClientID:     cfg.YTClientID,
		ClientSecret: cfg.YTClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       scopes,
	}
	return &Service{apiKey: cfg.YTAPIKey, db: ts, oauth: oauth, opts: opts}
}

// Configured reports whether the service has any way to authenticate.
func (s *Service) Configured() bool {
	return s.apiKey != "" || (s.db != nil && s.oauth.ClientID != "")
}

// SeedToken stores a token obtained out of band, for example from an
// operator-provided refresh token.
func (s *Service) SeedToken(ctx context.Context, tok *oauth2.Token) error {
	if s.db == nil {
		return errors.New("youtube: no token store")
	}
	raw, _ := json.Marshal(tok)
	return s.db.UpsertOAuthToken(ctx, provider, tok.AccessToken, tok.RefreshToken, tok.Expiry, string(raw))
}

func (s *Service) refreshIfNeeded(ctx context.Context) (*oauth2.Token, error) {
	access, refresh, expiry, raw, err := s.db.GetOAuthToken(ctx, provider)
	if err != nil {
		return nil, err
	}
	if access == "" && refresh == "" {
		return nil, errors.New("no youtube token stored")
	}
	var tok oauth2.Token
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &tok)
	}
	if tok.AccessToken == "" {
		tok.AccessToken = access
	}
	tok.RefreshToken = refresh
	tok.Expiry = expiry
	if time.Until(tok.Expiry) > 2*time.Minute {
		return &tok, nil
	}
	newTok, err := s.oauth.TokenSource(ctx, &tok).Token()
	if err != nil {
		return &tok, err
	}
	if newTok.AccessToken != tok.AccessToken {
		if err := s.SeedToken(ctx, newTok); err != nil {
			return newTok, fmt.Errorf("persist refreshed token: %w", err)
		}
	}
	return newTok, nil
}

// Client returns a Data API client for the configured credentials.
func (s *Service) Client(ctx context.Context) (*yt.Service, error) {
	opts := append([]option.ClientOption(nil), s.opts...)
	if s.apiKey != "" {
		opts = append(opts, option.WithAPIKey(s.apiKey))
		return yt.NewService(ctx, opts...)
	}
	if s.db == nil {
		return nil, errors.New("youtube: neither api key nor token store configured")
	}
	tok, err := s.refreshIfNeeded(ctx)
	if err != nil {
		return nil, err
	}
	opts = append(opts, option.WithTokenSource(s.oauth.TokenSource(ctx, tok)))
	return yt.NewService(ctx, opts...)
}

// Status implements probe.Source for a channel id using search.list with
// eventType=live. Any API error is returned so the prober reports Unknown.
func (s *Service) Status(ctx context.Context, channelID string) (probe.Status, error) {
	svc, err := s.Client(ctx)
	if err != nil {
		return probe.Status{}, err
	}
	res, err := svc.Search.List([]string{"snippet"}).
		ChannelId(channelID).
		EventType("live").
		Type("video").
		MaxResults(1).
		Context(ctx).
		Do()
	if err != nil {
		return probe.Status{}, fmt.Errorf("youtube search: %w", err)
	}
	if len(res.Items) == 0 || res.Items[0].Snippet == nil {
		return probe.Status{}, nil
	}
	item := res.Items[0]
	st := probe.Status{Live: true, Title: item.Snippet.Title}
	if item.Id != nil {
		st.StreamID = item.Id.VideoId
	}
	if th := item.Snippet.Thumbnails; th != nil {
		for _, t := range []*yt.Thumbnail{th.Maxres, th.High, th.Medium, th.Default} {
			if t != nil && t.Url != "" {
				st.Thumb = t.Url
				break
			}
		}
	}
	return st, nil
}
