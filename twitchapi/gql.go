package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/onnwee/bilirelay/probe"
)

const (
	gqlURL = "https://gql.twitch.tv/gql"
	// Public web client id; the GQL endpoint accepts it without a token.
	gqlClientID = "kimne78kx3ncx6brgo4mv6wki5h1ko"
)

const streamQuery = `query GetStreamInfo($login: String!) {
  user(login: $login) {
    stream {
      id
      type
      title
      previewImageURL(width: 1280, height: 720)
      game { name }
    }
  }
}`

// GQLClient asks the public GQL endpoint for stream state. It needs no
// credentials, which makes it the fallback when Helix is not configured.
type GQLClient struct {
	HTTPClient *http.Client
	ClientID   string
}

type gqlResponse struct {
	Data struct {
		User *struct {
			Stream *struct {
				ID      string `json:"id"`
				Type    string `json:"type"`
				Title   string `json:"title"`
				Preview string `json:"previewImageURL"`
				Game    *struct {
					Name string `json:"name"`
				} `json:"game"`
			} `json:"stream"`
		} `json:"user"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Status implements probe.Source for a Twitch login.
func (g *GQLClient) Status(ctx context.Context, login string) (probe.Status, error) {
	body, err := json.Marshal(map[string]any{
		"query":     streamQuery,
		"variables": map[string]string{"login": login},
	})
	if err != nil {
		return probe.Status{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gqlURL, bytes.NewReader(body))
	if err != nil {
		return probe.Status{}, err
	}
	cid := g.ClientID
	if cid == "" {
		cid = gqlClientID
	}
	req.Header.Set("Client-ID", cid)
	req.Header.Set("Content-Type", "application/json")
	hc := g.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return probe.Status{}, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return probe.Status{}, fmt.Errorf("twitch gql: %s: %s", resp.Status, string(b))
	}
	var out gqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return probe.Status{}, fmt.Errorf("twitch gql: decode: %w", err)
	}
	if len(out.Errors) > 0 {
		return probe.Status{}, fmt.Errorf("twitch gql: %s", out.Errors[0].Message)
	}
	if out.Data.User == nil || out.Data.User.Stream == nil || out.Data.User.Stream.Type != "live" {
		return probe.Status{}, nil
	}
	s := out.Data.User.Stream
	st := probe.Status{Live: true, Title: s.Title, StreamID: s.ID, Thumb: s.Preview}
	if s.Game != nil {
		st.Topic = s.Game.Name
	}
	return st, nil
}
