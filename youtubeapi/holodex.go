package youtubeapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/onnwee/bilirelay/probe"
)

const holodexBase = "https://holodex.net/api/v2"

// Holodex asks holodex.net which streams a channel currently has. It is cheap
// and quota-free, so it is the first YouTube source tried.
type Holodex struct {
	APIKey string
	// ChannelName returns the display name of the probed channel id. Collab
	// streams hosted on another channel whose name contains it count as
	// live. Nil or an empty name matches by channel id only.
	ChannelName func(channelID string) string
	HTTPClient  *http.Client
	BaseURL     string
}

type holodexVideo struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Status         string `json:"status"`
	TopicID        string `json:"topic_id"`
	StartScheduled string `json:"start_scheduled"`
	Channel        struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"channel"`
}

// Status implements probe.Source for a YouTube channel id. Non-2xx responses
// are errors so a fallback source is tried next.
func (h *Holodex) Status(ctx context.Context, channelID string) (probe.Status, error) {
	base := h.BaseURL
	if base == "" {
		base = holodexBase
	}
	hc := h.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	u := base + "/users/live?channels=" + url.QueryEscape(channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return probe.Status{}, err
	}
	if h.APIKey != "" {
		req.Header.Set("X-APIKEY", h.APIKey)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return probe.Status{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return probe.Status{}, fmt.Errorf("holodex status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var videos []holodexVideo
	if err := json.NewDecoder(resp.Body).Decode(&videos); err != nil {
		return probe.Status{}, fmt.Errorf("holodex decode: %w", err)
	}
	v, ok := h.pick(videos, channelID)
	if !ok || v.Status != "live" {
		return probe.Status{}, nil
	}
	return probe.Status{
		Live:     true,
		Title:    trimDate(v.Title),
		Topic:    v.TopicID,
		StreamID: v.ID,
		Thumb:    "https://i.ytimg.com/vi/" + v.ID + "/maxresdefault.jpg",
	}, nil
}

// pick scans from the newest entry backwards.
func (h *Holodex) pick(videos []holodexVideo, channelID string) (holodexVideo, bool) {
	var name string
	if h.ChannelName != nil {
		name = h.ChannelName(channelID)
	}
	for i := len(videos) - 1; i >= 0; i-- {
		v := videos[i]
		if v.Channel.ID == channelID {
			return v, true
		}
		if name != "" && strings.Contains(v.Channel.Name, name) {
			return v, true
		}
	}
	return holodexVideo{}, false
}

// trimDate drops a trailing " 2024-..." style date that some channels append.
func trimDate(title string) string {
	if i := strings.Index(title, " 202"); i > 0 {
		return title[:i]
	}
	return title
}
