// Package extract wraps the external tools that know how to find a live
// stream: yt-dlp for YouTube and streamlink for Twitch.
package extract

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/onnwee/bilirelay/probe"
	"github.com/onnwee/bilirelay/registry"
)

// ErrNotLive is returned by StreamURL when the tool reports no live stream.
var ErrNotLive = errors.New("stream not live")

// Runner runs a command to completion and returns what it wrote.
type Runner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

// ExecRunner runs the command with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	err := cmd.Run()
	if errors.Is(err, exec.ErrNotFound) {
		err = fmt.Errorf("%s not installed or not in PATH: %w", name, err)
	}
	return out.Bytes(), errb.Bytes(), err
}

func run(ctx context.Context, r Runner, name string, args []string) ([]byte, []byte, error) {
	if r == nil {
		r = ExecRunner
	}
	return r(ctx, name, args...)
}

// YTDLP queries YouTube channels through yt-dlp.
type YTDLP struct {
	Path    string
	Proxy   string
	Quality string // -f selector, empty means yt-dlp's default
	Run     Runner
}

func (y *YTDLP) bin() string {
	if y.Path != "" {
		return y.Path
	}
	return "yt-dlp"
}

func (y *YTDLP) base() []string {
	var args []string
	if y.Proxy != "" {
		args = append(args, "--proxy", y.Proxy)
	}
	return append(args, "--no-warnings")
}

func channelLiveURL(id string) string {
	return "https://www.youtube.com/channel/" + id + "/live"
}

// offlineStderr reports whether yt-dlp failed because nothing is live,
// including scheduled premieres ("This live event will begin in ...").
func offlineStderr(stderr []byte) bool {
	s := string(stderr)
	return strings.Contains(s, "ERROR: [youtube]") ||
		strings.Contains(s, "not currently live") ||
		strings.Contains(s, "will begin in")
}

const printFormat = "%(is_live)s\t%(id)s\t%(title)s\t%(thumbnail)s"

// Status implements probe.Source for a YouTube channel id.
func (y *YTDLP) Status(ctx context.Context, channelID string) (probe.Status, error) {
	args := append(y.base(), "--skip-download", "--print", printFormat, channelLiveURL(channelID))
	stdout, stderr, err := run(ctx, y.Run, y.bin(), args)
	if err != nil {
		if ctx.Err() != nil {
			return probe.Status{}, ctx.Err()
		}
		if offlineStderr(stderr) {
			return probe.Status{}, nil
		}
		return probe.Status{}, fmt.Errorf("yt-dlp: %w: %s", err, firstLine(stderr))
	}
	line := firstLine(stdout)
	parts := strings.SplitN(line, "\t", 4)
	if len(parts) < 3 {
		return probe.Status{}, fmt.Errorf("yt-dlp: unexpected output %q", line)
	}
	st := probe.Status{Live: parts[0] == "True", StreamID: parts[1], Title: parts[2]}
	if len(parts) == 4 && parts[3] != "NA" {
		st.Thumb = parts[3]
	}
	if !st.Live {
		return probe.Status{}, nil
	}
	return st, nil
}

// StreamURL returns the HLS manifest of the channel's current live stream.
func (y *YTDLP) StreamURL(ctx context.Context, channelID string) (string, error) {
	args := y.base()
	if y.Quality != "" {
		args = append(args, "-f", y.Quality)
	}
	args = append(args, "-g", channelLiveURL(channelID))
	stdout, stderr, err := run(ctx, y.Run, y.bin(), args)
	if err != nil {
		if offlineStderr(stderr) {
			return "", ErrNotLive
		}
		return "", fmt.Errorf("yt-dlp: %w: %s", err, firstLine(stderr))
	}
	for _, l := range lines(stdout) {
		if strings.HasPrefix(l, "https://") && strings.Contains(l, ".m3u8") {
			return l, nil
		}
	}
	if u := firstLine(stdout); strings.HasPrefix(u, "http") {
		return u, nil
	}
	return "", fmt.Errorf("yt-dlp: no stream url in output")
}

// Streamlink resolves Twitch streams through streamlink.
type Streamlink struct {
	Path    string
	Proxy   string
	Quality string
	// PlaylistProxies are tried in order through --twitch-proxy-playlist
	// before a direct attempt.
	PlaylistProxies []string
	Run             Runner
}

func (s *Streamlink) bin() string {
	if s.Path != "" {
		return s.Path
	}
	return "streamlink"
}

// StreamURL returns the HLS URL for a Twitch login.
func (s *Streamlink) StreamURL(ctx context.Context, login string) (string, error) {
	quality := s.Quality
	if quality == "" {
		quality = "best"
	}
	attempts := append(append([]string(nil), s.PlaylistProxies...), "")
	var errs []error
	for _, pp := range attempts {
		var args []string
		if s.Proxy != "" {
			args = append(args, "--http-proxy", s.Proxy)
		}
		if pp != "" {
			args = append(args, "--twitch-proxy-playlist="+pp)
		}
		args = append(args, "--stream-url", "--stream-type", "hls", "https://www.twitch.tv/"+login, quality)
		stdout, stderr, err := run(ctx, s.Run, s.bin(), args)
		if err == nil {
			if u := firstLine(stdout); strings.HasPrefix(u, "http") {
				return u, nil
			}
			err = fmt.Errorf("unexpected output %q", firstLine(stdout))
		} else if strings.Contains(string(stderr), "No playable streams found") {
			return "", ErrNotLive
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		slog.Debug("streamlink attempt failed",
			slog.String("component", "extract"),
			slog.String("playlist_proxy", pp),
			slog.Any("err", err))
		errs = append(errs, fmt.Errorf("streamlink %s: %w", pp, err))
	}
	return "", errors.Join(errs...)
}

// URLSource is anything that can turn a platform id into a stream URL.
type URLSource interface {
	StreamURL(ctx context.Context, id string) (string, error)
}

// Resolver picks the extractor for a channel's platform.
type Resolver struct {
	YouTube URLSource
	Twitch  URLSource
}

// Resolve returns the ingest URL for ch.
func (r *Resolver) Resolve(ctx context.Context, ch registry.Channel) (string, error) {
	var src URLSource
	switch ch.Platform {
	case registry.YouTube:
		src = r.YouTube
	case registry.Twitch:
		src = r.Twitch
	}
	if src == nil {
		return "", fmt.Errorf("no extractor for %s", ch.Platform)
	}
	return src.StreamURL(ctx, ch.PlatformID)
}

// FetchImage downloads a thumbnail for use as the destination cover.
func FetchImage(ctx context.Context, hc *http.Client, url string) ([]byte, error) {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image: %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}

func lines(b []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		if l := strings.TrimSpace(sc.Text()); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func firstLine(b []byte) string {
	if l := lines(b); len(l) > 0 {
		return l[0]
	}
	return ""
}
