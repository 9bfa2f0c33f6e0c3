// Package config loads environment variables into a typed Config used across the service.
// It applies defaults so the binary can run locally with minimal setup.
// Use ValidateRelayReady before starting the relay loop.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CollisionRoom is one destination room watched for duplicate relays.
type CollisionRoom struct {
	Name   string
	RoomID string
}

type Config struct {
	// Polling
	PollInterval  time.Duration
	ProbeTimeout  time.Duration
	DegradedAfter int

	// Destination room
	BiliRoomID     string
	BiliRTMPURL    string
	BiliRTMPKey    string
	BiliSESSDATA   string
	BiliJct        string
	BiliDedeUserID string
	BiliBuvid3     string

	// Sources
	YTChannelName         string
	YTChannelID           string
	TWChannelName         string
	TWChannelID           string
	YTAreaID              int
	TWAreaID              int
	TwitchClientID        string
	TwitchClientSecret    string
	TwitchBotUsername     string
	TwitchOAuthToken      string
	TwitchRefreshToken    string
	TwitchQuality         string
	TwitchPlaylistProxies []string
	HolodexAPIKey         string
	YTAPIKey              string
	YTClientID            string
	YTClientSecret        string
	YTScopes              string
	YTQuality             string
	Proxy                 string
	YTDLPPath             string
	StreamlinkPath        string

	// Decision policy
	EnableAntiCollision bool
	CollisionRooms      []CollisionRoom
	CollisionStrategy   string
	TitleOverridePolicy string

	// Chat commands
	EnableDanmakuCommand bool
	CommandSource        string
	CommandTwitchChannel string
	CommandOperators     []string
	CommandQueueSize     int
	Announce             bool

	// Relay
	AutoCover            bool
	StopDestinationOnEnd bool
	RelayStartupTimeout  time.Duration
	RelayStopGrace       time.Duration
	RelayBackoffBase     time.Duration
	RelayBackoffMax      time.Duration
	RelayMaxRetries      int
	FFmpegPath           string
	FFmpegLogLevel       string

	// Tables
	ChannelsFile string
	AreasFile    string
	ReloadCron   string

	// Storage and events
	DBDriver      string
	DBDsn         string
	EncryptionKey string
	RedisAddr     string
	RedisPassword string
	RedisChannel  string

	// HTTP
	HTTPAddr      string
	AdminToken    string
	AdminUsername string
	AdminPassword string
	AdminRateMax  int
}

// Load reads environment variables and applies defaults. Malformed values are
// reported together; missing optional values disable the features they drive.
func Load() (*Config, error) {
	e := &envReader{}
	cfg := &Config{}

	cfg.PollInterval = e.duration("POLL_INTERVAL", 30*time.Second)
	cfg.ProbeTimeout = e.duration("PROBE_TIMEOUT", 15*time.Second)
	cfg.DegradedAfter = e.integer("DEGRADED_AFTER", 3)

	cfg.BiliRoomID = os.Getenv("BILI_ROOM_ID")
	cfg.BiliRTMPURL = os.Getenv("BILI_RTMP_URL")
	cfg.BiliRTMPKey = os.Getenv("BILI_RTMP_KEY")
	cfg.BiliSESSDATA = os.Getenv("BILI_SESSDATA")
	cfg.BiliJct = os.Getenv("BILI_JCT")
	cfg.BiliDedeUserID = os.Getenv("BILI_DEDE_USER_ID")
	cfg.BiliBuvid3 = os.Getenv("BILI_BUVID3")

	cfg.YTChannelName = os.Getenv("YT_CHANNEL_NAME")
	cfg.YTChannelID = os.Getenv("YT_CHANNEL_ID")
	cfg.TWChannelName = os.Getenv("TW_CHANNEL_NAME")
	cfg.TWChannelID = envOr("TW_CHANNEL_ID", strings.ToLower(cfg.TWChannelName))
	cfg.YTAreaID = e.integer("YT_AREA_ID", 235)
	cfg.TWAreaID = e.integer("TW_AREA_ID", 235)
	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.TwitchBotUsername = os.Getenv("TWITCH_BOT_USERNAME")
	cfg.TwitchOAuthToken = strings.TrimPrefix(os.Getenv("TWITCH_OAUTH_TOKEN"), "oauth:")
	cfg.TwitchRefreshToken = os.Getenv("TWITCH_REFRESH_TOKEN")
	cfg.TwitchQuality = envOr("TWITCH_QUALITY", "best")
	cfg.TwitchPlaylistProxies = list(os.Getenv("TWITCH_PROXY_PLAYLISTS"))
	cfg.HolodexAPIKey = os.Getenv("HOLODEX_API_KEY")
	cfg.YTAPIKey = os.Getenv("YT_API_KEY")
	cfg.YTClientID = os.Getenv("YT_CLIENT_ID")
	cfg.YTClientSecret = os.Getenv("YT_CLIENT_SECRET")
	cfg.YTScopes = envOr("YT_SCOPES", "https://www.googleapis.com/auth/youtube.readonly")
	cfg.YTQuality = os.Getenv("YT_QUALITY")
	cfg.Proxy = os.Getenv("PROXY")
	cfg.YTDLPPath = envOr("YTDLP_PATH", "yt-dlp")
	cfg.StreamlinkPath = envOr("STREAMLINK_PATH", "streamlink")

	cfg.EnableAntiCollision = e.boolean("ENABLE_ANTI_COLLISION", false)
	cfg.CollisionRooms = e.rooms("COLLISION_ROOMS")
	cfg.CollisionStrategy = envOr("COLLISION_STRATEGY", "substring")
	cfg.TitleOverridePolicy = envOr("TITLE_OVERRIDE_POLICY", "always")

	cfg.EnableDanmakuCommand = e.boolean("ENABLE_DANMAKU_COMMAND", false)
	cfg.CommandSource = envOr("COMMAND_SOURCE", "bilibili")
	cfg.CommandTwitchChannel = os.Getenv("COMMAND_TWITCH_CHANNEL")
	cfg.CommandOperators = list(os.Getenv("COMMAND_OPERATORS"))
	cfg.CommandQueueSize = e.integer("COMMAND_QUEUE_SIZE", 4)
	cfg.Announce = e.boolean("ANNOUNCE", true)

	cfg.AutoCover = e.boolean("AUTO_COVER", false)
	cfg.StopDestinationOnEnd = e.boolean("STOP_DESTINATION_ON_END", true)
	cfg.RelayStartupTimeout = e.duration("RELAY_STARTUP_TIMEOUT", 20*time.Second)
	cfg.RelayStopGrace = e.duration("RELAY_STOP_GRACE", 10*time.Second)
	cfg.RelayBackoffBase = e.duration("RELAY_BACKOFF_BASE", 5*time.Second)
	cfg.RelayBackoffMax = e.duration("RELAY_BACKOFF_MAX", 5*time.Minute)
	cfg.RelayMaxRetries = e.integer("RELAY_MAX_RETRIES", 5)
	cfg.FFmpegPath = envOr("FFMPEG_PATH", "ffmpeg")
	cfg.FFmpegLogLevel = envOr("FFMPEG_LOG_LEVEL", "error")

	cfg.ChannelsFile = os.Getenv("CHANNELS_FILE")
	cfg.AreasFile = os.Getenv("AREAS_FILE")
	cfg.ReloadCron = os.Getenv("RELOAD_CRON")

	cfg.DBDriver = os.Getenv("DB_DRIVER")
	cfg.DBDsn = os.Getenv("DB_DSN")
	if cfg.DBDriver == "sqlite" && cfg.DBDsn == "" {
		cfg.DBDsn = "file:bilirelay.db?_pragma=busy_timeout(5000)"
	}
	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisChannel = envOr("REDIS_CHANNEL", "bilirelay:events")

	cfg.HTTPAddr = envOr("HTTP_ADDR", ":8080")
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	cfg.AdminUsername = os.Getenv("ADMIN_USERNAME")
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD")
	cfg.AdminRateMax = e.integer("ADMIN_RATE_LIMIT", 10)

	switch cfg.DBDriver {
	case "", "pgx", "postgres", "sqlite":
	default:
		e.fail("DB_DRIVER", cfg.DBDriver, errors.New("want pgx, postgres or sqlite"))
	}
	switch cfg.CommandSource {
	case "bilibili", "twitch":
	default:
		e.fail("COMMAND_SOURCE", cfg.CommandSource, errors.New("want bilibili or twitch"))
	}
	if cfg.CommandQueueSize < 1 {
		cfg.CommandQueueSize = 1
	}
	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateRelayReady checks the settings without which no relay can start.
func (c *Config) ValidateRelayReady() error {
	var missing []string
	if c.BiliRoomID == "" {
		missing = append(missing, "BILI_ROOM_ID")
	}
	if c.BiliSESSDATA == "" || c.BiliJct == "" {
		if c.BiliRTMPURL == "" || c.BiliRTMPKey == "" {
			missing = append(missing, "BILI_SESSDATA/BILI_JCT or BILI_RTMP_URL/BILI_RTMP_KEY")
		}
	}
	if c.YTChannelName == "" && c.TWChannelName == "" {
		missing = append(missing, "YT_CHANNEL_NAME or TW_CHANNEL_NAME")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing relay env: require %s", strings.Join(missing, ", "))
	}
	return nil
}

// CommandsEnabled reports whether a chat command source should be started.
func (c *Config) CommandsEnabled() bool {
	if !c.EnableDanmakuCommand {
		return false
	}
	if c.CommandSource == "twitch" {
		return c.CommandTwitchChannel != ""
	}
	return c.BiliRoomID != ""
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func list(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type envReader struct{ errs []error }

func (e *envReader) fail(key, val string, err error) {
	e.errs = append(e.errs, fmt.Errorf("invalid %s %q: %w", key, val, err))
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare numbers are seconds, as in the original interval setting.
		n, nerr := strconv.Atoi(v)
		if nerr != nil {
			e.fail(key, v, err)
			return def
		}
		d = time.Duration(n) * time.Second
	}
	if d <= 0 {
		e.fail(key, v, errors.New("must be positive"))
		return def
	}
	return d
}

func (e *envReader) integer(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *envReader) boolean(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return b
}

// rooms parses "name:room,name:room".
func (e *envReader) rooms(key string) []CollisionRoom {
	var out []CollisionRoom
	for _, item := range list(os.Getenv(key)) {
		name, room, ok := strings.Cut(item, ":")
		name, room = strings.TrimSpace(name), strings.TrimSpace(room)
		if !ok || name == "" {
			e.fail(key, item, errors.New("want name:room"))
			continue
		}
		if _, err := strconv.Atoi(room); err != nil {
			e.fail(key, item, err)
			continue
		}
		out = append(out, CollisionRoom{Name: name, RoomID: room})
	}
	return out
}
