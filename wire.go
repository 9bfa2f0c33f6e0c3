package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/onnwee/bilirelay/area"
	"github.com/onnwee/bilirelay/bilibili"
	"github.com/onnwee/bilirelay/chat"
	"github.com/onnwee/bilirelay/collision"
	"github.com/onnwee/bilirelay/config"
	"github.com/onnwee/bilirelay/crypto"
	"github.com/onnwee/bilirelay/db"
	"github.com/onnwee/bilirelay/extract"
	"github.com/onnwee/bilirelay/notify"
	"github.com/onnwee/bilirelay/oauth"
	"github.com/onnwee/bilirelay/orchestrator"
	"github.com/onnwee/bilirelay/probe"
	"github.com/onnwee/bilirelay/registry"
	"github.com/onnwee/bilirelay/relay"
	"github.com/onnwee/bilirelay/twitchapi"
	"github.com/onnwee/bilirelay/youtubeapi"
)

// app is the wired process. sinks run until the orchestrator has stopped;
// background jobs run until the root context ends.
type app struct {
	orch       *orchestrator.Orchestrator
	registry   *registry.Registry
	classifier *area.Classifier
	store      *db.Store
	sinks      []func(context.Context)
	background []func(context.Context)
	closers    []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", slog.Any("err", err))
		}
	}
}

// reloadTables re-reads the channel and category files. A bad file keeps
// the previous table.
func (a *app) reloadTables(cfg *config.Config) {
	logger := slog.Default().With(slog.String("component", "reload"))
	if channels, err := config.LoadChannels(cfg.ChannelsFile, cfg); err != nil {
		logger.Warn("channel table reload failed", slog.Any("err", err))
	} else if err := a.registry.Replace(channels); err != nil {
		logger.Warn("channel table rejected", slog.Any("err", err))
	} else {
		logger.Info("channel table reloaded", slog.Int("channels", len(channels)))
	}
	if table, err := config.LoadAreas(cfg.AreasFile); err != nil {
		logger.Warn("category table reload failed", slog.Any("err", err))
	} else if err := a.classifier.Swap(table); err != nil {
		logger.Warn("category table rejected", slog.Any("err", err))
	} else {
		logger.Info("category table reloaded")
	}
}

func build(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}
	hc := &http.Client{Timeout: 15 * time.Second}

	channels, err := config.LoadChannels(cfg.ChannelsFile, cfg)
	if err != nil {
		return nil, err
	}
	if a.registry, err = registry.New(channels); err != nil {
		return nil, fmt.Errorf("channel table: %w", err)
	}
	table, err := config.LoadAreas(cfg.AreasFile)
	if err != nil {
		return nil, err
	}
	policy, err := area.ParsePolicy(cfg.TitleOverridePolicy)
	if err != nil {
		return nil, err
	}
	if a.classifier, err = area.New(table, policy); err != nil {
		return nil, fmt.Errorf("category table: %w", err)
	}

	if err := a.openStore(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}

	bili := &bilibili.Client{
		RoomID:     cfg.BiliRoomID,
		HTTPClient: hc,
		Credentials: bilibili.Credentials{
			SESSDATA:   cfg.BiliSESSDATA,
			BiliJct:    cfg.BiliJct,
			DedeUserID: cfg.BiliDedeUserID,
			Buvid3:     cfg.BiliBuvid3,
		},
	}

	var staticRTMP string
	if cfg.BiliRTMPURL != "" {
		staticRTMP = cfg.BiliRTMPURL + cfg.BiliRTMPKey
	}
	writer := &relay.Writer{
		Dest:       bili,
		StaticRTMP: staticRTMP,
		OpenLive:   bili.Credentials.Valid(),
		Cover:      cfg.AutoCover,
		Announce:   cfg.Announce,
		HTTPClient: hc,
	}
	a.sinks = append(a.sinks, writer.Run)

	ytdlp := &extract.YTDLP{Path: cfg.YTDLPPath, Proxy: cfg.Proxy, Quality: cfg.YTQuality}
	streamlink := &extract.Streamlink{Path: cfg.StreamlinkPath, Proxy: cfg.Proxy, Quality: cfg.TwitchQuality, PlaylistProxies: cfg.TwitchPlaylistProxies}

	prober := &probe.Prober{
		Sources: map[registry.Platform]probe.Source{
			registry.YouTube: a.youtubeSource(cfg, ytdlp, hc),
			registry.Twitch:  a.twitchSource(cfg, hc),
		},
		Destination: bili,
		DestRoom:    cfg.BiliRoomID,
		Timeout:     cfg.ProbeTimeout,
	}

	var guard *collision.Guard
	if cfg.EnableAntiCollision {
		strategy, err := collision.ParseStrategy(cfg.CollisionStrategy, a.classifier.FromTitle)
		if err != nil {
			a.Close()
			return nil, err
		}
		rooms := make([]collision.Room, 0, len(cfg.CollisionRooms))
		for _, r := range cfg.CollisionRooms {
			rooms = append(rooms, collision.Room{Name: r.Name, RoomID: r.RoomID})
		}
		guard = collision.NewGuard(rooms, cfg.BiliRoomID, strategy, a.registry.Mentions)
	}

	var observers []relay.Observer
	if a.store != nil {
		rec := db.NewRecorder(a.store, 256)
		observers = append(observers, rec)
		a.sinks = append(a.sinks, rec.Run)
	}
	if cfg.RedisAddr != "" {
		pub, err := notify.NewRedisPublisher(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisChannel)
		if err != nil {
			slog.Warn("redis unavailable, relay events will not be published", slog.Any("err", err), slog.String("component", "notify"))
		} else {
			n := notify.NewNotifier(pub, 256)
			observers = append(observers, n)
			a.sinks = append(a.sinks, n.Run)
			a.closers = append(a.closers, pub.Close)
		}
	}

	queue := chat.NewQueue(cfg.CommandQueueSize)
	listener, err := a.commandListener(ctx, cfg, bili, queue, hc)
	if err != nil {
		slog.Warn("chat commands disabled", slog.Any("err", err), slog.String("component", "chat"))
	}

	opts := orchestrator.Options{
		Supervisor: relay.Options{
			Resolver:   &extract.Resolver{YouTube: ytdlp, Twitch: streamlink},
			Launcher:   newLauncher(cfg),
			Room:       writer,
			Classifier: a.classifier,
			Policy: relay.Policy{
				Base:        cfg.RelayBackoffBase,
				Max:         cfg.RelayBackoffMax,
				MaxRetries:  cfg.RelayMaxRetries,
				StableAfter: 2 * time.Minute,
			},
			StopGrace:  cfg.RelayStopGrace,
			CloseOnEnd: cfg.StopDestinationOnEnd,
			Observers:  observers,
		},
		Prober:   prober,
		Interval: cfg.PollInterval,
		Registry: a.registry,
		Guard:    guard,
		Health:   probe.NewHealth(cfg.DegradedAfter),
		Defaults: a.defaults(cfg),
	}
	if listener != nil {
		opts.Listener, opts.Queue = listener, queue
	}
	if a.store != nil {
		opts.Store = a.store
	}
	a.orch = orchestrator.New(opts)
	return a, nil
}

func (a *app) openStore(ctx context.Context, cfg *config.Config) error {
	driver := cfg.DBDriver
	if driver == "" && cfg.DBDsn != "" {
		driver = db.DriverPostgres
	}
	if driver == "" {
		slog.Info("no database configured, relay history and the watch set are kept in memory", slog.String("component", "db"))
		return nil
	}
	driver, err := db.NormalizeDriver(driver)
	if err != nil {
		return err
	}
	var sealer crypto.Sealer
	if cfg.EncryptionKey != "" {
		s, err := crypto.NewAESGCM(cfg.EncryptionKey)
		if err != nil {
			return fmt.Errorf("ENCRYPTION_KEY: %w", err)
		}
		sealer = s
	}
	database, err := db.Connect(ctx, driver, cfg.DBDsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	a.closers = append(a.closers, database.Close)
	slog.Info("running database migrations", slog.String("component", "db_migrate"), slog.String("driver", driver))
	if err := db.RunMigrations(database, driver); err != nil {
		return err
	}
	a.store = db.NewStore(database, driver, sealer)
	return nil
}

// youtubeSource tries Holodex, then the Data API, then yt-dlp.
func (a *app) youtubeSource(cfg *config.Config, ytdlp *extract.YTDLP, hc *http.Client) probe.Source {
	var sources []probe.Source
	if cfg.HolodexAPIKey != "" {
		sources = append(sources, &youtubeapi.Holodex{APIKey: cfg.HolodexAPIKey, ChannelName: a.youtubeName, HTTPClient: hc})
	}
	var svc *youtubeapi.Service
	if a.store != nil {
		svc = youtubeapi.New(cfg, a.store)
	} else {
		svc = youtubeapi.New(cfg, nil)
	}
	if svc.Configured() {
		sources = append(sources, svc)
		if a.store != nil && cfg.YTClientID != "" {
			oc := &oauth2.Config{ClientID: cfg.YTClientID, ClientSecret: cfg.YTClientSecret, Endpoint: google.Endpoint}
			r := &oauth.Refresher{Store: a.store, Provider: "youtube", Refresh: oauth.OAuth2(oc), Interval: 10 * time.Minute, Window: 20 * time.Minute}
			a.background = append(a.background, r.Run)
		}
	}
	sources = append(sources, ytdlp)
	return probe.Fallback(sources...)
}

// youtubeName maps a probed YouTube channel id to its registered name, so a
// retargeted channel is matched under its own name.
func (a *app) youtubeName(id string) string {
	for _, ch := range a.registry.ByPlatform(registry.YouTube) {
		if ch.PlatformID == id {
			return ch.Name
		}
	}
	return ""
}

func newLauncher(cfg *config.Config) *relay.FFmpegLauncher {
	return &relay.FFmpegLauncher{
		Path:           cfg.FFmpegPath,
		LogLevel:       cfg.FFmpegLogLevel,
		Proxy:          cfg.Proxy,
		StartupTimeout: cfg.RelayStartupTimeout,
	}
}

// twitchSource uses Helix when app credentials exist and GQL otherwise.
func (a *app) twitchSource(cfg *config.Config, hc *http.Client) probe.Source {
	var sources []probe.Source
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		ts := &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret, HTTPClient: hc}
		sources = append(sources, &twitchapi.HelixClient{AppTokenSource: ts, ClientID: cfg.TwitchClientID, HTTPClient: hc})
	}
	sources = append(sources, &twitchapi.GQLClient{HTTPClient: hc})
	return probe.Fallback(sources...)
}

func (a *app) commandListener(ctx context.Context, cfg *config.Config, bili *bilibili.Client, queue *chat.Queue, hc *http.Client) (*chat.Listener, error) {
	if !cfg.CommandsEnabled() {
		return nil, nil
	}
	var src chat.LineSource
	switch cfg.CommandSource {
	case "twitch":
		ts := &chat.TwitchSource{Channel: cfg.CommandTwitchChannel, Username: cfg.TwitchBotUsername, Operators: cfg.CommandOperators}
		if cfg.TwitchBotUsername != "" {
			tok, err := a.twitchBotToken(ctx, cfg, hc)
			if err != nil {
				slog.Warn("twitch bot token unavailable, joining anonymously", slog.Any("err", err), slog.String("component", "chat"))
			}
			ts.OAuth = tok
		}
		src = ts
	default:
		var uid int64
		if cfg.BiliDedeUserID != "" {
			n, err := strconv.ParseInt(cfg.BiliDedeUserID, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("BILI_DEDE_USER_ID: %w", err)
			}
			uid = n
		}
		src = &bilibili.DanmakuSource{Client: bili, RoomID: cfg.BiliRoomID, UID: uid}
	}
	return &chat.Listener{
		Source: src,
		Parser: &chat.Parser{Registry: a.registry, Categories: a.classifier},
		Queue:  queue,
	}, nil
}

// twitchBotToken returns the IRC token, preferring a stored and refreshed
// one over TWITCH_OAUTH_TOKEN. With a store, a refresher keeps it fresh.
func (a *app) twitchBotToken(ctx context.Context, cfg *config.Config, hc *http.Client) (string, error) {
	ut := &twitchapi.UserToken{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret, HTTPClient: hc}
	if a.store != nil {
		ut.Store = a.store
		if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
			r := &oauth.Refresher{
				Store:    a.store,
				Provider: twitchapi.BotProvider,
				Interval: 5 * time.Minute,
				Window:   15 * time.Minute,
				Refresh: func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
					res, err := twitchapi.RefreshToken(rctx, hc, cfg.TwitchClientID, cfg.TwitchClientSecret, refreshToken)
					if err != nil {
						return "", "", time.Time{}, "", err
					}
					return res.AccessToken, res.RefreshToken, twitchapi.ComputeExpiry(res.ExpiresIn), strings.Join(res.Scope, " "), nil
				},
			}
			a.background = append(a.background, r.Run)
		}
	}
	ut.Seed(cfg.TwitchOAuthToken, cfg.TwitchRefreshToken)
	tctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	tok, err := ut.Get(tctx)
	if tok == "" && err == nil {
		err = errors.New("empty twitch bot token")
	}
	return tok, err
}

// defaults are the configured channels with their platform's default
// category, used until a command or a stored watch set replaces them.
func (a *app) defaults(cfg *config.Config) []registry.Watch {
	var out []registry.Watch
	for _, ch := range cfg.DefaultChannels() {
		full, err := a.registry.Lookup(ch.Platform, ch.Name)
		if err != nil {
			full = ch
		}
		id := cfg.YTAreaID
		if ch.Platform == registry.Twitch {
			id = cfg.TWAreaID
		}
		out = append(out, registry.Watch{Channel: full, CategoryID: id, Category: a.classifier.Name(id)})
	}
	return out
}
