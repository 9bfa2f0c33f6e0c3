package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/bilirelay/bilibili"
	"github.com/onnwee/bilirelay/extract"
)

// Destination is the write side of the destination room.
type Destination interface {
	StartLive(ctx context.Context, areaID int) (bilibili.RTMP, error)
	StopLive(ctx context.Context) error
	SetTitle(ctx context.Context, title string) error
	SetCategory(ctx context.Context, areaID int) error
	SetCover(ctx context.Context, image []byte) error
	SendMessage(ctx context.Context, msg string) error
}

// TitlePrefix marks relayed broadcasts in the destination title.
const TitlePrefix = "【转播】"

// Title is the destination title for a relay of channel.
func Title(channel string) string { return TitlePrefix + channel }

type job struct {
	name string
	fn   func(ctx context.Context) error
	res  chan error
}

// Writer serializes every destination write on one goroutine so metadata
// updates land in the order they were requested.
type Writer struct {
	Dest Destination
	// StaticRTMP is used as the publish URL when the destination cannot be
	// opened through the API (no cookies configured).
	StaticRTMP string
	// OpenLive calls StartLive to obtain the publish URL.
	OpenLive   bool
	Cover      bool
	Announce   bool
	HTTPClient *http.Client
	Timeout    time.Duration

	jobs chan job
	once sync.Once
}

func (w *Writer) queue() chan job {
	w.once.Do(func() { w.jobs = make(chan job, 32) })
	return w.jobs
}

// Run executes jobs until ctx is done.
func (w *Writer) Run(ctx context.Context) {
	logger := slog.Default().With(slog.String("component", "destination"))
	q := w.queue()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-q:
			timeout := w.Timeout
			if timeout <= 0 {
				timeout = 30 * time.Second
			}
			jctx, cancel := context.WithTimeout(ctx, timeout)
			err := j.fn(jctx)
			cancel()
			if err != nil {
				logger.Warn("destination write failed", slog.String("op", j.name), slog.Any("err", err))
			}
			if j.res != nil {
				j.res <- err
			}
		}
	}
}

func (w *Writer) submit(name string, fn func(context.Context) error, wait bool) chan error {
	j := job{name: name, fn: fn}
	if wait {
		j.res = make(chan error, 1)
	}
	select {
	case w.queue() <- j:
	default:
		slog.Warn("destination queue full, dropping write", slog.String("component", "destination"), slog.String("op", name))
		if j.res != nil {
			j.res <- errors.New("destination queue full")
		}
	}
	return j.res
}

func (w *Writer) await(ctx context.Context, res chan error) error {
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Prepare sets the room title, category and optional cover for t, opens the
// room when configured to, and returns the publish URL.
func (w *Writer) Prepare(ctx context.Context, t Target) (string, error) {
	var publish string
	res := w.submit("prepare", func(jctx context.Context) error {
		if err := w.Dest.SetTitle(jctx, Title(t.Channel.Name)); err != nil {
			return fmt.Errorf("set title: %w", err)
		}
		if err := w.Dest.SetCategory(jctx, t.CategoryID); err != nil {
			return fmt.Errorf("set category: %w", err)
		}
		if w.Cover && t.Thumb != "" {
			if img, err := extract.FetchImage(jctx, w.HTTPClient, t.Thumb); err != nil {
				slog.Warn("cover fetch failed", slog.String("component", "destination"), slog.Any("err", err))
			} else if err := w.Dest.SetCover(jctx, img); err != nil {
				slog.Warn("cover update failed", slog.String("component", "destination"), slog.Any("err", err))
			}
		}
		if !w.OpenLive {
			publish = w.StaticRTMP
			return nil
		}
		rtmp, err := w.Dest.StartLive(jctx, t.CategoryID)
		if err != nil {
			if w.StaticRTMP != "" {
				publish = w.StaticRTMP
				return nil
			}
			return fmt.Errorf("start live: %w", err)
		}
		publish = rtmp.URL()
		return nil
	}, true)
	if err := w.await(ctx, res); err != nil {
		return "", err
	}
	if publish == "" {
		return "", errors.New("no publish url")
	}
	return publish, nil
}

// Follow pushes a category change for a running relay.
func (w *Writer) Follow(categoryID int) {
	w.submit("follow", func(ctx context.Context) error {
		return w.Dest.SetCategory(ctx, categoryID)
	}, false)
}

// Close ends the destination broadcast.
func (w *Writer) Close() {
	w.submit("stop live", func(ctx context.Context) error {
		return w.Dest.StopLive(ctx)
	}, false)
}

// Say posts msg in the destination chat when announcements are on.
func (w *Writer) Say(msg string) {
	if !w.Announce || strings.TrimSpace(msg) == "" {
		return
	}
	w.submit("announce", func(ctx context.Context) error {
		return w.Dest.SendMessage(ctx, msg)
	}, false)
}

// Announcement texts.
func SwitchMessage(from, to string) string { return fmt.Sprintf("换台：%s → %s", from, to) }

func EndedMessage(channel string) string {
	return fmt.Sprintf("%s 直播结束，可使用弹幕指令进行换台", channel)
}

func BannedMessage(keyword string) string { return "错误：标题/分区含:" + keyword }

func CollisionMessage(room, roomID, channel string) string {
	return fmt.Sprintf("%s(%s)正在转%s", room, roomID, channel)
}

func ExhaustedMessage(channel string) string {
	return fmt.Sprintf("%s 流传输中断，可使用弹幕指令进行换台", channel)
}
