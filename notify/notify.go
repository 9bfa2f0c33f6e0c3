// Package notify fans relay events out to other services. The Redis
// publisher is fire-and-forget: a slow or absent broker never delays a
// relay decision.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/bilirelay/relay"
)

// Event is the JSON payload published for every relay notification.
type Event struct {
	Kind      string    `json:"kind"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Platform  string    `json:"platform,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	Category  int       `json:"category_id,omitempty"`
	Title     string    `json:"title,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher delivers one event.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// RedisPublisher publishes events on a pub/sub channel and keeps the most
// recent one under "<channel>:last" for late subscribers.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher connects and pings the broker.
func NewRedisPublisher(ctx context.Context, addr, password, channel string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	if channel == "" {
		channel = "bilirelay:events"
	}
	return &RedisPublisher{client: client, channel: channel}, nil
}

// Channel is the pub/sub channel name.
func (p *RedisPublisher) Channel() string { return p.channel }

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pipe := p.client.TxPipeline()
	pipe.Publish(ctx, p.channel, data)
	pipe.Set(ctx, p.channel+":last", data, 24*time.Hour)
	_, err = pipe.Exec(ctx)
	return err
}

// Subscribe returns a subscription to the event channel.
func (p *RedisPublisher) Subscribe(ctx context.Context) *redis.PubSub {
	return p.client.Subscribe(ctx, p.channel)
}

// Close closes the client.
func (p *RedisPublisher) Close() error { return p.client.Close() }

// Notifier adapts a Publisher to relay.Observer. Callbacks enqueue and
// return; Run delivers.
type Notifier struct {
	pub     Publisher
	queue   chan Event
	dropped atomic.Uint64
}

var _ relay.Observer = (*Notifier)(nil)

// NewNotifier buffers up to size events.
func NewNotifier(pub Publisher, size int) *Notifier {
	if size <= 0 {
		size = 64
	}
	return &Notifier{pub: pub, queue: make(chan Event, size)}
}

// Dropped counts events lost to a full buffer.
func (n *Notifier) Dropped() uint64 { return n.dropped.Load() }

// Run publishes until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	logger := slog.Default().With(slog.String("component", "notify"))
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.queue:
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if err := n.pub.Publish(pctx, ev); err != nil {
				logger.Warn("publish event", slog.String("kind", ev.Kind), slog.Any("err", err))
			}
			cancel()
		}
	}
}

func (n *Notifier) send(ev Event) {
	select {
	case n.queue <- ev:
	default:
		n.dropped.Add(1)
	}
}

func targetEvent(kind string, t relay.Target, at time.Time) Event {
	return Event{
		Kind:     kind,
		Platform: t.Channel.Platform.Short(),
		Channel:  t.Channel.Name,
		Category: t.CategoryID,
		Title:    t.Title,
		At:       at,
	}
}

func (n *Notifier) OnTransition(tr relay.Transition) {
	ev := targetEvent("transition", tr.Target, tr.At)
	ev.From, ev.To, ev.Reason = tr.From.String(), tr.To.String(), tr.Reason
	n.send(ev)
}

func (n *Notifier) OnSessionStart(s relay.Session) {
	ev := targetEvent("session_start", s.Target, s.StartedAt)
	ev.SessionID = s.ID
	n.send(ev)
}

func (n *Notifier) OnSessionEnd(s relay.Session, err error, at time.Time) {
	ev := targetEvent("session_end", s.Target, at)
	ev.SessionID = s.ID
	if err != nil {
		ev.Error = err.Error()
	}
	n.send(ev)
}

func (n *Notifier) OnFailure(t relay.Target, err error) {
	ev := targetEvent("failure", t, time.Now())
	ev.Error = err.Error()
	n.send(ev)
}
