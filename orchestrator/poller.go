package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/bilirelay/collision"
	"github.com/onnwee/bilirelay/probe"
	"github.com/onnwee/bilirelay/registry"
	"github.com/onnwee/bilirelay/telemetry"
)

// Probed pairs a watched channel with its probe result.
type Probed struct {
	Channel registry.Channel
	Result  probe.Result
}

// Snapshot is the outcome of one poll cycle. It is delivered whole to the
// orchestrator so a cycle is applied as a single event.
type Snapshot struct {
	ID          string
	At          time.Time
	Took        time.Duration
	Sources     []Probed
	Destination probe.Result
	Rooms       map[string]probe.Result
}

// Find returns the result for ch, if ch was probed in this cycle.
func (s Snapshot) Find(ch registry.Channel) (probe.Result, bool) {
	for _, p := range s.Sources {
		if p.Channel.Platform == ch.Platform && p.Channel.PlatformID == ch.PlatformID {
			return p.Result, true
		}
	}
	return probe.Result{}, false
}

// Poller probes every watched entity on a fixed interval. Probes within a
// cycle run concurrently; cycles never overlap.
type Poller struct {
	Prober      *probe.Prober
	Interval    time.Duration
	Concurrency int
	Watch       func() []registry.Channel
	Rooms       []collision.Room

	kick chan struct{}
}

// NewPoller returns a poller that asks watch for the current channel set at
// the start of every cycle.
func NewPoller(p *probe.Prober, interval time.Duration, watch func() []registry.Channel, rooms []collision.Room) *Poller {
	return &Poller{Prober: p, Interval: interval, Concurrency: 4, Watch: watch, Rooms: rooms, kick: make(chan struct{}, 1)}
}

// Kick requests an early cycle. Extra kicks before the next cycle coalesce.
func (p *Poller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run polls immediately and then on every tick or kick until ctx is done.
func (p *Poller) Run(ctx context.Context, deliver func(Snapshot)) {
	interval := p.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("poller started", slog.String("component", "poller"), slog.Duration("interval", interval))
	for {
		snap := p.Cycle(ctx)
		if ctx.Err() != nil {
			return
		}
		deliver(snap)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.kick:
		}
	}
}

// Cycle runs one round of probes and returns their results. Individual
// failures come back as Unknown results, so the cycle itself cannot fail.
func (p *Poller) Cycle(ctx context.Context) Snapshot {
	id := uuid.NewString()
	ctx = telemetry.WithCorrelation(ctx, id)
	start := time.Now()

	var channels []registry.Channel
	if p.Watch != nil {
		channels = p.Watch()
	}
	sources := make([]probe.Result, len(channels))
	rooms := make([]probe.Result, len(p.Rooms))
	var dest probe.Result

	var g errgroup.Group
	limit := p.Concurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)
	g.Go(func() error {
		dest = p.Prober.ProbeDestination(ctx)
		return nil
	})
	for i, ch := range channels {
		g.Go(func() error {
			sources[i] = p.Prober.Probe(ctx, ch)
			return nil
		})
	}
	for i, room := range p.Rooms {
		g.Go(func() error {
			rooms[i] = p.Prober.ProbeRoom(ctx, room.RoomID)
			return nil
		})
	}
	_ = g.Wait()

	snap := Snapshot{
		ID:          id,
		At:          time.Now(),
		Took:        time.Since(start),
		Destination: dest,
		Rooms:       make(map[string]probe.Result, len(p.Rooms)),
	}
	for i, ch := range channels {
		snap.Sources = append(snap.Sources, Probed{Channel: ch, Result: sources[i]})
	}
	for i, room := range p.Rooms {
		snap.Rooms[room.RoomID] = rooms[i]
	}
	telemetry.PollCycles.Inc()
	telemetry.PollDuration.Observe(snap.Took.Seconds())
	telemetry.LoggerWithCorr(ctx).Debug("poll cycle",
		slog.String("component", "poller"),
		slog.Int("sources", len(channels)),
		slog.Int("rooms", len(p.Rooms)),
		slog.Duration("took", snap.Took))
	return snap
}
