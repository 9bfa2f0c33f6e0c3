// Package probe answers "is this entity live right now" for source channels,
// the destination room and the rooms watched for collisions.
//
// Every answer is one of three states. Transport failures and timeouts are
// reported as Unknown and never as Offline, so a flaky network cannot make a
// live stream look finished.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/bilirelay/registry"
	"github.com/onnwee/bilirelay/telemetry"
)

// ErrUnavailable wraps every failure that produced an Unknown result.
var ErrUnavailable = errors.New("probe unavailable")

// State is the tri-state liveness of a probed entity.
type State int

const (
	Unknown State = iota
	Offline
	Live
)

func (s State) String() string {
	switch s {
	case Offline:
		return "offline"
	case Live:
		return "live"
	}
	return "unknown"
}

// Status is what a Source reports for one id.
type Status struct {
	Live     bool
	Title    string
	Topic    string // game or category name when the platform exposes one
	StreamID string
	Thumb    string
}

// Source is one way of asking a platform about an id.
type Source interface {
	Status(ctx context.Context, id string) (Status, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, id string) (Status, error)

func (f SourceFunc) Status(ctx context.Context, id string) (Status, error) { return f(ctx, id) }

// Result is a single probe outcome.
type Result struct {
	State    State
	Title    string
	Topic    string
	StreamID string
	Thumb    string
	Err      error
	At       time.Time
}

// Text is what the classifier sees: topic and title joined.
func (r Result) Text() string {
	return strings.TrimSpace(r.Topic + " " + r.Title)
}

// IsLive is shorthand for r.State == Live.
func (r Result) IsLive() bool { return r.State == Live }

type fallback []Source

// Fallback asks each source in turn and returns the first answer that came
// back without an error. When every source fails the errors are joined.
func Fallback(sources ...Source) Source {
	var out fallback
	for _, s := range sources {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (f fallback) Status(ctx context.Context, id string) (Status, error) {
	if len(f) == 0 {
		return Status{}, errors.New("no sources configured")
	}
	var errs []error
	for _, s := range f {
		st, err := s.Status(ctx, id)
		if err == nil {
			return st, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return Status{}, errors.Join(errs...)
}

// Prober fans probe calls out to per-platform sources with a fixed timeout.
// It holds no mutable state and is safe for concurrent use.
type Prober struct {
	Sources     map[registry.Platform]Source
	Destination Source
	DestRoom    string
	Timeout     time.Duration
	Now         func() time.Time
}

// Probe checks a source channel.
func (p *Prober) Probe(ctx context.Context, ch registry.Channel) Result {
	src := p.Sources[ch.Platform]
	if src == nil {
		return p.unknown(fmt.Errorf("no source for platform %s", ch.Platform))
	}
	return p.run(ctx, src, "source", string(ch.Platform)+"/"+ch.Name, ch.PlatformID)
}

// ProbeDestination checks the destination room.
func (p *Prober) ProbeDestination(ctx context.Context) Result {
	return p.ProbeRoom(ctx, p.DestRoom)
}

// ProbeRoom checks any destination-platform room, such as a collision room.
func (p *Prober) ProbeRoom(ctx context.Context, roomID string) Result {
	if p.Destination == nil {
		return p.unknown(errors.New("no destination source"))
	}
	return p.run(ctx, p.Destination, "room", roomID, roomID)
}

func (p *Prober) run(ctx context.Context, src Source, kind, entity, id string) Result {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, "probe", "probe."+kind,
		attribute.String("entity", entity))
	defer span.End()

	st, err := src.Status(ctx, id)
	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.ProbeFailures.WithLabelValues(kind).Inc()
		telemetry.LoggerWithCorr(ctx).Debug("probe failed",
			slog.String("component", "probe"),
			slog.String("entity", entity),
			slog.Any("err", err))
		return p.unknown(err)
	}
	telemetry.SetSpanSuccess(span)
	res := Result{State: Offline, At: p.now()}
	if st.Live {
		res.State = Live
		res.Title = st.Title
		res.Topic = st.Topic
		res.StreamID = st.StreamID
		res.Thumb = st.Thumb
	}
	return res
}

func (p *Prober) unknown(err error) Result {
	return Result{State: Unknown, Err: fmt.Errorf("%w: %w", ErrUnavailable, err), At: p.now()}
}

func (p *Prober) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}
