package db

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/onnwee/bilirelay/relay"
)

type job struct {
	what string
	run  func(context.Context) error
}

// Recorder is a relay.Observer that writes to a Store from its own
// goroutine. Observer callbacks never block; when the buffer is full the
// record is dropped and counted.
type Recorder struct {
	store   *Store
	jobs    chan job
	dropped atomic.Uint64
	timeout time.Duration
}

var _ relay.Observer = (*Recorder)(nil)

// NewRecorder buffers up to size pending writes.
func NewRecorder(s *Store, size int) *Recorder {
	if size <= 0 {
		size = 256
	}
	return &Recorder{store: s, jobs: make(chan job, size), timeout: 5 * time.Second}
}

// Dropped is the number of records lost to a full buffer.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Run writes queued records until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case j := <-r.jobs:
			r.exec(context.Background(), j)
		case <-ctx.Done():
			for {
				select {
				case j := <-r.jobs:
					r.exec(context.Background(), j)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) exec(ctx context.Context, j job) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := j.run(ctx); err != nil {
		slog.Warn("record relay history", slog.String("component", "db"), slog.String("what", j.what), slog.Any("err", err))
	}
}

func (r *Recorder) enqueue(what string, fn func(context.Context) error) {
	select {
	case r.jobs <- job{what: what, run: fn}:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) OnTransition(t relay.Transition) {
	r.enqueue("transition", func(ctx context.Context) error { return r.store.RecordTransition(ctx, t) })
}

func (r *Recorder) OnSessionStart(s relay.Session) {
	r.enqueue("session start", func(ctx context.Context) error { return r.store.StartSession(ctx, s) })
}

func (r *Recorder) OnSessionEnd(s relay.Session, err error, at time.Time) {
	r.enqueue("session end", func(ctx context.Context) error { return r.store.EndSession(ctx, s.ID, at, err) })
}

func (r *Recorder) OnFailure(t relay.Target, err error) {
	at := time.Now()
	r.enqueue("failure", func(ctx context.Context) error { return r.store.RecordFailure(ctx, t, err, at) })
}
