package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/onnwee/bilirelay/telemetry"
)

// LineSource delivers raw chat lines until ctx is cancelled or the
// connection fails. Implementations own their connection.
type LineSource interface {
	Run(ctx context.Context, lines chan<- string) error
}

// Listener reads a LineSource on its own goroutine, parses each line and
// pushes accepted retargets onto Queue. Parsing never waits on the consumer.
type Listener struct {
	Source     LineSource
	Parser     *Parser
	Queue      *Queue
	Backoff    time.Duration // first reconnect delay
	MaxBackoff time.Duration

	accepting atomic.Bool
}

// SetAccepting opens or closes the command gate.
func (l *Listener) SetAccepting(v bool) {
	l.accepting.Store(v)
	telemetry.SetBool(telemetry.ChatAccepting, v)
}

// Accepting reports the gate state.
func (l *Listener) Accepting() bool { return l.accepting.Load() }

// Handle processes a single line. Dropped lines return the reason as an error.
func (l *Listener) Handle(line string) (Retarget, error) {
	if !l.accepting.Load() {
		if !IsCommand(line) {
			return Retarget{}, ErrNotCommand
		}
		return Retarget{}, ErrNotAccepting
	}
	r, err := l.Parser.Parse(line)
	if err != nil {
		return Retarget{}, err
	}
	if l.Queue.Push(r) {
		telemetry.ChatQueueDropped.Inc()
	}
	return r, nil
}

// Run reads lines until ctx is done, reconnecting the source with
// exponential backoff whenever it fails.
func (l *Listener) Run(ctx context.Context) {
	logger := slog.Default().With(slog.String("component", "chat"))
	base := l.Backoff
	if base <= 0 {
		base = 2 * time.Second
	}
	maxDelay := l.MaxBackoff
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	delay := base
	for ctx.Err() == nil {
		started := time.Now()
		err := l.session(ctx, logger)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > maxDelay {
			delay = base
		}
		logger.Warn("chat source disconnected", slog.Any("err", err), slog.Duration("retry_in", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (l *Listener) session(ctx context.Context, logger *slog.Logger) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string, 64)
	errc := make(chan error, 1)
	go func() { errc <- l.Source.Run(sctx, lines) }()
	for {
		select {
		case line := <-lines:
			l.consume(line, logger)
		case err := <-errc:
			// drain anything delivered before the source returned
			for {
				select {
				case line := <-lines:
					l.consume(line, logger)
				default:
					if err == nil {
						err = errors.New("source closed")
					}
					return err
				}
			}
		}
	}
}

func (l *Listener) consume(line string, logger *slog.Logger) {
	r, err := l.Handle(line)
	switch {
	case err == nil:
		telemetry.ChatCommands.WithLabelValues("accepted").Inc()
		logger.Info("chat command accepted", slog.String("retarget", r.String()))
	case errors.Is(err, ErrNotCommand):
		// ordinary chat
	default:
		reason := Reason(err)
		telemetry.ChatCommands.WithLabelValues(reason).Inc()
		logger.Info("chat command dropped", slog.String("reason", reason), slog.String("line", line), slog.Any("err", err))
	}
}
