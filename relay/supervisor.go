package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/bilirelay/area"
	"github.com/onnwee/bilirelay/collision"
	"github.com/onnwee/bilirelay/probe"
	"github.com/onnwee/bilirelay/registry"
	"github.com/onnwee/bilirelay/telemetry"
)

// StreamResolver turns a channel into an ingest URL.
type StreamResolver interface {
	Resolve(ctx context.Context, ch registry.Channel) (string, error)
}

// Room is the destination as seen by the supervisor. *Writer implements it.
type Room interface {
	Prepare(ctx context.Context, t Target) (string, error)
	Follow(categoryID int)
	Close()
	Say(msg string)
}

// Gate reports a watched room already carrying a candidate.
type Gate interface {
	Blocking(c collision.Candidate) (collision.Room, bool)
}

// Timer is a pending scheduled callback.
type Timer interface{ Stop() bool }

// Scheduler runs f after d. Tests substitute a manual clock.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Options wires a Supervisor.
type Options struct {
	Resolver   StreamResolver
	Launcher   Launcher
	Room       Room
	Classifier *area.Classifier
	Gate       Gate // nil disables collision checks
	Policy     Policy
	StopGrace  time.Duration
	// CloseOnEnd stops the destination broadcast when the source ends.
	CloseOnEnd bool
	Scheduler  Scheduler
	Now        func() time.Time
	// Post delivers asynchronous completions to the owner goroutine, which
	// passes them to Handle.
	Post      func(Event)
	Observers []Observer
}

// Supervisor owns the target and the relay session. Not safe for
// concurrent use.
type Supervisor struct {
	opt    Options
	ctx    context.Context
	logger *slog.Logger

	state    State
	target   *Target
	session  *Session
	gen      uint64
	attempts int
	delay    time.Duration
	timer    Timer
	cancel   context.CancelFunc

	// live is the latest Live probe of the target, used to re-run the
	// start gates before a retry.
	live probe.Result

	failure     error
	blocked     string
	suppressed  map[string]string
	lastRelayed string
	said        map[string]bool
}

// NewSupervisor returns an Idle supervisor. ctx bounds every start job.
func NewSupervisor(ctx context.Context, opt Options) *Supervisor {
	if opt.Scheduler == nil {
		opt.Scheduler = realScheduler{}
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Post == nil {
		opt.Post = func(Event) {}
	}
	telemetry.RelayState.Set(float64(Idle))
	return &Supervisor{
		opt:        opt,
		ctx:        ctx,
		logger:     slog.Default().With(slog.String("component", "relay")),
		suppressed: map[string]string{},
		said:       map[string]bool{},
	}
}

// State returns the current state.
func (s *Supervisor) State() State { return s.state }

// Target returns the current target, if any.
func (s *Supervisor) Target() (Target, bool) {
	if s.target == nil {
		return Target{}, false
	}
	return *s.target, true
}

// Session returns the running session, if any.
func (s *Supervisor) Session() (Session, bool) {
	if s.session == nil {
		return Session{}, false
	}
	return *s.session, true
}

// Failure returns the last persistent failure; nil once a session starts or
// an operator names a new target.
func (s *Supervisor) Failure() error { return s.failure }

// Blocked explains why a Candidate is not starting, or why the last
// automatic candidate was withdrawn.
func (s *Supervisor) Blocked() string { return s.blocked }

// Attempts is the number of consecutive failures of the current target.
func (s *Supervisor) Attempts() int { return s.attempts }

// RetryDelay is the wait of the pending backoff.
func (s *Supervisor) RetryDelay() time.Duration { return s.delay }

func key(ch registry.Channel) string {
	return string(ch.Platform) + "/" + strings.ToLower(ch.Name)
}

// Suppressed reports whether automatic targets for ch are refused.
func (s *Supervisor) Suppressed(ch registry.Channel) bool {
	_, ok := s.suppressed[key(ch)]
	return ok
}

// Seen lifts a suppression once the channel is observed offline.
func (s *Supervisor) Seen(ch registry.Channel, r probe.Result) {
	if r.State != probe.Offline {
		return
	}
	if _, ok := s.suppressed[key(ch)]; ok {
		delete(s.suppressed, key(ch))
		s.logger.Info("suppression lifted", slog.String("channel", ch.Name), slog.String("platform", ch.Platform.Short()))
	}
}

func (s *Supervisor) suppress(ch registry.Channel, reason string) {
	s.suppressed[key(ch)] = reason
}

// Propose sets a new target. Only honoured while Idle or Candidate.
func (s *Supervisor) Propose(t Target) error {
	if s.state != Idle && s.state != Candidate {
		return fmt.Errorf("%w: %s", ErrSessionActive, s.state)
	}
	if t.Origin == Auto && s.Suppressed(t.Channel) {
		return fmt.Errorf("%w: %s", ErrSuppressed, t.Channel.Name)
	}
	if t.Origin == Command {
		delete(s.suppressed, key(t.Channel))
		s.failure = nil
		prev := s.lastRelayed
		if s.target != nil {
			prev = s.target.Channel.Name
		}
		if prev != "" && !strings.EqualFold(prev, t.Channel.Name) {
			s.opt.Room.Say(SwitchMessage(prev, t.Channel.Name))
		}
	}
	s.target = &t
	s.live = probe.Result{}
	s.attempts = 0
	s.blocked = ""
	reason := "retarget"
	if t.Origin == Auto {
		reason = "source live"
	}
	s.setState(Candidate, reason)
	return nil
}

// Withdraw drops an automatic Candidate that a collision or a banned title
// keeps from starting, so another live channel can be tried. Operator
// targets are kept. It reports whether the candidate was dropped.
func (s *Supervisor) Withdraw() bool {
	if s.state != Candidate || s.target == nil || s.target.Origin != Auto || s.blocked == "" {
		return false
	}
	why := s.blocked
	s.toIdle("withdrawn: " + why)
	s.blocked = why
	return true
}

// SourceUpdate feeds the latest probe of the current target's channel.
// Unknown never changes state.
func (s *Supervisor) SourceUpdate(r probe.Result) {
	if s.target == nil || r.State == probe.Unknown {
		return
	}
	switch s.state {
	case Candidate:
		if r.State == probe.Live {
			s.admit(r)
			return
		}
		if s.target.Origin == Auto {
			s.toIdle("source offline")
			return
		}
		s.blocked = "waiting for " + s.target.Channel.Name
	case Relaying:
		if r.State == probe.Live {
			s.follow(r)
			return
		}
		name := s.target.Channel.Name
		s.stop("source offline", true)
		s.opt.Room.Say(EndedMessage(name))
	case Backoff:
		if r.State == probe.Live {
			s.live = r
			t := *s.target
			t.Title, t.Thumb = r.Title, r.Thumb
			s.target = &t
			return
		}
		if r.State == probe.Offline {
			name := s.target.Channel.Name
			s.toIdle("source offline")
			if s.opt.CloseOnEnd {
				s.opt.Room.Close()
			}
			s.opt.Room.Say(EndedMessage(name))
		}
	}
}

func (s *Supervisor) resolve(t Target, text string) (int, error) {
	c := s.opt.Classifier
	if c == nil {
		if t.CategoryID <= 0 {
			return 0, area.ErrUnknownCategory
		}
		return t.CategoryID, nil
	}
	if t.Origin == Command {
		req := t.Requested
		if req == "" {
			req = strconv.Itoa(t.CategoryID)
		}
		return c.ResolveFor(t.Channel.Name, req, text)
	}
	return c.ResolveDefault(t.Channel.Name, t.CategoryID, text)
}

// admit runs the start gates for a live Candidate.
func (s *Supervisor) admit(r probe.Result) {
	t, ok := s.gates(r)
	if !ok {
		return
	}
	s.target = &t
	s.start("source live")
}

// retry re-runs the start gates against the latest live probe. A retry that
// would collide or carry a banned title waits in Candidate instead.
func (s *Supervisor) retry() {
	t, ok := s.gates(s.live)
	if !ok {
		s.setState(Candidate, "retry blocked: "+s.blocked)
		return
	}
	s.target = &t
	s.start(fmt.Sprintf("retry %d", s.attempts))
}

// gates resolves the category for r and checks the collision guard. On
// failure it records why in s.blocked.
func (s *Supervisor) gates(r probe.Result) (Target, bool) {
	s.live = r
	t := *s.target
	t.Title, t.Thumb = r.Title, r.Thumb
	text := r.Text()
	id, err := s.resolve(t, text)
	if err != nil {
		s.blocked = err.Error()
		var rej *area.RejectedError
		if errors.As(err, &rej) {
			if k := "banned/" + rej.Keyword + "/" + r.Title; !s.said[k] {
				s.said[k] = true
				s.opt.Room.Say(BannedMessage(rej.Keyword))
			}
		}
		s.logger.Info("start blocked", slog.String("target", t.String()), slog.Any("err", err))
		return t, false
	}
	t.CategoryID = id
	if s.opt.Gate != nil {
		if room, hit := s.opt.Gate.Blocking(collision.Candidate{Title: text, Names: t.Channel.Names()}); hit {
			s.blocked = fmt.Sprintf("%v: %s (%s)", collision.ErrCollision, room.Name, room.RoomID)
			telemetry.CollisionBlocks.Inc()
			if k := "collision/" + room.RoomID + "/" + key(t.Channel); !s.said[k] {
				s.said[k] = true
				s.opt.Room.Say(CollisionMessage(room.Name, room.RoomID, t.Channel.Name))
			}
			s.logger.Info("start deferred by collision", slog.String("room", room.Name), slog.String("target", t.String()))
			return t, false
		}
	}
	s.blocked = ""
	return t, true
}

func (s *Supervisor) start(reason string) {
	if s.session != nil {
		s.logger.Error("start refused", slog.Any("err", ErrSessionActive))
		return
	}
	s.gen++
	gen := s.gen
	t := *s.target
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancel = cancel
	s.setState(Starting, reason)
	go func() {
		h, err := s.launch(ctx, t)
		s.opt.Post(launched{g: gen, handle: h, err: err})
	}()
}

func (s *Supervisor) launch(ctx context.Context, t Target) (Handle, error) {
	ctx, span := telemetry.StartSpan(ctx, "relay", "relay.start",
		attribute.String("channel", t.Channel.Name),
		attribute.String("platform", string(t.Channel.Platform)),
		attribute.Int("area", t.CategoryID))
	defer span.End()
	src, err := s.opt.Resolver.Resolve(ctx, t.Channel)
	if err != nil {
		err = &LaunchError{Stage: "resolve", Err: err}
		telemetry.RecordError(span, err)
		return nil, err
	}
	publish, err := s.opt.Room.Prepare(ctx, t)
	if err != nil {
		err = &LaunchError{Stage: "prepare", Err: err}
		telemetry.RecordError(span, err)
		return nil, err
	}
	h, err := s.opt.Launcher.Launch(ctx, src, publish)
	if err != nil {
		var le *LaunchError
		if !errors.As(err, &le) {
			err = &LaunchError{Stage: "spawn", Err: err}
		}
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetSpanSuccess(span)
	return h, nil
}

// follow keeps the destination category in step with a changing title.
func (s *Supervisor) follow(r probe.Result) {
	t := *s.target
	t.Title, t.Thumb = r.Title, r.Thumb
	if id, err := s.resolve(t, r.Text()); err == nil && id != t.CategoryID {
		s.logger.Info("category follows title", slog.Int("from", t.CategoryID), slog.Int("to", id), slog.String("title", r.Title))
		t.CategoryID = id
		s.opt.Room.Follow(id)
	}
	s.target = &t
	if s.session != nil {
		s.session.Target = t
	}
}

// Handle applies an asynchronous completion. Events from an earlier
// generation are discarded, stopping any process they carry.
func (s *Supervisor) Handle(ev Event) {
	if ev.gen() != s.gen {
		if l, ok := ev.(launched); ok && l.handle != nil {
			go func() { _ = l.handle.Stop(s.opt.StopGrace) }()
		}
		return
	}
	switch e := ev.(type) {
	case launched:
		s.cancel = nil
		switch s.state {
		case Starting:
			if e.err != nil {
				s.fail(e.err)
				return
			}
			s.running(e.handle)
		case Stopping:
			if e.handle == nil {
				s.toIdle("stopped before running")
				return
			}
			s.halt(e.handle)
		}
	case exited:
		if s.state != Relaying || s.session == nil {
			return
		}
		sess := *s.session
		s.endSession(e.err)
		if s.opt.Policy.StableAfter > 0 && s.opt.Now().Sub(sess.StartedAt) >= s.opt.Policy.StableAfter {
			s.attempts = 0
		}
		s.fail(fmt.Errorf("%w: %v", ErrUnexpectedExit, e.err))
	case stopped:
		if s.state == Stopping {
			s.toIdle("stopped")
		}
	case retryDue:
		if s.state == Backoff {
			s.timer = nil
			s.retry()
		}
	}
}

// Discard drops an event that will never reach Handle, stopping any process
// it carries. Safe to call from any goroutine.
func (s *Supervisor) Discard(ev Event) {
	if l, ok := ev.(launched); ok && l.handle != nil {
		_ = l.handle.Stop(s.opt.StopGrace)
	}
}

func (s *Supervisor) running(h Handle) {
	sess := &Session{ID: uuid.NewString(), Target: *s.target, StartedAt: s.opt.Now(), handle: h}
	s.session = sess
	s.failure = nil
	s.lastRelayed = sess.Target.Channel.Name
	s.delay = 0
	telemetry.RelaySessions.Inc()
	s.setState(Relaying, "confirmed running")
	for _, o := range s.opt.Observers {
		o.OnSessionStart(*sess)
	}
	gen := s.gen
	go func() {
		<-h.Done()
		s.opt.Post(exited{g: gen, err: h.Err()})
	}()
}

func (s *Supervisor) endSession(err error) {
	if s.session == nil {
		return
	}
	sess := *s.session
	s.session = nil
	now := s.opt.Now()
	telemetry.SessionDuration.Observe(now.Sub(sess.StartedAt).Seconds())
	for _, o := range s.opt.Observers {
		o.OnSessionEnd(sess, err, now)
	}
}

// fail routes a launch failure or unexpected exit to Backoff, or to Idle
// with a persistent failure once the retry ceiling is passed.
func (s *Supervisor) fail(err error) {
	class := ClassifyExit(err)
	telemetry.RelayFailures.WithLabelValues(class.String()).Inc()
	s.attempts++
	t := *s.target
	if s.opt.Policy.Exhausted(s.attempts) {
		s.failure = fmt.Errorf("%w: %s after %d retries: %v", ErrRetriesExhausted, t.Channel.Name, s.attempts-1, err)
		telemetry.RelayExhausted.Inc()
		s.suppress(t.Channel, "retries exhausted")
		s.logger.Error("relay failed permanently", slog.String("target", t.String()), slog.Any("err", s.failure))
		for _, o := range s.opt.Observers {
			o.OnFailure(t, s.failure)
		}
		s.toIdle("retries exhausted")
		if s.opt.CloseOnEnd {
			s.opt.Room.Close()
		}
		s.opt.Room.Say(ExhaustedMessage(t.Channel.Name))
		return
	}
	s.delay = s.opt.Policy.Delay(s.attempts)
	s.logger.Warn("relay failed, backing off",
		slog.String("target", t.String()),
		slog.String("class", class.String()),
		slog.Int("attempt", s.attempts),
		slog.Duration("delay", s.delay),
		slog.Any("err", err))
	s.setState(Backoff, err.Error())
	gen := s.gen
	s.timer = s.opt.Scheduler.AfterFunc(s.delay, func() { s.opt.Post(retryDue{g: gen}) })
}

// stop ends the running session. closeRoom also ends the destination
// broadcast when configured to.
func (s *Supervisor) stop(reason string, closeRoom bool) {
	if s.session == nil {
		s.toIdle(reason)
		return
	}
	h := s.session.handle
	s.endSession(nil)
	s.setState(Stopping, reason)
	if closeRoom && s.opt.CloseOnEnd {
		s.opt.Room.Close()
	}
	s.halt(h)
}

func (s *Supervisor) halt(h Handle) {
	gen := s.gen
	grace := s.opt.StopGrace
	go func() {
		if err := h.Stop(grace); err != nil {
			s.logger.Warn("stop relay", slog.Any("err", err))
		}
		s.opt.Post(stopped{g: gen})
	}()
}

// EmergencyStop cuts the relay off and suppresses the current channel until
// it is seen offline or named again by an operator.
func (s *Supervisor) EmergencyStop(reason string) {
	if s.target != nil {
		s.suppress(s.target.Channel, reason)
	}
	s.logger.Warn("emergency stop", slog.String("reason", reason), slog.String("state", s.state.String()))
	switch s.state {
	case Candidate, Backoff:
		s.toIdle("emergency: " + reason)
	case Starting:
		if s.cancel != nil {
			s.cancel()
		}
		s.setState(Stopping, "emergency: "+reason)
		s.opt.Room.Close()
	case Relaying:
		s.stop("emergency: "+reason, false)
		s.opt.Room.Close()
	}
}

// Shutdown stops any process synchronously. The supervisor is unusable after.
func (s *Supervisor) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.session != nil {
		h := s.session.handle
		s.endSession(nil)
		if err := h.Stop(s.opt.StopGrace); err != nil {
			s.logger.Warn("stop relay on shutdown", slog.Any("err", err))
		}
	}
	s.gen++
	s.setState(Idle, "shutdown")
}

func (s *Supervisor) toIdle(reason string) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.target = nil
	s.live = probe.Result{}
	s.attempts = 0
	s.delay = 0
	s.blocked = ""
	s.setState(Idle, reason)
}

func (s *Supervisor) setState(to State, reason string) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	var t Target
	if s.target != nil {
		t = *s.target
	}
	tr := Transition{From: from, To: to, Target: t, Reason: reason, At: s.opt.Now()}
	telemetry.RelayTransitions.WithLabelValues(from.String(), to.String()).Inc()
	telemetry.RelayState.Set(float64(to))
	s.logger.Info("relay transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason),
		slog.String("target", t.String()))
	for _, o := range s.opt.Observers {
		o.OnTransition(tr)
	}
}
