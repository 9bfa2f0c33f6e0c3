// Package orchestrator runs the single goroutine that owns every relay
// decision. Probes, chat commands and process completions arrive as messages
// on one inbox and are applied in arrival order; nothing else mutates the
// supervisor, the collision cache or the watch set.
package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/bilirelay/chat"
	"github.com/onnwee/bilirelay/collision"
	"github.com/onnwee/bilirelay/probe"
	"github.com/onnwee/bilirelay/registry"
	"github.com/onnwee/bilirelay/relay"
	"github.com/onnwee/bilirelay/telemetry"
)

// WatchStore persists the watch set across restarts.
type WatchStore interface {
	SaveWatch(ctx context.Context, ws []registry.Watch) error
	LoadWatch(ctx context.Context) ([]registry.Watch, error)
}

// Options wires an Orchestrator. Supervisor.Post and Supervisor.Gate are
// filled in by New.
type Options struct {
	Supervisor relay.Options
	Prober     *probe.Prober
	Interval   time.Duration
	Registry   *registry.Registry
	Guard      *collision.Guard // nil disables collision checks
	Health     *probe.Health
	Listener   *chat.Listener // nil disables chat commands
	Queue      *chat.Queue
	Store      WatchStore // nil keeps the watch set in memory only
	Defaults   []registry.Watch
}

type emergency struct{ reason string }

// Orchestrator drives a relay.Supervisor from poll snapshots and chat
// retargets.
type Orchestrator struct {
	opt    Options
	sup    *relay.Supervisor
	poller *Poller
	logger *slog.Logger

	inbox    chan any
	done     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc

	watch    map[registry.Platform]registry.Watch
	watching atomic.Pointer[[]registry.Channel]
	status   atomic.Pointer[Status]

	dest       probe.Result
	lastPoll   time.Time
	chatCancel context.CancelFunc
	chatWG     sync.WaitGroup
}

// New builds an orchestrator and its supervisor. Nothing runs until Run.
func New(opt Options) *Orchestrator {
	if opt.Health == nil {
		opt.Health = probe.NewHealth(3)
	}
	o := &Orchestrator{
		logger: slog.Default().With(slog.String("component", "orchestrator")),
		inbox:  make(chan any, 64),
		done:   make(chan struct{}),
		watch:  map[registry.Platform]registry.Watch{},
	}
	opt.Supervisor.Post = func(ev relay.Event) { o.post(ev) }
	if opt.Guard != nil {
		opt.Supervisor.Gate = opt.Guard
	}
	o.opt = opt

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.sup = relay.NewSupervisor(ctx, opt.Supervisor)

	for _, w := range opt.Defaults {
		if w.Channel.IsZero() {
			continue
		}
		o.watch[w.Channel.Platform] = w
	}
	o.refreshWatching()

	var rooms []collision.Room
	if opt.Guard != nil {
		rooms = opt.Guard.Rooms()
	}
	o.poller = NewPoller(opt.Prober, opt.Interval, o.Watching, rooms)
	o.publish()
	return o
}

// Watching returns the channels probed each cycle. Safe for concurrent use.
func (o *Orchestrator) Watching() []registry.Channel {
	if p := o.watching.Load(); p != nil {
		return *p
	}
	return nil
}

// Status returns the latest published snapshot. Safe for concurrent use.
func (o *Orchestrator) Status() Status {
	if s := o.status.Load(); s != nil {
		return *s
	}
	return Status{State: relay.Idle.String()}
}

// EmergencyStop asks the owner goroutine to cut the relay off. Safe for
// concurrent use; a no-op once Run has returned.
func (o *Orchestrator) EmergencyStop(reason string) {
	o.post(emergency{reason: reason})
}

// Run owns the supervisor until ctx is done, then stops any relay process
// before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.restore(ctx)

	pctx, stopPoller := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.poller.Run(pctx, func(s Snapshot) { o.post(s) })
	}()

	var commands <-chan struct{}
	if o.opt.Queue != nil {
		commands = o.opt.Queue.Ready()
	}
	o.logger.Info("orchestrator started", slog.Int("watching", len(o.Watching())))
	for {
		select {
		case <-ctx.Done():
			stopPoller()
			o.shutdown()
			wg.Wait()
			return nil
		case msg := <-o.inbox:
			o.dispatch(msg)
		case <-commands:
			o.drainCommands(ctx)
		}
		o.gateChat(ctx)
		o.publish()
	}
}

func (o *Orchestrator) post(msg any) {
	select {
	case o.inbox <- msg:
	case <-o.done:
		if ev, ok := msg.(relay.Event); ok {
			o.sup.Discard(ev)
		}
	}
}

func (o *Orchestrator) shutdown() {
	o.stopOnce.Do(func() { close(o.done) })
	if o.chatCancel != nil {
		o.chatCancel()
		o.chatCancel = nil
	}
	if o.opt.Listener != nil {
		o.opt.Listener.SetAccepting(false)
	}
	o.sup.Shutdown()
	o.cancel()
	o.chatWG.Wait()
	for {
		select {
		case msg := <-o.inbox:
			if ev, ok := msg.(relay.Event); ok {
				o.sup.Discard(ev)
			}
		default:
			o.publish()
			o.logger.Info("orchestrator stopped")
			return
		}
	}
}

func (o *Orchestrator) dispatch(msg any) {
	switch m := msg.(type) {
	case Snapshot:
		o.apply(m)
	case emergency:
		o.sup.EmergencyStop(m.reason)
	case relay.Event:
		o.sup.Handle(m)
	}
}

// apply folds one poll cycle into the decision state.
func (o *Orchestrator) apply(snap Snapshot) {
	o.lastPoll = snap.At
	o.observeHealth(snap)
	if o.opt.Guard != nil {
		for id, r := range snap.Rooms {
			o.opt.Guard.Observe(id, r)
		}
	}
	if snap.Destination.State != probe.Unknown {
		o.dest = snap.Destination
	}
	for _, p := range snap.Sources {
		o.sup.Seen(p.Channel, p.Result)
	}
	tried := map[registry.Platform]bool{}
	if t, ok := o.sup.Target(); ok {
		if r, ok := snap.Find(t.Channel); ok {
			o.sup.SourceUpdate(r)
		}
		if o.sup.Withdraw() {
			tried[t.Channel.Platform] = true
		}
	}
	if o.sup.State() == relay.Idle {
		o.pick(snap, tried)
	}
}

// pick proposes the first live watched channel, YouTube before Twitch. A
// channel blocked by a collision or a banned title is skipped for the rest
// of the cycle so the other platform gets its chance.
func (o *Orchestrator) pick(snap Snapshot, tried map[registry.Platform]bool) {
	for _, ch := range o.Watching() {
		if tried[ch.Platform] {
			continue
		}
		r, ok := snap.Find(ch)
		if !ok || r.State != probe.Live {
			continue
		}
		w := o.watch[ch.Platform]
		err := o.sup.Propose(relay.Target{Channel: ch, Origin: relay.Auto, Requested: w.Category, CategoryID: w.CategoryID})
		if err != nil {
			o.logger.Debug("auto target refused", slog.String("channel", ch.Name), slog.Any("err", err))
			continue
		}
		o.sup.SourceUpdate(r)
		if o.sup.Withdraw() {
			o.logger.Info("auto target skipped", slog.String("channel", ch.Name), slog.String("platform", ch.Platform.Short()))
			continue
		}
		return
	}
}

func (o *Orchestrator) observeHealth(snap Snapshot) {
	report := func(entity string, r probe.Result) {
		switch o.opt.Health.Observe(entity, r) {
		case probe.Degraded:
			o.logger.Warn("probe degraded", slog.String("entity", entity), slog.Int("misses", o.opt.Health.Misses(entity)), slog.Any("err", r.Err))
		case probe.Recovered:
			o.logger.Info("probe recovered", slog.String("entity", entity))
		}
	}
	report("destination", snap.Destination)
	for _, p := range snap.Sources {
		report(sourceEntity(p.Channel), p.Result)
	}
	for id, r := range snap.Rooms {
		report("room:"+id, r)
	}
	telemetry.DegradedEntities.Set(float64(len(o.opt.Health.DegradedEntities())))
}

func sourceEntity(ch registry.Channel) string {
	return "source:" + ch.Platform.Short() + "/" + ch.Name
}

func (o *Orchestrator) drainCommands(ctx context.Context) {
	for {
		r, ok := o.opt.Queue.Pop()
		if !ok {
			return
		}
		o.retarget(ctx, r)
	}
}

// retarget applies an operator command: the named channel replaces the
// watch entry for its platform and becomes the pending target.
func (o *Orchestrator) retarget(ctx context.Context, r chat.Retarget) {
	if st := o.sup.State(); st != relay.Idle && st != relay.Candidate {
		o.logger.Info("retarget dropped", slog.String("retarget", r.String()), slog.String("state", st.String()))
		return
	}
	err := o.sup.Propose(relay.Target{
		Channel:    r.Channel,
		Origin:     relay.Command,
		Requested:  r.CategoryName,
		CategoryID: r.CategoryID,
	})
	if err != nil {
		o.logger.Warn("retarget refused", slog.String("retarget", r.String()), slog.Any("err", err))
		return
	}
	if prev, ok := o.watch[r.Channel.Platform]; ok && prev.Channel.PlatformID != r.Channel.PlatformID {
		o.opt.Health.Forget(sourceEntity(prev.Channel))
	}
	o.watch[r.Channel.Platform] = registry.Watch{Channel: r.Channel, CategoryID: r.CategoryID, Category: r.CategoryName}
	o.refreshWatching()
	o.persist(ctx)
	o.poller.Kick()
}

func (o *Orchestrator) refreshWatching() {
	out := make([]registry.Channel, 0, len(o.watch))
	for _, w := range o.watch {
		out = append(out, w.Channel)
	}
	sort.Slice(out, func(i, j int) bool { return platformRank(out[i].Platform) < platformRank(out[j].Platform) })
	o.watching.Store(&out)
}

func platformRank(p registry.Platform) int {
	switch p {
	case registry.YouTube:
		return 0
	case registry.Twitch:
		return 1
	}
	return 2
}

func (o *Orchestrator) watchList() []registry.Watch {
	out := make([]registry.Watch, 0, len(o.watch))
	for _, ch := range o.Watching() {
		out = append(out, o.watch[ch.Platform])
	}
	return out
}

func (o *Orchestrator) persist(ctx context.Context) {
	if o.opt.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := o.opt.Store.SaveWatch(ctx, o.watchList()); err != nil {
		o.logger.Warn("save watch set", slog.Any("err", err))
	}
}

// restore replaces defaults with the persisted watch set. Entries whose
// channel is no longer registered are skipped.
func (o *Orchestrator) restore(ctx context.Context) {
	if o.opt.Store == nil {
		return
	}
	ws, err := o.opt.Store.LoadWatch(ctx)
	if err != nil {
		o.logger.Warn("load watch set", slog.Any("err", err))
		return
	}
	for _, w := range ws {
		if o.opt.Registry != nil {
			ch, err := o.opt.Registry.Lookup(w.Channel.Platform, w.Channel.Name)
			if err != nil {
				o.logger.Info("stored watch entry skipped", slog.String("channel", w.Channel.Name), slog.Any("err", err))
				continue
			}
			w.Channel = ch
		}
		o.watch[w.Channel.Platform] = w
	}
	o.refreshWatching()
	o.logger.Info("watch set restored", slog.Int("entries", len(ws)))
}

// gateChat runs the chat listener only while the destination is offline and
// no relay is starting or running.
func (o *Orchestrator) gateChat(ctx context.Context) {
	l := o.opt.Listener
	if l == nil {
		return
	}
	st := o.sup.State()
	want := o.dest.State == probe.Offline && (st == relay.Idle || st == relay.Candidate)
	l.SetAccepting(want)
	switch {
	case want && o.chatCancel == nil:
		cctx, cancel := context.WithCancel(ctx)
		o.chatCancel = cancel
		o.chatWG.Add(1)
		go func() {
			defer o.chatWG.Done()
			l.Run(cctx)
		}()
		o.logger.Info("chat commands open")
	case !want && o.chatCancel != nil:
		o.chatCancel()
		o.chatCancel = nil
		o.logger.Info("chat commands closed", slog.String("state", st.String()), slog.String("destination", o.dest.State.String()))
	}
}
