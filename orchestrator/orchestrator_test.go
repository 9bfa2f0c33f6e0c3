package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/bilirelay/area"
	"github.com/onnwee/bilirelay/chat"
	"github.com/onnwee/bilirelay/collision"
	"github.com/onnwee/bilirelay/probe"
	"github.com/onnwee/bilirelay/registry"
	"github.com/onnwee/bilirelay/relay"
)

var (
	kamito      = registry.Channel{Name: "kamito", Platform: registry.YouTube, PlatformID: "UCgYbgaR3NqhrdwuTIh9_2Tw", Aliases: []string{"かみと"}}
	k4sen       = registry.Channel{Name: "k4sen", Platform: registry.Twitch, PlatformID: "k4sen"}
	stylishnoob = registry.Channel{Name: "stylishnoob", Platform: registry.Twitch, PlatformID: "stylishnoob4"}
)

type fakeRoom struct {
	mu       sync.Mutex
	prepared []relay.Target
	closes   int
	said     []string
}

func (r *fakeRoom) Prepare(_ context.Context, t relay.Target) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prepared = append(r.prepared, t)
	return "rtmp://dest/live/key", nil
}

func (r *fakeRoom) Follow(int) {}

func (r *fakeRoom) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
}

func (r *fakeRoom) Say(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.said = append(r.said, msg)
}

func (r *fakeRoom) Said() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.said...)
}

func (r *fakeRoom) Prepared() []relay.Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]relay.Target(nil), r.prepared...)
}

type fakeHandle struct {
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	stopped int
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Err() error { return errors.New("signal: interrupt") }

func (h *fakeHandle) Stop(time.Duration) error {
	h.mu.Lock()
	h.stopped++
	h.mu.Unlock()
	h.once.Do(func() { close(h.done) })
	return nil
}

func (h *fakeHandle) Stops() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

type fakeLauncher struct {
	mu      sync.Mutex
	handles []*fakeHandle
}

func (l *fakeLauncher) Launch(context.Context, string, string) (relay.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := &fakeHandle{done: make(chan struct{})}
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLauncher) last() *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.handles) == 0 {
		return nil
	}
	return l.handles[len(l.handles)-1]
}

type resolverFunc func(context.Context, registry.Channel) (string, error)

func (f resolverFunc) Resolve(ctx context.Context, ch registry.Channel) (string, error) {
	return f(ctx, ch)
}

type memStore struct {
	mu    sync.Mutex
	saved []registry.Watch
	load  []registry.Watch
}

func (m *memStore) SaveWatch(_ context.Context, ws []registry.Watch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append([]registry.Watch(nil), ws...)
	return nil
}

func (m *memStore) LoadWatch(context.Context) ([]registry.Watch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load, nil
}

type harness struct {
	o        *Orchestrator
	room     *fakeRoom
	launcher *fakeLauncher
	store    *memStore
}

func newHarness(t *testing.T, mod func(*Options)) *harness {
	t.Helper()
	reg, err := registry.New([]registry.Channel{kamito, k4sen, stylishnoob})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	cls, err := area.New(area.DefaultTable(), area.TitleOverrideAlways)
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	h := &harness{room: &fakeRoom{}, launcher: &fakeLauncher{}, store: &memStore{}}
	opt := Options{
		Supervisor: relay.Options{
			Resolver:   resolverFunc(func(context.Context, registry.Channel) (string, error) { return "https://src/index.m3u8", nil }),
			Launcher:   h.launcher,
			Room:       h.room,
			Classifier: cls,
			Policy:     relay.Policy{Base: time.Second, Max: time.Minute, MaxRetries: 3},
		},
		Registry: reg,
		Health:   probe.NewHealth(3),
		Store:    h.store,
		Defaults: []registry.Watch{
			{Channel: k4sen, CategoryID: area.OtherOnline},
			{Channel: kamito, CategoryID: area.OtherOnline},
		},
	}
	if mod != nil {
		mod(&opt)
	}
	h.o = New(opt)
	t.Cleanup(func() { h.o.shutdown() })
	return h
}

// pump applies one queued message the way Run does.
func (h *harness) pump(t *testing.T) {
	t.Helper()
	select {
	case msg := <-h.o.inbox:
		h.o.dispatch(msg)
		h.o.publish()
	case <-time.After(2 * time.Second):
		t.Fatalf("no event arrived; state %s", h.o.sup.State())
	}
}

func (h *harness) until(t *testing.T, want relay.State) {
	t.Helper()
	for i := 0; i < 4 && h.o.sup.State() != want; i++ {
		h.pump(t)
	}
	if got := h.o.sup.State(); got != want {
		t.Fatalf("state = %s, want %s", got, want)
	}
}

func (h *harness) apply(s Snapshot) {
	h.o.apply(s)
	h.o.publish()
}

func live(title string) probe.Result {
	return probe.Result{State: probe.Live, Title: title, At: time.Now()}
}

var (
	offline = probe.Result{State: probe.Offline}
	unknown = probe.Result{State: probe.Unknown, Err: probe.ErrUnavailable}
)

func snapshot(dest probe.Result, yt, tw probe.Result) Snapshot {
	return Snapshot{
		ID:          "test",
		At:          time.Now(),
		Destination: dest,
		Sources:     []Probed{{Channel: kamito, Result: yt}, {Channel: k4sen, Result: tw}},
	}
}

func TestWatchingOrdersYouTubeFirst(t *testing.T) {
	h := newHarness(t, nil)
	got := h.o.Watching()
	if len(got) != 2 || got[0].Platform != registry.YouTube || got[1].Platform != registry.Twitch {
		t.Fatalf("watching = %+v", got)
	}
}

func TestPicksLiveChannelAndResolvesFromTitle(t *testing.T) {
	h := newHarness(t, nil)
	h.apply(snapshot(offline, offline, live("Ranked Valorant night")))
	if got := h.o.sup.State(); got != relay.Starting {
		t.Fatalf("state = %s, want starting", got)
	}
	h.until(t, relay.Relaying)

	st := h.o.Status()
	if st.Target == nil || st.Target.Channel != "k4sen" || st.Target.CategoryID != area.Valorant {
		t.Fatalf("target = %+v", st.Target)
	}
	if st.Session == nil || st.Session.ID == "" {
		t.Fatalf("session missing from status: %+v", st)
	}
	if p := h.room.Prepared(); len(p) != 1 || p[0].CategoryID != area.Valorant {
		t.Fatalf("prepared = %+v", p)
	}
}

func TestPrefersYouTube(t *testing.T) {
	h := newHarness(t, nil)
	h.apply(snapshot(offline, live("雑談"), live("League of Legends")))
	tgt, ok := h.o.sup.Target()
	if !ok || tgt.Channel.Platform != registry.YouTube {
		t.Fatalf("target = %+v, ok=%v", tgt, ok)
	}
	if tgt.CategoryID != area.OtherOnline {
		t.Fatalf("category = %d, want default %d", tgt.CategoryID, area.OtherOnline)
	}
}

func TestCollisionFallsBackToOtherPlatform(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Guard = collision.NewGuard([]collision.Room{{Name: "other", RoomID: "9"}}, "1", collision.Substring{}, o.Registry.Mentions)
	})
	snap := snapshot(offline, live("APEX ranked"), live("Ranked Valorant night"))
	snap.Rooms = map[string]probe.Result{"9": live("【转播】kamito apex")}
	h.apply(snap)
	h.until(t, relay.Relaying)

	tgt, ok := h.o.sup.Target()
	if !ok || tgt.Channel.Name != "k4sen" || tgt.CategoryID != area.Valorant {
		t.Fatalf("target = %+v, ok=%v", tgt, ok)
	}
	if p := h.room.Prepared(); len(p) != 1 || p[0].Channel.Name != "k4sen" {
		t.Fatalf("prepared = %+v", p)
	}
	if said := h.room.Said(); len(said) != 1 || said[0] != relay.CollisionMessage("other", "9", "kamito") {
		t.Fatalf("said = %v", said)
	}
}

func TestCollisionWithoutAlternativeStaysIdle(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Guard = collision.NewGuard([]collision.Room{{Name: "other", RoomID: "9"}}, "1", collision.Substring{}, o.Registry.Mentions)
	})
	snap := snapshot(offline, live("APEX ranked"), offline)
	snap.Rooms = map[string]probe.Result{"9": live("【转播】kamito apex")}
	for i := 0; i < 2; i++ {
		h.apply(snap)
		if got := h.o.sup.State(); got != relay.Idle {
			t.Fatalf("cycle %d: state = %s, want idle", i, got)
		}
	}
	if st := h.o.Status(); st.Blocked == "" {
		t.Fatalf("status hides the collision: %+v", st)
	}
	if len(h.room.Prepared()) != 0 {
		t.Fatal("destination touched while blocked")
	}

	snap.Rooms = map[string]probe.Result{"9": offline}
	h.apply(snap)
	if got := h.o.sup.State(); got != relay.Starting {
		t.Fatalf("state = %s, want starting once the room is clear", got)
	}
	h.until(t, relay.Relaying)
}

func TestUnknownProbesKeepRelaying(t *testing.T) {
	h := newHarness(t, nil)
	h.apply(snapshot(offline, live("apex ranked"), offline))
	h.until(t, relay.Relaying)

	for i := 0; i < 3; i++ {
		h.apply(snapshot(unknown, unknown, unknown))
		if got := h.o.sup.State(); got != relay.Relaying {
			t.Fatalf("cycle %d: state = %s, want relaying", i, got)
		}
	}
	if n := h.launcher.last().Stops(); n != 0 {
		t.Fatalf("handle stopped %d times", n)
	}
	st := h.o.Status()
	if st.Ready() {
		t.Fatal("status ready while probes are degraded")
	}
	want := map[string]bool{"destination": true, "source:YT/kamito": true, "source:TW/k4sen": true}
	if len(st.Degraded) != len(want) {
		t.Fatalf("degraded = %v", st.Degraded)
	}
	for _, e := range st.Degraded {
		if !want[e] {
			t.Fatalf("unexpected degraded entity %q", e)
		}
	}

	h.apply(snapshot(offline, live("apex ranked"), offline))
	if st := h.o.Status(); !st.Ready() || st.State != "relaying" {
		t.Fatalf("after recovery: %+v", st)
	}
}

func TestSourceOfflineEndsRelay(t *testing.T) {
	h := newHarness(t, nil)
	h.apply(snapshot(offline, live("apex ranked"), offline))
	h.until(t, relay.Relaying)

	h.apply(snapshot(live(""), offline, offline))
	h.until(t, relay.Idle)
	said := h.room.Said()
	if len(said) == 0 || said[len(said)-1] != relay.EndedMessage("kamito") {
		t.Fatalf("said = %v", said)
	}
}

func TestRetargetReplacesWatchEntry(t *testing.T) {
	h := newHarness(t, nil)
	r := chat.Retarget{Channel: stylishnoob, CategoryName: "英雄联盟", CategoryID: area.LeagueOfLegends, At: time.Now()}
	h.o.retarget(context.Background(), r)
	h.o.publish()

	if got := h.o.sup.State(); got != relay.Candidate {
		t.Fatalf("state = %s, want candidate", got)
	}
	tw := h.o.Watching()[1]
	if tw.Name != "stylishnoob" {
		t.Fatalf("twitch watch = %+v", tw)
	}
	h.store.mu.Lock()
	saved := h.store.saved
	h.store.mu.Unlock()
	if len(saved) != 2 || saved[1].Channel.Name != "stylishnoob" || saved[1].Category != "英雄联盟" {
		t.Fatalf("saved = %+v", saved)
	}

	// the commanded channel is not live yet; the intent is kept
	h.apply(Snapshot{At: time.Now(), Destination: offline, Sources: []Probed{
		{Channel: kamito, Result: offline},
		{Channel: stylishnoob, Result: offline},
	}})
	if got := h.o.sup.State(); got != relay.Candidate {
		t.Fatalf("state = %s, want candidate kept", got)
	}

	h.apply(Snapshot{At: time.Now(), Destination: offline, Sources: []Probed{
		{Channel: kamito, Result: offline},
		{Channel: stylishnoob, Result: live("ranked")},
	}})
	h.until(t, relay.Relaying)
	if st := h.o.Status(); st.Target.CategoryID != area.LeagueOfLegends || st.Target.Origin != "command" {
		t.Fatalf("target = %+v", st.Target)
	}
}

func TestRetargetDroppedWhileRelaying(t *testing.T) {
	h := newHarness(t, nil)
	h.apply(snapshot(offline, live("apex ranked"), offline))
	h.until(t, relay.Relaying)

	h.o.retarget(context.Background(), chat.Retarget{Channel: stylishnoob, CategoryID: area.LeagueOfLegends})
	if got := h.o.sup.State(); got != relay.Relaying {
		t.Fatalf("state = %s", got)
	}
	if tw := h.o.Watching()[1]; tw.Name != "k4sen" {
		t.Fatalf("watch changed while relaying: %+v", tw)
	}
}

func TestEmergencyStopSuppressesUntilOffline(t *testing.T) {
	h := newHarness(t, nil)
	h.apply(snapshot(offline, live("apex ranked"), offline))
	h.until(t, relay.Relaying)

	h.o.EmergencyStop("operator")
	h.until(t, relay.Idle)
	if h.room.closes == 0 {
		t.Fatal("destination not closed")
	}

	h.apply(snapshot(live(""), live("apex ranked"), offline))
	if got := h.o.sup.State(); got != relay.Idle {
		t.Fatalf("suppressed channel restarted: %s", got)
	}
	if st := h.o.Status(); !st.Watch[0].Suppressed {
		t.Fatalf("watch = %+v", st.Watch)
	}

	h.apply(snapshot(offline, offline, offline))
	h.apply(snapshot(offline, live("apex ranked"), offline))
	if got := h.o.sup.State(); got != relay.Starting {
		t.Fatalf("state = %s, want starting after suppression lifted", got)
	}
	h.until(t, relay.Relaying)
}

func TestRestoreWatch(t *testing.T) {
	h := newHarness(t, nil)
	h.store.load = []registry.Watch{
		{Channel: registry.Channel{Name: "StylishNoob", Platform: registry.Twitch}, CategoryID: area.Apex},
		{Channel: registry.Channel{Name: "gone", Platform: registry.YouTube}, CategoryID: area.Apex},
	}
	h.o.restore(context.Background())
	got := h.o.Watching()
	if len(got) != 2 || got[0].Name != "kamito" || got[1].PlatformID != "stylishnoob4" {
		t.Fatalf("watching = %+v", got)
	}
}

// blockingSource stands in for a chat connection that stays open.
type blockingSource struct{ running chan bool }

func (s blockingSource) Run(ctx context.Context, _ chan<- string) error {
	s.running <- true
	<-ctx.Done()
	s.running <- false
	return ctx.Err()
}

func TestChatGateFollowsDestinationAndState(t *testing.T) {
	src := blockingSource{running: make(chan bool, 4)}
	l := &chat.Listener{Source: src, Queue: chat.NewQueue(4)}
	h := newHarness(t, func(o *Options) {
		o.Listener = l
		o.Queue = l.Queue
	})
	ctx := context.Background()
	expect := func(want bool) {
		t.Helper()
		select {
		case got := <-src.running:
			if got != want {
				t.Fatalf("source running = %v, want %v", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("source never reported running=%v", want)
		}
	}

	h.o.gateChat(ctx)
	if l.Accepting() {
		t.Fatal("accepting before the destination state is known")
	}

	h.apply(snapshot(offline, offline, offline))
	h.o.gateChat(ctx)
	if !l.Accepting() {
		t.Fatal("not accepting while destination offline and idle")
	}
	expect(true)

	h.apply(snapshot(offline, live("apex ranked"), offline))
	h.o.gateChat(ctx)
	if l.Accepting() {
		t.Fatal("accepting while starting")
	}
	expect(false)
}

func TestRunRelaysAndStopsOnShutdown(t *testing.T) {
	launcher := &fakeLauncher{}
	h := newHarness(t, func(o *Options) {
		o.Supervisor.Launcher = launcher
		o.Interval = 20 * time.Millisecond
		o.Prober = &probe.Prober{
			Sources: map[registry.Platform]probe.Source{
				registry.YouTube: probe.SourceFunc(func(context.Context, string) (probe.Status, error) {
					return probe.Status{Live: true, Title: "VALORANT ranked"}, nil
				}),
				registry.Twitch: probe.SourceFunc(func(context.Context, string) (probe.Status, error) {
					return probe.Status{}, nil
				}),
			},
			Destination: probe.SourceFunc(func(context.Context, string) (probe.Status, error) {
				return probe.Status{}, nil
			}),
			DestRoom: "1000",
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.o.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for h.o.Status().State != "relaying" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if st := h.o.Status(); st.State != "relaying" || st.Target.CategoryID != area.Valorant {
		t.Fatalf("status = %+v", st)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	if n := launcher.last().Stops(); n == 0 {
		t.Fatal("relay process left running after shutdown")
	}
	if st := h.o.Status(); st.State != "idle" {
		t.Fatalf("state after shutdown = %s", st.State)
	}
}
