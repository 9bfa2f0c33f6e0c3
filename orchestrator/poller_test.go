package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/bilirelay/collision"
	"github.com/onnwee/bilirelay/probe"
	"github.com/onnwee/bilirelay/registry"
)

func TestPollerCycle(t *testing.T) {
	var calls atomic.Int32
	prober := &probe.Prober{
		Sources: map[registry.Platform]probe.Source{
			registry.YouTube: probe.SourceFunc(func(_ context.Context, id string) (probe.Status, error) {
				calls.Add(1)
				if id != kamito.PlatformID {
					t.Errorf("youtube probed with %q", id)
				}
				return probe.Status{Live: true, Title: "VALORANT"}, nil
			}),
			registry.Twitch: probe.SourceFunc(func(context.Context, string) (probe.Status, error) {
				calls.Add(1)
				return probe.Status{}, errors.New("helix: 503")
			}),
		},
		Destination: probe.SourceFunc(func(_ context.Context, id string) (probe.Status, error) {
			calls.Add(1)
			if id == "1000" {
				return probe.Status{}, nil
			}
			return probe.Status{Live: true, Title: "【转播】kamito"}, nil
		}),
		DestRoom: "1000",
		Timeout:  time.Second,
	}
	watch := func() []registry.Channel { return []registry.Channel{kamito, k4sen} }
	p := NewPoller(prober, time.Minute, watch, []collision.Room{{Name: "relay2", RoomID: "2000"}})

	snap := p.Cycle(context.Background())
	if n := calls.Load(); n != 4 {
		t.Fatalf("probe calls = %d, want 4", n)
	}
	if snap.ID == "" {
		t.Fatal("cycle has no correlation id")
	}
	if r, ok := snap.Find(kamito); !ok || r.State != probe.Live || r.Title != "VALORANT" {
		t.Fatalf("kamito = %+v, %v", r, ok)
	}
	if r, ok := snap.Find(k4sen); !ok || r.State != probe.Unknown || !errors.Is(r.Err, probe.ErrUnavailable) {
		t.Fatalf("k4sen = %+v, %v", r, ok)
	}
	if snap.Destination.State != probe.Offline {
		t.Fatalf("destination = %s", snap.Destination.State)
	}
	if r := snap.Rooms["2000"]; r.State != probe.Live {
		t.Fatalf("room 2000 = %+v", r)
	}
	if _, ok := snap.Find(stylishnoob); ok {
		t.Fatal("found a channel that was not probed")
	}
}

func TestPollerKickTriggersEarlyCycle(t *testing.T) {
	prober := &probe.Prober{
		Sources:     map[registry.Platform]probe.Source{},
		Destination: probe.SourceFunc(func(context.Context, string) (probe.Status, error) { return probe.Status{}, nil }),
	}
	p := NewPoller(prober, time.Hour, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Snapshot, 4)
	go p.Run(ctx, func(s Snapshot) { got <- s })

	<-got // immediate first cycle
	p.Kick()
	p.Kick()
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("kick did not trigger a cycle")
	}
}
