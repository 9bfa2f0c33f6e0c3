package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/bilirelay/registry"
)

func TestProbeMapsStatus(t *testing.T) {
	p := &Prober{
		Sources: map[registry.Platform]Source{
			registry.Twitch: SourceFunc(func(ctx context.Context, id string) (Status, error) {
				if id == "live_one" {
					return Status{Live: true, Title: "ranked", Topic: "VALORANT", StreamID: "42"}, nil
				}
				return Status{}, nil
			}),
		},
		Timeout: time.Second,
	}
	res := p.Probe(context.Background(), registry.Channel{Name: "a", Platform: registry.Twitch, PlatformID: "live_one"})
	if res.State != Live || res.Title != "ranked" || res.StreamID != "42" {
		t.Fatalf("live result = %+v", res)
	}
	if res.Text() != "VALORANT ranked" {
		t.Fatalf("Text = %q", res.Text())
	}
	res = p.Probe(context.Background(), registry.Channel{Name: "b", Platform: registry.Twitch, PlatformID: "off"})
	if res.State != Offline || res.Err != nil {
		t.Fatalf("offline result = %+v", res)
	}
}

func TestProbeErrorIsUnknown(t *testing.T) {
	p := &Prober{
		Sources: map[registry.Platform]Source{
			registry.YouTube: SourceFunc(func(ctx context.Context, id string) (Status, error) {
				return Status{}, errors.New("connection reset")
			}),
		},
	}
	res := p.Probe(context.Background(), registry.Channel{Name: "a", Platform: registry.YouTube, PlatformID: "x"})
	if res.State != Unknown {
		t.Fatalf("State = %v, want unknown", res.State)
	}
	if !errors.Is(res.Err, ErrUnavailable) {
		t.Fatalf("Err = %v, want ErrUnavailable", res.Err)
	}
}

func TestProbeTimeoutIsUnknown(t *testing.T) {
	p := &Prober{
		Destination: SourceFunc(func(ctx context.Context, id string) (Status, error) {
			<-ctx.Done()
			return Status{}, ctx.Err()
		}),
		DestRoom: "123",
		Timeout:  20 * time.Millisecond,
	}
	start := time.Now()
	res := p.ProbeDestination(context.Background())
	if res.State != Unknown {
		t.Fatalf("State = %v, want unknown", res.State)
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("Err = %v, want deadline exceeded", res.Err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("probe did not honour its timeout")
	}
}

func TestProbeMissingSource(t *testing.T) {
	p := &Prober{}
	if res := p.Probe(context.Background(), registry.Channel{Platform: registry.Twitch}); res.State != Unknown {
		t.Fatalf("State = %v", res.State)
	}
	if res := p.ProbeRoom(context.Background(), "1"); res.State != Unknown {
		t.Fatalf("State = %v", res.State)
	}
}

func TestFallback(t *testing.T) {
	calls := 0
	failing := SourceFunc(func(ctx context.Context, id string) (Status, error) {
		calls++
		return Status{}, errors.New("quota")
	})
	ok := SourceFunc(func(ctx context.Context, id string) (Status, error) {
		calls++
		return Status{Live: true, Title: "t"}, nil
	})
	st, err := Fallback(failing, nil, ok).Status(context.Background(), "id")
	if err != nil || !st.Live || calls != 2 {
		t.Fatalf("Fallback = %+v, %v (calls %d)", st, err, calls)
	}
	_, err = Fallback(failing, failing).Status(context.Background(), "id")
	if err == nil {
		t.Fatal("expected joined error")
	}
	if _, err := Fallback().Status(context.Background(), "id"); err == nil {
		t.Fatal("expected error with no sources")
	}
}

func TestHealthThreshold(t *testing.T) {
	h := NewHealth(3)
	unknown := Result{State: Unknown}
	changes := []Change{h.Observe("yt/a", unknown), h.Observe("yt/a", unknown), h.Observe("yt/a", unknown), h.Observe("yt/a", unknown)}
	want := []Change{NoChange, NoChange, Degraded, NoChange}
	for i := range want {
		if changes[i] != want[i] {
			t.Fatalf("change %d = %v, want %v", i, changes[i], want[i])
		}
	}
	if !h.IsDegraded("yt/a") || len(h.DegradedEntities()) != 1 {
		t.Fatal("entity should be degraded")
	}
	if c := h.Observe("yt/a", Result{State: Live}); c != Recovered {
		t.Fatalf("recovery = %v", c)
	}
	if h.Misses("yt/a") != 0 {
		t.Fatal("counter not reset")
	}
	// a success between failures restarts the count
	h.Observe("tw/b", unknown)
	h.Observe("tw/b", unknown)
	h.Observe("tw/b", Result{State: Offline})
	if c := h.Observe("tw/b", unknown); c != NoChange {
		t.Fatalf("change = %v, want none", c)
	}
}
