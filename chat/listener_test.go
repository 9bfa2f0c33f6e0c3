package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/bilirelay/registry"
)

func TestQueueDropsOldest(t *testing.T) {
	q := NewQueue(2)
	mk := func(name string) Retarget { return Retarget{Channel: registry.Channel{Name: name}} }
	if q.Push(mk("a")) || q.Push(mk("b")) {
		t.Fatal("no drop expected below capacity")
	}
	if !q.Push(mk("c")) {
		t.Fatal("expected drop on overflow")
	}
	if q.Len() != 2 || q.Dropped() != 1 {
		t.Fatalf("Len = %d Dropped = %d", q.Len(), q.Dropped())
	}
	select {
	case <-q.Ready():
	default:
		t.Fatal("ready not signalled")
	}
	var got []string
	for {
		r, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, r.Channel.Name)
	}
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("popped %v, want [b c]", got)
	}
}

func TestQueueMinimumSize(t *testing.T) {
	q := NewQueue(0)
	q.Push(Retarget{Raw: "1"})
	q.Push(Retarget{Raw: "2"})
	r, _ := q.Pop()
	if r.Raw != "2" {
		t.Fatalf("kept %q, want newest", r.Raw)
	}
}

func TestListenerGate(t *testing.T) {
	l := &Listener{Parser: testParser(t), Queue: NewQueue(4)}
	line := "%转播%YT%kamito%英雄联盟"

	if _, err := l.Handle(line); !errors.Is(err, ErrNotAccepting) {
		t.Fatalf("closed gate err = %v", err)
	}
	if _, err := l.Handle("hello"); !errors.Is(err, ErrNotCommand) {
		t.Fatalf("plain chat err = %v", err)
	}
	if q := l.Queue.Len(); q != 0 {
		t.Fatalf("queued %d events with gate closed", q)
	}

	l.SetAccepting(true)
	if _, err := l.Handle(line); err != nil {
		t.Fatalf("open gate: %v", err)
	}
	l.SetAccepting(false)
	if _, err := l.Handle(line); !errors.Is(err, ErrNotAccepting) {
		t.Fatalf("re-closed gate err = %v", err)
	}
	if q := l.Queue.Len(); q != 1 {
		t.Fatalf("queued %d events, want 1", q)
	}
}

type scriptedSource struct {
	mu     sync.Mutex
	runs   int
	script [][]string
}

func (s *scriptedSource) Run(ctx context.Context, lines chan<- string) error {
	s.mu.Lock()
	n := s.runs
	s.runs++
	s.mu.Unlock()
	if n < len(s.script) {
		for _, l := range s.script[n] {
			lines <- l
		}
		return errors.New("connection closed by server")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *scriptedSource) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func TestListenerReconnects(t *testing.T) {
	src := &scriptedSource{script: [][]string{
		{"hi", "%转播%YT%kamito%英雄联盟"},
		{"%转播%TW%k4sen%无畏契约"},
	}}
	l := &Listener{Source: src, Parser: testParser(t), Queue: NewQueue(4), Backoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	l.SetAccepting(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for l.Queue.Len() < 2 || src.Runs() < 3 {
		select {
		case <-deadline:
			t.Fatalf("queue = %d runs = %d", l.Queue.Len(), src.Runs())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
	first, _ := l.Queue.Pop()
	second, _ := l.Queue.Pop()
	if first.Channel.Name != "kamito" || second.Channel.Name != "k4sen" {
		t.Fatalf("order = %s, %s", first.Channel.Name, second.Channel.Name)
	}
}
