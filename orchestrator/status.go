package orchestrator

import (
	"sort"
	"time"

	"github.com/onnwee/bilirelay/relay"
)

// Status is an immutable view of the orchestrator published after every
// event. Handlers read it without touching the owner goroutine.
type Status struct {
	State       string         `json:"state"`
	Target      *TargetStatus  `json:"target,omitempty"`
	Session     *SessionStatus `json:"session,omitempty"`
	Blocked     string         `json:"blocked,omitempty"`
	Failure     string         `json:"failure,omitempty"`
	Attempts    int            `json:"attempts"`
	RetryIn     string         `json:"retry_in,omitempty"`
	Destination string         `json:"destination"`
	Accepting   bool           `json:"accepting_commands"`
	Degraded    []string       `json:"degraded,omitempty"`
	Watch       []WatchStatus  `json:"watch"`
	LastPoll    time.Time      `json:"last_poll"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type TargetStatus struct {
	Platform   string `json:"platform"`
	Channel    string `json:"channel"`
	Origin     string `json:"origin"`
	CategoryID int    `json:"category_id"`
	Category   string `json:"category,omitempty"`
	Title      string `json:"title,omitempty"`
}

type SessionStatus struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
}

type WatchStatus struct {
	Platform   string `json:"platform"`
	Channel    string `json:"channel"`
	CategoryID int    `json:"category_id"`
	Suppressed bool   `json:"suppressed,omitempty"`
}

// Ready is false while any probed entity is degraded or a persistent
// failure awaits an operator.
func (s Status) Ready() bool {
	return len(s.Degraded) == 0 && s.Failure == ""
}

func (o *Orchestrator) publish() {
	s := &Status{
		State:       o.sup.State().String(),
		Blocked:     o.sup.Blocked(),
		Attempts:    o.sup.Attempts(),
		Destination: o.dest.State.String(),
		LastPoll:    o.lastPoll,
		UpdatedAt:   time.Now(),
	}
	if o.opt.Listener != nil {
		s.Accepting = o.opt.Listener.Accepting()
	}
	if err := o.sup.Failure(); err != nil {
		s.Failure = err.Error()
	}
	if d := o.sup.RetryDelay(); d > 0 && o.sup.State() == relay.Backoff {
		s.RetryIn = d.String()
	}
	if t, ok := o.sup.Target(); ok {
		ts := &TargetStatus{
			Platform:   t.Channel.Platform.Short(),
			Channel:    t.Channel.Name,
			Origin:     t.Origin.String(),
			CategoryID: t.CategoryID,
			Title:      t.Title,
		}
		if c := o.opt.Supervisor.Classifier; c != nil {
			ts.Category = c.Name(t.CategoryID)
		}
		s.Target = ts
	}
	if sess, ok := o.sup.Session(); ok {
		s.Session = &SessionStatus{ID: sess.ID, StartedAt: sess.StartedAt}
	}
	s.Degraded = o.opt.Health.DegradedEntities()
	sort.Strings(s.Degraded)
	for _, w := range o.watchList() {
		s.Watch = append(s.Watch, WatchStatus{
			Platform:   w.Channel.Platform.Short(),
			Channel:    w.Channel.Name,
			CategoryID: w.CategoryID,
			Suppressed: o.sup.Suppressed(w.Channel),
		})
	}
	o.status.Store(s)
}
