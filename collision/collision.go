// Package collision decides whether another watched destination room is
// already carrying the content we are about to relay.
package collision

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/onnwee/bilirelay/area"
	"github.com/onnwee/bilirelay/probe"
)

// ErrCollision is informational: a start was deferred because of a room.
var ErrCollision = errors.New("collision detected")

// Room is a destination-platform room watched for duplicate relays.
type Room struct {
	Name   string
	RoomID string
}

// Candidate describes the relay we want to start.
type Candidate struct {
	Title string   // source stream title
	Names []string // channel display name and aliases
}

// Strategy compares a live room's title with a candidate.
type Strategy interface {
	Match(roomTitle string, c Candidate) bool
	Name() string
}

// Substring matches when the room title contains a candidate name or the
// whole candidate title.
type Substring struct{}

func (Substring) Name() string { return "substring" }

func (Substring) Match(roomTitle string, c Candidate) bool {
	rt := area.Normalize(roomTitle)
	if rt == "" {
		return false
	}
	for _, n := range c.Names {
		if n = area.Normalize(n); n != "" && strings.Contains(rt, n) {
			return true
		}
	}
	t := area.Normalize(c.Title)
	return t != "" && strings.Contains(rt, t)
}

// TokenSet matches when the titles share a channel-name token and either
// resolve to the same game or overlap by at least MinOverlap (Jaccard).
type TokenSet struct {
	Game       func(title string) (int, bool)
	MinOverlap float64
}

func (TokenSet) Name() string { return "tokenset" }

func (s TokenSet) Match(roomTitle string, c Candidate) bool {
	room := tokens(roomTitle)
	if len(room) == 0 {
		return false
	}
	shared := false
	for _, n := range c.Names {
		for tok := range tokens(n) {
			if room[tok] {
				shared = true
			}
		}
		// names inside a CJK run do not tokenize apart
		if nn := area.Normalize(n); !shared && nn != "" && strings.Contains(area.Normalize(roomTitle), nn) {
			shared = true
		}
	}
	if !shared {
		return false
	}
	if s.Game != nil {
		rg, rok := s.Game(roomTitle)
		cg, cok := s.Game(c.Title)
		if rok && cok && rg == cg {
			return true
		}
	}
	threshold := s.MinOverlap
	if threshold <= 0 {
		threshold = 0.5
	}
	return jaccard(room, tokens(c.Title)) >= threshold
}

// ParseStrategy maps a config value to a strategy.
func ParseStrategy(name string, game func(string) (int, bool)) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "substring":
		return Substring{}, nil
	case "tokenset", "token-set", "token_set":
		return TokenSet{Game: game}, nil
	}
	return nil, fmt.Errorf("unknown collision strategy %q", name)
}

func tokens(s string) map[string]bool {
	out := map[string]bool{}
	for _, f := range strings.FieldsFunc(area.Normalize(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		out[f] = true
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Guard caches the last known state of every watched room. It is owned by
// the orchestrator goroutine and is not safe for concurrent use.
type Guard struct {
	rooms    []Room
	self     string
	strategy Strategy
	mentions func(text string) []string
	cache    map[string]probe.Result
}

// NewGuard watches rooms, skipping self (our own destination room). mentions
// returns the registry channels named in a text; a room title naming two or
// more channels is a multi-channel relay and never counts as a collision.
func NewGuard(rooms []Room, self string, s Strategy, mentions func(string) []string) *Guard {
	if s == nil {
		s = Substring{}
	}
	var rs []Room
	for _, r := range rooms {
		if r.RoomID == "" || r.RoomID == self {
			continue
		}
		rs = append(rs, r)
	}
	return &Guard{rooms: rs, self: self, strategy: s, mentions: mentions, cache: map[string]probe.Result{}}
}

// Rooms returns the watched rooms.
func (g *Guard) Rooms() []Room { return append([]Room(nil), g.rooms...) }

// Strategy returns the active match strategy.
func (g *Guard) Strategy() Strategy { return g.strategy }

// Observe records a probe result for roomID. Unknown keeps the cached state.
func (g *Guard) Observe(roomID string, r probe.Result) {
	if r.State == probe.Unknown {
		return
	}
	g.cache[roomID] = r
}

// Last returns the cached result for roomID.
func (g *Guard) Last(roomID string) (probe.Result, bool) {
	r, ok := g.cache[roomID]
	return r, ok
}

// ShouldBlock reports whether any watched room is live with the same content.
func (g *Guard) ShouldBlock(c Candidate) bool {
	_, blocked := g.Blocking(c)
	return blocked
}

// Blocking returns the first room judged to carry c.
func (g *Guard) Blocking(c Candidate) (Room, bool) {
	for _, room := range g.rooms {
		r, ok := g.cache[room.RoomID]
		if !ok || r.State != probe.Live {
			continue
		}
		if g.mentions != nil && len(g.mentions(r.Title)) >= 2 {
			continue
		}
		if g.strategy.Match(r.Title, c) {
			return room, true
		}
	}
	return Room{}, false
}
