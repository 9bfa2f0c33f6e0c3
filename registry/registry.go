// Package registry holds the set of source channels the relay knows about.
// Lookups are served from an immutable in-memory snapshot; Replace swaps the
// whole snapshot so readers never observe a partially loaded registry.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/hashicorp/go-memdb"
)

// ErrUnknownChannel is returned when a name does not resolve for a platform.
var ErrUnknownChannel = errors.New("unknown channel")

// Platform identifies a source live platform.
type Platform string

const (
	YouTube Platform = "youtube"
	Twitch  Platform = "twitch"
)

// ParsePlatform accepts the long names and the YT/TW short forms used in chat.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yt", "youtube":
		return YouTube, nil
	case "tw", "twitch":
		return Twitch, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// Short returns the two-letter form used in chat commands and logs.
func (p Platform) Short() string {
	switch p {
	case YouTube:
		return "YT"
	case Twitch:
		return "TW"
	}
	return string(p)
}

// Channel is one monitorable source. Values are treated as immutable after load.
type Channel struct {
	Name          string
	Platform      Platform
	PlatformID    string
	GameAccountID string
	Aliases       []string
}

// Names returns the display name followed by every alias.
func (c Channel) Names() []string {
	out := make([]string, 0, 1+len(c.Aliases))
	out = append(out, c.Name)
	return append(out, c.Aliases...)
}

// IsZero reports whether c is the zero Channel.
func (c Channel) IsZero() bool { return c.Name == "" && c.PlatformID == "" }

const table = "channels"

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		table: {
			Name: table,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:   "id",
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Platform"},
							&memdb.StringFieldIndex{Field: "Name", Lowercase: true},
						},
					},
				},
				"platform": {
					Name:    "platform",
					Indexer: &memdb.StringFieldIndex{Field: "Platform"},
				},
			},
		},
	},
}

// record is the memdb row; memdb indexes need plain string fields.
type record struct {
	Platform string
	Name     string
	Channel  Channel
}

// Registry is safe for concurrent use.
type Registry struct {
	snap atomic.Pointer[memdb.MemDB]
}

// New builds a registry from channels. Duplicate (platform, name) pairs are an error.
func New(channels []Channel) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(channels); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace validates channels and atomically swaps them in.
func (r *Registry) Replace(channels []Channel) error {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return err
	}
	txn := db.Txn(true)
	defer txn.Abort()
	seen := make(map[string]bool, len(channels))
	for _, c := range channels {
		if c.Name == "" {
			return errors.New("registry: channel with empty name")
		}
		if c.Platform != YouTube && c.Platform != Twitch {
			return fmt.Errorf("registry: channel %q has unsupported platform %q", c.Name, c.Platform)
		}
		if c.PlatformID == "" {
			return fmt.Errorf("registry: channel %q on %s has no platform id", c.Name, c.Platform)
		}
		key := string(c.Platform) + "/" + strings.ToLower(c.Name)
		if seen[key] {
			return fmt.Errorf("registry: duplicate channel %q on %s", c.Name, c.Platform)
		}
		seen[key] = true
		c.Aliases = append([]string(nil), c.Aliases...)
		if err := txn.Insert(table, &record{Platform: string(c.Platform), Name: c.Name, Channel: c}); err != nil {
			return fmt.Errorf("registry: insert %q: %w", c.Name, err)
		}
	}
	txn.Commit()
	r.snap.Store(db)
	return nil
}

func (r *Registry) txn() *memdb.Txn {
	db := r.snap.Load()
	if db == nil {
		db, _ = memdb.NewMemDB(schema)
	}
	return db.Txn(false)
}

// Lookup resolves name (display name or alias, case-insensitive) on platform.
func (r *Registry) Lookup(p Platform, name string) (Channel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Channel{}, ErrUnknownChannel
	}
	txn := r.txn()
	defer txn.Abort()
	raw, err := txn.First(table, "id", string(p), name)
	if err != nil {
		return Channel{}, err
	}
	if raw != nil {
		return raw.(*record).Channel, nil
	}
	it, err := txn.Get(table, "platform", string(p))
	if err != nil {
		return Channel{}, err
	}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		c := obj.(*record).Channel
		for _, a := range c.Aliases {
			if strings.EqualFold(a, name) {
				return c, nil
			}
		}
	}
	return Channel{}, fmt.Errorf("%w: %s/%s", ErrUnknownChannel, p.Short(), name)
}

// ByPlatform lists channels on p ordered by name.
func (r *Registry) ByPlatform(p Platform) []Channel {
	txn := r.txn()
	defer txn.Abort()
	it, err := txn.Get(table, "platform", string(p))
	if err != nil {
		return nil
	}
	var out []Channel
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*record).Channel)
	}
	return out
}

// All lists every channel ordered by platform then name.
func (r *Registry) All() []Channel {
	txn := r.txn()
	defer txn.Abort()
	it, err := txn.Get(table, "id")
	if err != nil {
		return nil
	}
	var out []Channel
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*record).Channel)
	}
	return out
}

// Len returns the number of channels in the current snapshot.
func (r *Registry) Len() int { return len(r.All()) }

// Mentions returns the distinct channel names whose display name or any alias
// occurs in text. Matching is case-insensitive; channels present on both
// platforms under the same name count once.
func (r *Registry) Mentions(text string) []string {
	lower := strings.ToLower(text)
	found := map[string]bool{}
	for _, c := range r.All() {
		for _, n := range c.Names() {
			if n != "" && strings.Contains(lower, strings.ToLower(n)) {
				found[strings.ToLower(c.Name)] = true
				break
			}
		}
	}
	out := make([]string, 0, len(found))
	for n := range found {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Watch is the channel the relay follows on one platform, with the category
// it starts under when the channel goes live.
type Watch struct {
	Channel    Channel
	CategoryID int
	Category   string // set when an operator named the category
}
