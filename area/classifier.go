package area

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/text/width"
)

var (
	// ErrRejected marks a title that matched a banned keyword.
	ErrRejected = errors.New("category rejected")
	// ErrUnknownCategory marks a requested category name with no mapping.
	ErrUnknownCategory = errors.New("unknown category")
	// ErrRestricted marks a category requested by a channel outside its allow-list.
	ErrRestricted = errors.New("restricted category")
)

// RejectedError carries the banned keyword that matched.
type RejectedError struct{ Keyword string }

func (e *RejectedError) Error() string { return fmt.Sprintf("category rejected: title matches %q", e.Keyword) }

// Is lets errors.Is(err, ErrRejected) match.
func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// Policy decides when a title-derived category replaces the requested one.
type Policy int

const (
	// TitleOverrideAlways lets the title win over any request except a
	// restricted (pinned) category.
	TitleOverrideAlways Policy = iota
	// TitleOverrideDefaultsOnly lets the title win only over config defaults.
	TitleOverrideDefaultsOnly
)

// ParsePolicy accepts "always" and "defaults-only"; empty means always.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "always":
		return TitleOverrideAlways, nil
	case "defaults-only", "defaults_only", "defaults":
		return TitleOverrideDefaultsOnly, nil
	}
	return 0, fmt.Errorf("unknown title override policy %q", s)
}

func (p Policy) String() string {
	if p == TitleOverrideDefaultsOnly {
		return "defaults-only"
	}
	return "always"
}

// Normalize folds full-width forms to their narrow equivalents, lowercases,
// turns underscores into spaces and collapses runs of whitespace.
func Normalize(s string) string {
	s = width.Fold.String(s)
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", " ")
	return strings.Join(strings.Fields(s), " ")
}

type compiledRule struct {
	keyword string
	id      int
}

type compiled struct {
	rules      []compiledRule
	banned     []string
	byName     map[string]int
	names      map[int]string
	restricted map[int]string
}

func compile(t Table) (*compiled, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	c := &compiled{
		byName:     make(map[string]int, len(t.Categories)),
		names:      make(map[int]string, len(t.Categories)),
		restricted: make(map[int]string, len(t.Restrictions)),
	}
	for _, r := range t.Rules {
		c.rules = append(c.rules, compiledRule{keyword: Normalize(r.Keyword), id: r.CategoryID})
	}
	for _, b := range t.Banned {
		if n := Normalize(b); n != "" {
			c.banned = append(c.banned, n)
		}
	}
	for name, id := range t.Categories {
		c.byName[Normalize(name)] = id
		if prev, ok := c.names[id]; !ok || name < prev {
			c.names[id] = name
		}
	}
	for _, r := range t.Restrictions {
		c.restricted[r.CategoryID] = r.Channel
	}
	return c, nil
}

// Classifier resolves categories against a swappable table. Resolution is a
// pure function of the table and the inputs; Swap replaces the table atomically.
type Classifier struct {
	policy Policy
	table  atomic.Pointer[compiled]
}

// New compiles t. A zero Table is rejected; use DefaultTable for built-ins.
func New(t Table, policy Policy) (*Classifier, error) {
	c := &Classifier{policy: policy}
	if err := c.Swap(t); err != nil {
		return nil, err
	}
	return c, nil
}

// Swap validates and installs t.
func (c *Classifier) Swap(t Table) error {
	ct, err := compile(t)
	if err != nil {
		return err
	}
	c.table.Store(ct)
	return nil
}

// Policy returns the configured override policy.
func (c *Classifier) Policy() Policy { return c.policy }

// CategoryByName maps a category name (or a numeric id string) to its id.
func (c *Classifier) CategoryByName(name string) (int, error) {
	t := c.table.Load()
	n := Normalize(name)
	if id, ok := t.byName[n]; ok {
		return id, nil
	}
	if id, err := strconv.Atoi(n); err == nil {
		if _, ok := t.names[id]; ok {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCategory, name)
}

// Name returns the display name of id, or the id itself when unnamed.
func (c *Classifier) Name(id int) string {
	if n, ok := c.table.Load().names[id]; ok {
		return n
	}
	return strconv.Itoa(id)
}

// Known reports whether id is a table category.
func (c *Classifier) Known(id int) bool {
	_, ok := c.table.Load().names[id]
	return ok
}

// Restriction returns the only channel allowed to use id, if any.
func (c *Classifier) Restriction(id int) (string, bool) {
	ch, ok := c.table.Load().restricted[id]
	return ch, ok
}

// Allowed reports whether channel may relay into id.
func (c *Classifier) Allowed(id int, channel string) bool {
	ch, ok := c.Restriction(id)
	return !ok || strings.EqualFold(ch, channel)
}

// Banned returns the first banned keyword contained in title.
func (c *Classifier) Banned(title string) (string, bool) {
	n := Normalize(title)
	for _, b := range c.table.Load().banned {
		if strings.Contains(n, b) {
			return b, true
		}
	}
	return "", false
}

// FromTitle returns the category of the first rule whose keyword occurs in title.
func (c *Classifier) FromTitle(title string) (int, bool) {
	n := Normalize(title)
	if n == "" {
		return 0, false
	}
	for _, r := range c.table.Load().rules {
		if strings.Contains(n, r.keyword) {
			return r.id, true
		}
	}
	return 0, false
}

// Resolve picks the category for a requested category name and a live title.
// A banned title fails with ErrRejected whatever was requested. Otherwise a
// title keyword wins over the request unless the policy is defaults-only or
// the requested category is restricted to a single channel.
func (c *Classifier) Resolve(requested, title string) (int, error) {
	return c.ResolveFor("", requested, title)
}

// ResolveFor is Resolve with the relaying channel known, so restricted
// categories are enforced: a restricted requested category fails with
// ErrRestricted for any other channel, and a restricted title-derived
// category is ignored for any other channel.
func (c *Classifier) ResolveFor(channel, requested, title string) (int, error) {
	if kw, ok := c.Banned(title); ok {
		return 0, &RejectedError{Keyword: kw}
	}
	reqID, err := c.CategoryByName(requested)
	if err != nil {
		return 0, err
	}
	if _, pinned := c.Restriction(reqID); pinned {
		if channel != "" && !c.Allowed(reqID, channel) {
			return 0, fmt.Errorf("%w: %s is limited to another channel", ErrRestricted, c.Name(reqID))
		}
		return reqID, nil
	}
	if c.policy == TitleOverrideDefaultsOnly {
		return reqID, nil
	}
	return c.titleOr(channel, reqID, title), nil
}

// ResolveDefault picks the category when the only request is a configured
// default id. The title always wins here, under either policy.
func (c *Classifier) ResolveDefault(channel string, defaultID int, title string) (int, error) {
	if kw, ok := c.Banned(title); ok {
		return 0, &RejectedError{Keyword: kw}
	}
	id := c.titleOr(channel, defaultID, title)
	if id <= 0 {
		return 0, fmt.Errorf("%w: no default category and no title match", ErrUnknownCategory)
	}
	return id, nil
}

func (c *Classifier) titleOr(channel string, fallback int, title string) int {
	id, ok := c.FromTitle(title)
	if !ok {
		return fallback
	}
	if channel != "" && !c.Allowed(id, channel) {
		return fallback
	}
	return id
}
