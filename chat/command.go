// Package chat turns destination-room chat lines into retarget events.
//
// Commands have the form
//
//	%转播%<platform>%<channel>%<category>
//
// and are validated in stages: grammar, platform, channel registry, category
// table, category allow-list. A line failing any stage produces no event.
package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/bilirelay/area"
	"github.com/onnwee/bilirelay/registry"
)

// Verb is the literal that marks a relay command.
const Verb = "转播"

var (
	ErrNotCommand         = errors.New("not a command")
	ErrMalformed          = errors.New("malformed command")
	ErrUnknownPlatform    = errors.New("unknown platform")
	ErrPlatformDisabled   = errors.New("platform not enabled")
	ErrUnknownChannel     = registry.ErrUnknownChannel
	ErrUnknownCategory    = area.ErrUnknownCategory
	ErrRestrictedCategory = area.ErrRestricted
	ErrNotAccepting       = errors.New("commands not accepted while relaying")
)

// Retarget asks the relay to switch to a channel and category.
type Retarget struct {
	Channel      registry.Channel
	CategoryName string
	CategoryID   int
	Raw          string
	At           time.Time
}

// Platform is shorthand for r.Channel.Platform.
func (r Retarget) Platform() registry.Platform { return r.Channel.Platform }

func (r Retarget) String() string {
	return fmt.Sprintf("%s/%s -> %s(%d)", r.Channel.Platform.Short(), r.Channel.Name, r.CategoryName, r.CategoryID)
}

// Parser validates command lines. Its dependencies are read-only snapshots
// so Parse may run on the chat goroutine.
type Parser struct {
	Registry   *registry.Registry
	Categories *area.Classifier
	Platforms  []registry.Platform // enabled source platforms; empty means both
	Now        func() time.Time
}

// Parse validates line and returns the retarget it asks for.
func (p *Parser) Parse(line string) (Retarget, error) {
	fields, err := split(line)
	if err != nil {
		return Retarget{}, err
	}
	platform, err := registry.ParsePlatform(fields[0])
	if err != nil {
		return Retarget{}, fmt.Errorf("%w: %q", ErrUnknownPlatform, fields[0])
	}
	if !p.enabled(platform) {
		return Retarget{}, fmt.Errorf("%w: %s", ErrPlatformDisabled, platform)
	}
	ch, err := p.Registry.Lookup(platform, fields[1])
	if err != nil {
		return Retarget{}, err
	}
	id, err := p.Categories.CategoryByName(fields[2])
	if err != nil {
		return Retarget{}, err
	}
	if !p.Categories.Allowed(id, ch.Name) {
		owner, _ := p.Categories.Restriction(id)
		return Retarget{}, fmt.Errorf("%w: %s is limited to %s", ErrRestrictedCategory, fields[2], owner)
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return Retarget{
		Channel:      ch,
		CategoryName: p.Categories.Name(id),
		CategoryID:   id,
		Raw:          strings.TrimSpace(line),
		At:           now(),
	}, nil
}

func (p *Parser) enabled(pl registry.Platform) bool {
	if len(p.Platforms) == 0 {
		return true
	}
	for _, e := range p.Platforms {
		if e == pl {
			return true
		}
	}
	return false
}

// IsCommand reports whether line carries the command verb at all.
func IsCommand(line string) bool {
	return strings.Contains(strings.ReplaceAll(line, "％", "%"), "%"+Verb+"%")
}

// split checks the grammar and returns platform, channel and category.
// Full-width percent signs are accepted, and anything before the verb (a
// username prefix from the chat source, for instance) is ignored.
func split(line string) ([]string, error) {
	s := strings.ReplaceAll(line, "％", "%")
	i := strings.Index(s, "%"+Verb+"%")
	if i < 0 {
		return nil, ErrNotCommand
	}
	rest := strings.TrimSpace(s[i+len("%"+Verb+"%"):])
	parts := strings.Split(rest, "%")
	if len(parts) < 3 {
		return nil, fmt.Errorf("%w: want %%%s%%<platform>%%<channel>%%<category>", ErrMalformed, Verb)
	}
	if len(parts) > 3 && strings.TrimSpace(strings.Join(parts[3:], "")) != "" {
		return nil, fmt.Errorf("%w: trailing fields", ErrMalformed)
	}
	out := make([]string, 3)
	for j := range out {
		out[j] = strings.TrimSpace(parts[j])
		if out[j] == "" {
			return nil, fmt.Errorf("%w: empty field %d", ErrMalformed, j+1)
		}
	}
	return out, nil
}

// Reason is a short label for why a line was dropped, for logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrNotCommand):
		return "not_command"
	case errors.Is(err, ErrNotAccepting):
		return "gated"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrUnknownPlatform), errors.Is(err, ErrPlatformDisabled):
		return "platform"
	case errors.Is(err, ErrUnknownChannel):
		return "unknown_channel"
	case errors.Is(err, ErrRestrictedCategory):
		return "restricted_category"
	case errors.Is(err, ErrUnknownCategory):
		return "unknown_category"
	}
	return "error"
}
