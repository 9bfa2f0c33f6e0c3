package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/onnwee/bilirelay/area"
	"github.com/onnwee/bilirelay/registry"
)

type channelEntry struct {
	Name      string   `mapstructure:"name"`
	Aliases   []string `mapstructure:"aliases"`
	RiotPUUID string   `mapstructure:"riot_puuid"`
	Platforms struct {
		YouTube string `mapstructure:"youtube"`
		Twitch  string `mapstructure:"twitch"`
	} `mapstructure:"platforms"`
}

// Category names are kept as a list because viper lowercases map keys.
type categoryEntry struct {
	Name string `mapstructure:"name"`
	ID   int    `mapstructure:"id"`
}

type areaFile struct {
	Rules        []area.Rule        `mapstructure:"rules"`
	Categories   []categoryEntry    `mapstructure:"categories"`
	Banned       []string           `mapstructure:"banned"`
	Restrictions []area.Restriction `mapstructure:"restrictions"`
}

func readFile(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return v, nil
}

// LoadChannels reads the channel table at path. Each entry yields one channel
// per platform it lists. The configured default channels are appended unless
// the file already names them. An empty path returns only the defaults.
func LoadChannels(path string, cfg *Config) ([]registry.Channel, error) {
	var out []registry.Channel
	if path != "" {
		v, err := readFile(path)
		if err != nil {
			return nil, err
		}
		var entries []channelEntry
		if err := v.UnmarshalKey("channels", &entries); err != nil {
			return nil, fmt.Errorf("decode channels: %w", err)
		}
		for i, e := range entries {
			if strings.TrimSpace(e.Name) == "" {
				return nil, fmt.Errorf("channels[%d]: name is required", i)
			}
			if e.Platforms.YouTube == "" && e.Platforms.Twitch == "" {
				return nil, fmt.Errorf("channels[%d] %q: no platforms", i, e.Name)
			}
			base := registry.Channel{Name: e.Name, Aliases: e.Aliases, GameAccountID: e.RiotPUUID}
			if e.Platforms.YouTube != "" {
				c := base
				c.Platform, c.PlatformID = registry.YouTube, e.Platforms.YouTube
				out = append(out, c)
			}
			if e.Platforms.Twitch != "" {
				c := base
				c.Platform, c.PlatformID = registry.Twitch, e.Platforms.Twitch
				out = append(out, c)
			}
		}
	}
	if cfg != nil {
		for _, d := range cfg.DefaultChannels() {
			if !contains(out, d) {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

// DefaultChannels returns the channels named by YT_* and TW_* settings.
func (c *Config) DefaultChannels() []registry.Channel {
	var out []registry.Channel
	if c.YTChannelName != "" && c.YTChannelID != "" {
		out = append(out, registry.Channel{Name: c.YTChannelName, Platform: registry.YouTube, PlatformID: c.YTChannelID})
	}
	if c.TWChannelName != "" && c.TWChannelID != "" {
		out = append(out, registry.Channel{Name: c.TWChannelName, Platform: registry.Twitch, PlatformID: c.TWChannelID})
	}
	return out
}

func contains(list []registry.Channel, c registry.Channel) bool {
	for _, x := range list {
		if x.Platform == c.Platform && strings.EqualFold(x.Name, c.Name) {
			return true
		}
	}
	return false
}

// LoadAreas reads the keyword table at path. An empty path returns the
// built-in table.
func LoadAreas(path string) (area.Table, error) {
	if path == "" {
		return area.DefaultTable(), nil
	}
	v, err := readFile(path)
	if err != nil {
		return area.Table{}, err
	}
	var f areaFile
	if err := v.Unmarshal(&f); err != nil {
		return area.Table{}, fmt.Errorf("decode areas: %w", err)
	}
	t := area.Table{
		Rules:        f.Rules,
		Categories:   make(map[string]int, len(f.Categories)),
		Banned:       f.Banned,
		Restrictions: f.Restrictions,
	}
	for _, c := range f.Categories {
		t.Categories[c.Name] = c.ID
	}
	if err := t.Validate(); err != nil {
		return area.Table{}, err
	}
	return t, nil
}
