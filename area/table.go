// Package area maps stream titles and requested category names to destination
// category ids.
package area

import (
	"fmt"
	"strings"
)

// Rule maps one title keyword to a category. Rules are evaluated in order and
// the first match wins.
type Rule struct {
	Keyword    string `mapstructure:"keyword" json:"keyword"`
	CategoryID int    `mapstructure:"category_id" json:"category_id"`
}

// Restriction limits a category to a single named channel.
type Restriction struct {
	CategoryID int    `mapstructure:"category_id" json:"category_id"`
	Channel    string `mapstructure:"channel" json:"channel"`
}

// Table is the keyword table the classifier evaluates.
type Table struct {
	Rules        []Rule         `mapstructure:"rules" json:"rules"`
	Categories   map[string]int `mapstructure:"categories" json:"categories"`
	Banned       []string       `mapstructure:"banned" json:"banned"`
	Restrictions []Restriction  `mapstructure:"restrictions" json:"restrictions"`
}

// Category ids used by the built-in table.
const (
	LeagueOfLegends = 86
	Overwatch       = 87
	FinalFantasyXIV = 102
	OtherOnline     = 107
	Minecraft       = 216
	OtherSingle     = 235
	Console         = 236
	Apex            = 240
	Genshin         = 321
	Valorant        = 329
	YuGiOh          = 407
	Fighting        = 433
	Otaku           = 530
	UPDaily         = 646
	Splatoon3       = 694
	Deadlock        = 927
)

// DefaultTable returns the built-in table. The returned value is a fresh copy.
func DefaultTable() Table {
	rule := func(id int, kws ...string) []Rule {
		out := make([]Rule, 0, len(kws))
		for _, k := range kws {
			out = append(out, Rule{Keyword: k, CategoryID: id})
		}
		return out
	}
	var rules []Rule
	rules = append(rules, rule(Valorant, "valorant", "ヴァロ")...)
	rules = append(rules, rule(LeagueOfLegends, "league of legends", "lol", "ろる", "k4sen")...)
	rules = append(rules, rule(Minecraft, "minecraft", "マイクラ")...)
	rules = append(rules, rule(Overwatch, "overwatch")...)
	rules = append(rules, rule(Deadlock, "deadlock")...)
	rules = append(rules, rule(FinalFantasyXIV, "final fantasy online", "漆黒メインクエ", "ff14")...)
	rules = append(rules, rule(Apex, "apex")...)
	rules = append(rules, rule(Fighting, "スト６", "street fighter")...)
	rules = append(rules, rule(YuGiOh, "yu-gi-oh", "遊戯王")...)
	rules = append(rules, rule(Splatoon3, "splatoon", "スプラトゥーン3")...)
	rules = append(rules, rule(Genshin, "原神")...)
	rules = append(rules, rule(OtherSingle, "pokemon", "core keeper", "terraria", "tgc card shop simulator", "stardew valley")...)

	return Table{
		Rules: rules,
		Categories: map[string]int{
			"英雄联盟":     LeagueOfLegends,
			"无畏契约":     Valorant,
			"APEX英雄":   Apex,
			"守望先锋":     Overwatch,
			"萌宅领域":     Otaku,
			"其他单机":     OtherSingle,
			"其他网游":     OtherOnline,
			"UP主日常":    UPDaily,
			"最终幻想14":   FinalFantasyXIV,
			"格斗游戏":     Fighting,
			"我的世界":     Minecraft,
			"DeadLock": Deadlock,
			"主机游戏":     Console,
			"原神":       Genshin,
			"斯普拉遁3":    Splatoon3,
			"游戏王：决斗链接": YuGiOh,
		},
		Banned: []string{
			"どうぶつの森", "animal crossing", "asmr", "dbd", "dead by daylight",
			"l4d2", "left 4 dead 2", "gta",
		},
		Restrictions: []Restriction{{CategoryID: Apex, Channel: "kamito"}},
	}
}

// Validate checks ids are positive and every rule and restriction points at a
// category present in Categories.
func (t Table) Validate() error {
	known := make(map[int]bool, len(t.Categories))
	for name, id := range t.Categories {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("area: empty category name for id %d", id)
		}
		if id <= 0 {
			return fmt.Errorf("area: category %q has invalid id %d", name, id)
		}
		known[id] = true
	}
	for i, r := range t.Rules {
		if strings.TrimSpace(r.Keyword) == "" {
			return fmt.Errorf("area: rule %d has empty keyword", i)
		}
		if !known[r.CategoryID] {
			return fmt.Errorf("area: rule %q references unknown category %d", r.Keyword, r.CategoryID)
		}
	}
	for _, r := range t.Restrictions {
		if !known[r.CategoryID] {
			return fmt.Errorf("area: restriction references unknown category %d", r.CategoryID)
		}
		if r.Channel == "" {
			return fmt.Errorf("area: restriction on %d has no channel", r.CategoryID)
		}
	}
	return nil
}
