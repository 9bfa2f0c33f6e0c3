package registry

import (
	"errors"
	"reflect"
	"testing"
)

func testChannels() []Channel {
	return []Channel{
		{Name: "kamito", Platform: YouTube, PlatformID: "UCgYOsKbmx0xNj9mHtSKXAYw", Aliases: []string{"かみと"}},
		{Name: "kamito", Platform: Twitch, PlatformID: "kamito_jp"},
		{Name: "Hinano", Platform: YouTube, PlatformID: "UCvUc0m317LWTTPZoBQV479A", Aliases: []string{"ひなの", "hinanotachibana"}},
		{Name: "k4sen", Platform: Twitch, PlatformID: "k4sen"},
	}
}

func TestParsePlatform(t *testing.T) {
	tests := []struct {
		in      string
		want    Platform
		wantErr bool
	}{
		{"YT", YouTube, false},
		{"yt", YouTube, false},
		{"YouTube", YouTube, false},
		{"TW", Twitch, false},
		{" twitch ", Twitch, false},
		{"bili", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePlatform(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePlatform(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("ParsePlatform(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLookup(t *testing.T) {
	r, err := New(testChannels())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tests := []struct {
		name     string
		platform Platform
		query    string
		wantID   string
		wantErr  error
	}{
		{"exact", YouTube, "kamito", "UCgYOsKbmx0xNj9mHtSKXAYw", nil},
		{"case insensitive", YouTube, "KAMITO", "UCgYOsKbmx0xNj9mHtSKXAYw", nil},
		{"per platform", Twitch, "Kamito", "kamito_jp", nil},
		{"alias", YouTube, "ひなの", "UCvUc0m317LWTTPZoBQV479A", nil},
		{"alias case", YouTube, "HinanoTachibana", "UCvUc0m317LWTTPZoBQV479A", nil},
		{"wrong platform", YouTube, "k4sen", "", ErrUnknownChannel},
		{"empty", Twitch, "  ", "", ErrUnknownChannel},
		{"unknown", Twitch, "nobody", "", ErrUnknownChannel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := r.Lookup(tt.platform, tt.query)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Lookup err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			if c.PlatformID != tt.wantID {
				t.Fatalf("PlatformID = %q, want %q", c.PlatformID, tt.wantID)
			}
		})
	}
}

func TestNewRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		in   []Channel
	}{
		{"empty name", []Channel{{Platform: YouTube, PlatformID: "x"}}},
		{"bad platform", []Channel{{Name: "a", Platform: "bili", PlatformID: "x"}}},
		{"no id", []Channel{{Name: "a", Platform: Twitch}}},
		{"duplicate", []Channel{
			{Name: "a", Platform: Twitch, PlatformID: "1"},
			{Name: "A", Platform: Twitch, PlatformID: "2"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.in); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestReplaceSwapsSnapshot(t *testing.T) {
	r, err := New(testChannels())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Replace([]Channel{{Name: "new", Platform: Twitch, PlatformID: "new"}}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if _, err := r.Lookup(YouTube, "kamito"); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("old channel still resolves: %v", err)
	}
	if _, err := r.Lookup(Twitch, "new"); err != nil {
		t.Fatalf("new channel: %v", err)
	}
	// failed replace keeps the previous snapshot
	if err := r.Replace([]Channel{{Name: "", Platform: Twitch}}); err == nil {
		t.Fatal("expected error")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestByPlatformAndMentions(t *testing.T) {
	r, _ := New(testChannels())
	if got := len(r.ByPlatform(Twitch)); got != 2 {
		t.Fatalf("ByPlatform(Twitch) = %d, want 2", got)
	}
	got := r.Mentions("【コラボ】kamito × ひなの × k4sen APEX")
	want := []string{"hinano", "k4sen", "kamito"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Mentions = %v, want %v", got, want)
	}
	if got := r.Mentions("solo stream"); len(got) != 0 {
		t.Fatalf("Mentions = %v, want none", got)
	}
}
