package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// TwitchSource reads command lines from a Twitch channel over IRC. It is an
// alternative to the destination room's own chat for operators who prefer to
// drive retargets from Twitch. Without credentials it joins anonymously.
type TwitchSource struct {
	Channel  string
	Username string
	OAuth    string
	// Operators restricts accepted senders (login names). Empty allows anyone.
	Operators []string
}

// Run joins the channel and forwards matching messages until ctx is done.
func (s *TwitchSource) Run(ctx context.Context, lines chan<- string) error {
	if s.Channel == "" {
		return errors.New("twitch command source: channel not set")
	}
	var client *twitch.Client
	if s.Username == "" || s.OAuth == "" {
		client = twitch.NewAnonymousClient()
	} else {
		client = twitch.NewClient(s.Username, "oauth:"+strings.TrimPrefix(s.OAuth, "oauth:"))
	}

	allowed := make(map[string]bool, len(s.Operators))
	for _, op := range s.Operators {
		allowed[strings.ToLower(op)] = true
	}
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		if len(allowed) > 0 && !allowed[strings.ToLower(msg.User.Name)] {
			return
		}
		select {
		case lines <- msg.Message:
		case <-ctx.Done():
		}
	})
	client.OnConnect(func() {
		slog.Info("twitch command source connected", slog.String("component", "chat"), slog.String("channel", s.Channel))
	})

	// Handle context cancellation by closing the client
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = client.Disconnect()
		case <-done:
		}
	}()

	client.Join(s.Channel)
	err := client.Connect()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
