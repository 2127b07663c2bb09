package main

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// discordRelay posts fired notifications to a single Discord channel. The
// session is send-only; no gateway intents are needed because the relay
// never reads messages. Sends are queued so a slow Discord API call never
// stalls the poll loop that fired the notification.
type discordRelay struct {
	session   *discordgo.Session
	channelID string
	queue     chan string
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func newDiscordRelay(botToken, channelID string) (*discordRelay, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsNone

	r := &discordRelay{
		session:   session,
		channelID: channelID,
		queue:     make(chan string, 64),
		done:      make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	logger.Info("discord relay enabled", "channel_id", channelID)
	return r, nil
}

func (r *discordRelay) name() string { return "discord" }

func (r *discordRelay) deliver(evt NotificationEvent) error {
	msg := fmt.Sprintf("**%s**: %s", evt.title(), evt.body())
	select {
	case r.queue <- msg:
		return nil
	default:
		return fmt.Errorf("discord relay queue full")
	}
}

func (r *discordRelay) run() {
	defer r.wg.Done()
	for {
		select {
		case msg := <-r.queue:
			if _, err := r.session.ChannelMessageSend(r.channelID, msg); err != nil {
				logger.Warn("discord send failed", "channel_id", r.channelID, "error", err)
			}
		case <-r.done:
			return
		}
	}
}

func (r *discordRelay) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		_ = r.session.Close()
	})
}
