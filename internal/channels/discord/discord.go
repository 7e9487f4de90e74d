// Package discord connects the gateway to Discord via the Bot API.
// DMs map to sessions main:discord:dm:<userId>; guild channels map to
// main:discord:channel:<channelId>.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/attache/internal/bus"
	"github.com/nextlevelbuilder/attache/internal/channels"
	"github.com/nextlevelbuilder/attache/internal/sessions"
)

// maxMessageLen is Discord's hard cap per message.
const maxMessageLen = 2000

// Adapter is the Discord transport.
type Adapter struct {
	session   *discordgo.Session
	bus       channels.Publisher
	botUserID string
	running   atomic.Bool
}

// New creates the adapter from a bot token.
func New(token string, pub channels.Publisher) (*Adapter, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Adapter{session: session, bus: pub}, nil
}

func (a *Adapter) Name() string { return "discord" }

// Start opens the gateway connection and begins receiving events.
func (a *Adapter) Start(_ context.Context) error {
	a.session.AddHandler(a.handleMessage)

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := a.session.User("@me")
	if err != nil {
		a.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	a.botUserID = user.ID
	a.running.Store(true)
	slog.Info("discord connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop() error {
	a.running.Store(false)
	return a.session.Close()
}

// Send delivers text to a target of the form dm:<userId> or
// channel:<channelId>, chunking at the Discord message cap.
func (a *Adapter) Send(target string, msg channels.Message) error {
	if !a.running.Load() {
		return fmt.Errorf("discord not connected")
	}
	channelID, err := a.resolveTarget(target)
	if err != nil {
		return err
	}
	return a.sendChunked(channelID, msg.Text, msg.ReplyTo)
}

// Typing shows the typing indicator for a target while a response is
// being produced.
func (a *Adapter) Typing(target string) {
	channelID, err := a.resolveTarget(target)
	if err != nil {
		return
	}
	if err := a.session.ChannelTyping(channelID); err != nil {
		slog.Debug("discord typing indicator failed", "channel_id", channelID, "error", err)
	}
}

func (a *Adapter) Health() channels.Health {
	return channels.Health{Connected: a.running.Load()}
}

// resolveTarget maps dm:<userId> to that user's DM channel and
// channel:<id> to the raw channel id.
func (a *Adapter) resolveTarget(target string) (string, error) {
	kind, id, ok := strings.Cut(target, ":")
	if !ok || id == "" {
		return "", fmt.Errorf("invalid discord target %q (want dm:<id> or channel:<id>)", target)
	}
	switch kind {
	case "dm":
		ch, err := a.session.UserChannelCreate(id)
		if err != nil {
			return "", fmt.Errorf("open dm channel for %s: %w", id, err)
		}
		return ch.ID, nil
	case "channel":
		return id, nil
	default:
		return "", fmt.Errorf("unknown discord target kind %q", kind)
	}
}

// sendChunked splits content at the message cap and sends each piece.
// The first chunk carries the reply reference, if any; replying to the
// same message repeatedly would read as spam.
func (a *Adapter) sendChunked(channelID, content, replyTo string) error {
	for i, chunk := range chunkMessage(content, maxMessageLen) {
		var err error
		if i == 0 && replyTo != "" {
			_, err = a.session.ChannelMessageSendReply(channelID, chunk, &discordgo.MessageReference{
				MessageID: replyTo,
				ChannelID: channelID,
			})
		} else {
			_, err = a.session.ChannelMessageSend(channelID, chunk)
		}
		if err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// chunkMessage splits content into pieces of at most maxLen bytes,
// preferring newline boundaries in the back half of a chunk.
func chunkMessage(content string, maxLen int) []string {
	var chunks []string
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxLen {
			cutAt := maxLen
			if idx := strings.LastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

func (a *Adapter) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == a.botUserID || m.Author.Bot {
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		return
	}

	// DMs key on the user so proactive deliveries route back; guild
	// messages key on the channel.
	var key string
	if m.GuildID == "" {
		key = sessions.BuildKey("discord", "dm:"+m.Author.ID)
	} else {
		key = sessions.BuildKey("discord", "channel:"+m.ChannelID)
	}

	a.bus.PublishInbound(bus.InboundMessage{
		SessionKey: key,
		Content:    content,
		ReplyTo:    m.ID,
	})
}
