package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/mwhitten/ingestd/internal/models"
)

// discordSession abstracts the discordgo methods we use, enabling test mocks.
type discordSession interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts terminal-state notifications to a Discord channel.
type Discord struct {
	session   discordSession
	channelID string
}

// NewDiscord creates a Discord notifier using a bot token. Sending embeds
// only needs the REST API, so no gateway connection is opened.
func NewDiscord(botToken, channelID string) (*Discord, error) {
	if botToken == "" {
		return nil, fmt.Errorf("notify: discord bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("notify: discord channel id is required")
	}
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("notify: discord session: %w", err)
	}
	return &Discord{session: session, channelID: channelID}, nil
}

// OperationTerminal posts the operation outcome as a colored embed.
func (d *Discord) OperationTerminal(ctx context.Context, op *models.Operation) error {
	ev := eventFor(op)
	embed := &discordgo.MessageEmbed{
		Title:       ev.Title,
		Description: ev.Body,
		Color:       hexColor(ev.Color),
	}
	_, err := d.session.ChannelMessageSendEmbed(d.channelID, embed, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("notify: discord send: %w", err)
	}
	return nil
}

// hexColor converts a "#rrggbb" hint to the integer Discord expects.
func hexColor(hint string) int {
	v, err := strconv.ParseInt(strings.TrimPrefix(hint, "#"), 16, 32)
	if err != nil {
		return 0
	}
	return int(v)
}
