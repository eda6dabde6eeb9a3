package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

var priorityColors = map[Priority]int{
	PriorityLow:    0x95a5a6,
	PriorityNormal: 0x3498db,
	PriorityHigh:   0xe67e22,
}

// Discord posts notifications as embeds to one channel over the REST API.
type Discord struct {
	session   *discordgo.Session
	channelID string
	logger    *zap.Logger
}

// NewDiscord creates a Discord sink. No gateway connection is opened.
func NewDiscord(token, channelID string, logger *zap.Logger) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Discord{session: session, channelID: channelID, logger: logger}, nil
}

func (d *Discord) Notify(ctx context.Context, n Notification) error {
	embed := &discordgo.MessageEmbed{
		Title:       n.Title,
		Description: n.Message,
		Color:       priorityColors[n.Priority],
		Timestamp:   n.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if n.SourceAgentID != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: n.SourceAgentID}
	}

	_, err := d.session.ChannelMessageSendComplex(d.channelID,
		&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}},
		discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// Close releases the Discord session.
func (d *Discord) Close() error {
	return d.session.Close()
}
