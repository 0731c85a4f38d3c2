package tomodachingu

import (
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// IncomingMessage is a guild or DM message as seen by the greeter and
// the command router.
type IncomingMessage struct {
	MessageID string
	ChannelID string
	GuildID   string
	UserID    string
	Username  string
	IsBot     bool

	// RawText is the message content as received
	RawText string

	// Text is RawText trimmed and lower-cased
	Text string

	// DisplayName is the member's server nickname, or their account
	// username when no nickname is set
	DisplayName string
}

// NormalizeText trims surrounding whitespace and lower-cases s
func NormalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NewIncomingMessage converts a discordgo message. It returns false if no
// author can be found on the message.
func NewIncomingMessage(m *discordgo.Message) (IncomingMessage, bool) {
	if m == nil {
		return IncomingMessage{}, false
	}
	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	if user == nil {
		return IncomingMessage{}, false
	}

	return IncomingMessage{
		MessageID:   m.ID,
		ChannelID:   m.ChannelID,
		GuildID:     m.GuildID,
		UserID:      user.ID,
		Username:    user.Username,
		IsBot:       user.Bot,
		RawText:     m.Content,
		Text:        NormalizeText(m.Content),
		DisplayName: resolveDisplayName(m.Member, user),
	}, true
}

// reference returns a discordgo.MessageReference pointing at this message,
// for sending replies
func (m IncomingMessage) reference() *discordgo.MessageReference {
	return &discordgo.MessageReference{
		MessageID: m.MessageID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
	}
}

func (m IncomingMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", m.MessageID),
		slog.String("channel_id", m.ChannelID),
		slog.String("guild_id", m.GuildID),
		slog.String(columnUserID, m.UserID),
		slog.String("display_name", m.DisplayName),
		slog.Bool("bot", m.IsBot),
	)
}

// resolveDisplayName returns the member's nickname if set, otherwise the
// user's username.
func resolveDisplayName(member *discordgo.Member, user *discordgo.User) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if user != nil {
		return user.Username
	}
	if member != nil && member.User != nil {
		return member.User.Username
	}
	return ""
}
