package tomodachingu

import (
	"context"
	"errors"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

var errNoWelcomeChannel = errors.New("no welcome channel")

// welcomeChannel returns the channel welcome messages are sent to for
// the given guild: the runtime override if set, otherwise the guild's
// system channel.
func (b *Bot) welcomeChannel(guildID string) (string, error) {
	if ch := b.RuntimeConfig().WelcomeChannelID; ch != "" {
		return ch, nil
	}
	guild, err := b.discord.session.Guild(guildID)
	if err != nil {
		return "", err
	}
	if guild == nil || guild.SystemChannelID == "" {
		return "", errNoWelcomeChannel
	}
	return guild.SystemChannelID, nil
}

// handleGuildMemberAdd posts a randomly chosen welcome message for every
// new guild member, bots included
func (b *Bot) handleGuildMemberAdd(ctx context.Context, m *discordgo.GuildMemberAdd) {
	ctx, logger := b.getLogger(ctx)
	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
		}
	}()

	if m == nil || m.Member == nil || m.User == nil {
		logger.WarnContext(ctx, "member add event without a user")
		return
	}

	cfg := b.RuntimeConfig()
	if b.paused.Load() || !cfg.WelcomeEnabled {
		logger.DebugContext(
			ctx,
			"welcome messages disabled, skipping",
			"paused", b.paused.Load(),
			"welcome_enabled", cfg.WelcomeEnabled,
		)
		return
	}

	joinLog := &MemberJoinLog{
		GuildID:     m.GuildID,
		UserID:      m.User.ID,
		Username:    m.User.Username,
		DisplayName: resolveDisplayName(m.Member, m.User),
	}
	defer b.saveAsync(ctx, joinLog)

	channelID, err := b.welcomeChannel(m.GuildID)
	if err != nil {
		if errors.Is(err, errNoWelcomeChannel) {
			logger.DebugContext(ctx, "no welcome channel for guild", "guild_id", m.GuildID)
		} else {
			logger.ErrorContext(ctx, "error finding welcome channel", tint.Err(err))
		}
		joinLog.Error = err.Error()
		return
	}
	joinLog.ChannelID = channelID

	content, err := b.templates.welcomeMessage(
		b.intn(len(b.templates.welcome)),
		joinLog.DisplayName,
	)
	if err != nil {
		logger.ErrorContext(ctx, "error rendering welcome message", tint.Err(err))
		joinLog.Error = err.Error()
		return
	}
	joinLog.Welcome = content

	if err = b.discord.channelMessageSend(channelID, content); err != nil {
		logger.ErrorContext(
			ctx,
			"error sending welcome message",
			tint.Err(err),
			"channel_id", channelID,
		)
		joinLog.Error = err.Error()
		return
	}
	joinLog.Sent = true
	logger.InfoContext(
		ctx,
		"sent welcome message",
		"guild_id", m.GuildID,
		"channel_id", channelID,
		columnUserID, m.User.ID,
	)
}
