package tomodachingu

import (
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
)

var (
	columnRuntimeConfigPaused        = "paused"
	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"
)

var structValidator = validator.New()

// RuntimeConfig holds the settings that can be changed while the bot is
// running, through the admin API, and which persist across restarts.
// There is a single row, in the `config` table.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused indicates whether the bot is currently paused. While paused,
	// no greetings, commands or welcomes are sent.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// GreetingsEnabled toggles automatic greeting replies
	GreetingsEnabled bool `json:"greetings_enabled" gorm:"not null"`

	// TranslateEnabled toggles `!translate` and `/translate`
	TranslateEnabled bool `json:"translate_enabled" gorm:"not null"`

	// WelcomeEnabled toggles welcome messages for new guild members
	WelcomeEnabled bool `json:"welcome_enabled" gorm:"not null"`

	// WelcomeChannelID overrides the guild's system channel for welcome
	// messages
	WelcomeChannelID string `json:"welcome_channel_id" gorm:"type:string" binding:"omitempty,numeric"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string" binding:"max=128"`

	// DiscordNotificationChannelID is the channel the startup message is
	// sent to, when the bot connects to the gateway
	DiscordNotificationChannelID string `json:"discord_notification_channel_id" gorm:"type:string" binding:"omitempty,numeric"`

	// AdminUsername for the admin API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the argon2id hash of the admin API password
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`

	LogLevel          DBLogLevel `gorm:"default:INFO;type:string" json:"log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   DBLogLevel `gorm:"default:INFO;type:string" json:"discord_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel DBLogLevel `gorm:"default:WARN;column:discordgo_log_level;type:string" json:"discordgo_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  DBLogLevel `gorm:"default:WARN;type:string" json:"database_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	TranslateLogLevel DBLogLevel `gorm:"default:INFO;type:string" json:"translate_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       DBLogLevel `gorm:"default:INFO;type:string" json:"api_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

// DefaultRuntimeConfig returns the runtime config created on first run
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		GreetingsEnabled:    true,
		TranslateEnabled:    true,
		WelcomeEnabled:      true,
		DiscordCustomStatus: DefaultDiscordCustomStatus,
		LogLevel:            DBLogLevelInfo,
		DiscordLogLevel:     DBLogLevelInfo,
		DiscordGoLogLevel:   DBLogLevelWarn,
		DatabaseLogLevel:    DBLogLevelWarn,
		TranslateLogLevel:   DBLogLevelInfo,
		APILogLevel:         DBLogLevelInfo,
	}
}

// RuntimeConfigUpdate is a partial update to RuntimeConfig. Nil fields
// are left unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused           *bool `json:"paused,omitempty"`
	GreetingsEnabled *bool `json:"greetings_enabled,omitempty"`
	TranslateEnabled *bool `json:"translate_enabled,omitempty"`
	WelcomeEnabled   *bool `json:"welcome_enabled,omitempty"`

	WelcomeChannelID             *string `json:"welcome_channel_id,omitempty" binding:"omitnil"`
	DiscordCustomStatus          *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	DiscordNotificationChannelID *string `json:"discord_notification_channel_id,omitempty" binding:"omitnil"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	TranslateLogLevel *DBLogLevel `json:"translate_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

// validateRuntimeConfigUpdate checks that channel IDs, when set, are
// either empty (to clear them) or snowflakes
func validateRuntimeConfigUpdate(sl validator.StructLevel) {
	update, ok := sl.Current().Interface().(RuntimeConfigUpdate)
	if !ok {
		return
	}
	for name, v := range map[string]*string{
		"WelcomeChannelID":             update.WelcomeChannelID,
		"DiscordNotificationChannelID": update.DiscordNotificationChannelID,
	} {
		if v == nil || *v == "" {
			continue
		}
		if strings.Trim(*v, "0123456789") != "" {
			sl.ReportError(*v, name, name, "snowflake", "")
		}
	}
}

func (b RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(b)
}

// apply returns a copy of cfg with the non-nil fields of b set
func (b RuntimeConfigUpdate) apply(cfg RuntimeConfig) RuntimeConfig {
	setIf(&cfg.Paused, b.Paused)
	setIf(&cfg.GreetingsEnabled, b.GreetingsEnabled)
	setIf(&cfg.TranslateEnabled, b.TranslateEnabled)
	setIf(&cfg.WelcomeEnabled, b.WelcomeEnabled)
	setIf(&cfg.WelcomeChannelID, b.WelcomeChannelID)
	setIf(&cfg.DiscordCustomStatus, b.DiscordCustomStatus)
	setIf(&cfg.DiscordNotificationChannelID, b.DiscordNotificationChannelID)
	setIf(&cfg.LogLevel, b.LogLevel)
	setIf(&cfg.DiscordLogLevel, b.DiscordLogLevel)
	setIf(&cfg.DiscordGoLogLevel, b.DiscordGoLogLevel)
	setIf(&cfg.DatabaseLogLevel, b.DatabaseLogLevel)
	setIf(&cfg.TranslateLogLevel, b.TranslateLogLevel)
	setIf(&cfg.APILogLevel, b.APILogLevel)
	return cfg
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	update := discordgo.GatewayStatusUpdate{Status: string(discordgo.StatusOnline)}
	if config.DiscordCustomStatus != "" {
		update.Game = discordgo.Activity{
			Name:  "Custom Status",
			Type:  discordgo.ActivityTypeCustom,
			State: config.DiscordCustomStatus,
		}
	}
	return update
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(
		validateRuntimeConfigUpdate,
		RuntimeConfigUpdate{},
	)
}
