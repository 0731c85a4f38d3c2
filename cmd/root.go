package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tomodachingu/tomobot/tomodachingu"
)

var (
	cfg        = tomodachingu.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "tomobot [flags]",
	Short: "Tomodachingu greeter and helper bot for Discord",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := viper.Unmarshal(cfg, viper.DecodeHook(configDecodeHook())); err != nil {
			log.Fatalln(err)
		}
	},
}

func configDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(" "),
		LevelToStringHookFunc(),
	)
}

var levelVarType = reflect.TypeOf((*slog.LevelVar)(nil)).Elem()

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes log level strings ("DEBUG", "INFO", ...)
// into *slog.LevelVar fields. mapstructure dereferences pointer fields that
// are already set, so the target may be slog.LevelVar as well.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		typ := t
		if typ.Kind() == reflect.Ptr {
			typ = typ.Elem()
		}
		if typ != levelVarType {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// logLevelKeys are the config keys holding a log level. They're decoded
// into *slog.LevelVar by LevelToStringHookFunc.
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"translate.log_level",
	"api.log_level",
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load env file %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", tomodachingu.DefaultDatabase)
	viper.SetDefault("database_type", tomodachingu.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		tomodachingu.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		tomodachingu.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("log_level", tomodachingu.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", tomodachingu.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", tomodachingu.DefaultShutdownTimeout)
	viper.SetDefault("messages_file", "")

	viper.SetDefault("greeting.cooldown", tomodachingu.DefaultGreetingCooldown)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		tomodachingu.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		tomodachingu.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		int(tomodachingu.DefaultDiscordGatewayIntent),
	)
	viper.SetDefault("discord.startup_message", tomodachingu.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.register_commands", true)

	// Translate config
	viper.SetDefault("translate.provider", tomodachingu.DefaultTranslateProvider)
	viper.SetDefault("translate.endpoint", tomodachingu.DefaultTranslateEndpoint)
	viper.SetDefault("translate.timeout", tomodachingu.DefaultTranslateTimeout)
	viper.SetDefault(
		"translate.requests_per_second",
		tomodachingu.DefaultTranslateRequestsPerSec,
	)
	viper.SetDefault(
		"translate.log_level",
		tomodachingu.DefaultTranslateLogLevel.String(),
	)

	// OpenAI config, only used by the 'openai' translate provider
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.model", tomodachingu.DefaultOpenAIModel)
	viper.SetDefault("openai.base_url", "")

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", tomodachingu.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", tomodachingu.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", tomodachingu.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		tomodachingu.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", tomodachingu.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", tomodachingu.DefaultIdleTimeout)
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.session_max_age", tomodachingu.DefaultAPISessionMaxAge)
	viper.SetDefault("api.development", false)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	viper.SetDefault("api.ssl.tls_min_version", tomodachingu.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		tomodachingu.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		tomodachingu.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		tomodachingu.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", tomodachingu.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		tomodachingu.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(tomodachingu.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = tomodachingu.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	for _, key := range logLevelKeys {
		if _, err := levelStringToLevelVar(viper.GetString(key)); err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits // cobra
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load configuration from",
	)
}
