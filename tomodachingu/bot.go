package tomodachingu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/tomodachingu/tomobot/tomodachingu.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	errSessionNotInitialized = errors.New("discord session not initialized")
	errShutdownTimeout       = errors.New("in-flight requests did not finish in time")

	shutdownAnnouncementInterval = 10 * time.Second
)

// Bot is the Tomodachingu discord bot. It owns the greeting cooldown
// ledger, the command router and the discord session, and runs the admin
// API alongside the gateway connection.
type Bot struct {
	config *Config

	// read connection
	db *gorm.DB

	// write operations, serialized when using sqlite
	writeDB DBI

	logger     *slog.Logger
	logHandler slog.Handler

	discord *Discord
	api     *API

	templates *messageTemplates
	ledger    *CooldownLedger
	greeter   *Greeter
	commands  *CommandRouter

	// intn picks a welcome message
	intn func(n int) int

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it once the gateway connection is
	// open and the bot is handling events
	signalReady chan struct{}

	// a signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// mirrors RuntimeConfig.Paused. While paused, no greetings, commands
	// or welcomes are sent.
	paused atomic.Bool

	startedAt time.Time

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	// tracks translations and audit log writes still in flight
	runtimeWG sync.WaitGroup

	// set once shutdown starts waiting on runtimeWG, after which no more
	// goroutines are added to it
	shuttingDown bool
	trackMu      sync.RWMutex

	// instanceID identifies this bot in notifications to other instances
	// sharing the same database
	instanceID string
	notifier   DBNotifier
}

// New creates a Bot from the given config. Errors from each component
// are collected and returned together.
func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			fmt.Errorf("invalid database type %q (must be 'sqlite' or 'postgres')", config.DatabaseType),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	defaultCfg := DefaultRuntimeConfig()
	b := &Bot{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		signalStop:    make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
		runtimeConfig: &defaultCfg,
		intn:          rand.IntN,
		instanceID:    uuid.NewString(),
	}

	b.logHandler = newLogHandler(defaultLogWriter, config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	messages, err := LoadMessages(config.MessagesFile)
	if err != nil {
		return nil, errors.Join(append(errs, err)...)
	}
	templates, err := messages.compile()
	if err != nil {
		return nil, errors.Join(append(errs, fmt.Errorf("invalid messages: %w", err))...)
	}
	b.templates = templates

	b.ledger = NewCooldownLedger(config.Greeting.Cooldown)
	b.greeter = NewGreeter(templates.lexicon, b.ledger, time.Now, b.logger)

	translateLogger := slog.New(
		newLogHandler(defaultLogWriter, config.Translate.LogLevel),
	).With(loggerNameKey, "translate")
	translator, err := NewTranslator(config, translateLogger)
	errs = append(errs, err)
	b.commands = newCommandRouter(templates, translator, config.Translate.Timeout, translateLogger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(
			defaultLogWriter,
			config.Discord.DiscordGoLogLevel,
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc := newDiscord(config.Discord)
	disc.logger = slog.New(
		newLogHandler(defaultLogWriter, config.Discord.LogLevel),
	).With(loggerNameKey, "discord")
	disc.bot = b
	b.discord = disc

	api, err := newAPI(b, config.API)
	errs = append(errs, err)
	b.api = api

	return b, errors.Join(errs...)
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// RuntimeConfig returns a copy of the current runtime configuration
func (b *Bot) RuntimeConfig() RuntimeConfig {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return *b.runtimeConfig
}

// Ledger returns the greeting cooldown ledger
func (b *Bot) Ledger() *CooldownLedger {
	return b.ledger
}

func (b *Bot) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// Run connects to the discord gateway and (if enabled) starts the admin
// API, then blocks until ctx is canceled or a stop signal is received,
// at which point it shuts down gracefully.
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	g, gctx := errgroup.WithContext(ctx)

	if b.config.API.Enabled {
		g.Go(
			func() error {
				err := b.api.Serve(gctx)
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.ErrorContext(gctx, "error serving api", tint.Err(err))
					return err
				}
				return nil
			},
		)
	}

	g.Go(
		func() error {
			if err := b.notifier.Listen(gctx, b.handleNotification); err != nil {
				// other instances' changes won't be seen, but this one
				// keeps running
				logger.ErrorContext(gctx, "notification listener stopped", tint.Err(err))
			}
			return nil
		},
	)

	g.Go(
		func() error {
			if err := b.discordInit(gctx); err != nil {
				return err
			}
			select {
			case b.signalReady <- struct{}{}:
				logger.InfoContext(gctx, "sent ready signal")
			default:
			}
			<-gctx.Done()
			return nil
		},
	)

	// block until something cancels the runtime context - generally an
	// interrupt, `/api/quit`, or a failure above
	g.Go(
		func() error {
			<-gctx.Done()
			return b.shutdown(ctx)
		},
	)

	return g.Wait()
}

// initRun opens the database and loads the runtime config, creating it
// with defaults on first run
func (b *Bot) initRun(ctx context.Context) error {
	b.logger.Debug("initializing DB...")
	if err := b.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.logger.Debug("finished initializing DB")

	b.notifier = newDBNotifier(
		b.config.DatabaseType,
		b.config.Database,
		b.instanceID,
		b.writeDB,
		b.logger,
	)

	// load the persisted config, so a bot that was paused stays paused
	// after a restart
	var cfg RuntimeConfig
	if err := b.db.WithContext(ctx).Last(&cfg).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("error getting config: %w", err)
		}
		cfg = DefaultRuntimeConfig()
		if _, err = b.writeDB.Create(ctx, &cfg); err != nil {
			return fmt.Errorf("error creating config: %w", err)
		}
	}
	if err := structValidator.Struct(cfg); err != nil {
		return fmt.Errorf("invalid runtime config: %w", err)
	}

	if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
		b.logger.WarnContext(
			ctx,
			"admin credentials not set, the admin API will reject all requests until `init` is run",
		)
	}

	b.cfgMu.Lock()
	b.runtimeConfig = &cfg
	b.cfgMu.Unlock()

	b.paused.Store(cfg.Paused)
	b.setRuntimeLevels(cfg)
	return nil
}

func (b *Bot) initDB(ctx context.Context) error {
	_, logger := b.getLogger(ctx)

	handler := newLogHandler(defaultLogWriter, b.config.DatabaseLogLevel)
	gormLogger := newGORMLogger(handler, b.config.DatabaseSlowThreshold)

	db, err := getDB(b.config.DatabaseType, b.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	b.db = db
	b.writeDB = NewDatabase(
		db,
		slog.New(handler),
		b.config.DatabaseType == dbTypePostgres,
	)

	if err = configureSQLite(ctx, b.config.DatabaseType, db); err != nil {
		return err
	}

	logger.Debug("migrating database...")
	if err = migrate(ctx, db); err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return err
	}
	logger.Debug("finished migrating database")
	return nil
}

// initDiscordSession creates the discord session if needed, and adds the
// gateway event handlers. Message and member events are handled
// synchronously, in the order they're received.
func (b *Bot) initDiscordSession(ctx context.Context) error {
	if b.discord.session == nil {
		s, err := b.discord.newSession(b.config.HTTPClient)
		if err != nil {
			return err
		}
		b.discord.session = s
	}

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	ctx = WithLogger(ctx, b.discord.logger)

	b.discord.session.SetIdentify(
		discordgo.Identify{
			Intents:  b.config.Discord.GatewayIntents,
			Presence: getDiscordPresenceStatusUpdate(b.RuntimeConfig()),
		},
	)

	session := b.discord.session
	b.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(b.discord.handlerConnect()),
		session.AddHandler(b.discord.handlerDisconnect()),
		session.AddHandler(b.discord.handlerReady()),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				b.handleMessage(ctx, m)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				b.handleInteraction(ctx, i)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
				b.handleGuildMemberAdd(ctx, m)
			},
		),
	}
	return nil
}

// discordInit opens the gateway connection and registers slash commands,
// if configured to
func (b *Bot) discordInit(ctx context.Context) error {
	if err := b.initDiscordSession(ctx); err != nil {
		return fmt.Errorf("error creating discord session: %w", err)
	}

	b.logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		b.logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if b.config.Discord.RegisterCommands {
		if _, err := b.discord.registerCommands(); err != nil {
			b.logger.ErrorContext(ctx, "error registering slash commands", tint.Err(err))
		}
	}
	return nil
}

// shutdown closes the gateway connection, waits for in-flight
// translations and audit writes, then stops the API server. If that
// takes longer than Config.ShutdownTimeout, the API server is closed
// forcefully.
func (b *Bot) shutdown(ctx context.Context) error {
	logger := b.logger
	logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case b.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(b.config.ShutdownTimeout)
	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", b.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	if b.discord.session != nil {
		logger.InfoContext(ctx, "closing discord session")
		if err := b.discord.session.Close(); err != nil {
			logger.WarnContext(ctx, "error closing discord session", tint.Err(err))
		}
		for _, h := range b.discord.discordgoRemoveHandlerFuncs {
			h()
		}
		b.discord.discordgoRemoveHandlerFuncs = []func(){}
	}

	b.stopTracking()
	inFlight := make(chan struct{})
	go func() {
		b.runtimeWG.Wait()
		close(inFlight)
	}()

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	var shutdownErr error
wait:
	for {
		select {
		case <-inFlight:
			logger.InfoContext(
				ctx,
				"finished handling in-flight requests",
				"duration", time.Since(shutdownStart),
			)
			break wait
		case <-announcementTicker.C:
			logger.Warn(fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)))
		case <-closeCtx.Done():
			logger.Warn("in-flight requests did not finish in time, forcing close")
			shutdownErr = errShutdownTimeout
			break wait
		}
	}

	if b.api != nil && b.api.httpServer != nil {
		logger.InfoContext(ctx, "stopping http server")
		if err := b.api.httpServer.Shutdown(closeCtx); err != nil {
			logger.WarnContext(ctx, "error stopping http server, closing", tint.Err(err))
			_ = b.api.httpServer.Close()
		}
	}

	if b.db != nil {
		if sqlDB, err := b.db.DB(); err == nil {
			logger.InfoContext(ctx, "closing database connection")
			if err = sqlDB.Close(); err != nil {
				logger.ErrorContext(ctx, "error closing database", tint.Err(err))
			}
		}
	}

	logger.InfoContext(
		ctx,
		"shutdown complete",
		"shutdown_duration", time.Since(shutdownStart),
	)
	return shutdownErr
}

// setRuntimeLevels sets the logging levels of each component from the
// given runtime config
func (b *Bot) setRuntimeLevels(state RuntimeConfig) {
	b.config.LogLevel.Set(state.LogLevel.Level())
	b.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	b.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	b.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	b.config.Translate.LogLevel.Set(state.TranslateLogLevel.Level())
	b.config.API.LogLevel.Set(state.APILogLevel.Level())
	if b.discord.session != nil {
		if err := b.discord.session.SetLogLevel(state.DiscordGoLogLevel.Level()); err != nil {
			b.logger.Error("error setting discordgo log level", tint.Err(err))
		}
	}
}

// RegisterSlashCommands overwrites the bot's slash commands
func (b *Bot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if b.discord.session == nil {
		return nil, errSessionNotInitialized
	}
	return b.discord.registerCommands(options...)
}

// Pause stops the bot from sending greetings, commands and welcomes, and
// sets its discord status to Do Not Disturb. It returns false if the bot
// was already paused.
func (b *Bot) Pause(ctx context.Context) bool {
	ctx, logger := b.getLogger(ctx)

	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()

	if b.paused.Swap(true) {
		return false
	}
	logger.WarnContext(ctx, "bot paused")

	if b.discord.session != nil {
		if err := b.discord.updateStatusComplex(
			discordgo.UpdateStatusData{
				AFK:    true,
				Status: string(discordgo.StatusDoNotDisturb),
			},
		); err != nil {
			logger.ErrorContext(ctx, "unable to update afk status", tint.Err(err))
		}
	}

	if !b.runtimeConfig.Paused {
		b.persistPaused(ctx, true)
	}
	b.notify(ctx, notifyChannelRuntimeConfigUpdated, b.runtimeConfigID())
	return true
}

// Resume un-pauses the bot. It returns false if the bot wasn't paused.
func (b *Bot) Resume(ctx context.Context) bool {
	ctx, logger := b.getLogger(ctx)

	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()

	if !b.paused.Swap(false) {
		logger.WarnContext(ctx, "bot not paused")
		return false
	}
	logger.InfoContext(ctx, "bot resumed")

	if b.discord.session != nil {
		if err := b.discord.updateCustomStatus(b.runtimeConfig.DiscordCustomStatus); err != nil {
			logger.ErrorContext(ctx, "unable to update online status", tint.Err(err))
		}
	}

	if b.runtimeConfig.Paused {
		b.persistPaused(ctx, false)
	}
	b.notify(ctx, notifyChannelRuntimeConfigUpdated, b.runtimeConfigID())
	return true
}

// persistPaused saves the paused state. cfgMu must be held.
func (b *Bot) persistPaused(ctx context.Context, paused bool) {
	updated := *b.runtimeConfig
	updated.Paused = paused
	if b.writeDB != nil {
		if _, err := b.writeDB.Update(
			ctx,
			&updated,
			columnRuntimeConfigPaused,
			paused,
		); err != nil {
			b.logger.ErrorContext(ctx, "unable to save paused state", tint.Err(err))
			return
		}
	}
	b.runtimeConfig = &updated
}

// runtimeConfigID is the notification payload for runtime config
// updates. cfgMu must be held.
func (b *Bot) runtimeConfigID() string {
	return fmt.Sprint(b.runtimeConfig.ID)
}

// runtimeConfigValidationError is returned by UpdateRuntimeConfig when
// the update, or the config it would produce, is invalid
type runtimeConfigValidationError struct {
	err error
}

func (e *runtimeConfigValidationError) Error() string {
	return fmt.Sprintf("invalid runtime config: %s", e.err)
}

func (e *runtimeConfigValidationError) Unwrap() error {
	return e.err
}

// UpdateRuntimeConfig applies update to the current runtime config,
// validates and saves the result, then applies it to the running bot.
// On error, the current config is left unchanged.
func (b *Bot) UpdateRuntimeConfig(
	ctx context.Context,
	update RuntimeConfigUpdate,
) (RuntimeConfig, error) {
	ctx, logger := b.getLogger(ctx)

	if err := update.validate(); err != nil {
		return b.RuntimeConfig(), &runtimeConfigValidationError{err: err}
	}

	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()

	previous := *b.runtimeConfig
	updated := update.apply(previous)
	if err := structValidator.Struct(updated); err != nil {
		return previous, &runtimeConfigValidationError{err: err}
	}

	if b.writeDB != nil {
		if err := b.writeDB.Transaction(
			ctx,
			func(tx *gorm.DB) error {
				return tx.Save(&updated).Error
			},
		); err != nil {
			logger.ErrorContext(ctx, "error saving runtime config", tint.Err(err))
			return previous, fmt.Errorf("error saving runtime config: %w", err)
		}
	}
	b.runtimeConfig = &updated
	logger.InfoContext(ctx, "updated runtime config", "update", update)

	b.setRuntimeLevels(updated)

	wasPaused := b.paused.Swap(updated.Paused)
	switch {
	case wasPaused && !updated.Paused:
		logger.InfoContext(ctx, "unpaused bot")
	case updated.Paused && !wasPaused:
		logger.WarnContext(ctx, "paused bot")
	}
	b.updateDiscordStatus(ctx, wasPaused, previous, updated)
	b.notify(ctx, notifyChannelRuntimeConfigUpdated, b.runtimeConfigID())

	return updated, nil
}

// updateDiscordStatus updates the bot's presence after a runtime config
// change
func (b *Bot) updateDiscordStatus(
	ctx context.Context,
	wasPaused bool,
	previous RuntimeConfig,
	current RuntimeConfig,
) {
	if b.discord.session == nil {
		return
	}
	var err error
	switch {
	case current.Paused && !wasPaused:
		err = b.discord.updateStatusComplex(
			discordgo.UpdateStatusData{
				AFK:    true,
				Status: string(discordgo.StatusDoNotDisturb),
			},
		)
	case !current.Paused && (wasPaused || current.DiscordCustomStatus != previous.DiscordCustomStatus):
		err = b.discord.updateCustomStatus(current.DiscordCustomStatus)
	}
	if err != nil {
		b.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
	}
}

// handleMessage runs the greeting decision and the command router for
// every new message. Both are evaluated independently, so one message
// may get a greeting and a command reply.
func (b *Bot) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	ctx, logger := b.getLogger(ctx)
	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
		}
	}()

	if m == nil || m.Message == nil {
		return
	}
	msg, ok := NewIncomingMessage(m.Message)
	if !ok {
		logger.WarnContext(ctx, "couldn't find user in discord message")
		return
	}
	if msg.IsBot {
		return
	}
	logger.DebugContext(ctx, "saw message", "message", msg)

	if b.paused.Load() {
		logger.DebugContext(ctx, "paused, ignoring message", "message", msg)
		return
	}

	cfg := b.RuntimeConfig()
	if cfg.GreetingsEnabled {
		result := b.greeter.Handle(
			ctx,
			msg,
			func(content string) error {
				return b.discord.reply(msg, content)
			},
		)
		if result.Matched {
			b.saveAsync(ctx, newGreetingLog(msg, result))
		}
	}

	b.handleCommand(ctx, msg, cfg)
}

// handleCommand replies to a prefix command, if msg contains one.
// Translations run in their own goroutine, so the message loop isn't
// blocked on the translation backend.
func (b *Bot) handleCommand(ctx context.Context, msg IncomingMessage, cfg RuntimeConfig) {
	_, logger := b.getLogger(ctx)

	name, ok := b.commands.Match(msg)
	if !ok {
		return
	}
	logger = logger.With("command", name)

	if name != CommandTranslate {
		reply, err := b.commands.StaticReply(name, msg.DisplayName)
		if err != nil {
			logger.ErrorContext(ctx, "error rendering command reply", tint.Err(err))
			return
		}
		if err = b.discord.reply(msg, reply); err != nil {
			logger.ErrorContext(ctx, "error sending command reply", tint.Err(err))
		}
		return
	}

	if !cfg.TranslateEnabled {
		logger.DebugContext(ctx, "translate disabled, ignoring command")
		return
	}

	started := b.goTracked(func() {
		tctx := context.WithoutCancel(ctx)
		defer func() {
			if rc := recover(); rc != nil {
				b.handleRecover(tctx, rc)
			}
		}()

		outcome := b.commands.TranslateMessage(tctx, msg.RawText)
		if err := b.discord.reply(msg, outcome.Reply); err != nil {
			logger.ErrorContext(tctx, "error sending translation", tint.Err(err))
		}

		translationLog := newTranslationLog(b.config.Translate.Provider, outcome)
		translationLog.UserID = msg.UserID
		translationLog.ChannelID = msg.ChannelID
		translationLog.GuildID = msg.GuildID
		translationLog.MessageID = msg.MessageID
		b.save(tctx, translationLog)
	})
	if !started {
		logger.WarnContext(ctx, "shutting down, dropping translation")
	}
}

// interactionResponse is an immediate response to a slash command
func interactionResponse(content string, flags discordgo.MessageFlags) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   flags,
		},
	}
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) (*InteractionLog, error) {
	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
	}
	if i.Type == discordgo.InteractionApplicationCommand {
		interactionLog.Command = i.ApplicationCommandData().Name
	}

	p, err := json.Marshal(i)
	if err != nil {
		return interactionLog, fmt.Errorf("error marshaling interaction: %w", err)
	}
	interactionLog.Payload = string(p)
	return interactionLog, nil
}

// handleInteraction responds to slash commands
func (b *Bot) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	ctx, logger := b.getLogger(ctx)
	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
		}
	}()

	if i == nil || i.Interaction == nil {
		return
	}
	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(ctx, "no user found in interaction", "interaction", interactionLogAttrs(*i))
		return
	}

	logger = logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction")

	interactionLog, err := newInteractionLog(i, discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	}
	b.saveAsync(ctx, interactionLog)

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		if err = b.discord.session.InteractionRespond(
			i.Interaction,
			&discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
		); err != nil {
			logger.ErrorContext(ctx, "error responding to ping", tint.Err(err))
		}
		return
	case discordgo.InteractionApplicationCommand:
	default:
		logger.DebugContext(ctx, "ignoring interaction type")
		return
	}

	if b.paused.Load() {
		b.respond(ctx, i, interactionResponse(
			"I'm taking a break right now, please try again later!",
			discordgo.MessageFlagsEphemeral,
		))
		return
	}

	name := CommandName(i.ApplicationCommandData().Name)
	displayName := resolveDisplayName(i.Member, discordUser)

	switch name {
	case CommandHelp, CommandInfo, CommandRules, CommandFAQ:
		reply, e := b.commands.StaticReply(name, displayName)
		if e != nil {
			logger.ErrorContext(ctx, "error rendering command reply", tint.Err(e))
			return
		}
		b.respond(ctx, i, interactionResponse(reply, 0))
	case CommandTranslate:
		if !b.RuntimeConfig().TranslateEnabled {
			b.respond(ctx, i, interactionResponse(
				"Translation is currently disabled.",
				discordgo.MessageFlagsEphemeral,
			))
			return
		}
		b.handleTranslateInteraction(ctx, i, discordUser)
	default:
		logger.WarnContext(ctx, "unknown command", "command", name)
	}
}

func (b *Bot) respond(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	resp *discordgo.InteractionResponse,
) {
	if err := b.discord.session.InteractionRespond(i.Interaction, resp); err != nil {
		_, logger := b.getLogger(ctx)
		logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	}
}

// handleTranslateInteraction defers the response to /translate, then
// edits it with the translation once it completes
func (b *Bot) handleTranslateInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) {
	_, logger := b.getLogger(ctx)

	options := discordInteractionOptions(i)
	req := TranslateRequest{}
	if opt, ok := options[translateOptionSource]; ok {
		req.Source = opt.StringValue()
	}
	if opt, ok := options[translateOptionTarget]; ok {
		req.Target = opt.StringValue()
	}
	if opt, ok := options[translateOptionText]; ok {
		req.Text = opt.StringValue()
	}
	if req.Source == "" || req.Target == "" || req.Text == "" {
		b.respond(ctx, i, interactionResponse(
			b.templates.translateUsage,
			discordgo.MessageFlagsEphemeral,
		))
		return
	}

	if err := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
	); err != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}

	started := b.goTracked(func() {
		tctx := context.WithoutCancel(ctx)
		defer func() {
			if rc := recover(); rc != nil {
				b.handleRecover(tctx, rc)
			}
		}()

		outcome := b.commands.Translate(tctx, req)
		if _, err := b.discord.session.InteractionResponseEdit(
			i.Interaction,
			&discordgo.WebhookEdit{Content: &outcome.Reply},
		); err != nil {
			logger.ErrorContext(tctx, "error editing interaction response", tint.Err(err))
		}

		translationLog := newTranslationLog(b.config.Translate.Provider, outcome)
		translationLog.UserID = u.ID
		translationLog.ChannelID = i.ChannelID
		translationLog.GuildID = i.GuildID
		translationLog.InteractionID = i.ID
		b.save(tctx, translationLog)
	})
	if !started {
		logger.WarnContext(ctx, "shutting down, dropping translation")
	}
}

// goTracked runs fn in a goroutine tracked by runtimeWG. It returns false,
// without running fn, once shutdown has started.
func (b *Bot) goTracked(fn func()) bool {
	b.trackMu.RLock()
	defer b.trackMu.RUnlock()
	if b.shuttingDown {
		return false
	}
	b.runtimeWG.Add(1)
	go func() {
		defer b.runtimeWG.Done()
		fn()
	}()
	return true
}

// stopTracking makes goTracked refuse new work, so runtimeWG.Wait only
// waits for what's already running
func (b *Bot) stopTracking() {
	b.trackMu.Lock()
	defer b.trackMu.Unlock()
	b.shuttingDown = true
}

// saveAsync creates value in the database without blocking the caller.
// Errors are logged.
func (b *Bot) saveAsync(ctx context.Context, value any) {
	if b.writeDB == nil || value == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if !b.goTracked(func() { b.save(ctx, value) }) {
		_, logger := b.getLogger(ctx)
		logger.WarnContext(ctx, "shutting down, not saving record", "type", fmt.Sprintf("%T", value))
	}
}

// save creates value in the database. Errors are logged.
func (b *Bot) save(ctx context.Context, value any) {
	if b.writeDB == nil || value == nil {
		return
	}
	_, logger := b.getLogger(ctx)
	if _, err := b.writeDB.Create(ctx, value); err != nil {
		logger.ErrorContext(
			ctx,
			"error saving record",
			tint.Err(err),
			"type", fmt.Sprintf("%T", value),
		)
	}
}

// handleRecover logs a recovered panic from an event handler, so the
// gateway loop keeps running
func (*Bot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch nerr := rc.(type) {
	case error:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(nerr),
			"stack_trace", stackTrace,
		)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(nerr)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			"panic_arg", rc,
			"stack_trace", stackTrace,
		)
	}
}
