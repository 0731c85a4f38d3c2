package tomodachingu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
)

const (
	notifyChannelRuntimeConfigUpdated = "tomobot_reload_runtime_config"
	notifyChannelStop                 = "tomobot_stop"

	notificationSeparator = ":"
	localNotifyBuffer     = 16
)

var (
	dbNotifierSendTimeout = 15 * time.Second

	errNotifierClosed = errors.New("notifier closed")
)

// notification is a message from one bot instance to the others sharing
// its database
type notification struct {
	Channel string
	Origin  string
	Payload string
}

// notificationHandler is called for each notification received from
// another bot instance
type notificationHandler func(ctx context.Context, n notification)

// DBNotifier lets bot instances sharing a database tell each other about
// runtime config changes and stop requests. Each instance ignores the
// notifications it sent itself.
type DBNotifier interface {
	// Notify sends payload on channel to the other instances
	Notify(ctx context.Context, channel string, payload string) error

	// Listen dispatches notifications to handle until ctx is canceled
	Listen(ctx context.Context, handle notificationHandler) error

	// ID identifies this instance in the notifications it sends
	ID() string
}

func newDBNotifier(
	databaseType string,
	database string,
	instanceID string,
	writeDB DBI,
	logger *slog.Logger,
) DBNotifier {
	logger = logger.With(loggerNameKey, "db_notifier", "notifier_id", instanceID)
	if databaseType == dbTypePostgres {
		return &postgresNotifier{
			id:      instanceID,
			dsn:     database,
			writeDB: writeDB,
			logger:  logger,
		}
	}
	return newLocalNotifier(instanceID, make(chan notification, localNotifyBuffer), logger)
}

func formatNotificationPayload(origin, payload string) string {
	return origin + notificationSeparator + payload
}

// parseNotificationPayload splits a raw payload into the sending
// instance's ID and the payload itself
func parseNotificationPayload(channel, raw string) notification {
	origin, payload, _ := strings.Cut(raw, notificationSeparator)
	return notification{Channel: channel, Origin: origin, Payload: payload}
}

// localNotifier delivers notifications over a Go channel. Notifiers
// created with the same channel see each other's notifications, which is
// as far as sqlite can share them.
type localNotifier struct {
	id            string
	notifications chan notification
	logger        *slog.Logger
}

func newLocalNotifier(id string, ch chan notification, logger *slog.Logger) *localNotifier {
	return &localNotifier{id: id, notifications: ch, logger: logger}
}

func (l *localNotifier) ID() string {
	return l.id
}

func (l *localNotifier) Notify(ctx context.Context, channel string, payload string) error {
	n := notification{Channel: channel, Origin: l.id, Payload: payload}
	select {
	case l.notifications <- n:
		l.logger.DebugContext(ctx, "sent notification", "channel", channel)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		// nobody else is listening, which is the usual case for sqlite
		l.logger.DebugContext(ctx, "notification buffer full, dropping", "channel", channel)
		return nil
	}
}

func (l *localNotifier) Listen(ctx context.Context, handle notificationHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-l.notifications:
			if !ok {
				return errNotifierClosed
			}
			if n.Origin == l.id {
				continue
			}
			handle(ctx, n)
		}
	}
}

// postgresNotifier sends notifications with pg_notify and receives them
// with LISTEN on a dedicated pgx connection
type postgresNotifier struct {
	id      string
	dsn     string
	writeDB DBI
	logger  *slog.Logger
}

func (p *postgresNotifier) ID() string {
	return p.id
}

func (p *postgresNotifier) Notify(ctx context.Context, channel string, payload string) error {
	err := p.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		formatNotificationPayload(p.id, payload),
	).Error
	if err != nil {
		p.logger.ErrorContext(ctx, "error sending NOTIFY", "channel", channel, tint.Err(err))
		return fmt.Errorf("error sending notification: %w", err)
	}
	p.logger.InfoContext(ctx, "sent notification", "channel", channel)
	return nil
}

func (p *postgresNotifier) Listen(ctx context.Context, handle notificationHandler) error {
	logger := p.logger

	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	for _, channel := range []string{notifyChannelRuntimeConfigUpdated, notifyChannelStop} {
		if _, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			return fmt.Errorf("error listening on %s: %w", channel, err)
		}
		logger.InfoContext(ctx, "listening for notifications", "channel", channel)
	}

	for {
		pgNotification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			return e
		}
		n := parseNotificationPayload(pgNotification.Channel, pgNotification.Payload)
		if n.Origin == p.id {
			logger.DebugContext(ctx, "received notification from self, ignoring", "channel", n.Channel)
			continue
		}
		handle(ctx, n)
	}
}

// notify sends a notification to other bot instances, if a notifier has
// been set up. Errors are logged.
func (b *Bot) notify(ctx context.Context, channel string, payload string) {
	if b.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dbNotifierSendTimeout)
	defer cancel()
	if err := b.notifier.Notify(ctx, channel, payload); err != nil {
		b.logger.ErrorContext(ctx, "error notifying other instances", "channel", channel, tint.Err(err))
	}
}

// handleNotification reacts to a notification from another bot instance
func (b *Bot) handleNotification(ctx context.Context, n notification) {
	_, logger := b.getLogger(ctx)
	logger = logger.With("channel", n.Channel, "origin", n.Origin)

	switch n.Channel {
	case notifyChannelRuntimeConfigUpdated:
		logger.InfoContext(ctx, "received runtime config update notification")
		if err := b.reloadRuntimeConfig(ctx); err != nil {
			logger.ErrorContext(ctx, "error reloading runtime config", tint.Err(err))
		}
	case notifyChannelStop:
		logger.WarnContext(ctx, "received stop notification")
		select {
		case b.signalStop <- struct{}{}:
		case <-time.After(dbNotifierSendTimeout):
			logger.ErrorContext(ctx, "timeout sending stop signal")
		}
	default:
		logger.WarnContext(ctx, "received unknown notification")
	}
}

// reloadRuntimeConfig replaces the runtime config with the one saved in
// the database, and applies it to the running bot
func (b *Bot) reloadRuntimeConfig(ctx context.Context) error {
	ctx, logger := b.getLogger(ctx)

	var cfg RuntimeConfig
	if err := b.db.WithContext(ctx).Last(&cfg).Error; err != nil {
		return fmt.Errorf("error getting config: %w", err)
	}
	if err := structValidator.Struct(cfg); err != nil {
		return &runtimeConfigValidationError{err: err}
	}

	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()

	previous := *b.runtimeConfig
	b.runtimeConfig = &cfg
	b.setRuntimeLevels(cfg)
	wasPaused := b.paused.Swap(cfg.Paused)
	b.updateDiscordStatus(ctx, wasPaused, previous, cfg)

	logger.InfoContext(ctx, "reloaded runtime config", "paused", cfg.Paused)
	return nil
}
