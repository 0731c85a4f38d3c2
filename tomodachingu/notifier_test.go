package tomodachingu

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseNotificationPayload(t *testing.T) {
	tests := []struct {
		raw      string
		expected notification
	}{
		{
			raw:      formatNotificationPayload("abc", "12"),
			expected: notification{Channel: notifyChannelRuntimeConfigUpdated, Origin: "abc", Payload: "12"},
		},
		{
			raw:      formatNotificationPayload("abc", ""),
			expected: notification{Channel: notifyChannelRuntimeConfigUpdated, Origin: "abc"},
		},
		{
			raw:      "abc",
			expected: notification{Channel: notifyChannelRuntimeConfigUpdated, Origin: "abc"},
		},
		{
			raw:      "abc:1:2",
			expected: notification{Channel: notifyChannelRuntimeConfigUpdated, Origin: "abc", Payload: "1:2"},
		},
	}
	for _, tt := range tests {
		t.Run(
			tt.raw, func(t *testing.T) {
				assert.Equal(t, tt.expected, parseNotificationPayload(notifyChannelRuntimeConfigUpdated, tt.raw))
			},
		)
	}
}

func TestNewDBNotifier(t *testing.T) {
	n := newDBNotifier(dbTypeSQLite, "test.sqlite3", "one", nil, discardLogger())
	assert.IsType(t, &localNotifier{}, n)
	assert.Equal(t, "one", n.ID())

	n = newDBNotifier(dbTypePostgres, "postgres://localhost/tomobot", "two", nil, discardLogger())
	pg, ok := n.(*postgresNotifier)
	require.True(t, ok)
	assert.Equal(t, "two", pg.ID())
	assert.Equal(t, "postgres://localhost/tomobot", pg.dsn)
}

func TestLocalNotifier(t *testing.T) {
	ch := make(chan notification, localNotifyBuffer)
	sender := newLocalNotifier("sender", ch, discardLogger())
	receiver := newLocalNotifier("receiver", ch, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan notification, 1)
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- receiver.Listen(
			ctx, func(_ context.Context, n notification) {
				received <- n
			},
		)
	}()

	// notifications from the listener itself are skipped
	require.NoError(t, receiver.Notify(ctx, notifyChannelStop, ""))
	require.NoError(t, sender.Notify(ctx, notifyChannelRuntimeConfigUpdated, "1"))

	select {
	case n := <-received:
		assert.Equal(
			t,
			notification{Channel: notifyChannelRuntimeConfigUpdated, Origin: "sender", Payload: "1"},
			n,
		)
	case <-ctx.Done():
		t.Fatal("timed out waiting for notification")
	}

	cancel()
	require.NoError(t, <-listenErr)
	assert.Empty(t, received)
}

func TestLocalNotifier_Closed(t *testing.T) {
	ch := make(chan notification)
	n := newLocalNotifier("one", ch, discardLogger())
	close(ch)
	err := n.Listen(context.Background(), func(context.Context, notification) {})
	assert.ErrorIs(t, err, errNotifierClosed)
}

func TestLocalNotifier_NoListener(t *testing.T) {
	n := newLocalNotifier("one", make(chan notification), discardLogger())
	assert.NoError(t, n.Notify(context.Background(), notifyChannelStop, ""))
}

// sharedNotifier replaces the bot's notifier with one whose notifications
// can be read from the returned channel
func sharedNotifier(t testing.TB, bot *Bot) chan notification {
	t.Helper()
	ch := make(chan notification, localNotifyBuffer)
	bot.notifier = newLocalNotifier(bot.instanceID, ch, discardLogger())
	return ch
}

func requireNotification(t testing.TB, ch chan notification, channel string) notification {
	t.Helper()
	select {
	case n := <-ch:
		require.Equal(t, channel, n.Channel)
		return n
	case <-time.After(5 * time.Second):
		t.Fatalf("no notification on %s", channel)
	}
	return notification{}
}

func TestBot_NotifiesRuntimeConfigChanges(t *testing.T) {
	bot, _, _ := newTestBot(t)
	ch := sharedNotifier(t, bot)
	ctx := context.Background()

	greetingsEnabled := false
	_, err := bot.UpdateRuntimeConfig(ctx, RuntimeConfigUpdate{GreetingsEnabled: &greetingsEnabled})
	require.NoError(t, err)
	n := requireNotification(t, ch, notifyChannelRuntimeConfigUpdated)
	assert.Equal(t, bot.instanceID, n.Origin)
	assert.Equal(t, runtimeConfigIDString(bot), n.Payload)

	require.True(t, bot.Pause(ctx))
	requireNotification(t, ch, notifyChannelRuntimeConfigUpdated)

	require.True(t, bot.Resume(ctx))
	requireNotification(t, ch, notifyChannelRuntimeConfigUpdated)

	// no change, no notification
	require.False(t, bot.Resume(ctx))
	assert.Empty(t, ch)
}

func runtimeConfigIDString(bot *Bot) string {
	bot.cfgMu.RLock()
	defer bot.cfgMu.RUnlock()
	return bot.runtimeConfigID()
}

func TestBot_HandleNotification_RuntimeConfig(t *testing.T) {
	bot, session, _ := newTestBot(t)
	ctx := context.Background()

	// another instance pauses the bot and changes the log level
	cfg := bot.RuntimeConfig()
	cfg.Paused = true
	cfg.LogLevel = DBLogLevelDebug
	require.NoError(t, bot.db.Save(&cfg).Error)

	bot.handleNotification(
		ctx,
		notification{Channel: notifyChannelRuntimeConfigUpdated, Origin: "other", Payload: "1"},
	)

	assert.True(t, bot.paused.Load())
	assert.True(t, bot.RuntimeConfig().Paused)
	assert.Equal(t, slog.LevelDebug, bot.config.LogLevel.Level())

	updates := session.StatusUpdates()
	require.Len(t, updates, 1)
	assert.True(t, updates[0].AFK)
	assert.Equal(t, string(discordgo.StatusDoNotDisturb), updates[0].Status)

	// paused bots don't greet
	bot.handleMessage(ctx, newCommandData(t).newMessage(newDiscordUser(t), "hello"))
	bot.runtimeWG.Wait()
	assert.Empty(t, session.Sent())
}

func TestBot_HandleNotification_Stop(t *testing.T) {
	bot, _, _ := newTestBot(t)

	bot.handleNotification(
		context.Background(),
		notification{Channel: notifyChannelStop, Origin: "other"},
	)

	select {
	case <-bot.signalStop:
	default:
		t.Fatal("expected stop signal")
	}
}

func TestAPI_QuitNotifiesOtherInstances(t *testing.T) {
	bot, _ := newTestAPI(t)
	ch := sharedNotifier(t, bot)

	w := apiRequest(t, bot, http.MethodPost, apiPathQuit, nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	n := requireNotification(t, ch, notifyChannelStop)
	assert.Equal(t, bot.instanceID, n.Origin)
}
