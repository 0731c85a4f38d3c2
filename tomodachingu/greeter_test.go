package tomodachingu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGreeter(t testing.TB) (*Greeter, *CooldownLedger, *testClock) {
	t.Helper()
	clock := newTestClock()
	ledger := NewCooldownLedger(3 * time.Hour)
	return NewGreeter(defaultLexicon(t), ledger, clock.Now, nil), ledger, clock
}

func greetingMessage(userID, displayName, text string) IncomingMessage {
	return IncomingMessage{
		MessageID:   "m-" + userID,
		ChannelID:   "c1",
		GuildID:     "g1",
		UserID:      userID,
		Username:    displayName,
		RawText:     text,
		Text:        NormalizeText(text),
		DisplayName: displayName,
	}
}

type sendRecorder struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *sendRecorder) send(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, content)
	return nil
}

func (s *sendRecorder) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func TestGreeter_Cooldown(t *testing.T) {
	ctx := context.Background()
	greeter, ledger, clock := newTestGreeter(t)
	rec := &sendRecorder{}

	msg := greetingMessage("u1", "Mika", "Hello everyone")

	result := greeter.Handle(ctx, msg, rec.send)
	assert.True(t, result.Matched)
	assert.True(t, result.Sent)
	assert.False(t, result.OnCooldown)
	assert.Equal(t, LocaleEnglish, result.Locale)
	assert.Equal(t, "Hello back, Mika! 👋", result.Reply)
	assert.Equal(t, []string{"Hello back, Mika! 👋"}, rec.Sent())

	last, ok := ledger.LastGreeted("u1")
	require.True(t, ok)
	assert.Equal(t, clock.Now(), last)

	// one hour later, still inside the window
	clock.Advance(time.Hour)
	result = greeter.Handle(ctx, greetingMessage("u1", "Mika", "hi again"), rec.send)
	assert.True(t, result.Matched)
	assert.True(t, result.OnCooldown)
	assert.False(t, result.Sent)
	assert.Len(t, rec.Sent(), 1)

	// a millisecond before the window ends
	clock.Advance(2*time.Hour - time.Millisecond)
	result = greeter.Handle(ctx, greetingMessage("u1", "Mika", "hey"), rec.send)
	assert.True(t, result.OnCooldown)
	assert.Len(t, rec.Sent(), 1)

	// the window is over
	clock.Advance(time.Millisecond)
	result = greeter.Handle(ctx, greetingMessage("u1", "Mika", "konnichiwa"), rec.send)
	assert.True(t, result.Sent)
	assert.Equal(t, LocaleJapanese, result.Locale)
	assert.Equal(t, []string{"Hello back, Mika! 👋", "Konnichiwa, Mika! 🏯"}, rec.Sent())

	last, ok = ledger.LastGreeted("u1")
	require.True(t, ok)
	assert.Equal(t, clock.Now(), last)
}

func TestGreeter_CooldownIsPerUser(t *testing.T) {
	ctx := context.Background()
	greeter, ledger, _ := newTestGreeter(t)
	rec := &sendRecorder{}

	greeter.Handle(ctx, greetingMessage("u1", "Mika", "hello"), rec.send)
	result := greeter.Handle(ctx, greetingMessage("u2", "Ren", "안녕하세요"), rec.send)
	assert.True(t, result.Sent)
	assert.Equal(t, LocaleKorean, result.Locale)
	assert.Equal(t, "Annyeong, Ren! 🇰🇷", result.Reply)
	assert.Equal(t, 2, ledger.Len())
}

func TestGreeter_NoMatch(t *testing.T) {
	greeter, ledger, _ := newTestGreeter(t)
	rec := &sendRecorder{}

	result := greeter.Handle(
		context.Background(),
		greetingMessage("u1", "Mika", "what time is the event?"),
		rec.send,
	)
	assert.False(t, result.Matched)
	assert.False(t, result.Sent)
	assert.Empty(t, rec.Sent())
	assert.Equal(t, 0, ledger.Len(), "non-greetings must not touch the ledger")
}

func TestGreeter_IgnoresBots(t *testing.T) {
	greeter, ledger, _ := newTestGreeter(t)
	rec := &sendRecorder{}

	msg := greetingMessage("bot1", "SomeBot", "hello")
	msg.IsBot = true
	result := greeter.Handle(context.Background(), msg, rec.send)
	assert.False(t, result.Matched)
	assert.Empty(t, rec.Sent())
	assert.Equal(t, 0, ledger.Len())
}

func TestGreeter_SendFailureDoesNotRecord(t *testing.T) {
	greeter, ledger, _ := newTestGreeter(t)
	rec := &sendRecorder{err: errors.New("discord is down")}

	result := greeter.Handle(context.Background(), greetingMessage("u1", "Mika", "hello"), rec.send)
	assert.True(t, result.Matched)
	assert.False(t, result.Sent)
	assert.Error(t, result.Err)
	assert.Equal(t, 0, ledger.Len())

	// the next greeting is still eligible
	rec.err = nil
	result = greeter.Handle(context.Background(), greetingMessage("u1", "Mika", "hello"), rec.send)
	assert.True(t, result.Sent)
}

func TestGreeter_ConcurrentSameUser(t *testing.T) {
	greeter, ledger, _ := newTestGreeter(t)
	rec := &sendRecorder{}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			greeter.Handle(
				context.Background(),
				greetingMessage("u1", "Mika", fmt.Sprintf("hello %d", i)),
				rec.send,
			)
		}(i)
	}
	wg.Wait()

	assert.Len(t, rec.Sent(), 1, "only one greeting per window")
	assert.Equal(t, 1, ledger.Len())
}

func TestGreeter_SlowSendDoesNotBlockOtherUsers(t *testing.T) {
	greeter, ledger, _ := newTestGreeter(t)
	ctx := context.Background()

	sending := make(chan struct{})
	unblock := make(chan struct{})
	slowDone := make(chan GreetingResult, 1)
	go func() {
		slowDone <- greeter.Handle(
			ctx,
			greetingMessage("u1", "Mika", "hello"),
			func(string) error {
				close(sending)
				<-unblock
				return nil
			},
		)
	}()
	<-sending

	// u1's send is still in flight: another user is greeted, and a second
	// greeting from u1 is not
	rec := &sendRecorder{}
	other := greeter.Handle(ctx, greetingMessage("u2", "Budi", "halo semua"), rec.send)
	assert.True(t, other.Sent)
	duplicate := greeter.Handle(ctx, greetingMessage("u1", "Mika", "hi"), rec.send)
	assert.False(t, duplicate.Sent)
	assert.True(t, duplicate.OnCooldown)
	assert.Len(t, rec.Sent(), 1)

	close(unblock)
	select {
	case result := <-slowDone:
		assert.True(t, result.Sent)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for greeting")
	}
	assert.Equal(t, 2, ledger.Len())
	assert.Empty(t, greeter.pending)
}

func TestGreeter_SendFailureReleasesUser(t *testing.T) {
	greeter, ledger, _ := newTestGreeter(t)
	ctx := context.Background()

	failed := greeter.Handle(
		ctx,
		greetingMessage("u1", "Mika", "hello"),
		func(string) error { return errors.New("send failed") },
	)
	require.False(t, failed.Sent)

	rec := &sendRecorder{}
	retry := greeter.Handle(ctx, greetingMessage("u1", "Mika", "hello"), rec.send)
	assert.True(t, retry.Sent)
	assert.Len(t, rec.Sent(), 1)
	assert.Equal(t, 1, ledger.Len())
}
