package tomodachingu

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// Greeter decides whether a message gets an automatic greeting, sends it,
// and records it in the cooldown ledger.
type Greeter struct {
	lexicon *GreetingLexicon
	ledger  *CooldownLedger
	clock   Clock
	logger  *slog.Logger

	// users with a greeting being sent. A user is reserved here between
	// the cooldown check and the ledger update, so concurrent dispatch
	// can't greet them twice in one window. The send itself runs unlocked.
	pending map[string]struct{}
	mu      sync.Mutex
}

// GreetingResult describes what the Greeter did with a message
type GreetingResult struct {
	// Matched is true if the message contained a greeting trigger
	Matched bool

	// Locale is the locale that matched, if any
	Locale Locale

	// OnCooldown is true if a greeting matched, but the user was
	// greeted too recently
	OnCooldown bool

	// Sent is true if a reply was sent and the ledger updated
	Sent bool

	// Reply is the content that was (or would have been) sent
	Reply string

	// At is the clock time used for the cooldown check
	At time.Time

	Err error
}

// NewGreeter returns a Greeter. A nil clock uses time.Now, a nil logger
// uses slog.Default().
func NewGreeter(
	lexicon *GreetingLexicon,
	ledger *CooldownLedger,
	clock Clock,
	logger *slog.Logger,
) *Greeter {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Greeter{
		lexicon: lexicon,
		ledger:  ledger,
		clock:   clock,
		logger:  logger.With(loggerNameKey, "greeter"),
		pending: map[string]struct{}{},
	}
}

// Handle runs the greeting decision for msg. send is called at most once,
// with the rendered reply. The ledger is only updated if send returns nil.
func (g *Greeter) Handle(
	ctx context.Context,
	msg IncomingMessage,
	send func(content string) error,
) GreetingResult {
	var result GreetingResult
	if msg.IsBot {
		return result
	}

	locale, ok := g.lexicon.Classify(msg.Text)
	if !ok {
		return result
	}
	result.Matched = true
	result.Locale = locale

	now, reserved := g.reserve(msg.UserID)
	result.At = now
	if !reserved {
		result.OnCooldown = true
		last, _ := g.ledger.LastGreeted(msg.UserID)
		g.logger.DebugContext(
			ctx,
			"greeting cooldown active, skipping",
			"message", msg,
			"locale", locale,
			"last_greeted_at", last,
		)
		return result
	}

	defer func() { g.release(msg.UserID, now, result.Sent) }()

	reply, err := g.lexicon.Reply(locale, msg.DisplayName)
	if err != nil {
		result.Err = err
		g.logger.ErrorContext(ctx, "error rendering greeting", tint.Err(err), "locale", locale)
		return result
	}
	result.Reply = reply

	if err = send(reply); err != nil {
		result.Err = err
		g.logger.ErrorContext(
			ctx,
			"error sending greeting",
			tint.Err(err),
			"message", msg,
			"locale", locale,
		)
		return result
	}

	result.Sent = true
	g.logger.InfoContext(
		ctx,
		"sent greeting",
		"message", msg,
		"locale", locale,
		"reply", reply,
	)
	return result
}

// reserve reports whether userID is due a greeting, and if so marks them
// pending until release is called
func (g *Greeter) reserve(userID string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	if _, inFlight := g.pending[userID]; inFlight {
		return now, false
	}
	if !g.ledger.ShouldGreet(userID, now) {
		return now, false
	}
	g.pending[userID] = struct{}{}
	return now, true
}

// release clears the pending reservation for userID, recording the
// greeting at now if it was sent
func (g *Greeter) release(userID string, now time.Time, sent bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if sent {
		g.ledger.RecordGreeted(userID, now)
	}
	delete(g.pending, userID)
}
