package tomodachingu

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// CommandName is the name of a text or slash command, without prefix
type CommandName string

const (
	CommandHelp      CommandName = "help"
	CommandInfo      CommandName = "info"
	CommandRules     CommandName = "rules"
	CommandFAQ       CommandName = "faq"
	CommandTranslate CommandName = "translate"

	commandPrefix = "!"
)

var errTranslateUsage = errors.New("invalid translate arguments")

// staticCommands are the commands that reply with a canned payload
var staticCommands = []CommandName{
	CommandHelp,
	CommandInfo,
	CommandRules,
	CommandFAQ,
}

// parseCommand returns the prefix command at the start of the
// (normalized) text, if any. Only the first word is considered, so
// "!help me" is still a help command.
func parseCommand(text string) (CommandName, bool) {
	if !strings.HasPrefix(text, commandPrefix) {
		return "", false
	}
	fields := strings.Fields(strings.TrimPrefix(text, commandPrefix))
	if len(fields) == 0 {
		return "", false
	}

	name := CommandName(strings.ToLower(fields[0]))
	switch name {
	case CommandHelp, CommandInfo, CommandRules, CommandFAQ, CommandTranslate:
		return name, true
	default:
		return "", false
	}
}

// TranslateRequest is a single translation of Text from Source to Target
// language codes
type TranslateRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Text   string `json:"text"`
}

// parseTranslateArgs parses `!translate <source> <target> <text...>` from
// the raw (not lower-cased) message content.
func parseTranslateArgs(raw string) (TranslateRequest, error) {
	args := strings.Split(strings.TrimSpace(raw), " ")
	if len(args) < 4 {
		return TranslateRequest{}, errTranslateUsage
	}
	req := TranslateRequest{
		Source: args[1],
		Target: args[2],
		Text:   strings.Join(args[3:], " "),
	}
	if req.Source == "" || req.Target == "" || strings.TrimSpace(req.Text) == "" {
		return req, errTranslateUsage
	}
	return req, nil
}

// TranslateOutcome is the result of handling a translate command. Reply
// is always set to what should be sent back to the user.
type TranslateOutcome struct {
	Request TranslateRequest
	Reply   string
	Result  string
	Usage   bool
	Err     error
	Elapsed time.Duration
}

// CommandRouter handles the prefix commands. It holds no state of its
// own and runs independently of the greeter.
type CommandRouter struct {
	templates  *messageTemplates
	translator Translator
	timeout    time.Duration
	logger     *slog.Logger
}

func newCommandRouter(
	templates *messageTemplates,
	translator Translator,
	timeout time.Duration,
	logger *slog.Logger,
) *CommandRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRouter{
		templates:  templates,
		translator: translator,
		timeout:    timeout,
		logger:     logger.With(loggerNameKey, "command_router"),
	}
}

// Match returns the command in msg, if there is one
func (r *CommandRouter) Match(msg IncomingMessage) (CommandName, bool) {
	if msg.IsBot {
		return "", false
	}
	return parseCommand(msg.Text)
}

// StaticReply renders the reply for help, info, rules or faq
func (r *CommandRouter) StaticReply(name CommandName, displayName string) (string, error) {
	return r.templates.command(name, displayName)
}

// TranslateMessage parses the raw content of a `!translate` message and
// translates it. Bad arguments produce the usage message.
func (r *CommandRouter) TranslateMessage(ctx context.Context, raw string) TranslateOutcome {
	req, err := parseTranslateArgs(raw)
	if err != nil {
		return TranslateOutcome{
			Request: req,
			Reply:   r.templates.translateUsage,
			Usage:   true,
			Err:     err,
		}
	}
	return r.Translate(ctx, req)
}

// Translate sends req to the translation backend. Any error is logged
// and replaced by the apology message; it's never returned to the caller
// as a failure of the message loop.
func (r *CommandRouter) Translate(ctx context.Context, req TranslateRequest) TranslateOutcome {
	outcome := TranslateOutcome{Request: req}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := r.translator.Translate(ctx, req)
	outcome.Elapsed = time.Since(start)

	if err != nil {
		r.logger.ErrorContext(
			ctx,
			"translation error",
			tint.Err(err),
			"request", req,
			"elapsed", outcome.Elapsed,
		)
		outcome.Err = err
		outcome.Reply = r.templates.translateError
		return outcome
	}
	outcome.Result = result

	reply, err := r.templates.translated(req, result)
	if err != nil {
		r.logger.ErrorContext(ctx, "error rendering translation", tint.Err(err))
		outcome.Err = err
		outcome.Reply = r.templates.translateError
		return outcome
	}
	outcome.Reply = shortenString(reply, discordMaxMessageLength)
	r.logger.InfoContext(
		ctx,
		"translated text",
		"request", req,
		"elapsed", outcome.Elapsed,
	)
	return outcome
}
