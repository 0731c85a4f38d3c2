// Package tomodachingu implements the Tomodachingu Discord bot, a greeter
// and helper for an international language exchange server.
//
// The bot watches guild messages for greetings in Japanese, Korean,
// Indonesian and English, and replies in the language it was greeted in.
// Each user is greeted at most once per cooldown window (three hours by
// default), tracked in memory by a CooldownLedger.
//
// Key components of the package include:
//
//   - Bot: owns the gateway connection, the event handlers and the
//     runtime configuration.
//   - Greeter: decides whether a message gets a greeting reply.
//   - CommandRouter: handles the `!` prefix commands.
//   - Translator: the translation backend behind `!translate`.
//   - API: an optional admin API for pausing the bot, inspecting
//     cooldowns and updating the runtime configuration.
//   - DBNotifier: tells other bot instances sharing a PostgreSQL database
//     about runtime config changes and stop requests.
//
// The bot supports these commands, both as `!` prefixed messages and as
// slash commands:
//
//   - help, info, rules, faq: static replies
//   - translate <source> <target> <text>: translates text between two
//     language codes
//
// New guild members are welcomed with a randomly chosen message in the
// guild's system channel. Greeting decisions, translations, interactions
// and member joins are recorded in the database (SQLite or PostgreSQL).
package tomodachingu
