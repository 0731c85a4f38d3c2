package tomodachingu

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	columnUserID    = "user_id"
	columnCreatedAt = "created_at"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix millisecond timestamps
// for creation and update.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// GreetingLog records each greeting decision for a message that matched
// a trigger, whether or not a reply was sent.
type GreetingLog struct {
	ModelUintID
	MessageID   string `json:"message_id" gorm:"type:string"`
	ChannelID   string `json:"channel_id" gorm:"type:string"`
	GuildID     string `json:"guild_id" gorm:"type:string"`
	UserID      string `json:"user_id" gorm:"not null;index"`
	DisplayName string `json:"display_name" gorm:"type:string"`
	Locale      Locale `json:"locale" gorm:"type:string"`
	Sent        bool   `json:"sent" gorm:"not null;default:false"`
	OnCooldown  bool   `json:"on_cooldown" gorm:"not null;default:false"`
	Reply       string `json:"reply,omitempty" gorm:"type:string"`
	Error       string `json:"error,omitempty" gorm:"type:string"`
	CreatedAt   int64  `gorm:"autoCreateTime:milli;index" json:"created_at,omitempty"`
}

func newGreetingLog(msg IncomingMessage, result GreetingResult) *GreetingLog {
	g := &GreetingLog{
		MessageID:   msg.MessageID,
		ChannelID:   msg.ChannelID,
		GuildID:     msg.GuildID,
		UserID:      msg.UserID,
		DisplayName: msg.DisplayName,
		Locale:      result.Locale,
		Sent:        result.Sent,
		OnCooldown:  result.OnCooldown,
		Reply:       result.Reply,
	}
	if result.Err != nil {
		g.Error = result.Err.Error()
	}
	return g
}

// TranslationLog records a translate command, from either a text or a
// slash command
type TranslationLog struct {
	ModelUintID
	Source    string `json:"source" gorm:"type:string"`
	Target    string `json:"target" gorm:"type:string"`
	Text      string `json:"text" gorm:"type:string"`
	Result    string `json:"result,omitempty" gorm:"type:string"`
	Provider  string `json:"provider" gorm:"type:string"`
	Usage     bool   `json:"usage" gorm:"not null;default:false"`
	Error     string `json:"error,omitempty" gorm:"type:string"`
	ElapsedMS int64  `json:"elapsed_ms" gorm:"column:elapsed_ms"`
	UserID    string `json:"user_id" gorm:"not null;index"`
	ChannelID string `json:"channel_id" gorm:"type:string"`
	GuildID   string `json:"guild_id" gorm:"type:string"`

	// MessageID is set for text commands, InteractionID for slash commands
	MessageID     string `json:"message_id,omitempty" gorm:"type:string"`
	InteractionID string `json:"interaction_id,omitempty" gorm:"type:string"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli;index" json:"created_at,omitempty"`
}

func newTranslationLog(provider string, outcome TranslateOutcome) *TranslationLog {
	t := &TranslationLog{
		Source:    outcome.Request.Source,
		Target:    outcome.Request.Target,
		Text:      outcome.Request.Text,
		Result:    outcome.Result,
		Provider:  provider,
		Usage:     outcome.Usage,
		ElapsedMS: outcome.Elapsed.Milliseconds(),
	}
	if outcome.Err != nil {
		t.Error = outcome.Err.Error()
	}
	return t
}

// InteractionLog records every slash command interaction received
type InteractionLog struct {
	ModelUintID
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type" gorm:"type:string"`
	Command       string `json:"command" gorm:"type:string"`
	UserID        string `json:"user_id" gorm:"not null"`
	Username      string `json:"username" gorm:"type:string"`
	GuildID       string `json:"guild_id" gorm:"type:string"`
	ChannelID     string `json:"channel_id" gorm:"type:string"`
	Payload       string `json:"payload" gorm:"type:string"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

// MemberJoinLog records each guild member join, and the welcome message
// that was sent for it
type MemberJoinLog struct {
	ModelUintID
	GuildID     string `json:"guild_id" gorm:"not null"`
	UserID      string `json:"user_id" gorm:"not null;index"`
	Username    string `json:"username" gorm:"type:string"`
	DisplayName string `json:"display_name" gorm:"type:string"`
	ChannelID   string `json:"channel_id" gorm:"type:string"`
	Welcome     string `json:"welcome,omitempty" gorm:"type:string"`
	Sent        bool   `json:"sent" gorm:"not null;default:false"`
	Error       string `json:"error,omitempty" gorm:"type:string"`
	CreatedAt   int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

// models are the tables created by AutoMigrate
func models() []any {
	return []any{
		&RuntimeConfig{},
		&GreetingLog{},
		&TranslationLog{},
		&InteractionLog{},
		&MemberJoinLog{},
	}
}

// DBI wraps the write operations used by the bot. When using SQLite,
// writes are serialized by a mutex.
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Update(ctx context.Context, model any, column string, value any) (
		rowsAffected int64,
		err error,
	)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) (err error)
}

// database is the default DBI implementation
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase returns a DBI wrapping db. If enableConcurrentWrites is
// false, every write holds a mutex for its duration.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() func() {
	if d.enableConcurrentWrites {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

// withTimeout applies dbOperationTimeout if ctx has no deadline
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Update(
	ctx context.Context,
	model any,
	column string,
	value any,
) (rowsAffected int64, err error) {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Update(column, value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) (err error) {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

// CreateDB opens the database and migrates all tables. It's used by
// the `init` command.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := newLogHandler(defaultLogWriter, slog.LevelWarn)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, newGORMLogger(handler, DefaultDatabaseSlowThreshold))
	if err != nil {
		return db, err
	}
	if err = migrate(ctx, db); err != nil {
		return db, err
	}
	return db, nil
}

// migrate runs AutoMigrate for every model in a single transaction
func migrate(ctx context.Context, db *gorm.DB) error {
	txn := db.WithContext(ctx).Begin()
	if txn.Error != nil {
		return fmt.Errorf("error starting transaction: %w", txn.Error)
	}
	if err := txn.Migrator().AutoMigrate(models()...); err != nil {
		txn.Rollback()
		return fmt.Errorf("error migrating database: %w", err)
	}
	if err := txn.Commit().Error; err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

// getDB returns a GORM connection for the given database type, which
// must be 'sqlite' or 'postgres'. For SQLite, database is a file path,
// and its parent directory is created if needed.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
				return nil, err
			}
		}
		return gorm.Open(sqlite.Open(database), cfg)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// configureSQLite limits the connection pool and sets pragmas. It's a
// no-op for other databases.
func configureSQLite(ctx context.Context, databaseType string, db *gorm.DB) error {
	if databaseType != dbTypeSQLite {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	pragmaErrors := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
	}
	return errors.Join(pragmaErrors...)
}

// recentGreetings returns up to limit greeting logs, newest first,
// optionally filtered by user ID
func recentGreetings(
	ctx context.Context,
	db *gorm.DB,
	userID string,
	limit int,
) ([]GreetingLog, error) {
	var logs []GreetingLog
	q := db.WithContext(ctx).Order(columnCreatedAt + " desc").Order("id desc").Limit(limit)
	if userID != "" {
		q = q.Where(columnUserID+" = ?", userID)
	}
	if err := q.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
