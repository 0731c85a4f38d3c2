package tomodachingu

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	apiPrefix               = "/api"
	apiPathHealth           = "/health"
	apiPathCooldowns        = "/cooldowns"
	apiPathConfig           = "/config"
	apiPathPause            = "/pause"
	apiPathResume           = "/resume"
	apiPathRegisterCommands = "/discord/register_commands"
	apiPathGreetings        = "/greetings"
	apiPathQuit             = "/quit"
	apiPathLogin            = "/login"
	apiPathLogout           = "/logout"
	apiPathLoggedIn         = "/logged_in"
	pprofPrefix             = "/debug/pprof"

	sessionVarName  = "tomobot_session"
	sessionVarField = "username"

	xRequestIDHeader = "X-Request-ID"

	defaultGreetingsLimit = 50
)

var errUnauthorized = errors.New("unauthorized")

// API is the admin HTTP server
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	loginRequestLimiter *rate.Limiter
	logger              *slog.Logger
	store               CookieStore

	handlers *APIHandlers
}

// CookieStore is the session store for admin logins
type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// derive64ByteKey turns a configured secret of any length into a
// 64-byte session signing key
func derive64ByteKey(input string) []byte {
	hash := sha512.Sum512([]byte(input))
	return hash[:]
}

// newSessionStore returns a cookie store signed with the configured
// secret, or a random key if none is set
func newSessionStore(config *APIConfig, logger *slog.Logger) CookieStore {
	var secretKey []byte
	if config.Secret == "" {
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	} else {
		secretKey = derive64ByteKey(config.Secret)
	}

	store := NewCookieStore(secretKey)
	store.Options(sessionOptions(config))
	return store
}

func sessionOptions(config *APIConfig) sessions.Options {
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

// newAPI sets up the gin engine and HTTP server. TLS is only configured
// when both a certificate and key are set.
func newAPI(b *Bot, config *APIConfig) (*API, error) {
	logger := slog.New(newLogHandler(defaultLogWriter, config.LogLevel)).With(loggerNameKey, "api")

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 3),
		logger:              logger,
		store:               newSessionStore(config, logger),
	}
	handlers := &APIHandlers{b: b, api: api}
	api.handlers = handlers

	var tlsCfg *tls.Config
	if config.SSL.Enabled() {
		var err error
		tlsCfg, err = tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
	)
	if len(config.CORS.AllowOrigins) > 0 {
		r.Use(cors.New(config.CORS.GINConfig()))
	}
	r.Use(sessions.Sessions(sessionVarName, api.store))

	public := r.Group(apiPrefix)
	public.GET(apiPathHealth, handlers.healthCheck)
	public.POST(apiPathLogin, handlers.loginHandler)
	public.POST(apiPathLogout, handlers.logoutHandler)
	public.GET(apiPathLoggedIn, handlers.loggedIn)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(api, b))

	protected.GET(apiPathCooldowns, handlers.getCooldowns)
	protected.GET(apiPathConfig, handlers.getConfig)
	protected.PATCH(apiPathConfig, handlers.updateRuntimeConfig)
	protected.POST(apiPathPause, handlers.botPause)
	protected.POST(apiPathResume, handlers.botResume)
	protected.POST(apiPathRegisterCommands, handlers.discordRegisterCommands)
	protected.GET(apiPathGreetings, handlers.getGreetings)
	protected.POST(apiPathQuit, handlers.botQuit)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	return api, nil
}

// Serve listens on the configured address and serves the API until the
// server is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		network := a.config.ListenNetwork
		if network == "" {
			network = defaultListenNetwork
		}
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving api", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// APIHandlers holds the admin API's request handlers
type APIHandlers struct {
	b   *Bot
	api *API
}

type healthCheckResponse struct {
	Paused                  bool      `json:"paused"`
	DiscordGatewayConnected bool      `json:"discord_gateway_connected"`
	CooldownEntries         int       `json:"cooldown_entries"`
	StartedAt               time.Time `json:"started_at"`
	Version                 string    `json:"version"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type cooldownsResponse struct {
	Window  string          `json:"window"`
	Entries []CooldownEntry `json:"entries"`
}

// greetingsQuery filters GET /api/greetings
type greetingsQuery struct {
	UserID string `form:"user_id" binding:"omitempty,numeric"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=500"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  h.b.paused.Load(),
			DiscordGatewayConnected: h.b.discord.connected.Load(),
			CooldownEntries:         h.b.ledger.Len(),
			StartedAt:               h.b.startedAt,
			Version:                 Version,
		},
	)
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

// loginHandler checks the admin credentials and starts a cookie session.
// Failed attempts are rate limited, along with failed basic auth.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)

	if h.api.loginRequestLimiter.Tokens() < 1 {
		logger.Warn("login rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	if err := h.b.checkAdminCredentials(login.Username, login.Password); err != nil {
		h.api.loginRequestLimiter.Allow()
		logger.Warn("invalid login attempt", "username", login.Username, tint.Err(err))
		c.JSON(http.StatusUnauthorized, httpError{Error: errUnauthorized.Error()})
		return
	}

	session, err := h.api.store.New(c.Request, sessionVarName)
	if err != nil {
		// an invalid existing cookie still yields a usable new session
		logger.Warn("error decoding existing session", tint.Err(err))
	}
	if session == nil {
		ginReplyError(c, "internal server error")
		return
	}
	session.Values[sessionVarField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

// logoutHandler clears the session's username and expires the cookie
func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.api.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Warn("error getting session", tint.Err(err))
	}
	if session != nil {
		session.Values[sessionVarField] = ""
		session.Options.MaxAge = -1
		if err = session.Save(c.Request, c.Writer); err != nil {
			logger.Error("error saving cookie", tint.Err(err))
		}
	}
	ginReplyMessage(c, "logged out")
}

// loggedIn returns the username of the current session, if any
func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.api.sessionUsername(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpError{Error: errUnauthorized.Error()})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

// sessionUsername returns the username stored in the request's session
// cookie
func (a *API) sessionUsername(r *http.Request) (string, error) {
	session, err := a.store.Get(r, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField].(string)
	if !ok || username == "" {
		return "", errors.New("username not found in session")
	}
	return username, nil
}

// getCooldowns returns every cooldown ledger entry, most recent first
func (h *APIHandlers) getCooldowns(c *gin.Context) {
	c.JSON(
		http.StatusOK, cooldownsResponse{
			Window:  h.b.ledger.Window().String(),
			Entries: h.b.ledger.Snapshot(),
		},
	)
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.b.RuntimeConfig())
}

// updateRuntimeConfig applies a partial update to the runtime config.
// Nothing is saved if the resulting config is invalid.
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)

	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		logger.Warn("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	ctx := WithLogger(c.Request.Context(), logger)
	cfg, err := h.b.UpdateRuntimeConfig(ctx, update)
	if err != nil {
		var validationErr *runtimeConfigValidationError
		if errors.As(err, &validationErr) {
			c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
			return
		}
		ginReplyError(c, "error updating config")
		return
	}
	c.JSON(http.StatusAccepted, cfg)
}

func (h *APIHandlers) botPause(c *gin.Context) {
	ctx := WithLogger(c.Request.Context(), ginContextLogger(c))
	if h.b.Pause(ctx) {
		ginReplyMessage(c, "bot paused")
		return
	}
	c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: "bot already paused"})
}

func (h *APIHandlers) botResume(c *gin.Context) {
	ctx := WithLogger(c.Request.Context(), ginContextLogger(c))
	if h.b.Resume(ctx) {
		ginReplyMessage(c, "bot resumed")
		return
	}
	c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: "bot not paused"})
}

// discordRegisterCommands overwrites the bot's slash commands
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	created, err := h.b.RegisterSlashCommands()
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, created)
}

// getGreetings returns recent greeting logs, optionally for one user
func (h *APIHandlers) getGreetings(c *gin.Context) {
	log := ginContextLogger(c)

	var q greetingsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if q.Limit == 0 {
		q.Limit = defaultGreetingsLimit
	}

	logs, err := recentGreetings(c.Request.Context(), h.b.db, q.UserID, q.Limit)
	if err != nil {
		log.Error("error getting greetings", tint.Err(err))
		ginReplyError(c, "error getting greetings")
		return
	}
	c.JSON(http.StatusOK, logs)
}

// botQuit sends a stop signal to the bot, which will shut down after the
// response is sent
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")

	h.b.notify(c.Request.Context(), notifyChannelStop, "")

	select {
	case h.b.signalStop <- struct{}{}:
		ginReplyMessage(c, "quitting")
	case <-time.After(5 * time.Second):
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

// authMiddleware accepts either a login session for the current admin
// user, or HTTP basic auth credentials matching the admin credentials in
// the runtime config. Failed basic auth attempts are rate limited.
func authMiddleware(api *API, b *Bot) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)

		if username, err := api.sessionUsername(c.Request); err == nil {
			admin := b.RuntimeConfig().AdminUsername
			if admin != "" && subtle.ConstantTimeCompare([]byte(username), []byte(admin)) == 1 {
				c.Next()
				return
			}
			logger.Warn("session user is not the admin user", "username", username)
		}

		if api.loginRequestLimiter.Tokens() < 1 {
			logger.Warn("auth rate limited")
			c.AbortWithStatusJSON(
				http.StatusTooManyRequests,
				httpError{Error: "too many requests"},
			)
			return
		}

		username, password, ok := c.Request.BasicAuth()
		if !ok {
			c.Header("WWW-Authenticate", `Basic realm="tomodachingu"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: errUnauthorized.Error()})
			return
		}

		if err := b.checkAdminCredentials(username, password); err != nil {
			api.loginRequestLimiter.Allow()
			logger.Warn("invalid login attempt", "username", username, tint.Err(err))
			c.Header("WWW-Authenticate", `Basic realm="tomodachingu"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: errUnauthorized.Error()})
			return
		}
		c.Next()
	}
}

// checkAdminCredentials returns nil if username and password match the
// stored admin credentials
func (b *Bot) checkAdminCredentials(username, password string) error {
	cfg := b.RuntimeConfig()
	if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
		return errors.New("admin credentials not set, run `init`")
	}
	if subtle.ConstantTimeCompare([]byte(username), []byte(cfg.AdminUsername)) != 1 {
		return errUnauthorized
	}
	valid, err := VerifyPassword(cfg.AdminPassword, password)
	if err != nil {
		return err
	}
	if !valid {
		return errUnauthorized
	}
	return nil
}

// requestIDMiddleware assigns a random request ID to each request, and
// echoes it in the X-Request-ID response header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets it in the context so the next call returns the same logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}

	requestLogger := slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, using the
// API's logger
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := base.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)

		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// ginReplyMessage sends a JSON response with a message, with HTTP
// status code 200
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with an error, with HTTP status
// code 500
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
