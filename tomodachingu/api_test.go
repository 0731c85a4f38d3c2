package tomodachingu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	gsessions "github.com/gorilla/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testAdminUsername = "admin"
	testAdminPassword = "hunter2hunter2"
)

func newTestAPI(t testing.TB) (*Bot, *mockDiscordSession) {
	t.Helper()
	bot, session, _ := newTestBot(t)

	hash, err := HashPassword(testAdminPassword)
	require.NoError(t, err)

	bot.cfgMu.Lock()
	bot.runtimeConfig.AdminUsername = testAdminUsername
	bot.runtimeConfig.AdminPassword = hash
	bot.cfgMu.Unlock()
	return bot, session
}

func apiRequest(
	t testing.TB,
	bot *Bot,
	method string,
	path string,
	body any,
	auth bool,
) *httptest.ResponseRecorder {
	t.Helper()
	var payload *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(data)
	} else {
		payload = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, apiPrefix+path, payload)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.SetBasicAuth(testAdminUsername, testAdminPassword)
	}
	w := httptest.NewRecorder()
	bot.api.engine.ServeHTTP(w, req)
	return w
}

func TestAPI_HealthCheck(t *testing.T) {
	bot, _ := newTestAPI(t)

	w := apiRequest(t, bot, http.MethodGet, apiPathHealth, nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))

	var resp healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Paused)
	assert.Equal(t, Version, resp.Version)
	assert.Zero(t, resp.CooldownEntries)
}

func TestAPI_Unauthorized(t *testing.T) {
	bot, _ := newTestAPI(t)

	w := apiRequest(t, bot, http.MethodGet, apiPathConfig, nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic")

	req := httptest.NewRequest(http.MethodGet, apiPrefix+apiPathConfig, nil)
	req.SetBasicAuth(testAdminUsername, "wrong password")
	w = httptest.NewRecorder()
	bot.api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_NoCredentialsConfigured(t *testing.T) {
	bot, _, _ := newTestBot(t)

	w := apiRequest(t, bot, http.MethodGet, apiPathConfig, nil, true)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_LoginRateLimit(t *testing.T) {
	bot, _ := newTestAPI(t)

	badLogin := func() int {
		req := httptest.NewRequest(http.MethodGet, apiPrefix+apiPathConfig, nil)
		req.SetBasicAuth("intruder", "guess")
		w := httptest.NewRecorder()
		bot.api.engine.ServeHTTP(w, req)
		return w.Code
	}
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusUnauthorized, badLogin())
	}
	assert.Equal(t, http.StatusTooManyRequests, badLogin())

	// valid credentials are limited too, until the bucket refills
	w := apiRequest(t, bot, http.MethodGet, apiPathConfig, nil, true)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestAPI_GetConfig(t *testing.T) {
	bot, _ := newTestAPI(t)

	w := apiRequest(t, bot, http.MethodGet, apiPathConfig, nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "argon2id", "the password hash isn't exposed")

	var cfg RuntimeConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.True(t, cfg.GreetingsEnabled)
	assert.Equal(t, testAdminUsername, cfg.AdminUsername)
}

func TestAPI_UpdateConfig(t *testing.T) {
	bot, session := newTestAPI(t)

	w := apiRequest(
		t, bot, http.MethodPatch, apiPathConfig,
		map[string]any{
			"welcome_enabled":       false,
			"discord_custom_status": "Reading manga",
		},
		true,
	)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var cfg RuntimeConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.False(t, cfg.WelcomeEnabled)
	assert.Equal(t, "Reading manga", cfg.DiscordCustomStatus)
	assert.False(t, bot.RuntimeConfig().WelcomeEnabled)
	assert.Equal(t, []string{"Reading manga"}, session.CustomStatuses())

	// credentials survive the update
	w = apiRequest(t, bot, http.MethodGet, apiPathConfig, nil, true)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_UpdateConfig_BadRequest(t *testing.T) {
	bot, _ := newTestAPI(t)
	before := bot.RuntimeConfig()

	tests := []struct {
		name string
		body any
	}{
		{"bad channel", map[string]any{"welcome_channel_id": "general"}},
		{"bad level", map[string]any{"log_level": "VERBOSE"}},
		{"long status", map[string]any{"discord_custom_status": strings.Repeat("x", 200)}},
		{"wrong type", map[string]any{"paused": "yes"}},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				w := apiRequest(t, bot, http.MethodPatch, apiPathConfig, tc.body, true)
				assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			},
		)
	}
	assert.Equal(t, before, bot.RuntimeConfig())
}

func TestAPI_PauseResume(t *testing.T) {
	bot, _ := newTestAPI(t)

	w := apiRequest(t, bot, http.MethodPost, apiPathResume, nil, true)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = apiRequest(t, bot, http.MethodPost, apiPathPause, nil, true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, bot.paused.Load())

	w = apiRequest(t, bot, http.MethodPost, apiPathPause, nil, true)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = apiRequest(t, bot, http.MethodGet, apiPathHealth, nil, false)
	var health healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.True(t, health.Paused)

	w = apiRequest(t, bot, http.MethodPost, apiPathResume, nil, true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, bot.paused.Load())
}

func TestAPI_Cooldowns(t *testing.T) {
	bot, _ := newTestAPI(t)
	ids := newCommandData(t)
	user := newDiscordUser(t)
	bot.handleMessage(context.Background(), ids.newMessage(user, "halo semua"))

	w := apiRequest(t, bot, http.MethodGet, apiPathCooldowns, nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	var resp cooldownsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, (3 * time.Hour).String(), resp.Window)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, user.ID, resp.Entries[0].UserID)
}

func TestAPI_Greetings(t *testing.T) {
	bot, _ := newTestAPI(t)
	ids := newCommandData(t)
	first := newDiscordUser(t)
	second := newDiscordUser(t)

	bot.handleMessage(context.Background(), ids.newMessage(first, "hello"))
	bot.handleMessage(context.Background(), ids.newMessage(first, "hello again"))
	bot.handleMessage(context.Background(), ids.newMessage(second, "안녕하세요"))
	bot.runtimeWG.Wait()

	w := apiRequest(t, bot, http.MethodGet, apiPathGreetings, nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	var logs []GreetingLog
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	assert.Len(t, logs, 3)

	w = apiRequest(t, bot, http.MethodGet, apiPathGreetings+"?user_id="+first.ID, nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	require.Len(t, logs, 2)
	for _, g := range logs {
		assert.Equal(t, first.ID, g.UserID)
	}

	w = apiRequest(t, bot, http.MethodGet, apiPathGreetings+"?limit=1", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	assert.Len(t, logs, 1)

	w = apiRequest(t, bot, http.MethodGet, apiPathGreetings+"?limit=1000", nil, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = apiRequest(t, bot, http.MethodGet, apiPathGreetings+"?user_id=abc", nil, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_RegisterCommands(t *testing.T) {
	bot, session := newTestAPI(t)

	w := apiRequest(t, bot, http.MethodPost, apiPathRegisterCommands, nil, true)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Len(t, session.overwrites, 1)
}

func TestAPI_Quit(t *testing.T) {
	bot, _ := newTestAPI(t)

	w := apiRequest(t, bot, http.MethodPost, apiPathQuit, nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case <-bot.signalStop:
	default:
		t.Fatal("expected stop signal")
	}
}

type mockSessionStore struct {
	gsessions.Store
	mock.Mock
}

func (m *mockSessionStore) Options(_ sessions.Options) {
	//
}

func (m *mockSessionStore) Get(r *http.Request, name string) (*gsessions.Session, error) {
	args := m.Called(r, name)
	if s := args.Get(0); s != nil {
		return s.(*gsessions.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSessionStore) New(r *http.Request, name string) (*gsessions.Session, error) {
	args := m.Called(r, name)
	return args.Get(0).(*gsessions.Session), args.Error(1)
}

func (m *mockSessionStore) Save(r *http.Request, w http.ResponseWriter, s *gsessions.Session) error {
	args := m.Called(r, w, s)
	return args.Error(0)
}

func TestAPI_SessionUsername(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(*mockSessionStore)
		expected  string
		wantErr   string
	}{
		{
			name: "username set",
			setupMock: func(m *mockSessionStore) {
				session := gsessions.NewSession(m, sessionVarName)
				session.Values[sessionVarField] = "someuser"
				m.On("Get", mock.Anything, sessionVarName).Return(session, nil)
			},
			expected: "someuser",
		},
		{
			name: "no username",
			setupMock: func(m *mockSessionStore) {
				session := gsessions.NewSession(m, sessionVarName)
				m.On("Get", mock.Anything, sessionVarName).Return(session, nil)
			},
			wantErr: "username not found in session",
		},
		{
			name: "username not a string",
			setupMock: func(m *mockSessionStore) {
				session := gsessions.NewSession(m, sessionVarName)
				session.Values[sessionVarField] = 123
				m.On("Get", mock.Anything, sessionVarName).Return(session, nil)
			},
			wantErr: "username not found in session",
		},
		{
			name: "store error",
			setupMock: func(m *mockSessionStore) {
				m.On("Get", mock.Anything, sessionVarName).Return(nil, errors.New("session error"))
			},
			wantErr: "session error",
		},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				store := &mockSessionStore{}
				tt.setupMock(store)
				api := &API{store: store}

				req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
				username, err := api.sessionUsername(req)
				if tt.wantErr != "" {
					assert.EqualError(t, err, tt.wantErr)
				} else {
					assert.NoError(t, err)
				}
				assert.Equal(t, tt.expected, username)
				store.AssertExpectations(t)
			},
		)
	}
}

func sessionRequest(
	t testing.TB,
	bot *Bot,
	method string,
	path string,
	body any,
	cookies []*http.Cookie,
) *httptest.ResponseRecorder {
	t.Helper()
	payload := bytes.NewReader(nil)
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, apiPrefix+path, payload)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	bot.api.engine.ServeHTTP(w, req)
	return w
}

func TestAPI_LoginSession(t *testing.T) {
	bot, _ := newTestAPI(t)

	w := sessionRequest(
		t, bot, http.MethodPost, apiPathLogin,
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
		nil,
	)
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.Equal(t, sessionVarName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.True(t, cookies[0].Secure)

	w = sessionRequest(t, bot, http.MethodGet, apiPathLoggedIn, nil, cookies)
	require.Equal(t, http.StatusOK, w.Code)
	var resp loggedInResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, testAdminUsername, resp.Username)

	// the session cookie is accepted in place of basic auth
	w = sessionRequest(t, bot, http.MethodGet, apiPathCooldowns, nil, cookies)
	assert.Equal(t, http.StatusOK, w.Code)

	w = sessionRequest(t, bot, http.MethodPost, apiPathLogout, nil, cookies)
	require.Equal(t, http.StatusOK, w.Code)
	loggedOut := w.Result().Cookies()
	require.NotEmpty(t, loggedOut)

	w = sessionRequest(t, bot, http.MethodGet, apiPathLoggedIn, nil, loggedOut)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = sessionRequest(t, bot, http.MethodGet, apiPathCooldowns, nil, loggedOut)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_LoginSession_AdminChanged(t *testing.T) {
	bot, _ := newTestAPI(t)

	w := sessionRequest(
		t, bot, http.MethodPost, apiPathLogin,
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
		nil,
	)
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()

	bot.cfgMu.Lock()
	bot.runtimeConfig.AdminUsername = "someone_else"
	bot.cfgMu.Unlock()

	w = sessionRequest(t, bot, http.MethodGet, apiPathCooldowns, nil, cookies)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_Login_Invalid(t *testing.T) {
	bot, _ := newTestAPI(t)

	w := sessionRequest(
		t, bot, http.MethodPost, apiPathLogin,
		map[string]string{"username": testAdminUsername},
		nil,
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	for i := 0; i < 3; i++ {
		w = sessionRequest(
			t, bot, http.MethodPost, apiPathLogin,
			userLogin{Username: "nobody", Password: "wrong password"},
			nil,
		)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Empty(t, w.Result().Cookies())
	}

	w = sessionRequest(
		t, bot, http.MethodPost, apiPathLogin,
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
		nil,
	)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestAPI_SessionStoreSecret(t *testing.T) {
	key := derive64ByteKey("correct horse battery staple")
	assert.Len(t, key, 64)
	assert.Equal(t, key, derive64ByteKey("correct horse battery staple"))
	assert.NotEqual(t, key, derive64ByteKey("something else"))

	cfg := &APIConfig{SessionMaxAge: time.Hour}
	opts := sessionOptions(cfg)
	assert.Equal(t, 3600, opts.MaxAge)
	assert.Equal(t, http.SameSiteStrictMode, opts.SameSite)

	cfg.Development = true
	assert.Equal(t, http.SameSiteNoneMode, sessionOptions(cfg).SameSite)
}

func TestAPI_Pprof(t *testing.T) {
	bot, _ := newTestAPI(t)
	w := httptest.NewRecorder()
	bot.api.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, pprofPrefix+"/", http.NoBody))
	assert.Equal(t, http.StatusNotFound, w.Code)

	cfg := DefaultTestConfig(t)
	cfg.API.Development = true
	devBot, _, _ := newTestBotWithConfig(t, cfg)
	w = httptest.NewRecorder()
	devBot.api.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, pprofPrefix+"/", http.NoBody))
	assert.Equal(t, http.StatusOK, w.Code)
}
