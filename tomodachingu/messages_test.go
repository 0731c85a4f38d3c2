package tomodachingu

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMessages(t *testing.T) {
	m, err := DefaultMessages()
	require.NoError(t, err)
	assert.Len(t, m.Greetings, 4)
	assert.Len(t, m.Welcome, 4)
	assert.NotEmpty(t, m.Help)
	assert.NotEmpty(t, m.Info)
	assert.NotEmpty(t, m.Rules)
	assert.NotEmpty(t, m.FAQ)

	templates, err := m.compile()
	require.NoError(t, err)

	for _, name := range staticCommands {
		reply, e := templates.command(name, "Mika")
		require.NoError(t, e, name)
		assert.NotEmpty(t, reply)
	}

	help, err := templates.command(CommandHelp, "Mika")
	require.NoError(t, err)
	assert.Contains(t, help, "Hi Mika!")
	assert.Contains(t, help, "!translate")

	_, err = templates.command(CommandTranslate, "Mika")
	assert.Error(t, err, "translate has no static reply")
}

func TestMessageTemplates_Welcome(t *testing.T) {
	m, err := DefaultMessages()
	require.NoError(t, err)
	templates, err := m.compile()
	require.NoError(t, err)

	for i := range templates.welcome {
		msg, e := templates.welcomeMessage(i, "Ren")
		require.NoError(t, e)
		assert.Contains(t, msg, "Ren")
		assert.Contains(t, msg, "Tomodachingu")
	}

	_, err = templates.welcomeMessage(len(templates.welcome), "Ren")
	assert.Error(t, err)
	_, err = templates.welcomeMessage(-1, "Ren")
	assert.Error(t, err)
}

func TestMessageTemplates_Translated(t *testing.T) {
	m, err := DefaultMessages()
	require.NoError(t, err)
	templates, err := m.compile()
	require.NoError(t, err)

	out, err := templates.translated(
		TranslateRequest{Source: "en", Target: "ja", Text: "Hello"},
		"こんにちは",
	)
	require.NoError(t, err)
	assert.Equal(t, "Translated (en → ja): こんにちは", out)
}

func TestLoadMessages_Override(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.yaml")
	content := `
help: "Custom help for {{.DisplayName}}"
welcome:
  - "Welcome, {{.DisplayName}}!"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	m, err := LoadMessages(path)
	require.NoError(t, err)
	assert.Equal(t, "Custom help for {{.DisplayName}}", m.Help)
	assert.Equal(t, []string{"Welcome, {{.DisplayName}}!"}, m.Welcome)

	// everything else keeps its default
	defaults, err := DefaultMessages()
	require.NoError(t, err)
	assert.Equal(t, defaults.Rules, m.Rules)
	assert.Equal(t, defaults.Greetings, m.Greetings)

	templates, err := m.compile()
	require.NoError(t, err)
	help, err := templates.command(CommandHelp, "Mika")
	require.NoError(t, err)
	assert.Equal(t, "Custom help for Mika", help)
}

func TestLoadMessages_Errors(t *testing.T) {
	_, err := LoadMessages(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("help: [unclosed"), 0o600))
	_, err = LoadMessages(path)
	assert.Error(t, err)
}

func TestMessages_CompileInvalid(t *testing.T) {
	m, err := DefaultMessages()
	require.NoError(t, err)

	m.Rules = ""
	m.Welcome = nil
	m.TranslateResult = "{{.Text"
	_, err = m.compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rules")
	assert.Contains(t, err.Error(), "welcome")
	assert.Contains(t, err.Error(), "translate_result")
}
