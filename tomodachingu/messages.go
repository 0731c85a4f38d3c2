package tomodachingu

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed messages.yaml
var defaultMessagesYAML []byte

// Messages holds every canned payload the bot sends. The defaults are
// embedded in the binary; Config.MessagesFile may point at a YAML file
// that overrides any subset of them.
type Messages struct {
	// Greetings is the greeting lexicon, in priority order
	Greetings []LexiconEntry `yaml:"greetings"`

	Help  string `yaml:"help"`
	Info  string `yaml:"info"`
	Rules string `yaml:"rules"`
	FAQ   string `yaml:"faq"`

	// Welcome holds the messages a new member may be greeted with. One
	// is picked at random per join.
	Welcome []string `yaml:"welcome"`

	TranslateUsage  string `yaml:"translate_usage"`
	TranslateResult string `yaml:"translate_result"`
	TranslateError  string `yaml:"translate_error"`
}

type templateData struct {
	DisplayName string
}

type translateTemplateData struct {
	Source string
	Target string
	Text   string
}

// DefaultMessages returns the embedded default messages
func DefaultMessages() (*Messages, error) {
	m := &Messages{}
	if err := yaml.Unmarshal(defaultMessagesYAML, m); err != nil {
		return nil, fmt.Errorf("error parsing default messages: %w", err)
	}
	return m, nil
}

// LoadMessages returns the default messages, with any values set in the
// YAML file at path layered on top. An empty path returns the defaults.
func LoadMessages(path string) (*Messages, error) {
	m, err := DefaultMessages()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return m, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading messages file: %w", err)
	}
	if err = yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("error parsing messages file %s: %w", path, err)
	}
	return m, nil
}

// messageTemplates is the parsed form of Messages
type messageTemplates struct {
	lexicon         *GreetingLexicon
	commands        map[CommandName]*template.Template
	welcome         []*template.Template
	translateUsage  string
	translateResult *template.Template
	translateError  string
}

func (m *Messages) compile() (*messageTemplates, error) {
	var errs []error

	lexicon, err := NewGreetingLexicon(m.Greetings...)
	if err != nil {
		errs = append(errs, err)
	}

	t := &messageTemplates{
		lexicon:        lexicon,
		commands:       map[CommandName]*template.Template{},
		translateUsage: m.TranslateUsage,
		translateError: m.TranslateError,
	}

	for name, text := range map[CommandName]string{
		CommandHelp:  m.Help,
		CommandInfo:  m.Info,
		CommandRules: m.Rules,
		CommandFAQ:   m.FAQ,
	} {
		if strings.TrimSpace(text) == "" {
			errs = append(errs, fmt.Errorf("message for %q is empty", name))
			continue
		}
		tmpl, e := template.New(string(name)).Parse(text)
		if e != nil {
			errs = append(errs, fmt.Errorf("invalid %q message: %w", name, e))
			continue
		}
		t.commands[name] = tmpl
	}

	if len(m.Welcome) == 0 {
		errs = append(errs, errors.New("no welcome messages"))
	}
	for i, text := range m.Welcome {
		tmpl, e := template.New(fmt.Sprintf("welcome_%d", i)).Parse(text)
		if e != nil {
			errs = append(errs, fmt.Errorf("invalid welcome message %d: %w", i, e))
			continue
		}
		t.welcome = append(t.welcome, tmpl)
	}

	t.translateResult, err = template.New("translate_result").Parse(m.TranslateResult)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid translate_result message: %w", err))
	}
	if t.translateUsage == "" {
		errs = append(errs, errors.New("translate_usage message is empty"))
	}
	if t.translateError == "" {
		errs = append(errs, errors.New("translate_error message is empty"))
	}

	if err = errors.Join(errs...); err != nil {
		return nil, err
	}
	return t, nil
}

// command renders the static reply for a text command
func (t *messageTemplates) command(name CommandName, displayName string) (string, error) {
	tmpl, ok := t.commands[name]
	if !ok {
		return "", fmt.Errorf("no message for command %q", name)
	}
	return execTemplate(tmpl, templateData{DisplayName: displayName})
}

// welcomeMessage renders the welcome message at idx
func (t *messageTemplates) welcomeMessage(idx int, displayName string) (string, error) {
	if idx < 0 || idx >= len(t.welcome) {
		return "", fmt.Errorf("welcome message index out of range: %d", idx)
	}
	return execTemplate(t.welcome[idx], templateData{DisplayName: displayName})
}

func (t *messageTemplates) translated(req TranslateRequest, text string) (string, error) {
	return execTemplate(
		t.translateResult,
		translateTemplateData{Source: req.Source, Target: req.Target, Text: text},
	)
}

func execTemplate(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
