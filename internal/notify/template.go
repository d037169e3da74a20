package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"
)

const (
	defaultSubjectTemplate = `[BotCareU] {{.Title}}`

	defaultBodyTemplate = `{{.Message}}

Device:   {{.DeviceID}}
Severity: {{.Severity}}
Priority: {{.Priority}}
Time:     {{.CreatedAt.UTC.Format "2006-01-02 15:04:05 MST"}}
`

	defaultSMSTemplate = `BotCareU: {{.Title}}. {{.Message}}`
)

// Template renders the text of email and SMS messages.
type Template struct {
	subject *template.Template
	body    *template.Template
	sms     *template.Template
}

// templateData is what templates see.
type templateData struct {
	ID        string
	Title     string
	Message   string
	DeviceID  string
	Severity  string
	Priority  string
	CreatedAt time.Time
	Payload   map[string]any
}

// NewTemplate parses the given templates. Empty strings use the defaults.
func NewTemplate(subject, body, sms string) (*Template, error) {
	if strings.TrimSpace(subject) == "" {
		subject = defaultSubjectTemplate
	}
	if strings.TrimSpace(body) == "" {
		body = defaultBodyTemplate
	}
	if strings.TrimSpace(sms) == "" {
		sms = defaultSMSTemplate
	}
	s, err := template.New("subject").Parse(subject)
	if err != nil {
		return nil, fmt.Errorf("parsing subject template: %w", err)
	}
	b, err := template.New("body").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parsing body template: %w", err)
	}
	m, err := template.New("sms").Parse(sms)
	if err != nil {
		return nil, fmt.Errorf("parsing sms template: %w", err)
	}
	return &Template{subject: s, body: b, sms: m}, nil
}

// DefaultTemplate returns the built-in templates.
func DefaultTemplate() *Template {
	t, err := NewTemplate("", "", "")
	if err != nil {
		panic(err) // built-in templates are constant
	}
	return t
}

// Email renders the subject line and body for in.
func (t *Template) Email(in *Intent) (subject, body string, err error) {
	data := dataFor(in)
	if subject, err = render(t.subject, data); err != nil {
		return "", "", err
	}
	if body, err = render(t.body, data); err != nil {
		return "", "", err
	}
	// Header injection guard.
	subject = strings.NewReplacer("\r", " ", "\n", " ").Replace(subject)
	return subject, body, nil
}

// SMS renders the SMS text for in.
func (t *Template) SMS(in *Intent) (string, error) {
	return render(t.sms, dataFor(in))
}

func dataFor(in *Intent) templateData {
	return templateData{
		ID:        in.ID,
		Title:     in.Title,
		Message:   in.Message,
		DeviceID:  in.DeviceID,
		Severity:  string(in.Severity),
		Priority:  string(in.Priority),
		CreatedAt: in.CreatedAt,
		Payload:   in.Payload,
	}
}

func render(t *template.Template, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering %s template: %w", t.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}
