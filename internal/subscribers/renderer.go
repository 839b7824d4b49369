package subscribers

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"net/url"
	"strings"
	"text/template"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

const confirmationTemplate = "templates/confirmation.tmpl"

// Message is an email handed to the mailer.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers rendered emails.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// ConfirmationData is the input of the confirmation email template.
type ConfirmationData struct {
	Email     string
	Link      string
	ExpiresAt time.Time
	ListName  string
}

// Renderer renders confirmation emails from templates.
type Renderer struct {
	listName string
	tmpl     *template.Template
}

// NewRenderer creates a new renderer and loads the confirmation template.
func NewRenderer(listName string) (*Renderer, error) {
	funcMap := template.FuncMap{
		"title":      titleCase,
		"formatTime": formatTime,
	}

	content, err := templatesFS.ReadFile(confirmationTemplate)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", confirmationTemplate, err)
	}

	tmpl, err := template.New("confirmation").Funcs(funcMap).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", confirmationTemplate, err)
	}

	return &Renderer{listName: listName, tmpl: tmpl}, nil
}

// RenderConfirmation renders the confirmation email for recipient.
func (r *Renderer) RenderConfirmation(recipient, link string, expiresAt time.Time) (Message, error) {
	data := ConfirmationData{
		Email:     recipient,
		Link:      link,
		ExpiresAt: expiresAt,
		ListName:  r.listName,
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return Message{}, fmt.Errorf("execute confirmation template: %w", err)
	}

	return Message{
		To:      recipient,
		Subject: fmt.Sprintf("[%s] Confirm your subscription", titleCase(r.listName)),
		Body:    strings.TrimSpace(buf.String()),
	}, nil
}

// ConfirmationLink builds <frontendURL>/validate?id=<id>&token=<token>.
func ConfirmationLink(frontendURL, id, token string) (string, error) {
	base, err := url.Parse(frontendURL)
	if err != nil {
		return "", fmt.Errorf("parse frontend url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("frontend url must be absolute: %q", frontendURL)
	}

	link := base.JoinPath("validate")
	query := url.Values{}
	query.Set("id", id)
	query.Set("token", token)
	link.RawQuery = query.Encode()

	return link.String(), nil
}

// titleCase builds a Caser per call, Casers are not safe for concurrent use.
func titleCase(s string) string {
	return cases.Title(language.English).String(s)
}

func formatTime(t time.Time) string {
	return t.UTC().Format("Jan 2, 2006 15:04 UTC")
}
