package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/smtp"
	"strconv"
	"strings"
	"text/template"

	"diveguard/internal/clock"
	"diveguard/internal/config"
	"diveguard/internal/domain"
	"diveguard/internal/permanent"
	"diveguard/internal/state"
	"diveguard/internal/templatefmt"

	"github.com/google/uuid"
)

const (
	defaultSMTPPort = 587
	defaultFrom     = "diveguard@localhost"

	defaultSubjectTemplate = `[diveguard] {{ .Type }}{{ with .Payload.session_code }} {{ . }}{{ end }}{{ with .Payload.priority }} ({{ upper . }}){{ end }}`
	defaultBodyTemplate    = `Event: {{ .Type }}
Time: {{ time .OccurredAt }}
{{ with .Payload.session_code }}Session: {{ . }}
{{ end }}{{ with .Payload.escalation_level }}Escalation level: {{ . }}
{{ end }}
{{ json .Payload }}
`
)

// AppSender writes events into the in-app inbox.
type AppSender struct {
	inbox state.InboxStore
	clock clock.Clock
	newID func() string
}

// NewAppSender creates inbox-backed sender.
func NewAppSender(inbox state.InboxStore, clk clock.Clock) *AppSender {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &AppSender{inbox: inbox, clock: clk, newID: uuid.NewString}
}

// Channel returns sender channel name.
func (s *AppSender) Channel() domain.Channel {
	return domain.ChannelApp
}

// Send stores one inbox notification.
func (s *AppSender) Send(ctx context.Context, event domain.Event) error {
	notification := domain.Notification{
		ID:        s.newID(),
		EventID:   event.ID,
		EventType: event.Type,
		Payload:   event.Payload,
		CreatedAt: s.clock.Now(),
	}
	if err := s.inbox.AppendNotification(ctx, notification); err != nil {
		return fmt.Errorf("append inbox: %w", err)
	}
	return nil
}

// MailFunc matches smtp.SendMail and allows replacing transport in tests.
type MailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender renders event templates and sends them over SMTP.
// Params: SMTP settings, recipients, and subject/body templates.
// Returns: email channel sender.
type EmailSender struct {
	cfg      config.EmailNotifier
	subject  *template.Template
	body     *template.Template
	sendMail MailFunc
	initErr  error
}

// NewEmailSender creates SMTP sender; template and address errors surface on Send.
// Params: email notifier config and optional transport (defaults to smtp.SendMail).
// Returns: initialized sender.
func NewEmailSender(cfg config.EmailNotifier, sendMail MailFunc) *EmailSender {
	if sendMail == nil {
		sendMail = smtp.SendMail
	}
	sender := &EmailSender{cfg: cfg, sendMail: sendMail}
	if strings.TrimSpace(cfg.Host) == "" || len(cfg.To) == 0 {
		sender.initErr = permanent.Mark(errors.New("email requires smtp host and recipients"))
		return sender
	}

	subjectBody := cfg.SubjectTemplate
	if strings.TrimSpace(subjectBody) == "" {
		subjectBody = defaultSubjectTemplate
	}
	mailBody := cfg.BodyTemplate
	if strings.TrimSpace(mailBody) == "" {
		mailBody = defaultBodyTemplate
	}
	var err error
	if sender.subject, err = templatefmt.ParseNotificationTemplate("notify.email.subject", subjectBody); err != nil {
		sender.initErr = permanent.Mark(fmt.Errorf("parse email subject template: %w", err))
		return sender
	}
	if sender.body, err = templatefmt.ParseNotificationTemplate("notify.email.body", mailBody); err != nil {
		sender.initErr = permanent.Mark(fmt.Errorf("parse email body template: %w", err))
	}
	return sender
}

// Channel returns sender channel name.
func (s *EmailSender) Channel() domain.Channel {
	return domain.ChannelEmail
}

// emailView is the data passed to email templates.
type emailView struct {
	domain.Event
	Payload map[string]any
}

// Send renders and sends one message to all configured recipients.
func (s *EmailSender) Send(_ context.Context, event domain.Event) error {
	if s.initErr != nil {
		return s.initErr
	}
	view := emailView{Event: event}
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &view.Payload); err != nil {
			view.Payload = map[string]any{"raw": string(event.Payload)}
		}
	}
	subject, err := templatefmt.Render(s.subject, view)
	if err != nil {
		return permanent.Mark(fmt.Errorf("render email subject: %w", err))
	}
	body, err := templatefmt.Render(s.body, view)
	if err != nil {
		return permanent.Mark(fmt.Errorf("render email body: %w", err))
	}

	port := s.cfg.Port
	if port == 0 {
		port = defaultSMTPPort
	}
	addr := s.cfg.Host + ":" + strconv.Itoa(port)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	from := s.cfg.From
	if from == "" {
		from = defaultFrom
	}

	if err := s.sendMail(addr, auth, from, s.cfg.To, buildMessage(from, s.cfg.To, subject, body)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func buildMessage(from string, to []string, subject, body string) []byte {
	var msg strings.Builder
	msg.WriteString("From: " + from + "\r\n")
	msg.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	msg.WriteString("Subject: " + strings.ReplaceAll(subject, "\n", " ") + "\r\n")
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(msg.String())
}

// FanOuter schedules webhook deliveries for an event.
type FanOuter interface {
	FanOut(ctx context.Context, event domain.Event) (int, error)
}

// WebhookSender hands events to the webhook subsystem.
type WebhookSender struct {
	webhooks FanOuter
}

// NewWebhookSender creates webhook channel sender.
func NewWebhookSender(webhooks FanOuter) *WebhookSender {
	return &WebhookSender{webhooks: webhooks}
}

// Channel returns sender channel name.
func (s *WebhookSender) Channel() domain.Channel {
	return domain.ChannelWebhook
}

// Send schedules async delivery to every active subscribed webhook.
func (s *WebhookSender) Send(ctx context.Context, event domain.Event) error {
	if _, err := s.webhooks.FanOut(ctx, event); err != nil {
		return err
	}
	return nil
}
