// ABOUTME: Outbound mail for account verification and password reset codes
// ABOUTME: SMTP sender for production and a log sender when no host is configured

package mail

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"text/template"
)

// Message is a plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Config holds SMTP settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// New returns an SMTP mailer, or a log mailer when cfg.Host is empty.
func New(cfg Config, logger *slog.Logger) Mailer {
	if cfg.Host == "" {
		return NewLogMailer(logger)
	}
	return NewSMTPMailer(cfg, logger)
}

// sendMailFunc matches smtp.SendMail.
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPMailer sends through an SMTP relay.
type SMTPMailer struct {
	cfg      Config
	sendMail sendMailFunc
	logger   *slog.Logger
}

// NewSMTPMailer creates an SMTP mailer
func NewSMTPMailer(cfg Config, logger *slog.Logger) *SMTPMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPMailer{
		cfg:      cfg,
		sendMail: smtp.SendMail,
		logger:   logger.With("component", "mail"),
	}
}

// Send delivers msg. smtp.SendMail has no context support, so ctx is only
// checked before dialling.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))

	if err := m.sendMail(addr, auth, m.cfg.From, []string{msg.To}, m.render(msg)); err != nil {
		return fmt.Errorf("sending mail to %s: %w", msg.To, err)
	}
	m.logger.Info("mail sent", "to", msg.To, "subject", msg.Subject)
	return nil
}

func (m *SMTPMailer) render(msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	return []byte(b.String())
}

// LogMailer writes messages to the log instead of sending them.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer creates a mailer for development setups
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger.With("component", "mail")}
}

func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	m.logger.Info("mail not sent, no smtp host configured",
		"to", msg.To,
		"subject", msg.Subject,
		"body", msg.Body)
	return nil
}

var codeTemplate = template.Must(template.New("code").Parse(`Hi {{.Name}},

{{.Intro}}

    {{.Code}}

This code expires in {{.Minutes}} minutes. If you did not request it, you can ignore this email.
`))

// CodeMessage builds the email carrying a one-time code.
func CodeMessage(to, name, subject, intro, code string, minutes int) (Message, error) {
	var body bytes.Buffer
	err := codeTemplate.Execute(&body, map[string]any{
		"Name":    name,
		"Intro":   intro,
		"Code":    code,
		"Minutes": minutes,
	})
	if err != nil {
		return Message{}, fmt.Errorf("rendering mail template: %w", err)
	}
	return Message{To: to, Subject: subject, Body: body.String()}, nil
}
