package email

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	gomail "github.com/wneessen/go-mail"
)

//go:embed templates/*.html
var templateFS embed.FS

const defaultSubject = "Benvenuto!"

// SMTPConfig holds the SMTP server and sender identity.
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
	Subject   string
	Timeout   time.Duration
}

// Configured reports whether enough is set to attempt delivery.
func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.FromEmail != ""
}

// SMTPSender delivers welcome emails through an SMTP server with go-mail.
type SMTPSender struct {
	cfg  SMTPConfig
	tmpl *template.Template
}

var _ Sender = (*SMTPSender)(nil)

type welcomeData struct {
	Subject    string
	FirstName  string
	SenderName string
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Subject == "" {
		cfg.Subject = defaultSubject
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	tmpl, err := template.ParseFS(templateFS, "templates/welcome.html")
	if err != nil {
		return nil, fmt.Errorf("parse welcome template: %w", err)
	}
	return &SMTPSender{cfg: cfg, tmpl: tmpl}, nil
}

func (s *SMTPSender) render(lead *models.Lead) (string, error) {
	var buf bytes.Buffer
	data := welcomeData{
		Subject:    s.cfg.Subject,
		FirstName:  strings.TrimSpace(lead.FirstName),
		SenderName: s.cfg.FromName,
	}
	if err := s.tmpl.ExecuteTemplate(&buf, "email", data); err != nil {
		return "", fmt.Errorf("execute welcome template: %w", err)
	}
	return buf.String(), nil
}

func (s *SMTPSender) SendWelcome(ctx context.Context, lead *models.Lead) Result {
	if err := s.send(ctx, lead); err != nil {
		slog.Error("SMTPSender.SendWelcome failed", "leadID", lead.ID, "error", err)
		return Result{Error: err.Error()}
	}
	slog.Debug("SMTPSender.SendWelcome: sent", "leadID", lead.ID)
	return Result{Success: true}
}

func (s *SMTPSender) send(ctx context.Context, lead *models.Lead) error {
	body, err := s.render(lead)
	if err != nil {
		return err
	}
	msg := gomail.NewMsg()
	if err := msg.FromFormat(s.cfg.FromName, s.cfg.FromEmail); err != nil {
		return fmt.Errorf("smtp from: %w", err)
	}
	if err := msg.To(lead.Email); err != nil {
		return fmt.Errorf("smtp to: %w", err)
	}
	msg.Subject(s.cfg.Subject)
	msg.SetBodyString(gomail.TypeTextHTML, body)

	opts := []gomail.Option{
		gomail.WithPort(s.cfg.Port),
		gomail.WithTLSPortPolicy(gomail.TLSOpportunistic),
		gomail.WithTimeout(s.cfg.Timeout),
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.cfg.Username),
			gomail.WithPassword(s.cfg.Password),
		)
	}
	client, err := gomail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
