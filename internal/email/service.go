// Package email sends notification mail via SMTP.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	// HiringInbox receives application notifications.
	HiringInbox string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

// NewService creates a new email service
func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if application notifications can be delivered.
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != "" && s.config.HiringInbox != ""
}

// ApplicationNotice describes a newly received job application.
type ApplicationNotice struct {
	ApplicantName   string
	ApplicantEmail  string
	JobTitle        string
	Folder          string
	ApplicationFile string
	ResumeFile      string
	Replicated      bool
	ReceivedAt      time.Time
}

// NotifyApplication mails the hiring inbox about a new application. The
// context only gates the start of delivery because net/smtp has no
// cancellation.
func (s *Service) NotifyApplication(ctx context.Context, notice ApplicationNotice) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	html, err := renderTemplate(applicationNoticeTemplate, notice)
	if err != nil {
		return fmt.Errorf("render application template: %w", err)
	}
	subject := fmt.Sprintf("New application: %s", notice.ApplicantName)
	if notice.JobTitle != "" {
		subject += " for " + notice.JobTitle
	}
	return s.SendHTMLEmail([]string{s.config.HiringInbox}, subject, html)
}

// SendHTMLEmail sends an HTML email
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	return s.send(s.server, s.auth, s.config.From, to, s.buildMessage(to, subject, htmlBody))
}

func (s *Service) buildMessage(to []string, subject, htmlBody string) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-pawlenx"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", sanitizeHeader(subject))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

// applicant-controlled text ends up in the subject line
func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

func renderTemplate(tmpl string, data any) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const applicationNoticeTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>New application from {{.ApplicantName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #e07a2f; padding-bottom: 10px; margin-bottom: 20px; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .warning { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
        td { padding: 4px 12px 4px 0; vertical-align: top; }
    </style>
</head>
<body>
    <div class="header">
        <h1>PawLenx Careers</h1>
    </div>

    <h2>New application received</h2>

    <table>
        <tr><td><strong>Applicant</strong></td><td>{{.ApplicantName}}</td></tr>
        {{if .ApplicantEmail}}<tr><td><strong>Email</strong></td><td>{{.ApplicantEmail}}</td></tr>{{end}}
        {{if .JobTitle}}<tr><td><strong>Position</strong></td><td>{{.JobTitle}}</td></tr>{{end}}
        <tr><td><strong>Folder</strong></td><td>{{.Folder}}</td></tr>
        <tr><td><strong>Application</strong></td><td>{{.ApplicationFile}}</td></tr>
        {{if .ResumeFile}}<tr><td><strong>Resume</strong></td><td>{{.ResumeFile}}</td></tr>{{end}}
        <tr><td><strong>Received</strong></td><td>{{.ReceivedAt.UTC.Format "2006-01-02 15:04:05 MST"}}</td></tr>
    </table>

    {{if not .Replicated}}
    <div class="warning">
        <strong>Note:</strong> the documents are stored on the server but have not reached the document repository yet. They will be uploaded automatically.
    </div>
    {{end}}

    <div class="footer">
        <p>This message was sent automatically by the PawLenx backend.</p>
    </div>
</body>
</html>`
