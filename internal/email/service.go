// Package email sends commit notifications and password reset mail over SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"
)

const appName = "FieldShare"

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

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

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart message with a plain text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	if len(to) == 0 {
		return fmt.Errorf("email has no recipients")
	}
	msg := s.buildMessage(to, subject, textBody, htmlBody)
	return s.send(s.server, s.auth, s.config.From, to, msg)
}

func (s *Service) buildMessage(to []string, subject, textBody, htmlBody string) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	boundary := "boundary-fieldshare"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", strings.NewReplacer("\r", " ", "\n", " ").Replace(subject))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", textBody)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

// CommitNotification tells an institution which fields it now receives.
type CommitNotification struct {
	AppName         string
	InstitutionName string
	SchemaKey       string
	CommitID        string
	Author          string
	Message         string
	CreatedAt       time.Time
	Added           []string
	Removed         []string
	ReceiptURL      string
}

type PasswordResetData struct {
	AppName  string
	UserName string
	ResetURL string
}

// SendCommitNotification mails the institution contact after a commit.
func (s *Service) SendCommitNotification(to string, data CommitNotification) error {
	data.AppName = appName
	html, err := renderTemplate(commitNotificationTemplate, data)
	if err != nil {
		return fmt.Errorf("render commit template: %w", err)
	}
	subject := fmt.Sprintf("%s: shared fields of %s updated", appName, data.SchemaKey)
	text := fmt.Sprintf("%s changed the %s fields shared with %s: %d added, %d removed.",
		data.Author, data.SchemaKey, data.InstitutionName, len(data.Added), len(data.Removed))
	if data.ReceiptURL != "" {
		text += "\r\nReceipt: " + data.ReceiptURL
	}
	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

func (s *Service) SendPasswordResetEmail(to, userName, resetURL string) error {
	data := PasswordResetData{
		AppName:  appName,
		UserName: userName,
		ResetURL: resetURL,
	}
	html, err := renderTemplate(passwordResetEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render password reset template: %w", err)
	}
	text := "Reset your password: " + resetURL
	return s.SendHTMLEmail([]string{to}, "Reset your "+appName+" password", text, html)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const commitNotificationTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AppName}} sharing update</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .removed { color: #a40e26; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
    <p>Hello {{.InstitutionName}},</p>
    <p>{{.Author}} updated the <strong>{{.SchemaKey}}</strong> fields shared with you
    on {{.CreatedAt.Format "Jan 2, 2006"}}.</p>
    {{if .Message}}<blockquote>{{.Message}}</blockquote>{{end}}
    {{if .Added}}<h3>Now shared ({{len .Added}})</h3>
    <ul>{{range .Added}}<li>{{.}}</li>{{end}}</ul>{{end}}
    {{if .Removed}}<h3 class="removed">No longer shared ({{len .Removed}})</h3>
    <ul>{{range .Removed}}<li>{{.}}</li>{{end}}</ul>{{end}}
    {{if .ReceiptURL}}<p><a href="{{.ReceiptURL}}">View the full receipt</a></p>{{end}}
    <div class="footer"><p>Commit {{.CommitID}}</p></div>
</body>
</html>`

const passwordResetEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Reset your {{.AppName}} password</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .warning { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    <h2>Password reset</h2>
    <p>Hi {{.UserName}},</p>
    <p><a href="{{.ResetURL}}">Choose a new password</a></p>
    <p>{{.ResetURL}}</p>
    <div class="warning">This link expires in 1 hour.</div>
</body>
</html>`
