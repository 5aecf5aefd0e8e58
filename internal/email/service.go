// Package email sends SkillSwap notifications over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net/smtp"
	"strings"
)

const appName = "SkillSwap"

var ErrNotConfigured = errors.New("email not configured")

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

// IsConfigured returns true if host, port and sender are all set.
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart message with a plain text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if len(to) == 0 {
		return errors.New("no recipients")
	}
	return s.send(s.server, s.auth, s.config.From, to, s.compose(to, subject, textBody, htmlBody))
}

func (s *Service) compose(to []string, subject, textBody, htmlBody string) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", s.config.FromName), s.config.From)
	}

	boundary := "boundary-skillswap"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

type MatchRequestData struct {
	AppName      string
	ReceiverName string
	SenderName   string
	SkillToLearn string
	SkillToTeach string
	RequestsURL  string
}

type RequestAcceptedData struct {
	AppName      string
	SenderName   string
	ReceiverName string
	SkillToLearn string
	ChatURL      string
}

// SendMatchRequestEmail tells a tutor someone wants to learn from them.
func (s *Service) SendMatchRequestEmail(to string, data MatchRequestData) error {
	data.AppName = appName
	html, err := renderTemplate(matchRequestTemplate, data)
	if err != nil {
		return fmt.Errorf("render match request template: %w", err)
	}
	subject := fmt.Sprintf("%s wants to learn %s with you", data.SenderName, data.SkillToLearn)
	text := fmt.Sprintf("%s sent you a %s request to learn %s. In exchange they can teach: %s.\nRespond at %s",
		data.SenderName, appName, data.SkillToLearn, data.SkillToTeach, data.RequestsURL)
	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

// SendRequestAcceptedEmail tells the sender their request was accepted.
func (s *Service) SendRequestAcceptedEmail(to string, data RequestAcceptedData) error {
	data.AppName = appName
	html, err := renderTemplate(requestAcceptedTemplate, data)
	if err != nil {
		return fmt.Errorf("render request accepted template: %w", err)
	}
	subject := fmt.Sprintf("%s accepted your request", data.ReceiverName)
	text := fmt.Sprintf("%s accepted your request to learn %s. Start chatting at %s",
		data.ReceiverName, data.SkillToLearn, data.ChatURL)
	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

func renderTemplate(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const layoutStyle = `
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #2f855a; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #2f855a; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }`

var matchRequestTemplate = template.Must(template.New("match_request").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>New {{.AppName}} request</title>
    <style>` + layoutStyle + `</style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.ReceiverName}},</h2>

    <p><strong>{{.SenderName}}</strong> would like to learn <strong>{{.SkillToLearn}}</strong> from you.</p>
    <p>In exchange they can teach: {{.SkillToTeach}}</p>

    <p>
        <a href="{{.RequestsURL}}" class="button">Review Request</a>
    </p>

    <div class="footer">
        <p>You are receiving this because your {{.AppName}} profile lists {{.SkillToLearn}} as a skill you know.</p>
    </div>
</body>
</html>`))

var requestAcceptedTemplate = template.Must(template.New("request_accepted").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Your {{.AppName}} request was accepted</title>
    <style>` + layoutStyle + `</style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Good news, {{.SenderName}}!</h2>

    <p><strong>{{.ReceiverName}}</strong> accepted your request to learn <strong>{{.SkillToLearn}}</strong>.</p>

    <p>
        <a href="{{.ChatURL}}" class="button">Open Chat</a>
    </p>

    <div class="footer">
        <p>Happy swapping!</p>
    </div>
</body>
</html>`))
