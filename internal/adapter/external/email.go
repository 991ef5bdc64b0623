package external

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"opsdesk/internal/domain"
)

// sendMailFunc matches smtp.SendMail so tests can capture messages.
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPMailer sends plain-text email through an SMTP relay.
type SMTPMailer struct {
	host     string
	port     int
	username string
	password string
	from     string
	send     sendMailFunc
}

// NewSMTPMailer creates a mailer. Port defaults to 587.
func NewSMTPMailer(host string, port int, username, password, from string) *SMTPMailer {
	if port == 0 {
		port = 587
	}
	return &SMTPMailer{host: host, port: port, username: username, password: password, from: from, send: smtp.SendMail}
}

// Configured reports whether a relay and sender are set.
func (m *SMTPMailer) Configured() bool {
	return m != nil && m.host != "" && m.from != ""
}

// SendEmail delivers one message and returns its Message-ID. The SMTP
// exchange itself cannot be cancelled; ctx bounds how long the caller waits.
func (m *SMTPMailer) SendEmail(ctx context.Context, to, subject, body string) (string, error) {
	if !m.Configured() {
		return "", notConfigured("email")
	}
	addr, err := mail.ParseAddress(to)
	if err != nil {
		return "", domain.Validationf("invalid recipient %q", to)
	}
	if strings.ContainsAny(subject, "\r\n") {
		return "", domain.Validationf("subject must be a single line")
	}

	domainPart := m.from[strings.LastIndex(m.from, "@")+1:]
	msgID := fmt.Sprintf("<%s@%s>", strings.ToLower(ulid.Make().String()), domainPart)

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.from)
	fmt.Fprintf(&b, "To: %s\r\n", addr.String())
	fmt.Fprintf(&b, "Subject: %s\r\n", encodeSubject(subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", msgID)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))

	var auth smtp.Auth
	if m.username != "" {
		auth = smtp.PlainAuth("", m.username, m.password, m.host)
	}
	hostPort := net.JoinHostPort(m.host, strconv.Itoa(m.port))

	done := make(chan error, 1)
	go func() {
		done <- m.send(hostPort, auth, m.from, []string{addr.Address}, []byte(b.String()))
	}()
	select {
	case err := <-done:
		if err != nil {
			return "", domain.Upstreamf(
				domain.NewSubSystemError("external", "smtp.send", domain.ErrProviderError, err.Error()),
				"email delivery failed: %v", err)
		}
		return msgID, nil
	case <-ctx.Done():
		return "", domain.Upstreamf(ctx.Err(), "email delivery timed out")
	}
}

// encodeSubject encodes non-ASCII subjects as RFC 2047 words.
func encodeSubject(s string) string {
	return mime.QEncoding.Encode("UTF-8", s)
}
