package downloads

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/url"
	"strings"
	"time"

	"tidings/internal/logging"
)

// BackupLink is a download link to mail to a buyer.
type BackupLink struct {
	Email   string
	TokenID string
	Title   string
	Artist  string
}

// Notifier delivers backup download links.
type Notifier interface {
	SendBackupLink(ctx context.Context, link BackupLink) error
}

// LinkURL is the page a buyer opens to download with tokenID.
func LinkURL(baseURL, tokenID string) string {
	return strings.TrimRight(baseURL, "/") + "/download?token=" + url.QueryEscape(tokenID)
}

// LogNotifier logs links instead of sending them. Used when no mail server
// is configured.
type LogNotifier struct {
	BaseURL string
}

func (n *LogNotifier) SendBackupLink(ctx context.Context, link BackupLink) error {
	logging.Mail.Printf("backup link for %s (%s): %s",
		logging.MaskEmail(link.Email), link.Title, LinkURL(n.BaseURL, link.TokenID))
	return nil
}

// SMTPConfig configures the SMTP notifier.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	BaseURL  string
	Timeout  time.Duration
}

// SMTPNotifier sends backup links through an SMTP relay.
type SMTPNotifier struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPNotifier creates an SMTP notifier.
func NewSMTPNotifier(cfg SMTPConfig) (*SMTPNotifier, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, errors.New("smtp host and from address are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &SMTPNotifier{cfg: cfg, send: smtp.SendMail}, nil
}

func (n *SMTPNotifier) SendBackupLink(ctx context.Context, link BackupLink) error {
	if strings.ContainsAny(link.Email, "\r\n") {
		return ErrInvalidEmail
	}

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	addr := net.JoinHostPort(n.cfg.Host, fmt.Sprint(n.cfg.Port))
	msg := n.message(link)

	// smtp.SendMail takes no context; bound it and give up waiting on cancel.
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- n.send(addr, auth, n.cfg.From, []string{link.Email}, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			logging.Mail.Printf("send to %s failed: %v", logging.MaskEmail(link.Email), err)
			return fmt.Errorf("send backup link: %w", err)
		}
		logging.Mail.Printf("sent backup link for token %s to %s", link.TokenID, logging.MaskEmail(link.Email))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send backup link: %w", ctx.Err())
	}
}

func (n *SMTPNotifier) message(link BackupLink) []byte {
	link.Title, link.Artist = oneLine(link.Title), oneLine(link.Artist)
	subject := "Your download"
	if link.Title != "" {
		subject = "Your download: " + link.Title
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", link.Email)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("\r\n")
	b.WriteString("Thank you for your gift.\r\n\r\n")
	if link.Title != "" {
		if link.Artist != "" {
			fmt.Fprintf(&b, "%s by %s can be downloaded here:\r\n\r\n", link.Title, link.Artist)
		} else {
			fmt.Fprintf(&b, "%s can be downloaded here:\r\n\r\n", link.Title)
		}
	} else {
		b.WriteString("Your recording can be downloaded here:\r\n\r\n")
	}
	fmt.Fprintf(&b, "%s\r\n\r\n", LinkURL(n.cfg.BaseURL, link.TokenID))
	b.WriteString("The link allows a limited number of downloads and expires after a few days.\r\n")
	return []byte(b.String())
}

func oneLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
