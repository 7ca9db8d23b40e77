package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/satyamallipudi/qms-trading-bot/internal/model"
)

// SMTPNotifier mails the plain-text run report.
type SMTPNotifier struct {
	Host     string // host:port
	Username string
	Password string
	From     string
	To       []string
}

func (n *SMTPNotifier) Notify(_ context.Context, s *model.RunSummary) error {
	subject := fmt.Sprintf("Rebalance report %s", s.StartedAt.Format("2006-01-02"))
	if s.DryRun {
		subject += " (dry run)"
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", n.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(n.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(Format(s))

	host := n.Host
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	auth := smtp.PlainAuth("", n.Username, n.Password, host)
	if err := smtp.SendMail(n.Host, auth, n.From, n.To, []byte(msg.String())); err != nil {
		return fmt.Errorf("notify: send mail: %w", err)
	}
	return nil
}
