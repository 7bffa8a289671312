package email

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"time"

	"veilrate/internal/config"
)

// Service handles email operations. The only mail this service ever sends
// is the chain tamper alert, so delivery stays best-effort: a failed send
// is logged and never blocks the audit sweep.
type Service struct {
	config *config.EmailConfig
}

// NewService creates a new email service
func NewService(cfg *config.EmailConfig) *Service {
	return &Service{
		config: cfg,
	}
}

// Enabled reports whether SMTP delivery is configured
func (s *Service) Enabled() bool {
	return s.config.SMTPHost != ""
}

// SendChainAlert sends a critical alert when event chain verification fails
func (s *Service) SendChainAlert(to string, eventCount int, problems []string) error {
	subject := "🚨 CRITICAL: Event Chain Verification Failed - Data Integrity Issue"

	// Limit to the first 20 problems in the email body
	problemListHTML := ""
	for i, problem := range problems {
		if i >= 20 {
			problemListHTML += fmt.Sprintf("<li style='color: #721c24;'><em>... and %d more problems (see logs for details)</em></li>", len(problems)-20)
			break
		}
		problemListHTML += fmt.Sprintf("<li style='color: #721c24;'><code>%s</code></li>", problem)
	}

	body := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>CRITICAL: Event Chain Verification Failed</title>
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 700px; margin: 0 auto; padding: 20px;">
        <div style="background-color: #f8d7da; border-left: 5px solid #dc3545; padding: 20px; margin-bottom: 20px;">
            <h2 style="color: #721c24; margin-top: 0;">🚨 CRITICAL SECURITY ALERT</h2>
            <p style="font-size: 16px; font-weight: bold; color: #721c24;">Event Chain Verification Failed - Potential Data Tampering Detected</p>
        </div>

        <p>The scheduled verification of the hash-chained event log found <strong>inconsistencies</strong>. Stored events no longer match their recorded hashes, which may indicate the audit log was altered after the fact.</p>

        <div style="background-color: #fff3cd; border: 2px solid #ffc107; padding: 15px; margin: 20px 0;">
            <h3 style="margin-top: 0; color: #856404;">Verification result:</h3>
            <table style="width: 100%%; border-collapse: collapse;">
                <tr>
                    <td style="padding: 8px; border-bottom: 1px solid #ddd;"><strong>Events checked:</strong></td>
                    <td style="padding: 8px; border-bottom: 1px solid #ddd; text-align: right;">%d</td>
                </tr>
                <tr style="background-color: #f8d7da;">
                    <td style="padding: 8px;"><strong>❌ Problems found:</strong></td>
                    <td style="padding: 8px; text-align: right; color: #721c24; font-weight: bold;">%d</td>
                </tr>
            </table>
        </div>

        <h3 style="color: #dc3545;">Problems:</h3>
        <ul style="background-color: #f8f9fa; padding: 15px; border-left: 3px solid #dc3545; font-family: 'Courier New', monospace; font-size: 13px;">
            %s
        </ul>

        <div style="background-color: #d1ecf1; border-left: 5px solid #0c5460; padding: 15px; margin: 20px 0;">
            <h3 style="margin-top: 0; color: #0c5460;">⚡ Immediate actions:</h3>
            <ol style="margin: 10px 0;">
                <li><strong>Check the service logs</strong> for unexpected writes to the events table</li>
                <li><strong>Check the database logs</strong> for direct statements bypassing the service</li>
                <li><strong>Compare against backups</strong> to identify which events were altered</li>
                <li><strong>Escalate the incident</strong> before trusting any further reveals</li>
            </ol>
        </div>

        <div style="background-color: #e7f3ff; padding: 15px; margin: 20px 0; border-radius: 5px;">
            <p style="margin: 5px 0;"><strong>Verification time:</strong> %s</p>
            <p style="margin: 5px 0;"><strong>Job:</strong> Scheduled event chain audit</p>
        </div>

        <hr style="border: none; border-top: 2px solid #dc3545; margin: 30px 0;">
        <p style="color: #999; font-size: 12px;">This is an automated security alert. Do not reply to this email.</p>
    </div>
</body>
</html>
	`, eventCount, len(problems), problemListHTML, time.Now().Format("2006-01-02 15:04:05 MST"))

	return s.sendEmail(to, subject, body)
}

// sendEmail sends an email using SMTP
func (s *Service) sendEmail(to, subject, body string) error {
	headers := make(map[string]string)
	headers["From"] = s.config.SMTPFrom
	headers["To"] = to
	headers["Subject"] = subject
	headers["MIME-Version"] = "1.0"
	headers["Content-Type"] = "text/html; charset=UTF-8"

	var message bytes.Buffer
	for k, v := range headers {
		message.WriteString(fmt.Sprintf("%s: %s\r\n", k, v))
	}
	message.WriteString("\r\n")
	message.WriteString(body)

	addr := net.JoinHostPort(s.config.SMTPHost, s.config.SMTPPort)
	slog.Debug("Connecting to SMTP server", "address", addr)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer func(conn net.Conn) {
		if err := conn.Close(); err != nil {
			slog.Error("Failed to close SMTP connection", "error", err)
		}
	}(conn)

	client, err := smtp.NewClient(conn, s.config.SMTPHost)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer func(client *smtp.Client) {
		if err := client.Close(); err != nil {
			slog.Error("Failed to close SMTP client", "error", err)
		}
	}(client)

	// Credentials are optional: local relays like Mailpit accept mail
	// without authentication
	if s.config.SMTPUsername != "" && s.config.SMTPPassword != "" {
		auth := smtp.PlainAuth("", s.config.SMTPUsername, s.config.SMTPPassword, s.config.SMTPHost)
		_ = client.Auth(auth)
	}

	if err := client.Mail(s.config.SMTPFrom); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}

	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}

	wc, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to initiate data transfer: %w", err)
	}
	defer func(wc io.WriteCloser) {
		if err := wc.Close(); err != nil {
			slog.Error("Failed to close message writer", "error", err)
		}
	}(wc)

	if _, err := wc.Write(message.Bytes()); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	slog.Info("Email sent", "to", to, "subject", subject)

	return nil
}
