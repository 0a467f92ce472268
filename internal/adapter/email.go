package adapter

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/domain"
)

// EmailConfig holds SMTP connection and sender identity settings.
type EmailConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	UseStartTLS bool
	FromAddress string
	FromName    string
	SendHTML    bool
	DialTimeout time.Duration
}

func (c EmailConfig) addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// EmailAdapter delivers via SMTP. One connection is held open and guarded by
// the connection manager's mutex; all sends are serialized over it.
type EmailAdapter struct {
	cfg    EmailConfig
	conn   *smtpConn
	logger *zap.Logger
}

func NewEmailAdapter(cfg EmailConfig, logger *zap.Logger) *EmailAdapter {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &EmailAdapter{
		cfg:    cfg,
		conn:   &smtpConn{cfg: cfg, logger: logger},
		logger: logger.With(zap.String("adapter", "email")),
	}
}

func (a *EmailAdapter) ChannelType() domain.Channel { return domain.ChannelEmail }

func (a *EmailAdapter) Capabilities() Capabilities {
	return Capabilities{
		RichContent:      true,
		Templates:        true,
		Personalization:  true,
		DeliveryTracking: true,
		MaxContentLength: 1 << 20, // 1 MiB body
		MaxSubjectLength: 998,     // RFC 5322 line limit
		AllowedMIMETypes: []string{"text/plain", "text/html"},
	}
}

// Initialize establishes the first SMTP connection. A failure here marks the
// adapter unhealthy but is not fatal to the daemon.
func (a *EmailAdapter) Initialize(ctx context.Context) error {
	return a.conn.ensure(ctx)
}

// HealthCheck issues a NOOP on the current connection.
func (a *EmailAdapter) HealthCheck(ctx context.Context) error {
	return a.conn.noop(ctx)
}

func (a *EmailAdapter) Send(ctx context.Context, dctx *DeliveryContext) *DeliveryResult {
	started := time.Now().UTC()

	contact := dctx.User.Email
	if contact == "" {
		if rec, ok := dctx.Notification.Recipient(dctx.UserID); ok {
			contact = rec.Email
		}
	}
	if res := ValidateContext(a.Capabilities(), dctx, contact); res != nil {
		return res
	}

	msg := a.buildMessage(dctx, contact)
	if err := a.conn.send(ctx, a.cfg.FromAddress, contact, msg); err != nil {
		kind, code := classifySMTPError(err)
		return Failed(kind, code, err.Error(), started)
	}

	res := Succeeded(messageID(dctx.NotificationID), started)
	res.ResponseData = map[string]string{"to": contact}
	return res
}

// Shutdown closes the SMTP connection; safe to call more than once.
func (a *EmailAdapter) Shutdown(context.Context) error {
	a.conn.close()
	return nil
}

func messageID(notificationID string) string {
	return fmt.Sprintf("<%s@courier.notifyhub>", notificationID)
}

// personalize substitutes the supported tokens; unknown tokens stay literal.
func personalize(s string, dctx *DeliveryContext) string {
	r := strings.NewReplacer(
		"{user_name}", dctx.User.Username,
		"{user_email}", dctx.User.Email,
		"{notification_title}", dctx.Notification.Title,
		"{user_id}", dctx.UserID,
	)
	return r.Replace(s)
}

// buildMessage renders a multipart/alternative MIME message. The plain-text
// part is always present; HTML is added when configured or when the
// notification carries a rich body.
func (a *EmailAdapter) buildMessage(dctx *DeliveryContext, to string) []byte {
	n := dctx.Notification
	subject := n.Content.Subject
	if subject == "" {
		subject = n.Title
	}
	subject = personalize(subject, dctx)
	body := personalize(n.Content.Body, dctx)

	var html string
	if n.Content.HTMLBody != "" {
		html = personalize(n.Content.HTMLBody, dctx)
	} else if a.cfg.SendHTML {
		html = "<html><body><p>" + strings.ReplaceAll(body, "\n", "<br>") + "</p></body></html>"
	}

	boundary := "courier-" + dctx.NotificationID

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s <%s>\r\n", mime.QEncoding.Encode("utf-8", a.cfg.FromName), a.cfg.FromAddress)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID(dctx.NotificationID))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "X-Notification-ID: %s\r\n", dctx.NotificationID)
	fmt.Fprintf(&b, "X-User-ID: %s\r\n", dctx.UserID)
	if dctx.CorrelationID != "" {
		fmt.Fprintf(&b, "X-Correlation-ID: %s\r\n", dctx.CorrelationID)
	}
	b.WriteString("MIME-Version: 1.0\r\n")

	if html == "" {
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		b.WriteString(body)
		b.WriteString("\r\n")
		return []byte(b.String())
	}

	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)
	fmt.Fprintf(&b, "--%s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n", boundary, body)
	fmt.Fprintf(&b, "--%s\r\nContent-Type: text/html; charset=utf-8\r\n\r\n%s\r\n", boundary, html)
	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return []byte(b.String())
}

// classifySMTPError maps transport and protocol errors onto the taxonomy.
// 4xx SMTP codes are transient, 5xx permanent; 535 and friends are auth.
func classifySMTPError(err error) (domain.ErrorKind, string) {
	var proto *textproto.Error
	if errors.As(err, &proto) {
		switch {
		case proto.Code == 530 || proto.Code == 534 || proto.Code == 535 || proto.Code == 538:
			return domain.KindAuthentication, fmt.Sprintf("SMTP_%d", proto.Code)
		case proto.Code >= 500:
			return domain.KindProviderPermanent, fmt.Sprintf("SMTP_%d", proto.Code)
		case proto.Code >= 400:
			return domain.KindProviderTransient, fmt.Sprintf("SMTP_%d", proto.Code)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.KindOperationTimeout, "SMTP_TIMEOUT"
	}
	return domain.KindConnection, "SMTP_CONNECTION"
}

// smtpConn manages the single shared SMTP connection. All acquisition and
// use happens under mu; reconnects use doubling waits up to 3 tries.
type smtpConn struct {
	cfg    EmailConfig
	logger *zap.Logger

	mu     sync.Mutex
	client *smtp.Client
}

// ensure connects if no live connection exists: connect → STARTTLS (if
// configured) → authenticate → NOOP probe.
func (c *smtpConn) ensure(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureLocked(ctx)
}

func (c *smtpConn) ensureLocked(ctx context.Context) error {
	if c.client != nil {
		if err := c.client.Noop(); err == nil {
			return nil
		}
		// Stale connection; drop it and reconnect below.
		_ = c.client.Close()
		c.client = nil
	}

	wait := time.Second
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		client, err := c.connect(ctx)
		if err == nil {
			c.client = client
			return nil
		}
		lastErr = err
		c.logger.Warn("smtp connect failed",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < 3 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
		}
	}
	return fmt.Errorf("smtp connect after 3 attempts: %w", lastErr)
}

func (c *smtpConn) connect(ctx context.Context) (*smtp.Client, error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", c.cfg.addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.addr(), err)
	}

	client, err := smtp.NewClient(raw, c.cfg.Host)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("smtp handshake: %w", err)
	}

	if c.cfg.UseStartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: c.cfg.Host}); err != nil {
			client.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}

	if c.cfg.Username != "" {
		auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Noop(); err != nil {
		client.Close()
		return nil, fmt.Errorf("smtp noop probe: %w", err)
	}
	return client, nil
}

func (c *smtpConn) noop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return c.ensureLocked(ctx)
	}
	if err := c.client.Noop(); err != nil {
		_ = c.client.Close()
		c.client = nil
		return fmt.Errorf("smtp noop: %w", err)
	}
	return nil
}

func (c *smtpConn) send(ctx context.Context, from, to string, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLocked(ctx); err != nil {
		return err
	}

	if err := c.client.Mail(from); err != nil {
		return c.dropOnError(fmt.Errorf("MAIL FROM: %w", err))
	}
	if err := c.client.Rcpt(to); err != nil {
		return c.dropOnError(fmt.Errorf("RCPT TO: %w", err))
	}
	w, err := c.client.Data()
	if err != nil {
		return c.dropOnError(fmt.Errorf("DATA: %w", err))
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return c.dropOnError(fmt.Errorf("write message: %w", err))
	}
	if err := w.Close(); err != nil {
		return c.dropOnError(fmt.Errorf("finish message: %w", err))
	}
	return nil
}

// dropOnError resets the session; protocol errors keep the TCP connection
// usable, transport errors do not, and telling them apart is not worth it.
func (c *smtpConn) dropOnError(err error) error {
	if c.client != nil {
		_ = c.client.Reset()
	}
	return err
}

func (c *smtpConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		_ = c.client.Quit()
		c.client = nil
	}
}

var _ Adapter = (*EmailAdapter)(nil)
