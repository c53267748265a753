// Package notify sends invoice receipts to billed subjects.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/coder/quartz"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Receipt struct {
	To          string
	Name        string
	InvoiceID   string
	ExternalID  string
	HostedURL   string
	Amount      decimal.Decimal
	Currency    string
	PeriodStart time.Time
	PeriodEnd   time.Time
	DueAt       time.Time
}

type Notifier interface {
	InvoiceSent(ctx context.Context, r Receipt) error
}

// LogNotifier only logs receipts. Used when no SMTP relay is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) InvoiceSent(_ context.Context, r Receipt) error {
	n.logger.Info("invoice receipt",
		zap.String("to", r.To),
		zap.String("invoice_id", r.InvoiceID),
		zap.String("amount", r.Amount.StringFixed(2)),
		zap.String("currency", r.Currency))
	return nil
}

type SMTPConfig struct {
	Addr     string
	From     string
	Username string
	Password string
	// RequireTLS refuses relays that do not offer STARTTLS. Otherwise the
	// connection is upgraded only when the relay offers it.
	RequireTLS bool
}

type SMTPNotifier struct {
	cfg   SMTPConfig
	host  string
	clock quartz.Clock
}

func NewSMTPNotifier(cfg SMTPConfig, clock quartz.Clock) (*SMTPNotifier, error) {
	if cfg.Addr == "" || cfg.From == "" {
		return nil, errors.New("notify: smtp address and sender are required")
	}
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("notify: smtp address %q: %w", cfg.Addr, err)
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &SMTPNotifier{cfg: cfg, host: host, clock: clock}, nil
}

func (n *SMTPNotifier) InvoiceSent(ctx context.Context, r Receipt) error {
	if r.To == "" {
		return errors.New("notify: receipt has no recipient")
	}
	if err := n.send(ctx, r); err != nil {
		return fmt.Errorf("notify: send receipt for invoice %s: %w", r.InvoiceID, err)
	}
	return nil
}

func (n *SMTPNotifier) send(ctx context.Context, r Receipt) error {
	c, err := n.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if n.cfg.Username != "" {
		if _, ok := c.TLSConnectionState(); !ok {
			return errors.New("refusing to authenticate without TLS")
		}
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("relay does not support AUTH")
		}
		if err := c.Auth(sasl.NewPlainClient("", n.cfg.Username, n.cfg.Password)); err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
	}

	if err := c.SendMail(n.cfg.From, []string{r.To}, bytes.NewReader(n.message(r))); err != nil {
		return err
	}
	return c.Quit()
}

// dial connects to the relay. go-smtp can only upgrade a connection while
// creating the client, so a relay offering STARTTLS is dialed a second time.
func (n *SMTPNotifier) dial(ctx context.Context) (*smtp.Client, error) {
	conn, err := n.connect(ctx)
	if err != nil {
		return nil, err
	}
	c := smtp.NewClient(conn)
	if ok, _ := c.Extension("STARTTLS"); !ok {
		if n.cfg.RequireTLS {
			_ = c.Close()
			return nil, errors.New("relay does not offer STARTTLS")
		}
		return c, nil
	}
	_ = c.Quit()

	conn, err = n.connect(ctx)
	if err != nil {
		return nil, err
	}
	c, err = smtp.NewClientStartTLS(conn, &tls.Config{ServerName: n.host})
	if err != nil {
		return nil, fmt.Errorf("starttls: %w", err)
	}
	return c, nil
}

func (n *SMTPNotifier) connect(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", n.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("connect to relay: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return conn, nil
}

func (n *SMTPNotifier) message(r Receipt) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", r.To)
	fmt.Fprintf(&b, "Subject: Your invoice for %s\r\n", r.PeriodStart.Format("January 2006"))
	fmt.Fprintf(&b, "Date: %s\r\n", n.clock.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")

	name := r.Name
	if name == "" {
		name = r.To
	}
	fmt.Fprintf(&b, "Hi %s,\r\n\r\n", name)
	fmt.Fprintf(&b, "Your usage from %s to %s comes to %s %s.\r\n",
		r.PeriodStart.Format("2006-01-02"), r.PeriodEnd.Format("2006-01-02"),
		r.Amount.StringFixed(2), r.Currency)
	if !r.DueAt.IsZero() {
		fmt.Fprintf(&b, "Payment is due by %s.\r\n", r.DueAt.Format("2006-01-02"))
	}
	if r.HostedURL != "" {
		fmt.Fprintf(&b, "Pay online: %s\r\n", r.HostedURL)
	}
	fmt.Fprintf(&b, "\r\nInvoice reference: %s\r\n", r.InvoiceID)
	return b.Bytes()
}
