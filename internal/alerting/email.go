package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"
)

// EmailOptions configure the SMTP notifier.
type EmailOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	Timeout  time.Duration
}

// EmailNotifier sends alerts over SMTP. Port 465 uses implicit TLS, any other
// port requires STARTTLS.
type EmailNotifier struct {
	opts   EmailOptions
	logger zerolog.Logger
}

// NewEmailNotifier validates opts and builds an email notifier.
func NewEmailNotifier(opts EmailOptions, logger zerolog.Logger) (*EmailNotifier, error) {
	if opts.Host == "" {
		return nil, errors.New("email host not configured")
	}
	if opts.From == "" {
		return nil, errors.New("email sender address not configured")
	}
	if opts.Port <= 0 {
		opts.Port = 587
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if len(opts.To) == 0 {
		opts.To = []string{opts.From}
	}
	if opts.Username == "" {
		opts.Username = opts.From
	}
	return &EmailNotifier{opts: opts, logger: logger.With().Str("component", "alert_email").Logger()}, nil
}

// Notify composes and sends one message for the alert.
func (n *EmailNotifier) Notify(ctx context.Context, alert Alert) error {
	msg, err := n.buildMessage(alert)
	if err != nil {
		return err
	}

	client, err := mail.NewClient(n.opts.Host, n.clientOptions()...)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send alert email: %w", err)
	}

	n.logger.Info().Str("alert_id", alert.ID).
		Str("kind", string(alert.Kind)).
		Str("to", strings.Join(n.opts.To, ",")).
		Msg("alert sent (email)")
	return nil
}

func (n *EmailNotifier) buildMessage(alert Alert) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(n.opts.From); err != nil {
		return nil, fmt.Errorf("email from: %w", err)
	}
	if err := msg.To(n.opts.To...); err != nil {
		return nil, fmt.Errorf("email to: %w", err)
	}
	if err := msg.ReplyTo(n.opts.From); err != nil {
		return nil, fmt.Errorf("email reply-to: %w", err)
	}
	msg.Subject(alert.Subject)
	msg.SetBodyString(mail.TypeTextPlain, alert.Message)
	return msg, nil
}

func (n *EmailNotifier) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(n.opts.Port),
		mail.WithTimeout(n.opts.Timeout),
	}
	if n.opts.Port == 465 {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}
	if n.opts.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(n.opts.Username),
			mail.WithPassword(n.opts.Password),
		)
	}
	return opts
}

var _ Notifier = (*EmailNotifier)(nil)
