package mail

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/textproto"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/Flynt56/vo-web/pkg/config"
)

// Address is a mailbox: a required address plus an optional display name.
type Address struct {
	Email string
	Name  string
}

// Sender delivers a rendered contact email. The outbound sender and the
// recipient are fixed at construction; replyTo routes answers back to the
// original submitter.
type Sender interface {
	Send(replyTo Address, body string) error
}

// SendError is a delivery failure carrying the SMTP reply code, used to
// split transient mail-server errors from permanent ones.
type SendError struct {
	Code int
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("mail send failed (code %d): %v", e.Code, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// retryableCodes are the SMTP "temporarily unavailable" / "try later" replies.
var retryableCodes = map[int]bool{
	421: true,
	450: true,
	503: true,
	504: true,
}

// IsTransient reports whether err is a delivery failure worth retrying.
func IsTransient(err error) bool {
	var se *SendError
	return errors.As(err, &se) && retryableCodes[se.Code]
}

type smtpSender struct {
	dialer    *gomail.Dialer
	sender    Address
	recipient string
	subject   string
	log       *zap.SugaredLogger
}

// NewSMTPSender creates a Sender that delivers through the configured SMTP
// relay via gomail.
func NewSMTPSender(cfg config.Config, log *zap.SugaredLogger) Sender {
	log.Infow("Initializing mail sender",
		"host", cfg.Mail.Host,
		"port", cfg.Mail.Port,
		"user", cfg.Mail.User)

	d := gomail.NewDialer(cfg.Mail.Host, cfg.Mail.Port, cfg.Mail.User, cfg.Mail.Password)
	if cfg.Mail.InsecureSkipVerify {
		log.Warn("InsecureSkipVerify is enabled for mail TLS connection")
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // configurable for testing
	}

	return &smtpSender{
		dialer:    d,
		sender:    Address{Email: cfg.Contact.SenderAddress, Name: cfg.Contact.SenderName},
		recipient: cfg.Contact.RecipientAddress,
		subject:   cfg.Contact.Subject,
		log:       log,
	}
}

func (s *smtpSender) Send(replyTo Address, body string) error {
	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", s.sender.Email, s.sender.Name)
	msg.SetHeader("To", s.recipient)
	msg.SetAddressHeader("Reply-To", replyTo.Email, replyTo.Name)
	msg.SetHeader("Subject", s.subject)
	msg.SetBody("text/plain", body)

	if err := s.dialer.DialAndSend(msg); err != nil {
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) {
			return &SendError{Code: tpErr.Code, Err: err}
		}
		return &SendError{Err: err}
	}
	return nil
}
