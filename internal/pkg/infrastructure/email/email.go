package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/config"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/logging"
)

//Mailer delivers a single plain text email
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

//NewMailer returns an SMTP mailer, or a mailer that only logs when no SMTP host is configured
func NewMailer(cfg config.SMTPConfig, log logging.Logger) Mailer {
	if cfg.Host == "" {
		log.Infof("No SMTP host configured, emails will only be logged")
		return &logMailer{log: log}
	}

	return &smtpMailer{cfg: cfg}
}

type logMailer struct {
	log logging.Logger
}

func (m *logMailer) Send(ctx context.Context, to, subject, body string) error {
	m.log.Infof("Email to %s: %s", to, subject)
	return nil
}

type smtpMailer struct {
	cfg config.SMTPConfig
}

func (m *smtpMailer) Send(ctx context.Context, to, subject, body string) error {
	if to == "" {
		return errors.New("email recipient may not be empty")
	}

	msg, err := compose(m.cfg.From, to, subject, body)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to smtp server %s: %w", addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake with %s failed: %w", addr, err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err = client.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
			return fmt.Errorf("starttls failed: %w", err)
		}
	}

	if m.cfg.Username != "" {
		auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
		if err = client.Auth(auth); err != nil {
			return fmt.Errorf("smtp authentication failed: %w", err)
		}
	}

	if err = client.Mail(m.cfg.From); err != nil {
		return err
	}

	if err = client.Rcpt(to); err != nil {
		return err
	}

	w, err := client.Data()
	if err != nil {
		return err
	}

	if _, err = w.Write(msg); err != nil {
		return err
	}

	if err = w.Close(); err != nil {
		return err
	}

	return client.Quit()
}

var headerBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

//compose builds the message. Addresses containing line breaks are refused and line
//breaks in the subject are folded into spaces, so names can not inject headers.
func compose(from, to, subject, body string) ([]byte, error) {
	for _, addr := range []string{from, to} {
		if strings.ContainsAny(addr, "\r\n") {
			return nil, fmt.Errorf("email address %q contains a line break", addr)
		}
	}

	subject = mime.QEncoding.Encode("utf-8", headerBreaks.Replace(subject))

	var msg strings.Builder
	msg.WriteString("From: " + from + "\r\n")
	msg.WriteString("To: " + to + "\r\n")
	msg.WriteString("Subject: " + subject + "\r\n")
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n"))
	return []byte(msg.String()), nil
}

//Dispatcher sends emails in the background so that a slow or hung mail server
//never holds up the caller. Failures are logged and otherwise dropped.
type Dispatcher struct {
	mailer  Mailer
	timeout time.Duration
	log     logging.Logger
	wg      sync.WaitGroup
}

//NewDispatcher creates a dispatcher that gives every email timeout to be delivered
func NewDispatcher(mailer Mailer, timeout time.Duration, log logging.Logger) *Dispatcher {
	return &Dispatcher{
		mailer:  mailer,
		timeout: timeout,
		log:     log,
	}
}

//Dispatch queues an email for delivery and returns immediately
func (d *Dispatcher) Dispatch(to, subject, body string) {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.mailer.Send(ctx, to, subject, body); err != nil {
			d.log.Errorf("Failed to send email %q to %s: %s", subject, to, err.Error())
		}
	}()
}

//Wait blocks until all dispatched emails have been delivered or have failed
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
