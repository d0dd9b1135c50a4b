package notifications

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/flosch/pongo2/v6"
	"github.com/google/uuid"

	"github.com/gotrs-io/datawallet/internal/config"
	"github.com/gotrs-io/datawallet/internal/models"
)

type EmailMessage struct {
	To      []string
	Subject string
	Body    string
	HTML    bool
}

// Mailer delivers a single message.
type Mailer interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// SMTPProvider sends mail through the configured relay.
type SMTPProvider struct {
	cfg     *config.EmailConfig
	timeout time.Duration
	now     func() time.Time
}

func NewSMTPProvider(cfg *config.EmailConfig) *SMTPProvider {
	return &SMTPProvider{cfg: cfg, timeout: 30 * time.Second, now: time.Now}
}

func (s *SMTPProvider) Send(ctx context.Context, msg EmailMessage) error {
	if s.cfg == nil || !s.cfg.Enabled {
		return nil
	}
	if len(msg.To) == 0 {
		return errors.New("no recipients specified")
	}

	sender := s.cfg.From
	if sender == "" {
		sender = s.cfg.SMTP.User
	}
	if sender == "" {
		sender = "noreply@localhost"
	}
	message := s.compose(sender, msg)

	client, err := s.dialSMTPClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := s.authenticate(client); err != nil {
		return err
	}
	if err := client.Mail(sender); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, to := range msg.To {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", to, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to initiate data transfer: %w", err)
	}
	if _, err := w.Write([]byte(message)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data transfer: %w", err)
	}
	if err := client.Quit(); err != nil {
		return fmt.Errorf("failed to quit SMTP session: %w", err)
	}
	return nil
}

func (s *SMTPProvider) compose(sender string, msg EmailMessage) string {
	from := sender
	if s.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", s.cfg.FromName), sender)
	}
	domain := "localhost"
	if at := strings.LastIndex(sender, "@"); at >= 0 {
		domain = sender[at+1:]
	}

	headers := []string{
		"From: " + from,
		"To: " + strings.Join(msg.To, ", "),
		"Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject),
		"Date: " + s.now().Format(time.RFC1123Z),
		fmt.Sprintf("Message-ID: <%s@%s>", uuid.NewString(), domain),
		"MIME-Version: 1.0",
	}
	if msg.HTML {
		headers = append(headers, "Content-Type: text/html; charset=UTF-8")
	} else {
		headers = append(headers, "Content-Type: text/plain; charset=UTF-8")
	}
	body := strings.ReplaceAll(strings.ReplaceAll(msg.Body, "\r\n", "\n"), "\n", "\r\n")
	return strings.Join(headers, "\r\n") + "\r\n\r\n" + body
}

func (s *SMTPProvider) dialSMTPClient(ctx context.Context) (*smtp.Client, error) {
	mode := s.cfg.EffectiveTLSMode()
	addr := net.JoinHostPort(s.cfg.SMTP.Host, strconv.Itoa(s.cfg.SMTP.Port))
	tlsConfig := &tls.Config{
		ServerName:         s.cfg.SMTP.Host,
		InsecureSkipVerify: s.cfg.SMTP.SkipVerify, //nolint:gosec // operator opt-in
	}
	dialer := &net.Dialer{Timeout: s.timeout}

	var conn net.Conn
	var err error
	if mode == "smtps" {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect via SMTPS: %w", err)
		}
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
		}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(s.timeout))
	}

	client, err := smtp.NewClient(conn, s.cfg.SMTP.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}
	if mode == "starttls" {
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	return client, nil
}

func (s *SMTPProvider) authenticate(client *smtp.Client) error {
	if s.cfg.SMTP.User == "" || s.cfg.SMTP.Password == "" {
		return nil
	}

	var auth smtp.Auth
	switch strings.ToLower(strings.TrimSpace(s.cfg.SMTP.AuthType)) {
	case "login":
		auth = &loginAuth{username: s.cfg.SMTP.User, password: s.cfg.SMTP.Password}
	default:
		auth = smtp.PlainAuth("", s.cfg.SMTP.User, s.cfg.SMTP.Password, s.cfg.SMTP.Host)
	}
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("SMTP authentication failed: %w", err)
	}
	return nil
}

// loginAuth implements SMTP LOGIN authentication
type loginAuth struct {
	username, password string
}

func (a *loginAuth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", []byte{}, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch string(fromServer) {
	case "Username:":
		return []byte(a.username), nil
	case "Password:":
		return []byte(a.password), nil
	default:
		return nil, fmt.Errorf("unexpected server challenge: %s", fromServer)
	}
}

// SMTPNotifier renders notices and mails them to the owner's contact address.
type SMTPNotifier struct {
	mailer    Mailer
	renderer  *Renderer
	recipient RecipientResolver
	logger    *log.Logger
}

func NewSMTPNotifier(mailer Mailer, renderer *Renderer, recipient RecipientResolver, logger *log.Logger) *SMTPNotifier {
	if logger == nil {
		logger = log.Default()
	}
	return &SMTPNotifier{mailer: mailer, renderer: renderer, recipient: recipient, logger: logger}
}

func (n *SMTPNotifier) SendAuthorizationRequest(ctx context.Context, req *models.AuthorizationRequest) error {
	return n.deliver(ctx, req.OwnerIdentity, TemplateAuthorization, pongo2.Context{
		"task_id":      req.TaskID,
		"summary":      req.Summary,
		"expires_at":   req.ExpiresAt.UTC().Format(time.RFC1123),
		"callback_url": req.CallbackURL,
	})
}

func (n *SMTPNotifier) SendCompletion(ctx context.Context, task *models.ProcessingTask) error {
	data := pongo2.Context{
		"task_id":  task.ID,
		"subject":  task.Subject,
		"locators": task.Locators(),
	}
	if task.Attestation != nil {
		data["tx_ref"] = task.Attestation.TxRef
		data["network"] = task.Attestation.Network
	}
	return n.deliver(ctx, task.Owner(), TemplateCompletion, data)
}

func (n *SMTPNotifier) SendFailure(ctx context.Context, task *models.ProcessingTask, reason string) error {
	return n.deliver(ctx, task.Owner(), TemplateFailure, pongo2.Context{
		"task_id": task.ID,
		"subject": task.Subject,
		"reason":  reason,
	})
}

func (n *SMTPNotifier) deliver(ctx context.Context, identity, template string, data pongo2.Context) error {
	to, err := resolve(n.recipient, identity)
	if err != nil {
		return err
	}
	notice, err := n.renderer.Render(template, data)
	if err != nil {
		return err
	}
	if err := n.mailer.Send(ctx, EmailMessage{
		To:      []string{to},
		Subject: notice.Subject,
		Body:    notice.HTML,
		HTML:    true,
	}); err != nil {
		return fmt.Errorf("send %s to %s: %w", template, to, err)
	}
	n.logger.Printf("[NOTIFY] emailed %s task=%v to=%s", template, data["task_id"], to)
	return nil
}
