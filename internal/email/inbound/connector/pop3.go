package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/knadh/go-pop3"
)

type pop3Connection interface {
	Auth(user, password string) error
	Quit() error
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Dele(msgID ...int) error
}

type pop3ConnFactory func(Account) (pop3Connection, error)

// POP3Source reads a POP3/POP3S mailbox. POP3 has no read flag, so the source
// remembers acknowledged UIDLs and hides them from later listings; with
// DeleteAfterProcess the message is also removed with DELE.
type POP3Source struct {
	account     Account
	dialTimeout time.Duration
	now         func() time.Time
	logger      *log.Logger
	newConn     pop3ConnFactory

	mu    sync.Mutex
	acked map[string]struct{}
}

// POP3SourceOption customizes source behavior.
type POP3SourceOption func(*POP3Source)

// NewPOP3Source returns a POP3 source bound to account.
func NewPOP3Source(account Account, opts ...POP3SourceOption) *POP3Source {
	s := &POP3Source{
		account:     account,
		dialTimeout: 5 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      log.Default(),
		acked:       make(map[string]struct{}),
	}
	s.newConn = s.defaultConnFactory
	for _, opt := range opts {
		opt(s)
	}
	if s.newConn == nil {
		s.newConn = s.defaultConnFactory
	}
	return s
}

// WithPOP3Logger overrides the logger used for connector diagnostics.
func WithPOP3Logger(logger *log.Logger) POP3SourceOption {
	return func(s *POP3Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPOP3DialTimeout overrides the socket dial timeout.
func WithPOP3DialTimeout(timeout time.Duration) POP3SourceOption {
	return func(s *POP3Source) {
		if timeout > 0 {
			s.dialTimeout = timeout
		}
	}
}

func withPOP3ConnFactory(factory pop3ConnFactory) POP3SourceOption {
	return func(s *POP3Source) {
		s.newConn = factory
	}
}

// WithPOP3Clock overrides the wall clock, primarily for tests.
func WithPOP3Clock(now func() time.Time) POP3SourceOption {
	return func(s *POP3Source) {
		if now != nil {
			s.now = now
		}
	}
}

// Name returns the connector identifier.
func (s *POP3Source) Name() string {
	return "pop3"
}

// TestConnection authenticates and quits.
func (s *POP3Source) TestConnection(ctx context.Context) error {
	conn, err := s.open(ctx)
	if err != nil {
		return err
	}
	return s.quit(conn)
}

// ListUnread retrieves every message whose UIDL has not been acknowledged.
func (s *POP3Source) ListUnread(ctx context.Context) ([]*FetchedMessage, error) {
	conn, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer s.safeQuit(conn)

	msgs, err := conn.Uidl(0)
	if err != nil {
		return nil, fmt.Errorf("pop3 uidl: %w", err)
	}

	out := make([]*FetchedMessage, 0, len(msgs))
	for _, meta := range msgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		uid := pop3UID(meta)
		if s.isAcked(uid) {
			continue
		}
		payload, err := conn.RetrRaw(meta.ID)
		if err != nil {
			return nil, fmt.Errorf("pop3 retr %d: %w", meta.ID, err)
		}
		raw := append([]byte(nil), payload.Bytes()...)
		msg := &FetchedMessage{
			Connector:  s.Name(),
			UID:        uid,
			RemoteID:   buildRemoteID(s.account, uid),
			ReceivedAt: s.now(),
			SizeBytes:  int64(len(raw)),
			Raw:        raw,
			Metadata: map[string]string{
				"uidl":    uid,
				"pop3_id": strconv.Itoa(meta.ID),
			},
		}
		if meta.Size > 0 {
			msg.Metadata["reported_size"] = strconv.Itoa(meta.Size)
		}
		out = append(out, msg)
	}
	return out, nil
}

// MarkProcessed acknowledges uid. Message numbers are session-scoped, so the
// UIDL listing is re-read to find the message before DELE.
func (s *POP3Source) MarkProcessed(ctx context.Context, uid string) error {
	if strings.TrimSpace(uid) == "" {
		return errors.New("pop3 mark processed: empty uid")
	}
	if !s.account.DeleteAfterProcess {
		s.ack(uid)
		return nil
	}

	conn, err := s.open(ctx)
	if err != nil {
		return err
	}
	msgs, err := conn.Uidl(0)
	if err != nil {
		s.safeQuit(conn)
		return fmt.Errorf("pop3 uidl: %w", err)
	}
	for _, meta := range msgs {
		if pop3UID(meta) != uid {
			continue
		}
		if err := conn.Dele(meta.ID); err != nil {
			s.safeQuit(conn)
			return fmt.Errorf("pop3 delete %d: %w", meta.ID, err)
		}
		break
	}
	// DELE only takes effect once QUIT moves the session to UPDATE state.
	if err := s.quit(conn); err != nil {
		return err
	}
	s.ack(uid)
	return nil
}

func (s *POP3Source) open(ctx context.Context) (pop3Connection, error) {
	if err := validatePOP3Account(s.account); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := s.newConn(s.account)
	if err != nil {
		return nil, fmt.Errorf("pop3 connect: %w", err)
	}
	if err := conn.Auth(s.account.Username, string(s.account.Password)); err != nil {
		s.safeQuit(conn)
		return nil, fmt.Errorf("pop3 auth: %w", err)
	}
	return conn, nil
}

func (s *POP3Source) isAcked(uid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.acked[uid]
	return ok
}

func (s *POP3Source) ack(uid string) {
	s.mu.Lock()
	s.acked[uid] = struct{}{}
	s.mu.Unlock()
}

func (s *POP3Source) quit(conn pop3Connection) error {
	if err := conn.Quit(); err != nil {
		return fmt.Errorf("pop3 quit: %w", err)
	}
	return nil
}

func (s *POP3Source) safeQuit(conn pop3Connection) {
	if conn == nil {
		return
	}
	if err := conn.Quit(); err != nil && s.logger != nil {
		s.logger.Printf("pop3 quit error: %v", err)
	}
}

func (s *POP3Source) defaultConnFactory(account Account) (pop3Connection, error) {
	if account.Host == "" {
		return nil, errors.New("pop3 account missing host")
	}
	port := account.Port
	if port == 0 {
		if usePOP3TLS(account.Type) {
			port = 995
		} else {
			port = 110
		}
	}
	client := pop3.New(pop3.Opt{
		Host:        account.Host,
		Port:        port,
		DialTimeout: s.dialTimeout,
		TLSEnabled:  usePOP3TLS(account.Type),
	})
	return client.NewConn()
}

func pop3UID(meta pop3.MessageID) string {
	if meta.UID != "" {
		return meta.UID
	}
	return strconv.Itoa(meta.ID)
}

func validatePOP3Account(account Account) error {
	if account.Username == "" {
		return errors.New("pop3 account missing username")
	}
	if len(account.Password) == 0 {
		return errors.New("pop3 account missing password")
	}
	if !supportsPOP3(account.Type) {
		return fmt.Errorf("account type %s not supported by POP3 connector", account.Type)
	}
	return nil
}

func supportsPOP3(t string) bool {
	switch strings.ToLower(t) {
	case "pop3", "pop3s":
		return true
	default:
		return false
	}
}

func usePOP3TLS(t string) bool {
	return strings.EqualFold(t, "pop3s")
}
