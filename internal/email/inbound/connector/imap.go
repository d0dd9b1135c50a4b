package connector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
	UIDExpunge(uids imap.UIDSet) expungeWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type expungeWaiter interface{ Close() error }

// IMAPSource reads unseen messages from one IMAP/IMAPS folder. Every call
// opens its own session so a source can be shared by the poller and health checks.
type IMAPSource struct {
	account     Account
	dialTimeout time.Duration
	now         func() time.Time
	logger      *log.Logger
	newClient   func(Account) (imapClient, error)
}

// IMAPSourceOption customizes source behavior.
type IMAPSourceOption func(*IMAPSource)

// NewIMAPSource returns an IMAP source bound to account.
func NewIMAPSource(account Account, opts ...IMAPSourceOption) *IMAPSource {
	s := &IMAPSource{
		account:     account,
		dialTimeout: 5 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      log.Default(),
	}
	s.newClient = s.defaultClientFactory
	for _, opt := range opts {
		opt(s)
	}
	if s.newClient == nil {
		s.newClient = s.defaultClientFactory
	}
	return s
}

// WithIMAPLogger overrides the logger used for connector diagnostics.
func WithIMAPLogger(logger *log.Logger) IMAPSourceOption {
	return func(s *IMAPSource) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithIMAPDialTimeout overrides the socket dial timeout.
func WithIMAPDialTimeout(timeout time.Duration) IMAPSourceOption {
	return func(s *IMAPSource) {
		if timeout > 0 {
			s.dialTimeout = timeout
		}
	}
}

func withIMAPClientFactory(factory func(Account) (imapClient, error)) IMAPSourceOption {
	return func(s *IMAPSource) {
		s.newClient = factory
	}
}

// WithIMAPClock overrides the wall clock, primarily for tests.
func WithIMAPClock(now func() time.Time) IMAPSourceOption {
	return func(s *IMAPSource) {
		if now != nil {
			s.now = now
		}
	}
}

// Name returns the connector identifier.
func (s *IMAPSource) Name() string {
	return "imap"
}

// TestConnection logs in, selects the folder and logs out.
func (s *IMAPSource) TestConnection(ctx context.Context) error {
	client, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer s.safeClose(client)
	return s.logout(client)
}

// ListUnread returns every message without the \Seen flag. Bodies are fetched
// with PEEK so listing never changes mailbox state.
func (s *IMAPSource) ListUnread(ctx context.Context) ([]*FetchedMessage, error) {
	client, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer s.safeClose(client)

	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, s.logout(client)
	}

	section := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}
	buffers, err := client.Fetch(imap.UIDSetNum(uids...), fetchOpts).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}

	out := make([]*FetchedMessage, 0, len(buffers))
	for _, buf := range buffers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		body := buf.FindBodySection(section)
		if body == nil {
			continue
		}
		received := buf.InternalDate
		if received.IsZero() {
			received = s.now()
		}
		uid := strconv.FormatUint(uint64(buf.UID), 10)
		out = append(out, &FetchedMessage{
			Connector:  s.Name(),
			UID:        uid,
			RemoteID:   buildRemoteID(s.account, uid),
			ReceivedAt: received,
			SizeBytes:  int64(len(body)),
			Raw:        append([]byte(nil), body...),
			Metadata: map[string]string{
				"imap_uid":    uid,
				"imap_folder": s.folder(),
			},
		})
	}
	return out, s.logout(client)
}

// MarkProcessed flags the message \Seen, and deletes it when the account asks for it.
func (s *IMAPSource) MarkProcessed(ctx context.Context, uid string) error {
	parsed, err := strconv.ParseUint(strings.TrimSpace(uid), 10, 32)
	if err != nil || parsed == 0 {
		return fmt.Errorf("imap mark processed: invalid uid %q", uid)
	}
	client, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer s.safeClose(client)

	set := imap.UIDSetNum(imap.UID(parsed))
	flags := []imap.Flag{imap.FlagSeen}
	if s.account.DeleteAfterProcess {
		flags = append(flags, imap.FlagDeleted)
	}
	store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: flags}
	if err := client.Store(set, store, nil).Close(); err != nil {
		return fmt.Errorf("imap store flags: %w", err)
	}
	if s.account.DeleteAfterProcess {
		if err := client.UIDExpunge(set).Close(); err != nil {
			return fmt.Errorf("imap expunge: %w", err)
		}
	}
	return s.logout(client)
}

func (s *IMAPSource) open(ctx context.Context) (imapClient, error) {
	if err := validateIMAPAccount(s.account); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := s.newClient(s.account)
	if err != nil {
		return nil, fmt.Errorf("imap connect: %w", err)
	}
	if err := client.Login(s.account.Username, string(s.account.Password)).Wait(); err != nil {
		s.safeClose(client)
		return nil, fmt.Errorf("imap auth: %w", err)
	}
	if _, err := client.Select(s.folder(), nil).Wait(); err != nil {
		s.safeClose(client)
		return nil, fmt.Errorf("imap select %s: %w", s.folder(), err)
	}
	return client, nil
}

func (s *IMAPSource) folder() string {
	if s.account.Folder == "" {
		return "INBOX"
	}
	return s.account.Folder
}

func (s *IMAPSource) logout(client imapClient) error {
	if err := client.Logout().Wait(); err != nil {
		return fmt.Errorf("imap logout: %w", err)
	}
	return nil
}

func (s *IMAPSource) safeClose(client imapClient) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil && s.logger != nil {
		s.logger.Printf("imap close error: %v", err)
	}
}

func (s *IMAPSource) defaultClientFactory(account Account) (imapClient, error) {
	if account.Host == "" {
		return nil, errors.New("imap account missing host")
	}
	port := account.Port
	if port == 0 {
		if useIMAPTLS(account.Type) {
			port = 993
		} else {
			port = 143
		}
	}
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: s.dialTimeout}}
	addr := net.JoinHostPort(account.Host, strconv.Itoa(port))
	var client *imapclient.Client
	var err error
	if useIMAPTLS(account.Type) {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return nil, err
	}
	return &imapClientWrapper{Client: client}, nil
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
func (w *imapClientWrapper) UIDExpunge(uids imap.UIDSet) expungeWaiter {
	return w.Client.UIDExpunge(uids)
}

func validateIMAPAccount(account Account) error {
	if account.Username == "" {
		return errors.New("imap account missing username")
	}
	if len(account.Password) == 0 {
		return errors.New("imap account missing password")
	}
	if !supportsIMAP(account.Type) {
		return fmt.Errorf("account type %s not supported by IMAP connector", account.Type)
	}
	return nil
}

func supportsIMAP(t string) bool {
	switch strings.ToLower(t) {
	case "imap", "imaps":
		return true
	default:
		return false
	}
}

func useIMAPTLS(t string) bool {
	return strings.EqualFold(t, "imaps")
}
