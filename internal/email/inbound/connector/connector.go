package connector

import (
	"context"
	"time"
)

// Account carries the minimal set of fields a source needs to open a mailbox.
type Account struct {
	Type               string // pop3, pop3s, imap, imaps
	Host               string
	Port               int
	Username           string
	Password           []byte
	Folder             string
	DeleteAfterProcess bool
	PollInterval       time.Duration
}

// FetchedMessage wraps the on-wire RFC822 payload plus derived metadata.
type FetchedMessage struct {
	Connector  string
	UID        string
	RemoteID   string
	ReceivedAt time.Time
	SizeBytes  int64
	Raw        []byte
	Metadata   map[string]string
}

// Handler receives fully fetched messages and turns them into tasks.
type Handler interface {
	Handle(ctx context.Context, msg *FetchedMessage) error
}

// MailSource supplies unread messages and accepts processing acknowledgements.
// UIDs returned by ListUnread are the ids MarkProcessed expects.
type MailSource interface {
	Name() string
	TestConnection(ctx context.Context) error
	ListUnread(ctx context.Context) ([]*FetchedMessage, error)
	MarkProcessed(ctx context.Context, uid string) error
}

// Factory resolves the correct source implementation for a mailbox.
type Factory interface {
	SourceFor(account Account) (MailSource, error)
}

func buildRemoteID(account Account, uid string) string {
	if account.Username == "" {
		return account.Host + ":" + uid
	}
	return account.Username + "@" + account.Host + ":" + uid
}
