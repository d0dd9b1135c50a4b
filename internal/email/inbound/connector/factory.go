package connector

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// SourceBuilder opens a MailSource for one account.
type SourceBuilder func(Account) (MailSource, error)

// FactoryOption customizes a connector factory.
type FactoryOption func(*simpleFactory)

type simpleFactory struct {
	mu       sync.RWMutex
	builders map[string]SourceBuilder
}

// NewFactory builds a connector factory with the provided options.
func NewFactory(opts ...FactoryOption) Factory {
	f := &simpleFactory{builders: make(map[string]SourceBuilder)}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// DefaultFactory returns a factory preloaded with the IMAP and POP3 sources.
func DefaultFactory(logger *log.Logger) Factory {
	return NewFactory(
		WithSource(func(acc Account) (MailSource, error) {
			return NewPOP3Source(acc, WithPOP3Logger(logger)), nil
		}, "pop3", "pop3s"),
		WithSource(func(acc Account) (MailSource, error) {
			return NewIMAPSource(acc, WithIMAPLogger(logger)), nil
		}, "imap", "imaps"),
	)
}

// WithSource registers a builder for the provided account types.
func WithSource(builder SourceBuilder, accountTypes ...string) FactoryOption {
	return func(f *simpleFactory) {
		if f == nil || builder == nil {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, t := range accountTypes {
			key := normalizeType(t)
			if key == "" {
				continue
			}
			f.builders[key] = builder
		}
	}
}

func (f *simpleFactory) SourceFor(account Account) (MailSource, error) {
	key := normalizeType(account.Type)
	f.mu.RLock()
	builder, ok := f.builders[key]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no mail source registered for account type %s", account.Type)
	}
	return builder(account)
}

func normalizeType(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
