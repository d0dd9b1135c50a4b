package validator

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Owner is a registered owning identity and the senders it delegates to.
type Owner struct {
	Identity  string   `yaml:"identity"`
	Email     string   `yaml:"email"`
	AllowList []string `yaml:"allow_list"`
}

// Directory resolves sender addresses to owners.
type Directory struct {
	mu        sync.RWMutex
	owners    []Owner
	byEmail   map[string]int
	delegates map[string]int
}

// NewDirectory indexes owners. Later entries never shadow earlier ones.
func NewDirectory(owners ...Owner) *Directory {
	d := &Directory{}
	d.Replace(owners)
	return d
}

type directoryFile struct {
	Owners []Owner `yaml:"owners"`
}

// LoadDirectoryFile reads an owners YAML document of the form `owners: [...]`.
func LoadDirectoryFile(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read owners file: %w", err)
	}
	var doc directoryFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse owners file %s: %w", path, err)
	}
	for i, o := range doc.Owners {
		if strings.TrimSpace(o.Identity) == "" || strings.TrimSpace(o.Email) == "" {
			return nil, fmt.Errorf("owners file %s: entry %d needs identity and email", path, i)
		}
	}
	return NewDirectory(doc.Owners...), nil
}

// Replace swaps the directory contents atomically.
func (d *Directory) Replace(owners []Owner) {
	byEmail := make(map[string]int, len(owners))
	delegates := make(map[string]int)
	kept := make([]Owner, 0, len(owners))
	for _, o := range owners {
		key := normalizeAddress(o.Email)
		if key == "" {
			continue
		}
		if _, dup := byEmail[key]; dup {
			continue
		}
		kept = append(kept, o)
		idx := len(kept) - 1
		byEmail[key] = idx
		for _, addr := range o.AllowList {
			if a := normalizeAddress(addr); a != "" {
				if _, taken := delegates[a]; !taken {
					delegates[a] = idx
				}
			}
		}
	}
	d.mu.Lock()
	d.owners = kept
	d.byEmail = byEmail
	d.delegates = delegates
	d.mu.Unlock()
}

// Owners returns a copy of the registered owners.
func (d *Directory) Owners() []Owner {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Owner(nil), d.owners...)
}

// Resolve maps sender candidates to an owner. A direct owner email match on
// any candidate beats an allow-list match.
func (d *Directory) Resolve(candidates ...string) (owner Owner, delegated bool, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range candidates {
		if idx, found := d.byEmail[normalizeAddress(c)]; found {
			return d.owners[idx], false, true
		}
	}
	for _, c := range candidates {
		if idx, found := d.delegates[normalizeAddress(c)]; found {
			return d.owners[idx], true, true
		}
	}
	return Owner{}, false, false
}

// IdentityForEmail returns the identity registered for email.
func (d *Directory) IdentityForEmail(email string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	idx, ok := d.byEmail[normalizeAddress(email)]
	if !ok {
		return "", false
	}
	return d.owners[idx].Identity, true
}

// EmailForIdentity returns the contact address of an identity.
func (d *Directory) EmailForIdentity(identity string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, o := range d.owners {
		if strings.EqualFold(o.Identity, identity) {
			return o.Email, true
		}
	}
	return "", false
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
