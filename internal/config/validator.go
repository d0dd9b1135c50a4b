package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validator accumulates every configuration problem before failing, so an
// operator sees the whole list in one startup attempt.
type Validator struct {
	config   *Config
	errors   []string
	warnings []string
}

func NewValidator(cfg *Config) *Validator {
	return &Validator{
		config:   cfg,
		errors:   []string{},
		warnings: []string{},
	}
}

// Validate checks the configuration and returns every violation at once.
func (c *Config) Validate() error {
	return NewValidator(c).Validate()
}

func (v *Validator) Validate() error {
	if v.config == nil {
		return fmt.Errorf("config validation failed:\nconfiguration is nil")
	}
	isProduction := v.config.App.IsProduction()

	v.validateMail()
	v.validateValidation(isProduction)
	v.validateOwners()
	v.validateAuthorization(isProduction)
	v.validateContent()
	v.validateLedger()
	v.validateWorkers()
	v.validateDatabase()
	v.validateNotifications()

	if len(v.errors) > 0 {
		return fmt.Errorf("config validation failed:\n%s", strings.Join(v.errors, "\n"))
	}
	return nil
}

// Warnings returns non-fatal findings from the last Validate call.
func (v *Validator) Warnings() []string {
	return append([]string(nil), v.warnings...)
}

func (v *Validator) validateMail() {
	m := v.config.Mail
	if !m.Enabled {
		return
	}
	switch strings.ToLower(m.Type) {
	case "imap", "imaps", "pop3", "pop3s":
	default:
		v.addError("mail.type must be one of imap, imaps, pop3, pop3s (got %q)", m.Type)
	}
	if m.Host == "" {
		v.addError("mail.host is required when mail is enabled")
	}
	if m.Username == "" || m.Password == "" {
		v.addError("mail.username and mail.password are required when mail is enabled")
	}
	if m.PollInterval <= 0 {
		v.addError("mail.poll_interval must be positive")
	}
}

func (v *Validator) validateValidation(isProduction bool) {
	val := v.config.Validation
	if val.MaxMessageBytes <= 0 {
		v.addError("validation.max_message_bytes must be positive")
	}
	if val.MaxAttachments < 0 {
		v.addError("validation.max_attachments cannot be negative")
	}
	switch val.Policy {
	case "", "enforced":
	case "allow_all_for_testing":
		if isProduction {
			v.addError("validation.policy allow_all_for_testing is not permitted in production")
		} else {
			v.addWarning("validation.policy is allow_all_for_testing: every sender is accepted")
		}
	default:
		v.addError("validation.policy must be enforced or allow_all_for_testing (got %q)", val.Policy)
	}
}

func (v *Validator) validateOwners() {
	seen := make(map[string]bool)
	for i, o := range v.config.Owners {
		if strings.TrimSpace(o.Identity) == "" {
			v.addError("owners[%d].identity is required", i)
		}
		if strings.TrimSpace(o.Email) == "" {
			v.addError("owners[%d].email is required", i)
		}
		key := strings.ToLower(o.Email)
		if key != "" && seen[key] {
			v.addError("owners[%d].email %s is registered twice", i, o.Email)
		}
		seen[key] = true
	}
}

func (v *Validator) validateAuthorization(isProduction bool) {
	a := v.config.Authorization
	if a.Window <= 0 {
		v.addError("authorization.window must be positive")
	}
	if a.SweepInterval <= 0 {
		v.addError("authorization.sweep_interval must be positive")
	}
	if a.CallbackBaseURL != "" {
		if _, err := url.ParseRequestURI(a.CallbackBaseURL); err != nil {
			v.addError("authorization.callback_base_url is not a valid URL: %v", err)
		}
	}
	switch a.Scheme {
	case "jwt":
		if a.Secret == "" {
			v.addWarning("authorization.secret is empty: every JWT signature will be rejected")
		} else if isProduction && len(a.Secret) < 32 {
			v.addError("authorization.secret must be at least 32 characters in production")
		}
	case "none":
		if isProduction {
			v.addError("authorization.scheme none is not permitted in production")
		}
	default:
		v.addError("authorization.scheme must be jwt or none (got %q)", a.Scheme)
	}
	switch a.Store {
	case "", "memory", "redis":
	default:
		v.addError("authorization.store must be memory or redis (got %q)", a.Store)
	}
}

func (v *Validator) validateContent() {
	c := v.config.Content
	switch c.Backend {
	case "ipfs":
		if c.APIEndpoint == "" {
			v.addError("content.api_endpoint is required for the ipfs backend")
		}
		for i, g := range c.Gateways {
			if _, err := url.ParseRequestURI(g); err != nil {
				v.addError("content.gateways[%d] is not a valid URL: %v", i, err)
			}
		}
	case "fs":
		if c.LocalPath == "" {
			v.addError("content.local_path is required for the fs backend")
		}
	default:
		v.addError("content.backend must be ipfs or fs (got %q)", c.Backend)
	}
}

func (v *Validator) validateLedger() {
	l := v.config.Ledger
	if l.IsSimulated() {
		return
	}
	if !strings.EqualFold(l.Mode, "real") {
		v.addError("ledger.mode must be simulated or real (got %q)", l.Mode)
		return
	}
	if l.RPCURL == "" {
		v.addError("ledger.rpc_url is required in real mode")
	}
	if l.ContractAddress == "" || l.FromAddress == "" {
		v.addError("ledger.contract_address and ledger.from_address are required in real mode")
	}
	if l.SchemaPath == "" {
		v.addError("ledger.schema_path is required in real mode")
	}
}

func (v *Validator) validateWorkers() {
	if v.config.Workers.Finalize <= 0 {
		v.addError("workers.finalize must be positive")
	}
	if v.config.Workers.QueueSize <= 0 {
		v.addError("workers.queue_size must be positive")
	}
}

func (v *Validator) validateDatabase() {
	d := v.config.Database
	switch d.Driver {
	case "", "memory":
	case "sqlite3", "postgres", "mysql":
		if d.DSN == "" {
			v.addError("database.dsn is required for driver %s", d.Driver)
		}
	default:
		v.addError("database.driver must be memory, sqlite3, postgres or mysql (got %q)", d.Driver)
	}
}

func (v *Validator) validateNotifications() {
	e := v.config.Email
	if e.Enabled {
		if e.SMTP.Host == "" {
			v.addError("email.smtp.host is required when email is enabled")
		}
		if e.From == "" && e.SMTP.User == "" {
			v.addError("email.from or email.smtp.user is required when email is enabled")
		}
	}
	w := v.config.Notifications.Webhook
	if w.Enabled {
		if _, err := url.ParseRequestURI(w.URL); err != nil {
			v.addError("notifications.webhook.url is not a valid URL: %v", err)
		}
		if w.Secret == "" {
			v.addWarning("notifications.webhook.secret is empty: deliveries are unsigned")
		}
	}
}

func (v *Validator) addError(format string, args ...any) {
	v.errors = append(v.errors, "❌ "+fmt.Sprintf(format, args...))
}

func (v *Validator) addWarning(format string, args ...any) {
	v.warnings = append(v.warnings, "⚠️  "+fmt.Sprintf(format, args...))
}
