// Package validator decides whether an inbound message may become a task.
package validator

import (
	"context"
	"fmt"
	"log"
	"mime"
	"strings"

	"github.com/gotrs-io/datawallet/internal/models"
)

// Policy selects how violations are treated.
type Policy string

const (
	// Enforced rejects a message with any violation.
	Enforced Policy = "enforced"
	// AllowAllForTesting evaluates every rule but only reports violations as
	// warnings. It must never run in production.
	AllowAllForTesting Policy = "allow_all_for_testing"
)

// ParsePolicy maps a config value to a Policy; empty means Enforced.
func ParsePolicy(value string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(value))) {
	case "", Enforced:
		return Enforced, nil
	case AllowAllForTesting:
		return AllowAllForTesting, nil
	default:
		return "", fmt.Errorf("unknown validation policy %q", value)
	}
}

// RegistrationChecker reports whether an identity is registered on the ledger.
type RegistrationChecker interface {
	IsRegistered(ctx context.Context, identity string) (bool, error)
}

// Limits bound message size and attachments.
type Limits struct {
	MaxMessageBytes int64
	MaxAttachments  int
	AllowedTypes    []string
}

// Result is the outcome of a successful validation.
type Result struct {
	OwnerIdentity string
	OwnerEmail    string
	Delegated     bool
	Warnings      []string
}

// Validator runs independent rules and unions their violations.
type Validator struct {
	directory *Directory
	limits    Limits
	policy    Policy
	registry  RegistrationChecker
	logger    *log.Logger
}

// Option customizes a Validator.
type Option func(*Validator)

// WithPolicy sets the enforcement policy.
func WithPolicy(p Policy) Option {
	return func(v *Validator) {
		if p != "" {
			v.policy = p
		}
	}
}

// WithRegistrationChecker requires the resolved owner to be registered.
func WithRegistrationChecker(checker RegistrationChecker) Option {
	return func(v *Validator) {
		v.registry = checker
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// New builds a validator over directory.
func New(directory *Directory, limits Limits, opts ...Option) *Validator {
	if directory == nil {
		directory = NewDirectory()
	}
	v := &Validator{
		directory: directory,
		limits:    limits,
		policy:    Enforced,
		logger:    log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	v.logger.Printf("validation policy=%s require_registration=%t", v.policy, v.registry != nil)
	return v
}

// Policy returns the active policy.
func (v *Validator) Policy() Policy {
	return v.policy
}

// Validate checks msg. Under Enforced any violation returns a *ValidationError;
// authenticity failures only ever add warnings.
func (v *Validator) Validate(ctx context.Context, msg *models.NormalizedMessage) (*Result, error) {
	if msg == nil {
		return nil, &ValidationError{Violations: []Violation{{Rule: RuleSenderAuthorized, Message: "no message"}}}
	}
	var violations []Violation
	var warnings []string

	owner, delegated, resolved := v.directory.Resolve(msg.From, msg.OriginalSender)
	if !resolved {
		violations = append(violations, Violation{
			Rule:    RuleSenderAuthorized,
			Message: fmt.Sprintf("sender %s is neither a registered owner nor on an owner's allow-list", msg.EffectiveSender()),
		})
	} else if v.registry != nil {
		if vio := v.checkRegistration(ctx, owner.Identity); vio != nil {
			violations = append(violations, *vio)
		}
	}
	violations = append(violations, v.checkSize(msg)...)
	violations = append(violations, v.checkAttachments(msg)...)

	if failed := msg.Authenticity.Failures(); len(failed) > 0 {
		warnings = append(warnings, fmt.Sprintf("authenticity checks failed: %s", strings.Join(failed, ", ")))
	}
	if resolved && delegated {
		warnings = append(warnings, fmt.Sprintf("sender %s accepted as delegate of %s", msg.EffectiveSender(), owner.Email))
	}

	if len(violations) > 0 {
		if v.policy != AllowAllForTesting {
			return nil, &ValidationError{Violations: violations, Warnings: warnings}
		}
		for _, vio := range violations {
			line := fmt.Sprintf("[%s] %s: %s", AllowAllForTesting, vio.Rule, vio.Message)
			v.logger.Printf("validation bypassed: %s", line)
			warnings = append(warnings, line)
		}
	}

	res := &Result{Delegated: delegated, Warnings: warnings}
	if resolved {
		res.OwnerIdentity = owner.Identity
		res.OwnerEmail = owner.Email
	} else {
		res.OwnerIdentity = msg.EffectiveSender()
		res.OwnerEmail = msg.EffectiveSender()
	}
	return res, nil
}

func (v *Validator) checkRegistration(ctx context.Context, identity string) *Violation {
	registered, err := v.registry.IsRegistered(ctx, identity)
	if err != nil {
		return &Violation{Rule: RuleOwnerRegistered, Message: fmt.Sprintf("registration of %s could not be checked: %v", identity, err)}
	}
	if !registered {
		return &Violation{Rule: RuleOwnerRegistered, Message: fmt.Sprintf("owner %s is not registered", identity)}
	}
	return nil
}

func (v *Validator) checkSize(msg *models.NormalizedMessage) []Violation {
	if v.limits.MaxMessageBytes > 0 && msg.Size > v.limits.MaxMessageBytes {
		return []Violation{{
			Rule:    RuleMessageSize,
			Message: fmt.Sprintf("message is %d bytes, limit is %d", msg.Size, v.limits.MaxMessageBytes),
		}}
	}
	return nil
}

func (v *Validator) checkAttachments(msg *models.NormalizedMessage) []Violation {
	var out []Violation
	if v.limits.MaxAttachments >= 0 && len(msg.Attachments) > v.limits.MaxAttachments {
		out = append(out, Violation{
			Rule:    RuleAttachmentCount,
			Message: fmt.Sprintf("%d attachments, limit is %d", len(msg.Attachments), v.limits.MaxAttachments),
		})
	}
	if len(v.limits.AllowedTypes) == 0 {
		return out
	}
	for _, att := range msg.Attachments {
		if !typeAllowed(att.ContentType, v.limits.AllowedTypes) {
			out = append(out, Violation{
				Rule:    RuleAttachmentType,
				Message: fmt.Sprintf("attachment %s has disallowed type %s", att.Filename, att.ContentType),
			})
		}
	}
	return out
}

func typeAllowed(contentType string, allowed []string) bool {
	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == mediaType || a == "*/*" {
			return true
		}
		if strings.HasSuffix(a, "/*") && strings.HasPrefix(mediaType, strings.TrimSuffix(a, "*")) {
			return true
		}
	}
	return false
}
