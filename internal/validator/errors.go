package validator

import (
	"errors"
	"fmt"
	"strings"
)

// Rule names a single validation check.
type Rule string

const (
	RuleSenderAuthorized Rule = "sender_authorized"
	RuleOwnerRegistered  Rule = "owner_registered"
	RuleMessageSize      Rule = "message_size"
	RuleAttachmentCount  Rule = "attachment_count"
	RuleAttachmentType   Rule = "attachment_type"
)

// ErrValidation matches every *ValidationError through errors.Is.
var ErrValidation = errors.New("validation failed")

// Violation is one failed rule.
type Violation struct {
	Rule    Rule   `json:"rule"`
	Message string `json:"message"`
}

// ValidationError lists every violated rule, not just the first.
type ValidationError struct {
	Violations []Violation `json:"violations"`
	Warnings   []string    `json:"warnings,omitempty"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Rule, v.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Rules returns the violated rule names in evaluation order.
func (e *ValidationError) Rules() []Rule {
	out := make([]Rule, 0, len(e.Violations))
	for _, v := range e.Violations {
		out = append(out, v.Rule)
	}
	return out
}
