// Package validation checks proposed workflow changes and turns the ones that
// pass into risk-scored change proposals.
package validation

import (
	"fmt"
	"strings"
)

// Check names used in issues.
const (
	CheckStructure  = "structure"
	CheckReason     = "reason"
	CheckDeniedNode = "denied_node_type"
	CheckCredential = "credential_name"
	CheckSecret     = "hardcoded_secret"
	CheckSensitive  = "sensitive_node"
	CheckCredChange = "credential_change"
	CheckNoChange   = "no_change"
)

// Issue is a single validation finding.
type Issue struct {
	Check   string `json:"check"`
	Node    string `json:"node,omitempty"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Node != "" {
		return fmt.Sprintf("%s: node %q: %s", i.Check, i.Node, i.Message)
	}

	return fmt.Sprintf("%s: %s", i.Check, i.Message)
}

// Report collects blocking errors and non-blocking warnings.
type Report struct {
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// HasErrors reports whether any blocking error was found.
func (r *Report) HasErrors() bool {
	return len(r.Errors) > 0
}

func (r *Report) addError(check, node, format string, args ...any) {
	r.Errors = append(r.Errors, Issue{Check: check, Node: node, Message: fmt.Sprintf(format, args...)})
}

func (r *Report) addWarning(check, node, format string, args ...any) {
	r.Warnings = append(r.Warnings, Issue{Check: check, Node: node, Message: fmt.Sprintf(format, args...)})
}

// Summary joins every error into one line.
func (r *Report) Summary() string {
	messages := make([]string, 0, len(r.Errors))
	for _, issue := range r.Errors {
		messages = append(messages, issue.String())
	}

	return strings.Join(messages, "; ")
}

// WarningMessages returns the warnings as plain strings.
func (r *Report) WarningMessages() []string {
	messages := make([]string, 0, len(r.Warnings))
	for _, issue := range r.Warnings {
		messages = append(messages, issue.String())
	}

	return messages
}
