// Package directive routes inbound directives to capability handlers and drives each
// directive through its lifecycle.
package directive

import (
	"fmt"

	"github.com/morezero/directive-core/pkg/avs"
)

// Policy selects how the dispatcher delivers a directive.
type Policy int

const (
	// PolicyStaged delivers via PreHandleDirective, then HandleDirective, with result tracking.
	PolicyStaged Policy = iota
	// PolicyImmediate delivers via HandleDirectiveImmediately with no further lifecycle calls.
	PolicyImmediate
)

func (p Policy) String() string {
	switch p {
	case PolicyStaged:
		return "staged"
	case PolicyImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses "staged" or "immediate".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "staged", "":
		return PolicyStaged, nil
	case "immediate":
		return PolicyImmediate, nil
	default:
		return PolicyStaged, fmt.Errorf("unknown dispatch policy %q", s)
	}
}

// Configuration describes the capability a handler serves.
type Configuration struct {
	// Namespace is the routing key, e.g. "SpeechRecognizer".
	Namespace string
	// Version is the capability interface version (semver), e.g. "1.0.0". Optional.
	Version string
	// Policies holds per-directive-name dispatch policies. Names absent here are staged.
	Policies map[string]Policy
}

// Policy returns the configured policy for a directive name.
func (c Configuration) Policy(name string) Policy {
	if p, ok := c.Policies[name]; ok {
		return p
	}
	return PolicyStaged
}

// Handler is a capability agent: the consumer of every directive in one namespace.
//
// HandleDirective and CancelDirective identify the directive by message id only; the handler
// keeps whatever it needs from PreHandleDirective. HandleDirective returns false when no
// pre-handled directive with that id is known. Callbacks must not call back into the
// dispatcher's Handle or Cancel for the directive being pre-handled.
type Handler interface {
	Configuration() Configuration
	HandleDirectiveImmediately(d *avs.Directive)
	PreHandleDirective(d *avs.Directive, result ResultSink)
	HandleDirective(messageID string) bool
	CancelDirective(messageID string)
}
