// Package bootstrap provides bootstrap configuration loading for capability agents.
package bootstrap

import (
	"fmt"
	"sort"

	masterminds "github.com/Masterminds/semver/v3"

	"github.com/morezero/directive-core/pkg/directive"
)

// BootstrapCapability is one capability entry in the bootstrap config.
type BootstrapCapability struct {
	// InterfaceVersion is a semver constraint the handler's version must satisfy, e.g. "^1.0".
	InterfaceVersion string `json:"interfaceVersion"`
	Description      string `json:"description,omitempty"`
	// Directives maps directive names to "immediate" or "staged".
	Directives map[string]string `json:"directives,omitempty"`
	// Disabled capabilities are not registered.
	Disabled bool `json:"disabled,omitempty"`
}

// BootstrapConfig is the root bootstrap configuration.
type BootstrapConfig struct {
	Name         string                         `json:"name"`
	Version      string                         `json:"version"`
	Description  string                         `json:"description,omitempty"`
	Capabilities map[string]BootstrapCapability `json:"capabilities"`
}

// resolvedCapability is a capability with its constraint and policies parsed.
type resolvedCapability struct {
	constraint *masterminds.Constraints
	policies   map[string]directive.Policy
	disabled   bool
}

// ResolvedBootstrap provides validated lookups into a bootstrap config.
type ResolvedBootstrap struct {
	name         string
	version      string
	capabilities map[string]*resolvedCapability
}

// Name returns the bootstrap config name.
func (rb *ResolvedBootstrap) Name() string {
	return rb.name
}

// Version returns the bootstrap config version.
func (rb *ResolvedBootstrap) Version() string {
	return rb.version
}

// Namespaces returns the configured namespaces, sorted.
func (rb *ResolvedBootstrap) Namespaces() []string {
	out := make([]string, 0, len(rb.capabilities))
	for ns := range rb.capabilities {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Enabled reports whether namespace may be registered. Namespaces absent from the config are
// enabled.
func (rb *ResolvedBootstrap) Enabled(namespace string) bool {
	c, ok := rb.capabilities[namespace]
	return !ok || !c.disabled
}

// Check verifies a handler configuration against the bootstrap entry for its namespace.
// Namespaces absent from the config, or configured without a constraint, always pass.
func (rb *ResolvedBootstrap) Check(cfg directive.Configuration) error {
	c, ok := rb.capabilities[cfg.Namespace]
	if !ok || c.constraint == nil {
		return nil
	}
	if cfg.Version == "" {
		return &directive.DirectiveError{
			Code:      directive.CodeInvalidConfiguration,
			Message:   "handler declares no interface version",
			Namespace: cfg.Namespace,
		}
	}
	v, err := masterminds.NewVersion(cfg.Version)
	if err != nil {
		return &directive.DirectiveError{
			Code:      directive.CodeInvalidConfiguration,
			Message:   fmt.Sprintf("invalid interface version %q: %v", cfg.Version, err),
			Namespace: cfg.Namespace,
		}
	}
	if !c.constraint.Check(v) {
		return &directive.DirectiveError{
			Code:      directive.CodeInvalidConfiguration,
			Message:   fmt.Sprintf("interface version %s does not satisfy %s", v, c.constraint),
			Namespace: cfg.Namespace,
		}
	}
	return nil
}

// Policies returns the dispatch policy overrides for namespace.
func (rb *ResolvedBootstrap) Policies(namespace string) map[string]directive.Policy {
	c, ok := rb.capabilities[namespace]
	if !ok {
		return nil
	}
	out := make(map[string]directive.Policy, len(c.policies))
	for name, p := range c.policies {
		out[name] = p
	}
	return out
}
