package bootstrap

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"

	"github.com/morezero/directive-core/pkg/directive"
)

const logPrefix = "bootstrap:loader"

// EnvBootstrapFile names the environment variable holding a bootstrap file path.
const EnvBootstrapFile = "DIRECTIVE_BOOTSTRAP_FILE"

// LoadBootstrapConfig loads bootstrap config from file paths or environment.
// It tries paths in order: first any paths passed in, then DIRECTIVE_BOOTSTRAP_FILE, then
// config/bootstrap.json and bootstrap.json. Unreadable or unparsable files are skipped. The
// first file found is merged over the default config.
func LoadBootstrapConfig(paths ...string) (*BootstrapConfig, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv(EnvBootstrapFile); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/bootstrap.json", "bootstrap.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var cfg BootstrapConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse bootstrap file %s: %v", logPrefix, p, err))
			continue
		}

		slog.Info(fmt.Sprintf("%s - Loaded bootstrap config from %s", logPrefix, p))
		return MergeBootstrapConfigs(GetDefaultBootstrapConfig(), &cfg), nil
	}

	slog.Info(fmt.Sprintf("%s - Using default bootstrap config", logPrefix))
	return GetDefaultBootstrapConfig(), nil
}

// GetDefaultBootstrapConfig returns the built-in bootstrap configuration for the bundled agents.
func GetDefaultBootstrapConfig() *BootstrapConfig {
	return &BootstrapConfig{
		Name:        "directive-core-bootstrap",
		Version:     "1.0.0",
		Description: "Default capability agent bootstrap configuration",
		Capabilities: map[string]BootstrapCapability{
			"Speaker": {
				InterfaceVersion: "^1.0",
				Description:      "Volume and mute control",
				Directives: map[string]string{
					"SetVolume":    "staged",
					"AdjustVolume": "staged",
					"SetMute":      "staged",
				},
			},
			"SpeechSynthesizer": {
				InterfaceVersion: "^1.0",
				Description:      "Speech playback from audio attachments",
				Directives: map[string]string{
					"Speak": "staged",
				},
			},
			"System": {
				InterfaceVersion: "^1.0",
				Description:      "Device lifecycle and exception reporting",
				Directives: map[string]string{
					"ResetUserInactivity": "immediate",
				},
			},
		},
	}
}

// CreateResolvedBootstrap validates cfg and builds a ResolvedBootstrap.
func CreateResolvedBootstrap(cfg *BootstrapConfig) (*ResolvedBootstrap, error) {
	caps := make(map[string]*resolvedCapability, len(cfg.Capabilities))
	for ns, c := range cfg.Capabilities {
		ns = strings.TrimSpace(ns)
		if ns == "" {
			return nil, fmt.Errorf("%s - capability with empty namespace", logPrefix)
		}

		rc := &resolvedCapability{
			policies: make(map[string]directive.Policy, len(c.Directives)),
			disabled: c.Disabled,
		}
		if c.InterfaceVersion != "" {
			constraint, err := masterminds.NewConstraint(c.InterfaceVersion)
			if err != nil {
				return nil, fmt.Errorf("%s - invalid interfaceVersion %q for %s: %w", logPrefix, c.InterfaceVersion, ns, err)
			}
			rc.constraint = constraint
		}
		for name, raw := range c.Directives {
			p, err := directive.ParsePolicy(strings.TrimSpace(raw))
			if err != nil {
				return nil, fmt.Errorf("%s - %s.%s: %w", logPrefix, ns, name, err)
			}
			rc.policies[name] = p
		}
		caps[ns] = rc
	}

	return &ResolvedBootstrap{
		name:         cfg.Name,
		version:      cfg.Version,
		capabilities: caps,
	}, nil
}

// MergeBootstrapConfigs merges an override config into a base config. Override capabilities
// replace base capabilities of the same namespace.
func MergeBootstrapConfigs(base, override *BootstrapConfig) *BootstrapConfig {
	merged := *base
	merged.Capabilities = make(map[string]BootstrapCapability, len(base.Capabilities)+len(override.Capabilities))
	for ns, c := range base.Capabilities {
		merged.Capabilities[ns] = c
	}
	for ns, c := range override.Capabilities {
		merged.Capabilities[ns] = c
	}
	if override.Name != "" {
		merged.Name = override.Name
	}
	if override.Version != "" {
		merged.Version = override.Version
	}
	return &merged
}
