package bootstrap

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/morezero/directive-core/pkg/directive"
)

const loaderTestPrefix = "bootstrap:loader_test"

func TestGetDefaultBootstrapConfig(t *testing.T) {
	cfg := GetDefaultBootstrapConfig()
	if cfg.Version != "1.0.0" {
		t.Errorf("%s - expected version 1.0.0, got %s", loaderTestPrefix, cfg.Version)
	}
	for _, ns := range []string{"Speaker", "SpeechSynthesizer", "System"} {
		if _, ok := cfg.Capabilities[ns]; !ok {
			t.Errorf("%s - expected default capability %s", loaderTestPrefix, ns)
		}
	}
	if _, err := CreateResolvedBootstrap(cfg); err != nil {
		t.Fatalf("%s - default config must resolve: %v", loaderTestPrefix, err)
	}
}

func TestResolvedBootstrap_Check(t *testing.T) {
	resolved, err := CreateResolvedBootstrap(GetDefaultBootstrapConfig())
	if err != nil {
		t.Fatalf("%s - resolve failed: %v", loaderTestPrefix, err)
	}

	tests := []struct {
		name    string
		cfg     directive.Configuration
		wantErr bool
	}{
		{"satisfies constraint", directive.Configuration{Namespace: "Speaker", Version: "1.2.0"}, false},
		{"major too high", directive.Configuration{Namespace: "Speaker", Version: "2.0.0"}, true},
		{"missing version", directive.Configuration{Namespace: "Speaker"}, true},
		{"invalid version", directive.Configuration{Namespace: "Speaker", Version: "one"}, true},
		{"unknown namespace", directive.Configuration{Namespace: "Alerts", Version: "9.0.0"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := resolved.Check(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("%s - Check(%+v) err = %v, wantErr %v", loaderTestPrefix, tt.cfg, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, directive.ErrInvalidConfiguration) {
				t.Errorf("%s - expected INVALID_CONFIGURATION, got %v", loaderTestPrefix, err)
			}
		})
	}
}

func TestResolvedBootstrap_Policies(t *testing.T) {
	resolved, err := CreateResolvedBootstrap(GetDefaultBootstrapConfig())
	if err != nil {
		t.Fatalf("%s - resolve failed: %v", loaderTestPrefix, err)
	}

	policies := resolved.Policies("System")
	if policies["ResetUserInactivity"] != directive.PolicyImmediate {
		t.Errorf("%s - ResetUserInactivity policy = %v", loaderTestPrefix, policies["ResetUserInactivity"])
	}
	policies["ResetUserInactivity"] = directive.PolicyStaged
	if resolved.Policies("System")["ResetUserInactivity"] != directive.PolicyImmediate {
		t.Errorf("%s - Policies must return a copy", loaderTestPrefix)
	}
	if resolved.Policies("Alerts") != nil {
		t.Errorf("%s - unknown namespace should have no policies", loaderTestPrefix)
	}
	if got := resolved.Namespaces(); len(got) != 3 || got[0] != "Speaker" {
		t.Errorf("%s - Namespaces = %v", loaderTestPrefix, got)
	}
}

func TestCreateResolvedBootstrap_Invalid(t *testing.T) {
	tests := []struct {
		name string
		caps map[string]BootstrapCapability
	}{
		{"bad constraint", map[string]BootstrapCapability{"Speaker": {InterfaceVersion: ">>1"}}},
		{"bad policy", map[string]BootstrapCapability{"Speaker": {Directives: map[string]string{"SetMute": "later"}}}},
		{"empty namespace", map[string]BootstrapCapability{" ": {}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := CreateResolvedBootstrap(&BootstrapConfig{Capabilities: tt.caps}); err == nil {
				t.Errorf("%s - expected error", loaderTestPrefix)
			}
		})
	}
}

func TestResolvedBootstrap_Enabled(t *testing.T) {
	resolved, err := CreateResolvedBootstrap(&BootstrapConfig{Capabilities: map[string]BootstrapCapability{
		"Speaker": {Disabled: true},
	}})
	if err != nil {
		t.Fatalf("%s - resolve failed: %v", loaderTestPrefix, err)
	}
	if resolved.Enabled("Speaker") {
		t.Errorf("%s - Speaker should be disabled", loaderTestPrefix)
	}
	if !resolved.Enabled("System") {
		t.Errorf("%s - unconfigured namespaces are enabled", loaderTestPrefix)
	}
}

func TestLoadBootstrapConfig_PathOrder(t *testing.T) {
	dir := t.TempDir()
	explicit := filepath.Join(dir, "explicit.json")
	fromEnv := filepath.Join(dir, "env.json")
	broken := filepath.Join(dir, "broken.json")

	if err := os.WriteFile(explicit, []byte(`{"name":"explicit","version":"2.0.0","capabilities":{}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fromEnv, []byte(`{"name":"env","version":"3.0.0","capabilities":{}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(broken, []byte(`{"name":`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvBootstrapFile, fromEnv)

	cfg, err := LoadBootstrapConfig(filepath.Join(dir, "missing.json"), broken, explicit)
	if err != nil {
		t.Fatalf("%s - load failed: %v", loaderTestPrefix, err)
	}
	if cfg.Name != "explicit" {
		t.Errorf("%s - expected explicit path first, got %s", loaderTestPrefix, cfg.Name)
	}

	cfg, err = LoadBootstrapConfig()
	if err != nil {
		t.Fatalf("%s - load failed: %v", loaderTestPrefix, err)
	}
	if cfg.Name != "env" {
		t.Errorf("%s - expected env path, got %s", loaderTestPrefix, cfg.Name)
	}
}

func TestLoadBootstrapConfig_MergesOverDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.json")
	data := `{"name":"partial","capabilities":{"Speaker":{"interfaceVersion":"^1.2","disabled":true}}}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadBootstrapConfig(path)
	if err != nil {
		t.Fatalf("%s - load failed: %v", loaderTestPrefix, err)
	}
	if cfg.Name != "partial" || cfg.Version != "1.0.0" {
		t.Errorf("%s - name/version = %s/%s", loaderTestPrefix, cfg.Name, cfg.Version)
	}
	if !cfg.Capabilities["Speaker"].Disabled {
		t.Errorf("%s - file should replace Speaker", loaderTestPrefix)
	}
	if _, ok := cfg.Capabilities["SpeechSynthesizer"]; !ok {
		t.Errorf("%s - default SpeechSynthesizer should remain", loaderTestPrefix)
	}
}

func TestLoadBootstrapConfig_Default(t *testing.T) {
	t.Setenv(EnvBootstrapFile, "")
	wd, _ := os.Getwd()
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	cfg, err := LoadBootstrapConfig()
	if err != nil {
		t.Fatalf("%s - load failed: %v", loaderTestPrefix, err)
	}
	if cfg.Name != GetDefaultBootstrapConfig().Name {
		t.Errorf("%s - expected the default config, got %s", loaderTestPrefix, cfg.Name)
	}
}

func TestMergeBootstrapConfigs(t *testing.T) {
	base := GetDefaultBootstrapConfig()
	override := &BootstrapConfig{
		Version: "1.1.0",
		Capabilities: map[string]BootstrapCapability{
			"Speaker": {InterfaceVersion: "^2.0"},
			"Alerts":  {InterfaceVersion: "^1.3"},
		},
	}

	merged := MergeBootstrapConfigs(base, override)
	if merged.Version != "1.1.0" || merged.Name != base.Name {
		t.Errorf("%s - merged header = %s/%s", loaderTestPrefix, merged.Name, merged.Version)
	}
	if merged.Capabilities["Speaker"].InterfaceVersion != "^2.0" {
		t.Errorf("%s - override did not replace Speaker", loaderTestPrefix)
	}
	if _, ok := merged.Capabilities["Alerts"]; !ok {
		t.Errorf("%s - expected Alerts from override", loaderTestPrefix)
	}
	if _, ok := merged.Capabilities["System"]; !ok {
		t.Errorf("%s - expected System from base to remain", loaderTestPrefix)
	}
	if base.Capabilities["Speaker"].InterfaceVersion != "^1.0" {
		t.Errorf("%s - merge must not modify the base config", loaderTestPrefix)
	}
}
