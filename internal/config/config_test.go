package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/relaychat/internal/auth"
	"github.com/danmuck/relaychat/internal/identity"
	"github.com/danmuck/relaychat/internal/relay"
	"github.com/danmuck/relaychat/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relayd.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadRelayConfigTemplate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "nested", "relayd.toml")
	if err := WriteTemplate(path, "relay", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, "relay", false); err == nil {
		t.Fatalf("expected existing template to be kept")
	}

	cfg, err := LoadRelayConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node != "relayd" || cfg.TCPAddr != ":8443" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Auth.Mode != AuthProof || !cfg.Auth.VerifySignatures {
		t.Fatalf("unexpected auth: %+v", cfg.Auth)
	}

	server := RelayServer(cfg)
	if server.PingInterval != 30*time.Second || server.ReadTimeout != 90*time.Second {
		t.Fatalf("durations not converted: %+v", server)
	}
	if _, ok := RelayValidator(cfg.Auth).(identity.ProofValidator); !ok {
		t.Fatalf("expected proof validator")
	}
	if RelayVerifier(cfg.Auth) == nil {
		t.Fatalf("expected signature verifier")
	}
}

func TestLoadRelayConfigDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := LoadRelayConfig(writeConfig(t, "allowed_origins = []\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node != "relayd" || cfg.HTTPAddr != ":8080" || cfg.Auth.Mode != AuthOpen {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if _, ok := RelayValidator(cfg.Auth).(auth.Open); !ok {
		t.Fatalf("expected open validator")
	}
	if RelayVerifier(cfg.Auth) != nil {
		t.Fatalf("verifier should be off by default")
	}
	if got := RelayServer(cfg).Mode; got != relay.SecurityModeDevelopment {
		t.Fatalf("mode = %q", got)
	}
}

func TestValidateRelayConfig(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"token without secret": "[auth]\nmode = \"token\"\n",
		"table without tokens": "[auth]\nmode = \"table\"\n",
		"unknown auth":         "[auth]\nmode = \"kerberos\"\n",
		"negative timeout":     "read_timeout_ms = -1\n",
		"production plaintext": "mode = \"production\"\n",
		"ping beyond read":     "read_timeout_ms = 1000\nping_interval_ms = 2000\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadRelayConfig(writeConfig(t, body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestRelayValidatorModes(t *testing.T) {
	testlog.Start(t)
	v := RelayValidator(AuthConfig{Mode: AuthTable, Tokens: map[string]string{"alice": "a"}})
	if err := v.Validate("alice", "a"); err != nil {
		t.Fatalf("table validate: %v", err)
	}
	if err := v.Validate("bob", "a"); err == nil {
		t.Fatalf("expected bob to be refused")
	}
	if err := RelayValidator(AuthConfig{Mode: AuthToken, Token: "s"}).Validate("any", "s"); err != nil {
		t.Fatalf("token validate: %v", err)
	}
}

func TestTemplateKinds(t *testing.T) {
	testlog.Start(t)
	if _, err := Template("client"); err != nil {
		t.Fatalf("client template: %v", err)
	}
	if _, err := Template("unknown"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
