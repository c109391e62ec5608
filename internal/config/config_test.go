package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 18600 {
		t.Errorf("port = %d, want 18600", cfg.Server.Port)
	}
	if cfg.Database.DSN() != "agencyd.db" {
		t.Errorf("dsn = %q", cfg.Database.DSN())
	}
	if cfg.Provider.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", cfg.Provider.Model)
	}
}

func TestLoadJSON5File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agencyd.json5")
	data := `{
		// comments are fine
		server: { host: "127.0.0.1", port: 9900, rate_limit_rps: 5 },
		provider: { model: "gpt-4.1" },
		env: { REGION: "eu-west-1" },
	}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9900 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.RateLimitRPS != 5 {
		t.Errorf("rate limit = %v", cfg.Server.RateLimitRPS)
	}
	if cfg.Provider.Model != "gpt-4.1" {
		t.Errorf("model = %q", cfg.Provider.Model)
	}
	if cfg.Env["REGION"] != "eu-west-1" {
		t.Errorf("env = %v", cfg.Env)
	}
	// Untouched fields keep defaults.
	if cfg.Provider.APIBase != "https://api.openai.com/v1" {
		t.Errorf("api base = %q", cfg.Provider.APIBase)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agencyd.json5")
	if err := os.WriteFile(path, []byte(`{server: {port: 9900}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AGENCYD_PORT", "7001")
	t.Setenv("AGENCYD_SECRET", "hunter2")
	t.Setenv("AGENCYD_POSTGRES_DSN", "postgres://u:p@localhost/agencyd")
	t.Setenv("AGENCYD_TELEMETRY_ENABLED", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7001 {
		t.Errorf("port = %d, want env override 7001", cfg.Server.Port)
	}
	if cfg.Server.Secret != "hunter2" {
		t.Errorf("secret = %q", cfg.Server.Secret)
	}
	if cfg.Database.DSN() != "postgres://u:p@localhost/agencyd" {
		t.Errorf("dsn = %q, postgres should win over sqlite", cfg.Database.DSN())
	}
	if !cfg.Telemetry.Enabled {
		t.Error("telemetry not enabled from env")
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json5")
	if err := os.WriteFile(path, []byte(`{server: `), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed config loaded without error")
	}
}

func TestFingerprintChangesWithContent(t *testing.T) {
	a := Default()
	b := Default()
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical configs hash differently")
	}
	b.Server.Port = 1
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("different configs hash the same")
	}
}
