package config

import (
	"flag"
	"os"
	"testing"
)

func clearServerEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"BIND_ADDRESS", "DATABASE_DSN", "JWT_ISSUER", "JWT_AUDIENCE",
		"JWT_KEY", "JWT_EXPIREMINUTES", "JWT_REFRESHTOKENDAYS",
	}
	for _, v := range vars {
		os.Unsetenv(v)
	}
}

func TestLoadServerConfigDefaults(t *testing.T) {
	clearServerEnv(t)
	cfg, err := LoadServerConfig(WithServerDefaults())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BindAddress == "" || cfg.DatabaseDSN == "" {
		t.Errorf("expected non-empty defaults, got %+v", cfg)
	}
	if cfg.JWT.ExpireMinutes != 60 || cfg.JWT.RefreshTokenDays != 30 {
		t.Errorf("unexpected JWT defaults: %+v", cfg.JWT)
	}
}

func TestLoadServerConfigEnvOverridesDefaults(t *testing.T) {
	clearServerEnv(t)
	os.Setenv("BIND_ADDRESS", "127.0.0.1:9000")
	os.Setenv("JWT_KEY", "super-secret")
	os.Setenv("JWT_EXPIREMINUTES", "15")
	defer clearServerEnv(t)

	cfg, err := LoadServerConfig(WithServerDefaults(), WithServerEnv())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BindAddress != "127.0.0.1:9000" {
		t.Errorf("BindAddress = %q", cfg.BindAddress)
	}
	if cfg.JWT.Key != "super-secret" {
		t.Errorf("JWT.Key = %q", cfg.JWT.Key)
	}
	if cfg.JWT.ExpireMinutes != 15 {
		t.Errorf("JWT.ExpireMinutes = %d", cfg.JWT.ExpireMinutes)
	}
}

func TestLoadServerConfigFlagsOverrideEnv(t *testing.T) {
	clearServerEnv(t)
	os.Setenv("DATABASE_DSN", "env.db")
	defer clearServerEnv(t)

	fSet := flag.NewFlagSet("test", flag.ContinueOnError)
	fSet.String("bind-address", "", "")
	fSet.String("database-dsn", "", "")
	if err := fSet.Parse([]string{"-database-dsn=flag.db"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg, err := LoadServerConfig(WithServerDefaults(), WithServerEnv(), WithServerFlags(fSet))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseDSN != "flag.db" {
		t.Errorf("expected flag to win over env, got DatabaseDSN=%q", cfg.DatabaseDSN)
	}
}

func TestJWTConfigDurations(t *testing.T) {
	j := JWTConfig{ExpireMinutes: 5, RefreshTokenDays: 2}
	if got, want := j.ExpireDuration().Minutes(), 5.0; got != want {
		t.Errorf("ExpireDuration() = %v minutes, want %v", got, want)
	}
	if got, want := j.RefreshDuration().Hours(), 48.0; got != want {
		t.Errorf("RefreshDuration() = %v hours, want %v", got, want)
	}
}
