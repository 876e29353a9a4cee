package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/viper"

	"github.com/Martian-dev/assist-mailsync/internal/models"
	"github.com/Martian-dev/assist-mailsync/internal/providers/imap"
)

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("WEBHOOK_CLIENT_STATE", "s3cret")
	t.Setenv("FRONTEND_URL", "http://localhost:5173, https://dash.example.com/")
	t.Setenv("DATABASE_URL", "postgres://mailsync@localhost/mailsync")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(newViper())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Webhook.ClientState != "s3cret" {
		t.Errorf("client state = %q", cfg.Webhook.ClientState)
	}
	if diff := cmp.Diff([]string{"http://localhost:5173", "https://dash.example.com"}, cfg.Frontend.Origins()); diff != "" {
		t.Errorf("origins mismatch (-want +got):\n%s", diff)
	}
	if !cfg.Database.IsPostgres() {
		t.Error("expected postgres database")
	}
	if cfg.Log.Level != "debug" || cfg.Sync.Concurrency != 4 || cfg.Realtime.Buffer != 64 {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestLoadIMAPAccountsFromFile(t *testing.T) {
	v := newViper()
	v.SetConfigType("yaml")
	yaml := `
imap:
  accounts:
    - address: claims@example.com
      host: imap.example.com
      username: claims
      password: pw
`
	if err := v.ReadConfig(strings.NewReader(yaml)); err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []imap.Account{{Address: "claims@example.com", Host: "imap.example.com", Username: "claims", Password: "pw"}}
	if diff := cmp.Diff(want, cfg.IMAP.Accounts); diff != "" {
		t.Errorf("accounts mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*viper.Viper)
	}{
		{"bad format", func(v *viper.Viper) { v.Set("log.format", "xml") }},
		{"bad schedule", func(v *viper.Viper) { v.Set("sync.schedule", "every now and then") }},
		{"zero concurrency", func(v *viper.Viper) { v.Set("sync.concurrency", 0) }},
		{"tokens without app id", func(v *viper.Viper) { v.Set("webhook.validate_tokens", true) }},
		{"empty database", func(v *viper.Viper) { v.Set("database.url", "") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newViper()
			tt.mutate(v)
			if _, err := Load(v); !errors.Is(err, models.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}

	v := newViper()
	v.Set("sync.schedule", "@every 15m")
	if _, err := Load(v); err != nil {
		t.Errorf("valid schedule rejected: %v", err)
	}
}
