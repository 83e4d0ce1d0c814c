package geomint

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
environment = "development"

[signer]
mode = "local"
key_id = "dev-key"

[redis]
use_memory = true

[mongo]
use_memory = true
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Queue.Stream != "geomint:mint" || cfg.Queue.Group != "mint-workers" {
		t.Errorf("queue defaults = %q/%q", cfg.Queue.Stream, cfg.Queue.Group)
	}
	if cfg.Tickets.TTLSeconds != 3600 {
		t.Errorf("ttl default = %d, want 3600", cfg.Tickets.TTLSeconds)
	}
	if cfg.Production() {
		t.Error("development config reported as production")
	}
}

func TestLoadConfigProductionFailsClosed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "memory redemption store",
			body: `
environment = "production"
[signer]
mode = "custodial"
key_id = "k"
[signer.custodial]
url = "https://custody.internal/sign"
[redis]
use_memory = true
`,
		},
		{
			name: "memory audit trail",
			body: `
environment = "production"
[signer]
mode = "custodial"
key_id = "k"
[signer.custodial]
url = "https://custody.internal/sign"
[mongo]
use_memory = true
`,
		},
		{
			name: "local signer",
			body: `
environment = "production"
[signer]
mode = "local"
key_id = "k"
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tt.body)); err == nil {
				t.Error("LoadConfig() accepted an insecure production configuration")
			}
		})
	}
}
