package tls

import (
	"testing"

	"github.com/loykin/agenda/internal/config"
)

func TestSetupTLS_DisabledReturnsNil(t *testing.T) {
	cfg, err := SetupTLS(config.ServerConfig{})
	if err != nil {
		t.Fatalf("SetupTLS: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil *tls.Config when TLS is not configured")
	}
}

func TestSetupTLS_AutoGeneratesCertificateInDir(t *testing.T) {
	dir := t.TempDir()
	server := config.ServerConfig{
		TLS: &config.TLSConfig{
			Enabled:      true,
			Dir:          dir,
			AutoGenerate: true,
		},
	}

	cfg, err := SetupTLS(server)
	if err != nil {
		t.Fatalf("SetupTLS: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected a non-nil *tls.Config")
	}
	if cfg.GetCertificate == nil {
		t.Fatal("expected GetCertificate to be set")
	}
	if _, err := cfg.GetCertificate(nil); err != nil {
		t.Fatalf("expected the auto-generated certificate to load, got: %v", err)
	}
}

func TestPresets_Testing(t *testing.T) {
	cfg, err := Default.Testing()
	if err != nil {
		t.Fatalf("Testing: %v", err)
	}
	if !cfg.Enabled || !cfg.AutoGenerate || cfg.Dir == "" {
		t.Fatalf("unexpected testing preset: %+v", cfg)
	}
}
