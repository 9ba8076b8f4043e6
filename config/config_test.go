package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/qflashio/engine/config"
	"github.com/qflashio/engine/core"
)

func TestDefaultConfigIsValidOnceAttestationKeyIsSet(t *testing.T) {
	t.Setenv("ATTESTATION_KEY", "deadbeef")
	cfg := config.DefaultConfig()
	cfg.AttestationKeyHex = os.Getenv("ATTESTATION_KEY")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsUnsupportedDuration(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.AttestationKeyHex = "deadbeef"
	cfg.Markets = []config.MarketConfig{{Pair: "BTC-USD", Duration: core.Duration(45)}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an unsupported duration")
	}
}

func TestValidateRequiresAttestationKey(t *testing.T) {
	cfg := config.DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when ATTESTATION_KEY is unset")
	}
}

func TestLoadRoundTripsThroughSave(t *testing.T) {
	t.Setenv("ATTESTATION_KEY", "deadbeef")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := config.DefaultConfig()
	if err := config.Save(cfg, path); err != nil {
		t.Fatal(err)
	}
	loaded, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.APIAddr != cfg.APIAddr {
		t.Fatalf("APIAddr = %q, want %q", loaded.APIAddr, cfg.APIAddr)
	}
	if loaded.AttestationKeyHex != "deadbeef" {
		t.Fatalf("AttestationKeyHex = %q, want deadbeef", loaded.AttestationKeyHex)
	}
}
