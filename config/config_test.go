package config

import (
	"errors"
	"testing"
)

func TestParseValid(t *testing.T) {
	data := []byte(`
wrapper-template: /etc/irm/wrapper.pdf
signing-key: /etc/irm/signer.pem
crypto: aes128-ecb
offline-only: true
use-cache: true
signed-app-data:
  app: irmfile
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WrapperTemplate != "/etc/irm/wrapper.pdf" {
		t.Errorf("wrapper-template = %q", cfg.WrapperTemplate)
	}
	if cfg.Crypto != "aes128-ecb" {
		t.Errorf("crypto = %q", cfg.Crypto)
	}
	if !cfg.OfflineOnly || !cfg.UseCache {
		t.Error("boolean flags not parsed")
	}
	if cfg.SignedAppData["app"] != "irmfile" {
		t.Errorf("signed-app-data = %v", cfg.SignedAppData)
	}
}

func TestParseDefaultCrypto(t *testing.T) {
	cfg, err := Parse([]byte("wrapper-template: w.pdf\nsigning-key: k.pem\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Crypto != "aes128-cbc4k" {
		t.Errorf("crypto default = %q", cfg.Crypto)
	}
}

func TestParseMissingRequired(t *testing.T) {
	_, err := Parse([]byte("signing-key: k.pem\n"))
	if !errors.Is(err, ErrMissingRequiredField) {
		t.Errorf("missing wrapper-template: %v", err)
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "wrapper-template" {
		t.Errorf("error field = %v", err)
	}

	_, err = Parse([]byte("wrapper-template: w.pdf\n"))
	if !errors.Is(err, ErrMissingRequiredField) {
		t.Errorf("missing signing-key: %v", err)
	}
}

func TestParseUnknownCrypto(t *testing.T) {
	_, err := Parse([]byte("wrapper-template: w.pdf\nsigning-key: k.pem\ncrypto: rot13\n"))
	if !errors.Is(err, ErrConfigurationError) {
		t.Errorf("err = %v", err)
	}
}

func TestParseInvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("wrapper-template: [unclosed")); !errors.Is(err, ErrConfigurationError) {
		t.Errorf("err = %v", err)
	}
}
